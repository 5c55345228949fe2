package models

import (
	"reflect"
	"testing"
	"time"
)

func TestParseVerificationStatus(t *testing.T) {
	got, err := ParseVerificationStatus(" VERIFIED ")
	if err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if got != VerificationVerified {
		t.Fatalf("expected %q, got %q", VerificationVerified, got)
	}

	if _, err := ParseVerificationStatus("superseded"); err == nil {
		t.Fatal("expected invalid status error")
	}
}

func TestParseRegionStateAndTrigger(t *testing.T) {
	state, err := ParseRegionState("Degraded")
	if err != nil || state != RegionDegraded {
		t.Fatalf("expected degraded, got %q (%v)", state, err)
	}
	if _, err := ParseRegionState(""); err == nil {
		t.Fatal("expected empty region state error")
	}

	trigger, err := ParseBackupTrigger("pre_restore")
	if err != nil || trigger != TriggerPreRestore {
		t.Fatalf("expected pre_restore, got %q (%v)", trigger, err)
	}
	if _, err := ParseBackupTrigger("cron"); err == nil {
		t.Fatal("expected invalid trigger error")
	}
}

func TestValidateContractID(t *testing.T) {
	for _, id := range []string{"token-v1", "CABC123", "dex.pool_2"} {
		if err := ValidateContractID(id); err != nil {
			t.Fatalf("expected %q to be valid: %v", id, err)
		}
	}
	for _, id := range []string{"", "  ", "../etc", "a/b", "-lead"} {
		if err := ValidateContractID(id); err == nil {
			t.Fatalf("expected %q to be invalid", id)
		}
	}
}

func TestBackupRegionsHelpers(t *testing.T) {
	b := Backup{
		PrimaryRegion: "eu-west",
		Regions: map[string]RegionStatus{
			"us-east":  {Region: "us-east", State: RegionComplete},
			"eu-west":  {Region: "eu-west", State: RegionComplete},
			"ap-south": {Region: "ap-south", State: RegionPending},
			"af-north": {Region: "af-north", State: RegionComplete},
		},
	}
	if b.GeoRedundant() {
		t.Fatal("expected backup with pending region to not be geo-redundant")
	}
	want := []string{"eu-west", "af-north", "us-east"}
	if got := b.CompleteRegions(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	b.Regions["ap-south"] = RegionStatus{Region: "ap-south", State: RegionComplete}
	if !b.GeoRedundant() {
		t.Fatal("expected all-complete backup to be geo-redundant")
	}
}

func TestBackupDateOfUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	at := time.Date(2026, 3, 2, 5, 0, 0, 0, loc)
	if got := BackupDateOf(at); got != "2026-03-01" {
		t.Fatalf("expected 2026-03-01, got %s", got)
	}
}

func TestManifestValidate(t *testing.T) {
	m := Manifest{ContractID: "token-v1", Version: "1.2.0", Schema: map[string]string{"balance": "i128"}}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	m.Version = ""
	if err := m.Validate(); err == nil {
		t.Fatal("expected missing version error")
	}
	m.Version = "1"
	m.Schema[""] = "u32"
	if err := m.Validate(); err == nil {
		t.Fatal("expected empty schema field error")
	}
}

func TestStatsDedupRatio(t *testing.T) {
	if got := (Stats{}).DedupRatio(); got != 1 {
		t.Fatalf("expected ratio 1 for empty stats, got %v", got)
	}
	if got := (Stats{StoredBytes: 100, LogicalBytes: 300}).DedupRatio(); got != 3 {
		t.Fatalf("expected ratio 3, got %v", got)
	}
}

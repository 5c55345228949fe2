package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ctbackup/internal/backup"
	"ctbackup/internal/config"
	"ctbackup/internal/format"
	"ctbackup/internal/models"
	"ctbackup/internal/registry"
	"ctbackup/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "catalog.db")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.RegistryDir = filepath.Join(dir, "registry")
	cfg.Replication.InitialDelay = config.Duration{Duration: time.Millisecond}
	cfg.Replication.MaxDelay = config.Duration{Duration: 4 * time.Millisecond}
	t.Setenv(logLevelEnvKey, "error")
	t.Setenv("CTBACKUP_ACTOR", "tester")
	return &cfg
}

func runCLI(t *testing.T, cfg *config.Config, args ...string) error {
	t.Helper()
	outputFormatter = format.JSONFormatter{Indent: true}
	cmd := newRootCmd(cfg)
	cmd.SetArgs(args)
	cmd.SetOut(devNull(t))
	cmd.SetErr(devNull(t))
	return cmd.Execute()
}

func devNull(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open devnull: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func writeManifest(t *testing.T, dir, contractID, version string) string {
	t.Helper()
	path := filepath.Join(dir, contractID+"-"+version+".yaml")
	body := "contract_id: " + contractID + "\nversion: \"" + version + "\"\nnetwork: testnet\nschema:\n  owner: address\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func openCatalog(t *testing.T, cfg *config.Config) *store.Store {
	t.Helper()
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateVerifyRestoreFlow(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	if err := runCLI(t, cfg, "registry", "apply", writeManifest(t, dir, "c1", "1")); err != nil {
		t.Fatalf("registry apply: %v", err)
	}
	if err := runCLI(t, cfg, "create", "--wait", "c1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	st := openCatalog(t, cfg)
	backups, err := st.ListBackups(context.Background(), store.BackupFilter{ContractID: "c1"})
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected one backup, got %d", len(backups))
	}
	if !backups[0].GeoRedundant() {
		t.Fatalf("expected replication to finish before exit, got %+v", backups[0].Regions)
	}
	if backups[0].Trigger != models.TriggerManual {
		t.Fatalf("expected manual trigger, got %s", backups[0].Trigger)
	}

	if err := runCLI(t, cfg, "verify"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := runCLI(t, cfg, "registry", "apply", writeManifest(t, dir, "c1", "2")); err != nil {
		t.Fatalf("registry apply v2: %v", err)
	}
	if err := runCLI(t, cfg, "restore", "c1"); err != nil {
		t.Fatalf("restore: %v", err)
	}

	reg, err := registry.NewFileRegistry(cfg.RegistryDir)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	manifest, err := reg.GetManifest(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get manifest: %v", err)
	}
	if manifest.Version != "1" {
		t.Fatalf("expected restored version 1, got %s", manifest.Version)
	}

	rows, err := st.ListRestorations(context.Background(), "c1", 10)
	if err != nil {
		t.Fatalf("list restorations: %v", err)
	}
	if len(rows) != 1 || !rows[0].Success || rows[0].RestoredBy != "tester" {
		t.Fatalf("unexpected restorations %+v", rows)
	}
}

func TestCreateWithoutWaitLeavesCopiesToResume(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	if err := runCLI(t, cfg, "registry", "apply", writeManifest(t, dir, "c1", "1")); err != nil {
		t.Fatalf("registry apply: %v", err)
	}
	if err := runCLI(t, cfg, "create", "c1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	st := openCatalog(t, cfg)
	backups, err := st.ListBackups(context.Background(), store.BackupFilter{ContractID: "c1"})
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected one backup, got %d", len(backups))
	}
	primary := backups[0].Regions[cfg.Replication.PrimaryRegion]
	if primary.State != models.RegionComplete {
		t.Fatalf("expected primary copy complete, got %+v", backups[0].Regions)
	}

	if err := runCLI(t, cfg, "replicate"); err != nil {
		t.Fatalf("replicate: %v", err)
	}
	got, err := st.GetBackup(context.Background(), backups[0].ID)
	if err != nil {
		t.Fatalf("get backup: %v", err)
	}
	if !got.GeoRedundant() {
		t.Fatalf("expected replicate to finish every copy, got %+v", got.Regions)
	}
}

func TestRestoreWithoutVerifiedBackupFails(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	if err := runCLI(t, cfg, "registry", "apply", writeManifest(t, dir, "c1", "1")); err != nil {
		t.Fatalf("registry apply: %v", err)
	}
	if err := runCLI(t, cfg, "create", "c1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := runCLI(t, cfg, "restore", "c1")
	if backup.KindOf(err) != backup.KindNoVerifiedBackup {
		t.Fatalf("expected no_verified_backup, got %v", err)
	}
}

func TestPinAndListFlags(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	if err := runCLI(t, cfg, "registry", "apply", writeManifest(t, dir, "c1", "1")); err != nil {
		t.Fatalf("registry apply: %v", err)
	}
	if err := runCLI(t, cfg, "create", "c1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	st := openCatalog(t, cfg)
	backups, err := st.ListBackups(context.Background(), store.BackupFilter{ContractID: "c1"})
	if err != nil || len(backups) != 1 {
		t.Fatalf("list backups: %v (%d)", err, len(backups))
	}
	if err := runCLI(t, cfg, "pin", backups[0].ID); err != nil {
		t.Fatalf("pin: %v", err)
	}
	got, err := st.GetBackup(context.Background(), backups[0].ID)
	if err != nil {
		t.Fatalf("get backup: %v", err)
	}
	if !got.IsPinned {
		t.Fatal("expected backup to be pinned")
	}

	if err := runCLI(t, cfg, "list", "--status", "bogus"); err == nil {
		t.Fatal("expected invalid status error")
	}
	if err := runCLI(t, cfg, "list", "--since", "yesterday"); err == nil {
		t.Fatal("expected invalid time error")
	}
	if err := runCLI(t, cfg, "-o", "yaml", "list", "--pinned"); err != nil {
		t.Fatalf("list yaml: %v", err)
	}
	if err := runCLI(t, cfg, "-o", "xml", "stats"); err == nil {
		t.Fatal("expected unknown output format error")
	}
}

func TestCreateUnknownContract(t *testing.T) {
	cfg := testConfig(t)

	err := runCLI(t, cfg, "create", "missing")
	if backup.KindOf(err) != backup.KindValidation {
		t.Fatalf("expected validation_error, got %v", err)
	}
	if !containsLine(formatCLIError(err), "hint: list registry contracts with: ctbackup registry list") {
		t.Fatalf("expected registry guidance for %v", err)
	}
}

func TestMigrateDryRunOnFreshCatalog(t *testing.T) {
	cfg := testConfig(t)

	plan, err := inspectMigrations(cfg.DBPath)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(plan.Pending) == 0 {
		t.Fatal("expected pending migrations on a fresh catalog")
	}

	if err := runCLI(t, cfg, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	plan, err = inspectMigrations(cfg.DBPath)
	if err != nil {
		t.Fatalf("inspect after migrate: %v", err)
	}
	if len(plan.Pending) != 0 || plan.CurrentVersion != plan.AvailableVersion {
		t.Fatalf("expected catalog up to date, got %+v", plan)
	}
}

func TestServiceConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Backup.RetentionDays = 7
	cfg.Backup.PreRestoreCapture = true
	cfg.Schedule.VerifyInterval = config.Duration{Duration: 6 * time.Hour}
	cfg.Replication.Workers = 5
	cfg.Backup.Parallelism = 3

	got := serviceConfig(&cfg)
	if got.RetentionWindow != 7*24*time.Hour {
		t.Fatalf("unexpected retention %s", got.RetentionWindow)
	}
	if !got.PreRestoreCapture {
		t.Fatal("expected pre-restore capture")
	}
	if got.VerifyInterval != 6*time.Hour {
		t.Fatalf("unexpected verify interval %s", got.VerifyInterval)
	}
	if got.Parallelism != 3 {
		t.Fatalf("unexpected parallelism %d", got.Parallelism)
	}
	if got.Replication.Workers != 5 || got.Replication.MaxDelay != time.Minute {
		t.Fatalf("unexpected replication config %+v", got.Replication)
	}
}

func TestParseTimeFlag(t *testing.T) {
	got, err := parseTimeFlag("since", "")
	if err != nil || got != nil {
		t.Fatalf("expected nil for empty value, got %v %v", got, err)
	}

	got, err = parseTimeFlag("since", "2026-03-01")
	if err != nil {
		t.Fatalf("parse day: %v", err)
	}
	if !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected since %s", got)
	}

	got, err = parseTimeFlag("at", "2026-03-01")
	if err != nil {
		t.Fatalf("parse day: %v", err)
	}
	if got.Before(time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC)) {
		t.Fatalf("expected end of day, got %s", got)
	}

	got, err = parseTimeFlag("until", "2026-03-01T12:00:00+02:00")
	if err != nil {
		t.Fatalf("parse rfc3339: %v", err)
	}
	if got.Hour() != 10 || got.Location() != time.UTC {
		t.Fatalf("expected UTC conversion, got %s", got)
	}

	if _, err := parseTimeFlag("since", "03/01/2026"); err == nil {
		t.Fatal("expected error")
	}
}

func TestReadManifestFileValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("contract_id: c1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readManifestFile(path); err == nil {
		t.Fatal("expected missing version error")
	}

	manifest, err := readManifestFile(writeManifest(t, dir, "c2", "3"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if manifest.ContractID != "c2" || manifest.Schema["owner"] != "address" {
		t.Fatalf("unexpected manifest %+v", manifest)
	}
}

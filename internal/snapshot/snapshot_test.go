package snapshot

import (
	"bytes"
	"errors"
	"testing"

	"ctbackup/internal/models"
)

func testManifest() models.Manifest {
	return models.Manifest{
		ContractID: "token-a",
		Name:       "Token A",
		Version:    "1.2.0",
		Network:    "testnet",
		Schema:     map[string]string{"owner": "address", "supply": "u128"},
		Metadata:   map[string]any{"tags": []any{"erc20"}, "maturity": "stable"},
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	first, err := Encode(Snapshot{Manifest: testManifest()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := Encode(Snapshot{Manifest: testManifest()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("expected identical content to encode to identical bytes")
	}

	withState, err := Encode(Snapshot{Manifest: testManifest(), State: []byte(`{"supply":"100"}`)})
	if err != nil {
		t.Fatalf("encode with state: %v", err)
	}
	if bytes.Equal(first, withState) {
		t.Fatal("expected state to change the encoding")
	}
}

func TestDecodeReturnsManifestAndState(t *testing.T) {
	state := []byte(`{"supply":"100"}`)
	data, err := Encode(Snapshot{Manifest: testManifest(), State: state})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, hdr, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.Version != FormatVersion || !hdr.IncludeState || hdr.ManifestVersion != "1.2.0" {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	if got.Manifest.ContractID != "token-a" || got.Manifest.Schema["supply"] != "u128" {
		t.Fatalf("unexpected manifest: %+v", got.Manifest)
	}
	if !bytes.Equal(got.State, state) {
		t.Fatalf("expected state %q, got %q", state, got.State)
	}

	data, err = Encode(Snapshot{Manifest: testManifest()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, hdr, err = Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.IncludeState || got.State != nil {
		t.Fatalf("expected no state section, got %+v", hdr)
	}
}

func TestDecodeRejectsDamage(t *testing.T) {
	data, err := Encode(Snapshot{Manifest: testManifest()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	flipped := append([]byte(nil), data...)
	flipped[len(magicBytes)+6] ^= 0x01
	if _, _, err := Decode(flipped); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}

	if _, _, err := Decode(data[:10]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestEncodeRejectsInvalidManifest(t *testing.T) {
	manifest := testManifest()
	manifest.Version = ""
	if _, err := Encode(Snapshot{Manifest: manifest}); err == nil {
		t.Fatal("expected error for manifest without version")
	}
}

func TestSupportedVersion(t *testing.T) {
	if !SupportedVersion(FormatVersion) {
		t.Fatal("current version must be supported")
	}
	if SupportedVersion(0) || SupportedVersion(FormatVersion+1) {
		t.Fatal("unexpected version reported as supported")
	}
}

func TestDecodeKeepsLargeIntegersExact(t *testing.T) {
	manifest := testManifest()
	manifest.Metadata = map[string]any{
		"supply":   int64(9007199254740993),
		"max":      uint64(18446744073709551615),
		"ratio":    0.25,
		"limits":   map[string]any{"daily": int64(9007199254740995)},
		"decimals": []any{int64(18), int64(6)},
	}
	data, err := Encode(Snapshot{Manifest: manifest})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	snap, _, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	meta := snap.Manifest.Metadata
	if got, ok := meta["supply"].(int64); !ok || got != 9007199254740993 {
		t.Fatalf("supply: got %T %v", meta["supply"], meta["supply"])
	}
	if got, ok := meta["max"].(uint64); !ok || got != 18446744073709551615 {
		t.Fatalf("max: got %T %v", meta["max"], meta["max"])
	}
	if got, ok := meta["ratio"].(float64); !ok || got != 0.25 {
		t.Fatalf("ratio: got %T %v", meta["ratio"], meta["ratio"])
	}
	limits, ok := meta["limits"].(map[string]any)
	if !ok || limits["daily"] != int64(9007199254740995) {
		t.Fatalf("nested limits: got %#v", meta["limits"])
	}
	decimals, ok := meta["decimals"].([]any)
	if !ok || len(decimals) != 2 || decimals[0] != int64(18) {
		t.Fatalf("decimals: got %#v", meta["decimals"])
	}

	again, err := Encode(Snapshot{Manifest: snap.Manifest})
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("expected decoded manifest to re-encode to the same bytes")
	}
}

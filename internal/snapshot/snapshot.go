// Package snapshot encodes contract snapshots into the canonical blob format
// stored in the content store.
//
// Layout:
//
//	magic "CTBKSNAP"
//	u32 header length | header JSON
//	u32 manifest length | manifest JSON
//	u32 state length | state bytes
//	blake2b-256 of everything above
//
// The header carries no timestamps so identical content always encodes to
// identical bytes and therefore to the same content hash.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"ctbackup/internal/models"
)

// FormatVersion is the version written by Encode.
const FormatVersion = 1

const checksumSize = blake2b.Size256

var magicBytes = []byte("CTBKSNAP")

var (
	ErrInvalidMagic       = errors.New("snapshot: invalid magic bytes")
	ErrChecksumMismatch   = errors.New("snapshot: checksum mismatch")
	ErrUnsupportedVersion = errors.New("snapshot: unsupported format version")
	ErrTruncated          = errors.New("snapshot: truncated")
)

// Snapshot is the decoded content of one backup blob.
type Snapshot struct {
	Manifest models.Manifest
	State    []byte
}

// Header describes the payload sections of an encoded snapshot.
type Header struct {
	Version         int    `json:"version"`
	ContractID      string `json:"contract_id"`
	ManifestVersion string `json:"manifest_version"`
	IncludeState    bool   `json:"include_state"`
}

// SupportedVersion reports whether Decode can read the given format version.
func SupportedVersion(version int) bool {
	return version >= 1 && version <= FormatVersion
}

// Encode serializes a snapshot into canonical bytes.
func Encode(s Snapshot) ([]byte, error) {
	if err := s.Manifest.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	hdr := Header{
		Version:         FormatVersion,
		ContractID:      s.Manifest.ContractID,
		ManifestVersion: s.Manifest.Version,
		IncludeState:    s.State != nil,
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal header: %w", err)
	}
	manifestJSON, err := json.Marshal(s.Manifest)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal manifest: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(magicBytes)
	for _, section := range [][]byte{hdrJSON, manifestJSON, s.State} {
		if err := writeSection(&buf, section); err != nil {
			return nil, err
		}
	}

	sum := blake2b.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// Decode parses and checks canonical snapshot bytes.
func Decode(data []byte) (*Snapshot, *Header, error) {
	if len(data) < len(magicBytes)+checksumSize {
		return nil, nil, ErrTruncated
	}
	body := data[:len(data)-checksumSize]
	expected := data[len(data)-checksumSize:]
	sum := blake2b.Sum256(body)
	if !bytes.Equal(sum[:], expected) {
		return nil, nil, ErrChecksumMismatch
	}

	r := bytes.NewReader(body)
	magic := make([]byte, len(magicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, ErrTruncated
	}
	if !bytes.Equal(magic, magicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	hdrJSON, err := readSection(r)
	if err != nil {
		return nil, nil, err
	}
	if len(hdrJSON) == 0 {
		return nil, nil, fmt.Errorf("snapshot: empty header")
	}
	var hdr Header
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, nil, fmt.Errorf("snapshot: unmarshal header: %w", err)
	}
	if !SupportedVersion(hdr.Version) {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr.Version)
	}

	manifestJSON, err := readSection(r)
	if err != nil {
		return nil, nil, err
	}
	var manifest models.Manifest
	dec := json.NewDecoder(bytes.NewReader(manifestJSON))
	dec.UseNumber()
	if err := dec.Decode(&manifest); err != nil {
		return nil, nil, fmt.Errorf("snapshot: unmarshal manifest: %w", err)
	}
	for key, value := range manifest.Metadata {
		manifest.Metadata[key] = normalizeNumbers(value)
	}
	if manifest.ContractID != hdr.ContractID {
		return nil, nil, fmt.Errorf("snapshot: manifest contract %q does not match header %q", manifest.ContractID, hdr.ContractID)
	}

	state, err := readSection(r)
	if err != nil {
		return nil, nil, err
	}
	if r.Len() != 0 {
		return nil, nil, fmt.Errorf("snapshot: %d trailing bytes", r.Len())
	}

	out := &Snapshot{Manifest: manifest}
	if hdr.IncludeState {
		out.State = state
	}
	return out, &hdr, nil
}

// normalizeNumbers replaces json.Number values with int64, uint64 or float64
// so integers outside the float64 range survive a round trip exactly.
func normalizeNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(v.String(), 10, 64); err == nil {
			return u
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		for key, item := range v {
			v[key] = normalizeNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = normalizeNumbers(item)
		}
		return v
	default:
		return value
	}
}

func writeSection(buf *bytes.Buffer, section []byte) error {
	if uint64(len(section)) > math.MaxUint32 {
		return fmt.Errorf("snapshot: section of %d bytes is too large", len(section))
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(section)))
	buf.Write(n[:])
	buf.Write(section)
	return nil
}

func readSection(r *bytes.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, ErrTruncated
	}
	size := binary.BigEndian.Uint32(n[:])
	if int64(size) > int64(r.Len()) {
		return nil, ErrTruncated
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, ErrTruncated
	}
	return out, nil
}

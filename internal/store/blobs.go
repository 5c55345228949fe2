package store

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"ctbackup/internal/models"
)

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// GetBlob returns the catalog row for a content hash.
func (s *Store) GetBlob(ctx context.Context, digest string) (*models.Blob, error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	blob, err := scanBlob(s.db.QueryRowContext(ctx, `
		SELECT sha256, size_bytes, ref_count, created_at FROM blobs WHERE sha256 = ?
	`, digest))
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrNotFound
	}
	return blob, nil
}

// BlobReferenced reports whether any live backup holds a reference on digest.
func (s *Store) BlobReferenced(ctx context.Context, digest string) (bool, error) {
	var refs int
	err := s.db.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE sha256 = ?`, digest).Scan(&refs)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return refs > 0, nil
}

// ListBlobDigests returns every digest the catalog knows about.
func (s *Store) ListBlobDigests(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sha256 FROM blobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var digest string
		if err := rows.Scan(&digest); err != nil {
			return nil, err
		}
		out[digest] = struct{}{}
	}
	return out, rows.Err()
}

func scanBlob(scanner interface {
	Scan(dest ...any) error
}) (*models.Blob, error) {
	blob := models.Blob{}
	var createdAt string

	err := scanner.Scan(&blob.SHA256, &blob.SizeBytes, &blob.RefCount, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	parsedCreated, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	blob.CreatedAt = parsedCreated

	return &blob, nil
}

package models

import "time"

// Blob is the catalog view of one content-addressed object.
//
// RefCount equals the number of live backups whose content_hash matches SHA256.
type Blob struct {
	SHA256    string    `json:"sha256"`
	SizeBytes int64     `json:"size_bytes"`
	RefCount  int       `json:"ref_count"`
	CreatedAt time.Time `json:"created_at"`
}

package main

import (
	"fmt"
	"strings"
	"time"

	"ctbackup/internal/models"
)

// parseTimeFlag accepts RFC3339 or a calendar day. A bare day ending a
// range means the end of that day.
func parseTimeFlag(name, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	day, err := time.Parse(models.BackupDateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: use RFC3339 or YYYY-MM-DD", name, raw)
	}
	if name == "until" || name == "at" {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return &day, nil
}

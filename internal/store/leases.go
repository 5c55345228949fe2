package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease claims the (contractID, kind) lease for holder until the given
// time. An existing lease is taken over only once it has expired at now or is
// already owned by holder. It reports whether holder owns the lease afterwards.
func (s *Store) AcquireLease(ctx context.Context, contractID, kind, holder string, now, until time.Time) (bool, error) {
	if contractID == "" || kind == "" || holder == "" {
		return false, fmt.Errorf("lease contract id, kind and holder are required")
	}
	if !until.After(now) {
		return false, fmt.Errorf("lease expiry must be after now")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO contract_locks (contract_id, kind, holder, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(contract_id, kind) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE contract_locks.expires_at <= ? OR contract_locks.holder = excluded.holder
	`, contractID, kind, holder, formatTime(until), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return affected == 1, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, contractID, kind, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM contract_locks WHERE contract_id = ? AND kind = ? AND holder = ?`,
		contractID, kind, holder,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

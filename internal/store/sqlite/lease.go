package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carevault/auditanchor/internal/lock"
)

var _ lock.Locker = (*Store)(nil)

// Acquire implements lock.Locker with a row in the leases table. An
// expired lease is taken over in the same statement that checks it.
func (s *Store) Acquire(ctx context.Context, name string, ttl time.Duration) (lock.Release, error) {
	owner := uuid.NewString()
	now := time.Now()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE leases.expires_at <= ?`,
		name, owner, formatTS(now.Add(ttl)), formatTS(now),
	)
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	if n == 0 {
		return nil, lock.ErrLockHeld
	}

	return func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner); err != nil {
			return fmt.Errorf("releasing lease %s: %w", name, err)
		}
		return nil
	}, nil
}

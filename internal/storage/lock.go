package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AcquireLock attempts to take the named lease in a single conditional
// write. It succeeds when no row exists, the existing row's lease expired,
// or the row is already owned by owner (idempotent re-acquire).
func (s *Store) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks(resource, owner, expires_at) VALUES(?,?,?)
		 ON CONFLICT(resource) DO UPDATE SET
		   owner = excluded.owner,
		   expires_at = excluded.expires_at
		 WHERE locks.expires_at < ? OR locks.owner = excluded.owner`,
		resource, owner, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLock frees the lease if owner still holds it. Releasing a lock
// owned by someone else (or already expired and re-taken) is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, resource, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource = ? AND owner = ?`, resource, owner)
	return err
}

// CleanupStaleLocks deletes expired lease rows and returns how many it removed.
func (s *Store) CleanupStaleLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE expires_at < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetLock reads the current lease row, mostly for diagnostics and tests.
func (s *Store) GetLock(ctx context.Context, resource string) (Lock, error) {
	var l Lock
	var exp int64
	err := s.db.QueryRowContext(ctx,
		`SELECT resource, owner, expires_at FROM locks WHERE resource = ?`, resource).
		Scan(&l.Resource, &l.Owner, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, ErrNotFound
	}
	if err != nil {
		return Lock{}, err
	}
	l.ExpiresAt = time.UnixMilli(exp)
	return l, nil
}

// Package store — lease.go implements the distributed lease (spec component
// C2): a named, expiring, owner-tagged row used to serialize cluster-wide
// singleton work (the poller). Grounded in the teacher's
// domain/session/store lease table and the guard-lease pattern in
// domain/session/manager/orchestrator.go, adapted to the exact three-call
// protocol spec.md §4.2 names: tryAcquire, check, tryRelease.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Lease is the in-memory view of a held or free named lock (spec.md §3).
type Lease struct {
	Name  string
	Owner string
	TS    time.Time
}

// TryAcquire attempts to take the named lease for owner. In one transaction
// it first deletes any row older than forceAfter (force-break on staleness,
// spec.md §3 invariant 6), then attempts to INSERT (name, owner, now).
// Success iff the INSERT commits.
func (s *Store) TryAcquire(ctx context.Context, name, owner string, forceAfter time.Duration) (bool, error) {
	acquired := false
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM leases WHERE name = $1 AND ts < now() - ($2 * interval '1 second')`,
			name, forceAfter.Seconds())
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO leases (name, owner, ts) VALUES ($1, $2, now()) ON CONFLICT (name) DO NOTHING`,
			name, owner)
		if err != nil {
			return err
		}
		acquired = tag.RowsAffected() == 1
		return nil
	})
	return acquired, err
}

// Check renews the lease if owner still holds it. Returns false if the lease
// has been taken by someone else, force-broken, or never existed — callers
// (the poller's inner loop) must abort as soon as Check returns false.
func (s *Store) Check(ctx context.Context, name, owner string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE leases SET ts = now() WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// TryRelease drops the lease iff owner still holds it.
func (s *Store) TryRelease(ctx context.Context, name, owner string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM leases WHERE name = $1 AND owner = $2`, name, owner)
	return err
}

// GetLease returns the current holder of a named lease, if any.
func (s *Store) GetLease(ctx context.Context, name string) (*Lease, error) {
	var l Lease
	err := s.Pool.QueryRow(ctx, `SELECT name, owner, ts FROM leases WHERE name = $1`, name).Scan(&l.Name, &l.Owner, &l.TS)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}


package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Meeting is a live or recently-live BBB meeting bound to exactly one
// server (spec.md §3, invariant 1).
type Meeting struct {
	ID         int64
	ExternalID string
	TenantID   int64
	ServerID   int64
	InternalID *string
	UUID       string
	Created    time.Time
	Modified   time.Time
}

const meetingColumns = `id, external_id, tenant_id, server_id, internal_id, uuid, created, modified`

func scanMeeting(row pgx.Row) (*Meeting, error) {
	var m Meeting
	err := row.Scan(&m.ID, &m.ExternalID, &m.TenantID, &m.ServerID, &m.InternalID, &m.UUID, &m.Created, &m.Modified)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// FindMeetingForUpdate looks up a live meeting by (tenantID, externalID) and
// row-locks it, per spec.md §4.6 step 2.
func FindMeetingForUpdate(ctx context.Context, tx pgx.Tx, tenantID int64, externalID string) (*Meeting, error) {
	return scanMeeting(tx.QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE tenant_id = $1 AND external_id = $2 FOR UPDATE`,
		tenantID, externalID))
}

// GetOrCreateMeeting implements the standard get-or-create pattern from
// spec.md §4.1: attempt INSERT; on a unique_violation (another process raced
// us), roll back and re-SELECT, which must then succeed.
func GetOrCreateMeeting(ctx context.Context, tx pgx.Tx, tenantID, serverID int64, externalID, uuid string) (*Meeting, bool, error) {
	// The INSERT runs under a savepoint so a unique_violation can be rolled
	// back without aborting the caller's transaction.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	row := sp.QueryRow(ctx,
		`INSERT INTO meetings (external_id, tenant_id, server_id, uuid) VALUES ($1, $2, $3, $4)
		 RETURNING `+meetingColumns,
		externalID, tenantID, serverID, uuid)
	m, err := scanMeeting(row)
	if err == nil {
		if err := sp.Commit(ctx); err != nil {
			return nil, false, err
		}
		return m, true, nil
	}
	_ = sp.Rollback(ctx)
	if !isUniqueViolation(err) {
		return nil, false, err
	}

	existing, err := FindMeetingForUpdate(ctx, tx, tenantID, externalID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// SetInternalID patches a meeting with the backend-assigned internalMeetingID
// (spec.md §4.6 step 7).
func (s *Store) SetInternalID(ctx context.Context, meetingID int64, internalID string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE meetings SET internal_id = $1, modified = now() WHERE id = $2`, internalID, meetingID)
	return err
}

// DeleteMeeting removes a meeting row (used for `end`, compensating deletes,
// and poller reconciliation).
func (s *Store) DeleteMeeting(ctx context.Context, meetingID int64) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM meetings WHERE id = $1`, meetingID)
	return err
}

// DeleteMeetingTx is the transactional variant, used by GetOrCreateMeeting's
// callers when compensating a failed create (spec.md §4.6 step 8).
func DeleteMeetingTx(ctx context.Context, tx pgx.Tx, meetingID int64) error {
	_, err := tx.Exec(ctx, `DELETE FROM meetings WHERE id = $1`, meetingID)
	return err
}

// GetMeetingByUUID resolves a Meeting by its balancer-minted uuid, used by
// the callback router.
func (s *Store) GetMeetingByUUID(ctx context.Context, uuid string) (*Meeting, error) {
	return scanMeeting(s.Pool.QueryRow(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE uuid = $1`, uuid))
}

// GetMeetingByExternalID resolves a Meeting by (tenantID, externalID)
// without locking, for read paths like isMeetingRunning/getMeetingInfo.
func (s *Store) GetMeetingByExternalID(ctx context.Context, tenantID int64, externalID string) (*Meeting, error) {
	return scanMeeting(s.Pool.QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE tenant_id = $1 AND external_id = $2`, tenantID, externalID))
}

// ListMeetingsByTenant returns every meeting bound to the given tenant,
// across every server (spec.md §4.6 `getMeetings`).
func (s *Store) ListMeetingsByTenant(ctx context.Context, tenantID int64) ([]*Meeting, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMeetingsByServer returns every meeting currently bound to a server.
// The poller's reconciliation pass does not use it; it calls
// DeleteMeetingsNotIn instead.
func (s *Store) ListMeetingsByServer(ctx context.Context, serverID int64) ([]*Meeting, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE server_id = $1`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMeetingsNotIn deletes meetings bound to serverID whose internal_id is
// NOT NULL and not present in liveInternalIDs. Meetings with a null
// internal_id are always kept (they may be mid-creation), matching spec.md
// §4.8 step 4.
func (s *Store) DeleteMeetingsNotIn(ctx context.Context, serverID int64, liveInternalIDs []string) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM meetings WHERE server_id = $1 AND internal_id IS NOT NULL AND NOT (internal_id = ANY($2))`,
		serverID, liveInternalIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

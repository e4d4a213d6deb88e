package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Callback type constants (spec.md §3).
const (
	CallbackEnd = "END"
	CallbackRec = "REC"
)

// Callback is a registered backend→balancer interception (spec.md §3).
type Callback struct {
	ID       int64
	UUID     string
	Type     string
	TenantID int64
	ServerID int64
	Forward  *string
	Created  time.Time
}

const callbackColumns = `id, uuid, type, tenant_id, server_id, forward, created`

func scanCallback(row pgx.Row) (*Callback, error) {
	var c Callback
	err := row.Scan(&c.ID, &c.UUID, &c.Type, &c.TenantID, &c.ServerID, &c.Forward, &c.Created)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// CreateCallbackTx persists a Callback row within the caller's transaction
// (spec.md §4.6 step 6: the END/REC/custom callbacks are created alongside
// the meeting, in the same unit of work, so a failed create can roll them
// back).
func CreateCallbackTx(ctx context.Context, tx pgx.Tx, uuid, typ string, tenantID, serverID int64, forward *string) (*Callback, error) {
	return scanCallback(tx.QueryRow(ctx,
		`INSERT INTO callbacks (uuid, type, tenant_id, server_id, forward) VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+callbackColumns,
		uuid, typ, tenantID, serverID, forward))
}

// DeleteCallbacksForMeetingTx removes every callback for uuid, used to
// compensate a failed `create` (spec.md §4.6 step 8).
func DeleteCallbacksForMeetingTx(ctx context.Context, tx pgx.Tx, uuid string) error {
	_, err := tx.Exec(ctx, `DELETE FROM callbacks WHERE uuid = $1`, uuid)
	return err
}

// ConsumeEndCallback atomically finds and deletes the END callback for uuid
// (spec.md §3 invariant 3: consumed-once). Returns ErrNotFound if none exists
// (already fired, or never registered).
func (s *Store) ConsumeEndCallback(ctx context.Context, uuid string) (*Callback, error) {
	return scanCallback(s.Pool.QueryRow(ctx,
		`DELETE FROM callbacks WHERE uuid = $1 AND type = $2 RETURNING `+callbackColumns, uuid, CallbackEnd))
}

// FindCallbacksByUUIDAndType returns every callback row for (uuid, type) —
// REC callbacks may have more than one forward URL registered per uuid.
func (s *Store) FindCallbacksByUUIDAndType(ctx context.Context, uuid, typ string) ([]*Callback, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+callbackColumns+` FROM callbacks WHERE uuid = $1 AND type = $2`, uuid, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Callback
	for rows.Next() {
		c, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetServerForCallback loads the Server a Callback is bound to, needed to
// look up the secret that signed the originating request (spec.md §4.7).
func (s *Store) GetServerForCallback(ctx context.Context, c *Callback) (*Server, error) {
	return s.GetServer(ctx, c.ServerID)
}

// DeleteCallback removes a single callback row by ID, used once a REC
// callback has fired (spec.md §4.9 step 4).
func (s *Store) DeleteCallback(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM callbacks WHERE id = $1`, id)
	return err
}

package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Health is a Server's health state (spec.md §3).
type Health string

const (
	HealthAvailable Health = "AVAILABLE"
	HealthUnstable  Health = "UNSTABLE"
	HealthOffline   Health = "OFFLINE"
)

// Server is a single BBB backend instance (spec.md §3).
type Server struct {
	ID           int64
	Domain       string
	Secret       string
	Enabled      bool
	Health       Health
	Errors       int
	RecoverCount int
	Load         float64
}

func scanServer(row pgx.Row) (*Server, error) {
	var srv Server
	err := row.Scan(&srv.ID, &srv.Domain, &srv.Secret, &srv.Enabled, &srv.Health, &srv.Errors, &srv.RecoverCount, &srv.Load)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &srv, nil
}

const serverColumns = `id, domain, secret, enabled, health, errors, recover_count, load`

// GetServer loads a server by ID.
func (s *Store) GetServer(ctx context.Context, id int64) (*Server, error) {
	return scanServer(s.Pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id))
}

// GetServerByDomain loads a server by its domain, used by the recording
// upload endpoint's `kid`-based JWT secret lookup (spec.md §6).
func (s *Store) GetServerByDomain(ctx context.Context, domain string) (*Server, error) {
	return scanServer(s.Pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE domain = $1`, domain))
}

// ListServers returns every known server, ordered by domain.
func (s *Store) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// CreateServer registers a new backend. New servers start OFFLINE (spec.md
// §4.8): they must pass a health check before they can receive traffic.
func (s *Store) CreateServer(ctx context.Context, domain, secret string) (*Server, error) {
	srv := &Server{Domain: domain, Secret: secret, Enabled: true, Health: HealthOffline}
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO servers (domain, secret, enabled, health) VALUES ($1, $2, TRUE, 'OFFLINE') RETURNING id`,
		domain, secret).Scan(&srv.ID)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// SelectBestServerForUpdate picks the lowest-load enabled/AVAILABLE server
// and row-locks it, per spec.md §4.6 step 3. Must run inside a transaction
// that also performs the load bump and meeting insert.
func SelectBestServerForUpdate(ctx context.Context, tx pgx.Tx) (*Server, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers
		 WHERE enabled AND health = 'AVAILABLE'
		 ORDER BY load ASC
		 LIMIT 1
		 FOR UPDATE`)
	srv, err := scanServer(row)
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNoAvailableServer
		}
		return nil, err
	}
	return srv, nil
}

// BumpLoad applies an expression-level UPDATE (load = load + delta) so
// concurrent creates observe each other's bump without a read-modify-write
// race (spec.md §4.6 step 4, §5).
func BumpLoad(ctx context.Context, tx pgx.Tx, serverID int64, delta float64) error {
	_, err := tx.Exec(ctx, `UPDATE servers SET load = load + $1, modified = now() WHERE id = $2`, delta, serverID)
	return err
}

// SetLoad overwrites a server's load estimate outright (used by the poller,
// spec.md §4.8 step 4, which recomputes load from scratch each sweep).
func (s *Store) SetLoad(ctx context.Context, serverID int64, load float64) error {
	_, err := s.Pool.Exec(ctx, `UPDATE servers SET load = $1, modified = now() WHERE id = $2`, load, serverID)
	return err
}

// MarkSuccess applies the health state machine's success transition
// (spec.md §4.8):
//
//	AVAILABLE            -> stays AVAILABLE
//	recover < PollRecover -> recover++, UNSTABLE
//	otherwise             -> errors=0, recover=0, AVAILABLE
//
// Returns the server's health before and after, so callers can log
// transitions at WARN as spec.md requires.
func (s *Store) MarkSuccess(ctx context.Context, serverID int64, pollRecover int) (before, after Health, err error) {
	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		srv, e := scanServer(tx.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1 FOR UPDATE`, serverID))
		if e != nil {
			return e
		}
		before = srv.Health

		switch {
		case srv.Health == HealthAvailable:
			after = HealthAvailable
			return nil
		case srv.RecoverCount < pollRecover:
			after = HealthUnstable
			_, e = tx.Exec(ctx, `UPDATE servers SET recover_count = recover_count + 1, health = $1, modified = now() WHERE id = $2`, after, serverID)
		default:
			after = HealthAvailable
			_, e = tx.Exec(ctx, `UPDATE servers SET errors = 0, recover_count = 0, health = $1, modified = now() WHERE id = $2`, after, serverID)
		}
		return e
	})
	return before, after, err
}

// MarkError applies the health state machine's failure transition
// (spec.md §4.8):
//
//	OFFLINE              -> stays OFFLINE
//	errors < PollFail     -> recover=0, errors++, UNSTABLE
//	otherwise             -> OFFLINE
func (s *Store) MarkError(ctx context.Context, serverID int64, pollFail int) (before, after Health, err error) {
	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		srv, e := scanServer(tx.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1 FOR UPDATE`, serverID))
		if e != nil {
			return e
		}
		before = srv.Health

		switch {
		case srv.Health == HealthOffline:
			after = HealthOffline
			return nil
		case srv.Errors < pollFail:
			after = HealthUnstable
			_, e = tx.Exec(ctx, `UPDATE servers SET recover_count = 0, errors = errors + 1, health = $1, modified = now() WHERE id = $2`, after, serverID)
		default:
			after = HealthOffline
			_, e = tx.Exec(ctx, `UPDATE servers SET health = $1, modified = now() WHERE id = $2`, after, serverID)
		}
		return e
	})
	return before, after, err
}

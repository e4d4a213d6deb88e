package store

import (
	"context"
	"encoding/json"
)

// Override is one tenant-scoped parameter rewrite rule (spec.md §4.5).
type Override struct {
	Param string `json:"param"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// Tenant is a logical frontend customer (spec.md §3).
type Tenant struct {
	ID        int64
	Name      string
	Realm     string
	Secrets   []string
	Enabled   bool
	Overrides []Override
}

// GetTenantByRealm resolves a Tenant by its routing realm header value.
func (s *Store) GetTenantByRealm(ctx context.Context, realm string) (*Tenant, error) {
	return s.scanTenant(s.Pool.QueryRow(ctx,
		`SELECT id, name, realm, secrets, enabled, overrides FROM tenants WHERE realm = $1`, realm))
}

// GetTenantByName resolves a Tenant by its administrative name.
func (s *Store) GetTenantByName(ctx context.Context, name string) (*Tenant, error) {
	return s.scanTenant(s.Pool.QueryRow(ctx,
		`SELECT id, name, realm, secrets, enabled, overrides FROM tenants WHERE name = $1`, name))
}

// GetTenant resolves a Tenant by its primary key, used by the callback
// router to recover the signing secret for a Callback's TenantID.
func (s *Store) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	return s.scanTenant(s.Pool.QueryRow(ctx,
		`SELECT id, name, realm, secrets, enabled, overrides FROM tenants WHERE id = $1`, id))
}

func (s *Store) scanTenant(row interface {
	Scan(dest ...any) error
}) (*Tenant, error) {
	var t Tenant
	var secretsRaw, overridesRaw []byte
	err := row.Scan(&t.ID, &t.Name, &t.Realm, &secretsRaw, &t.Enabled, &overridesRaw)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(secretsRaw, &t.Secrets); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(overridesRaw, &t.Overrides); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTenant administratively creates a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) (*Tenant, error) {
	secretsRaw, err := json.Marshal(t.Secrets)
	if err != nil {
		return nil, err
	}
	overridesRaw, err := json.Marshal(t.Overrides)
	if err != nil {
		return nil, err
	}
	var id int64
	err = s.Pool.QueryRow(ctx,
		`INSERT INTO tenants (name, realm, secrets, enabled, overrides) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		t.Name, t.Realm, secretsRaw, t.Enabled, overridesRaw).Scan(&id)
	if err != nil {
		return nil, err
	}
	t.ID = id
	return t, nil
}

// DisableTenant soft-disables a tenant unless it still owns live meetings,
// matching spec.md §3's "soft-disabled on removal only if it has live
// meetings" invariant (interpreted as: disabling is refused while meetings
// remain, the operator must end them first).
func (s *Store) DisableTenant(ctx context.Context, name string) error {
	var count int
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM meetings m JOIN tenants t ON t.id = m.tenant_id WHERE t.name = $1`, name).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrTenantHasLiveMeetings
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE tenants SET enabled = FALSE, modified = now() WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

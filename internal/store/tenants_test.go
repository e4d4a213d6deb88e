package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTenant(ctx, &Tenant{
		Name:    "acme",
		Realm:   "acme.example.com",
		Secrets: []string{"s3cr3t-one", "s3cr3t-two"},
		Enabled: true,
		Overrides: []Override{
			{Param: "maxParticipants", Op: "<", Value: "50"},
		},
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	byRealm, err := s.GetTenantByRealm(ctx, "acme.example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byRealm.ID)
	assert.Equal(t, []string{"s3cr3t-one", "s3cr3t-two"}, byRealm.Secrets)
	assert.Len(t, byRealm.Overrides, 1)
	assert.Equal(t, "maxParticipants", byRealm.Overrides[0].Param)

	byName, err := s.GetTenantByName(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)
}

func TestGetTenantByRealmNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTenantByRealm(context.Background(), "nope.example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisableTenantRefusedWithLiveMeetings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant, err := s.CreateTenant(ctx, &Tenant{Name: "live", Realm: "live.example.com", Enabled: true})
	require.NoError(t, err)
	srv, err := s.CreateServer(ctx, "bbb1.example.com", "serversecret")
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		_, _, err := GetOrCreateMeeting(ctx, tx, tenant.ID, srv.ID, "room-1", "uuid-1")
		return err
	})
	require.NoError(t, err)

	err = s.DisableTenant(ctx, "live")
	assert.ErrorIs(t, err, ErrTenantHasLiveMeetings)
}

func TestDisableTenantSucceedsWithoutMeetings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, &Tenant{Name: "quiet", Realm: "quiet.example.com", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, s.DisableTenant(ctx, "quiet"))

	tenant, err := s.GetTenantByName(ctx, "quiet")
	require.NoError(t, err)
	assert.False(t, tenant.Enabled)
}

func TestDisableTenantNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.DisableTenant(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

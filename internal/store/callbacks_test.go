package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeEndCallbackIsOnceOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant, srv := setupTenantAndServer(t, s)

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		_, e := CreateCallbackTx(ctx, tx, "uuid-1", CallbackEnd, tenant.ID, srv.ID, nil)
		return e
	})
	require.NoError(t, err)

	cb, err := s.ConsumeEndCallback(ctx, "uuid-1")
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", cb.UUID)

	_, err = s.ConsumeEndCallback(ctx, "uuid-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecCallbacksMayRepeatPerUUID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant, srv := setupTenantAndServer(t, s)

	forwardA := "https://analytics.example.com/hook"
	forwardB := "https://audit.example.com/hook"

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, e := CreateCallbackTx(ctx, tx, "uuid-1", CallbackRec, tenant.ID, srv.ID, &forwardA); e != nil {
			return e
		}
		_, e := CreateCallbackTx(ctx, tx, "uuid-1", CallbackRec, tenant.ID, srv.ID, &forwardB)
		return e
	})
	require.NoError(t, err)

	recs, err := s.FindCallbacksByUUIDAndType(ctx, "uuid-1", CallbackRec)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestDeleteCallbacksForMeetingTx(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant, srv := setupTenantAndServer(t, s)

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, e := CreateCallbackTx(ctx, tx, "uuid-1", CallbackEnd, tenant.ID, srv.ID, nil); e != nil {
			return e
		}
		return DeleteCallbacksForMeetingTx(ctx, tx, "uuid-1")
	})
	require.NoError(t, err)

	_, err = s.ConsumeEndCallback(ctx, "uuid-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetServerForCallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant, srv := setupTenantAndServer(t, s)

	var cb *Callback
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var e error
		cb, e = CreateCallbackTx(ctx, tx, "uuid-1", CallbackEnd, tenant.ID, srv.ID, nil)
		return e
	})
	require.NoError(t, err)

	resolved, err := s.GetServerForCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, srv.ID, resolved.ID)
}

package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateServerStartsOffline(t *testing.T) {
	s := newTestStore(t)
	srv, err := s.CreateServer(context.Background(), "bbb1.example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, HealthOffline, srv.Health)
	assert.True(t, srv.Enabled)
}

func TestMarkSuccessFromOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv, err := s.CreateServer(ctx, "bbb1.example.com", "secret")
	require.NoError(t, err)

	before, after, err := s.MarkSuccess(ctx, srv.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, HealthOffline, before)
	assert.Equal(t, HealthUnstable, after)

	reloaded, err := s.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.RecoverCount)
}

func TestMarkSuccessRecoversAfterPollRecoverSuccesses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv, err := s.CreateServer(ctx, "bbb1.example.com", "secret")
	require.NoError(t, err)

	const pollRecover = 2
	for i := 0; i < pollRecover; i++ {
		_, _, err := s.MarkSuccess(ctx, srv.ID, pollRecover)
		require.NoError(t, err)
	}

	_, after, err := s.MarkSuccess(ctx, srv.ID, pollRecover)
	require.NoError(t, err)
	assert.Equal(t, HealthAvailable, after)

	reloaded, err := s.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Errors)
	assert.Equal(t, 0, reloaded.RecoverCount)
}

func TestMarkSuccessIsNoOpWhenAlreadyAvailable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv, err := s.CreateServer(ctx, "bbb1.example.com", "secret")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := s.MarkSuccess(ctx, srv.ID, 1)
		require.NoError(t, err)
	}

	before, after, err := s.MarkSuccess(ctx, srv.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, HealthAvailable, before)
	assert.Equal(t, HealthAvailable, after)
}

func TestMarkErrorGoesUnstableThenOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv, err := s.CreateServer(ctx, "bbb1.example.com", "secret")
	require.NoError(t, err)

	_, _, err = s.MarkSuccess(ctx, srv.ID, 1)
	require.NoError(t, err)
	_, _, err = s.MarkSuccess(ctx, srv.ID, 1)
	require.NoError(t, err)

	const pollFail = 2
	for i := 0; i < pollFail; i++ {
		_, after, err := s.MarkError(ctx, srv.ID, pollFail)
		require.NoError(t, err)
		assert.Equal(t, HealthUnstable, after)
	}

	_, after, err := s.MarkError(ctx, srv.ID, pollFail)
	require.NoError(t, err)
	assert.Equal(t, HealthOffline, after)
}

func TestMarkErrorIsNoOpWhenAlreadyOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv, err := s.CreateServer(ctx, "bbb1.example.com", "secret")
	require.NoError(t, err)

	before, after, err := s.MarkError(ctx, srv.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, HealthOffline, before)
	assert.Equal(t, HealthOffline, after)
}

func TestSelectBestServerForUpdatePicksLowestLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	busy, err := s.CreateServer(ctx, "busy.example.com", "secret")
	require.NoError(t, err)
	idle, err := s.CreateServer(ctx, "idle.example.com", "secret")
	require.NoError(t, err)

	_, _, err = s.MarkSuccess(ctx, busy.ID, 0)
	require.NoError(t, err)
	_, _, err = s.MarkSuccess(ctx, idle.ID, 0)
	require.NoError(t, err)
	require.NoError(t, s.SetLoad(ctx, busy.ID, 50))
	require.NoError(t, s.SetLoad(ctx, idle.ID, 5))

	var picked *Server
	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		var e error
		picked, e = SelectBestServerForUpdate(ctx, tx)
		return e
	})
	require.NoError(t, err)
	assert.Equal(t, idle.ID, picked.ID)
}

func TestSelectBestServerForUpdateSkipsDisabledAndUnavailable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateServer(ctx, "offline.example.com", "secret")
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		_, e := SelectBestServerForUpdate(ctx, tx)
		return e
	})
	assert.ErrorIs(t, err, ErrNoAvailableServer)
}

func TestBumpLoadIsAdditive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv, err := s.CreateServer(ctx, "bbb1.example.com", "secret")
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := BumpLoad(ctx, tx, srv.ID, 3); err != nil {
			return err
		}
		return BumpLoad(ctx, tx, srv.ID, 2)
	})
	require.NoError(t, err)

	reloaded, err := s.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(5), reloaded.Load)
}

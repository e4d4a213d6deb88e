package poller

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bbblb/bbblb/internal/bbb"
	"github.com/bbblb/bbblb/internal/config"
	"github.com/bbblb/bbblb/internal/mediator"
	"github.com/bbblb/bbblb/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestComputeLoad exercises spec.md §4.8 step 3's formula directly: each
// running meeting contributes base + participants·userW + voice·voiceW +
// video·videoW + penalty·max(0, 1-age/cooldown); ended meetings (endTime !=
// 0) are skipped entirely.
func TestComputeLoad(t *testing.T) {
	now := time.Now().Unix()

	meetings := []meeting{
		{
			InternalMeetingID:     "live-fresh",
			CreateTime:            now * 1000, // just created: age ~0, full penalty
			EndTime:               0,
			ParticipantCount:      4,
			VoiceParticipantCount: 2,
			VideoCount:            1,
		},
		{
			InternalMeetingID: "live-stale",
			CreateTime:        (now - 3600) * 1000, // an hour old: past a 10-minute cooldown
			EndTime:           0,
		},
		{
			InternalMeetingID: "ended",
			CreateTime:        now * 1000,
			EndTime:           now * 1000, // ended: must not contribute load or count as live
		},
	}

	load, live := computeLoad(meetings, 1.0, 0.5, 2.0, 1.0, 3.0, 10*time.Minute)

	assert.ElementsMatch(t, []string{"live-fresh", "live-stale"}, live, "ended meetings are excluded from the live set")

	// live-fresh: base 1 + 4*0.5 + 2*1.0 + 1*2.0 + 3*max(0, 1-~0) ≈ 1+2+2+2+3 = 10
	// live-stale: base 1 + penalty factor clamped to 0 since age > cooldown = 1
	assert.InDelta(t, 11.0, load, 0.2)
}

// TestComputeLoadZeroCooldownDisablesPenalty guards the div-by-zero edge
// case: LoadCooldown == 0 must not contribute any penalty term rather than
// panicking or producing +Inf/NaN.
func TestComputeLoadZeroCooldownDisablesPenalty(t *testing.T) {
	meetings := []meeting{{InternalMeetingID: "m1", CreateTime: time.Now().Unix() * 1000, EndTime: 0}}
	load, live := computeLoad(meetings, 1.0, 0, 0, 0, 5.0, 0)
	assert.Equal(t, []string{"m1"}, live)
	assert.Equal(t, 1.0, load, "zero cooldown must disable the penalty term entirely, not divide by zero")
}

// fakeBBBBackend answers getMeetings with a canned XML body built from the
// meetings given, or fails every call when down is true (simulating an
// unreachable backend for the health-transition sequence).
type fakeBBBBackend struct {
	srv  *httptest.Server
	down bool
}

func newFakeBBBBackend(t *testing.T) *fakeBBBBackend {
	t.Helper()
	fb := &fakeBBBBackend{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fb.down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<response><returncode>SUCCESS</returncode><meetings>`+
			`<meeting><internalMeetingID>int-1</internalMeetingID><createTime>0</createTime>`+
			`<endTime>0</endTime><participantCount>2</participantCount>`+
			`<voiceParticipantCount>0</voiceParticipantCount><videoCount>0</videoCount></meeting>`+
			`</meetings></response>`)
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func newTestPoller(st *store.Store, cfg config.Config) *Poller {
	return &Poller{
		store:   st,
		cfg:     cfg,
		owner:   "test-owner",
		clients: mediator.NewClientRegistry(bbb.Options{Timeout: 5 * time.Second}),
		log:     zerolog.Nop(),
	}
}

// TestPollOneHealthTransitionSequence drives spec.md §8 scenario 4's shape
// — a run of consecutive errors drives a server OFFLINE, a run of
// consecutive successes recovers it to AVAILABLE — through pollOne against
// a real store and a fake backend that can be toggled up/down. The exact
// step count to reach OFFLINE/AVAILABLE follows internal/store's own
// MarkError/MarkSuccess semantics (see servers_test.go's
// TestMarkErrorGoesUnstableThenOffline): PollFail/PollRecover consecutive
// failures/successes land the server in UNSTABLE, and one more of the same
// kind crosses into OFFLINE/AVAILABLE.
func TestPollOneHealthTransitionSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	backend := newFakeBBBBackend(t)
	srv, err := s.CreateServer(ctx, backend.srv.URL, "server-secret")
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.PollFail = 2
	cfg.PollRecover = 1
	p := newTestPoller(s, cfg)

	steps := []struct {
		down   bool
		expect store.Health
	}{
		{down: false, expect: store.HealthUnstable}, // OFFLINE -(ok)-> UNSTABLE (recover 0<1)
		{down: true, expect: store.HealthUnstable},  // -(err)-> UNSTABLE (errors 0<2)
		{down: true, expect: store.HealthUnstable},  // -(err)-> UNSTABLE (errors 1<2)
		{down: true, expect: store.HealthOffline},   // -(err)-> errors 2<2 false -> OFFLINE
		{down: false, expect: store.HealthUnstable}, // -(ok)-> UNSTABLE (recover 0<1)
		{down: false, expect: store.HealthAvailable}, // -(ok)-> recover 1<1 false -> AVAILABLE
	}

	for i, step := range steps {
		backend.down = step.down
		reloaded, err := s.GetServer(ctx, srv.ID)
		require.NoError(t, err)
		p.pollOne(ctx, reloaded)

		got, err := s.GetServer(ctx, srv.ID)
		require.NoError(t, err)
		assert.Equal(t, step.expect, got.Health, "step %d (down=%v)", i, step.down)
	}
}

// TestPollOneReconcilesMeetings checks spec.md §4.8 step 4: a meeting bound
// to this server whose internalId is not in the live set is deleted, while
// a meeting with a null internalId is always kept regardless of liveness.
func TestPollOneReconcilesMeetings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	backend := newFakeBBBBackend(t)
	srv, err := s.CreateServer(ctx, backend.srv.URL, "server-secret")
	require.NoError(t, err)
	tenant, err := s.CreateTenant(ctx, &store.Tenant{Name: "acme", Realm: "acme-realm", Secrets: []string{"s"}, Enabled: true})
	require.NoError(t, err)

	live := mustCreateMeetingWithInternalID(t, s, tenant.ID, srv.ID, "ext-live", "int-1")
	stale := mustCreateMeetingWithInternalID(t, s, tenant.ID, srv.ID, "ext-stale", "int-stale")
	pending := mustCreateMeetingWithInternalID(t, s, tenant.ID, srv.ID, "ext-pending", "")

	cfg := config.Defaults()
	p := newTestPoller(s, cfg)

	p.pollOne(ctx, srv)

	_, err = s.GetMeetingByUUID(ctx, live.UUID)
	assert.NoError(t, err, "meeting with internalId present in the live set must survive")

	_, err = s.GetMeetingByUUID(ctx, stale.UUID)
	assert.ErrorIs(t, err, store.ErrNotFound, "meeting with internalId absent from the live set must be reconciled away")

	_, err = s.GetMeetingByUUID(ctx, pending.UUID)
	assert.NoError(t, err, "meeting with a null internalId (mid-creation) must always be kept")
}

func mustCreateMeetingWithInternalID(t *testing.T, s *store.Store, tenantID, serverID int64, externalID, internalID string) *store.Meeting {
	t.Helper()
	id := uuid.NewString()
	var m *store.Meeting
	require.NoError(t, s.WithTx(t.Context(), func(tx pgx.Tx) error {
		var err error
		m, _, err = store.GetOrCreateMeeting(t.Context(), tx, tenantID, serverID, externalID, id)
		return err
	}))
	if internalID != "" {
		require.NoError(t, s.SetInternalID(t.Context(), m.ID, internalID))
	}
	return m
}

package poller

import (
	"context"
	"encoding/xml"
	"math"
	"net/url"
	"time"

	"github.com/bbblb/bbblb/internal/metrics"
	"github.com/bbblb/bbblb/internal/store"
)

// pollOne implements spec.md §4.8's per-server sweep: call getMeetings,
// recompute load from scratch, reconcile the locally-known Meeting set
// against the backend's live internalMeetingIDs, and run the health state
// machine transition for this sweep's outcome.
func (p *Poller) pollOne(ctx context.Context, srv *store.Server) {
	client := p.clients.For(srv)

	body, callErr := client.Call(ctx, "getMeetings", url.Values{})

	var load float64
	var liveIDs []string
	if callErr == nil {
		var resp getMeetingsResponse
		if err := xml.Unmarshal(body, &resp); err != nil {
			callErr = err
		} else {
			load, liveIDs = computeLoad(resp.Meetings, p.cfg.LoadBase, p.cfg.LoadUser, p.cfg.LoadVideo,
				p.cfg.LoadVoice, p.cfg.LoadPenalty, p.cfg.LoadCooldown)
		}
	}

	if _, err := p.store.DeleteMeetingsNotIn(ctx, srv.ID, liveIDs); err != nil {
		p.log.Error().Err(err).Str("server", srv.Domain).Msg("reconcile meetings failed")
	}

	var before, after store.Health
	var stateErr error
	if callErr == nil {
		if err := p.store.SetLoad(ctx, srv.ID, load); err != nil {
			p.log.Error().Err(err).Str("server", srv.Domain).Msg("set load failed")
		}
		before, after, stateErr = p.store.MarkSuccess(ctx, srv.ID, p.cfg.PollRecover)
	} else {
		before, after, stateErr = p.store.MarkError(ctx, srv.ID, p.cfg.PollFail)
	}
	if stateErr != nil {
		p.log.Error().Err(stateErr).Str("server", srv.Domain).Msg("health state transition failed")
		return
	}

	if before != after {
		p.log.Warn().Str("server", srv.Domain).Str("from", string(before)).Str("to", string(after)).
			Msg("server health transition")
	}
	metrics.ServerHealth.WithLabelValues(srv.Domain).Set(healthGaugeValue(after))
	if callErr == nil {
		metrics.ServerLoad.WithLabelValues(srv.Domain).Set(load)
	}
}

// computeLoad applies spec.md §4.8 step 3's formula to every backend
// meeting with endTime == 0 (still running), returning the accumulated
// load and the set of live internalMeetingIDs.
func computeLoad(meetings []meeting, base, userW, videoW, voiceW, penalty float64, cooldown time.Duration) (float64, []string) {
	var load float64
	live := make([]string, 0, len(meetings))
	now := time.Now().Unix()

	for _, m := range meetings {
		if m.EndTime != 0 {
			continue
		}
		live = append(live, m.InternalMeetingID)

		ageSeconds := float64(now - m.CreateTime/1000)
		cooldownSeconds := cooldown.Seconds()
		var penaltyFactor float64
		if cooldownSeconds > 0 {
			penaltyFactor = math.Max(0, 1-ageSeconds/cooldownSeconds)
		}

		load += base +
			float64(m.ParticipantCount)*userW +
			float64(m.VoiceParticipantCount)*voiceW +
			float64(m.VideoCount)*videoW +
			penalty*penaltyFactor
	}
	return load, live
}

func healthGaugeValue(h store.Health) float64 {
	switch h {
	case store.HealthAvailable:
		return 1
	case store.HealthUnstable:
		return 0.5
	default:
		return 0
	}
}

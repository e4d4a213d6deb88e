package mediator

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/bbblb/bbblb/internal/bbb"
	"github.com/bbblb/bbblb/internal/overrides"
	"github.com/bbblb/bbblb/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// createResult is what the transactional portion of handleCreate resolves:
// the bound Meeting/Server pair and whether this call minted a fresh
// Meeting row (spec.md §4.6 steps 2-5).
type createResult struct {
	meeting *store.Meeting
	server  *store.Server
	created bool
}

// handleCreate implements the create critical path (spec.md §4.6 steps
// 1-8).
func (m *Mediator) handleCreate(w http.ResponseWriter, r *http.Request) {
	tenant, params, err := m.authenticate(r, "create")
	if err != nil {
		m.writeAuthError(w, err)
		return
	}

	externalID := params.Get("meetingID")
	if externalID == "" {
		writeFailure(w, KindClientError, "meetingID is required")
		return
	}

	scopedID, err := addScope(externalID, tenant.Name)
	if err != nil {
		writeFailure(w, KindSizeError, err.Error())
		return
	}

	ctx := r.Context()
	result, err := m.resolveCreateTarget(ctx, tenant, externalID, params)
	if err != nil {
		if errors.Is(err, store.ErrNoAvailableServer) {
			writeFailure(w, KindInternalError, "no available server")
			return
		}
		m.log.Error().Err(err).Msg("resolve create target failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}

	params.Set("meetingID", scopedID)
	params.Set("meta_bbblb-uuid", result.meeting.UUID)
	params.Set("meta_bbblb-origin", m.Config.Domain)
	params.Set("meta_bbblb-tenant", tenant.Name)
	params.Set("meta_bbblb-server", result.server.Domain)
	overrides.Apply(params, tenant.Overrides)

	client := m.Clients.For(result.server)
	body, callErr := client.Call(ctx, "create", params)
	if callErr != nil {
		if result.created {
			m.compensateFailedCreate(context.WithoutCancel(ctx), result.meeting.ID, result.meeting.UUID)
		}
		m.writeBackendError(w, callErr)
		return
	}

	internalID, ok := extractInternalMeetingID(body)
	if ok {
		if err := m.Store.SetInternalID(ctx, result.meeting.ID, internalID); err != nil {
			m.log.Error().Err(err).Msg("patch internal meeting id failed")
		}
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(replaceScopedID(body, scopedID, externalID))
}

// resolveCreateTarget implements spec.md §4.6 steps 2-6 (minus the backend
// forward): it finds or creates the Meeting/Server binding and, only for a
// freshly-created Meeting, intercepts callbacks. For an idempotent repeat
// (an existing Meeting found in step 2) callback URLs are rewritten the
// same deterministic way without a second persisted row.
func (m *Mediator) resolveCreateTarget(ctx context.Context, tenant *store.Tenant, externalID string, params url.Values) (*createResult, error) {
	result := &createResult{}

	err := m.Store.WithTx(ctx, func(tx pgx.Tx) error {
		existing, err := store.FindMeetingForUpdate(ctx, tx, tenant.ID, externalID)
		switch {
		case err == nil:
			result.meeting = existing
			result.created = false
			rewriteCallbackParamsOnly(m.Config.Secret, existing.UUID, params)
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		best, err := store.SelectBestServerForUpdate(ctx, tx)
		if err != nil {
			return err
		}
		delta := m.Config.LoadFactorInitial + m.Config.LoadFactorMeeting
		if err := store.BumpLoad(ctx, tx, best.ID, delta); err != nil {
			return err
		}

		newUUID := uuid.New().String()
		meeting, created, err := store.GetOrCreateMeeting(ctx, tx, tenant.ID, best.ID, externalID, newUUID)
		if err != nil {
			return err
		}
		result.meeting = meeting
		result.created = created
		result.server = best

		if !created {
			// Lost the race: another process created the Meeting first.
			rewriteCallbackParamsOnly(m.Config.Secret, meeting.UUID, params)
			return nil
		}
		return interceptCallbacks(ctx, tx, m.Config.Secret, meeting.UUID, tenant.ID, best.ID, params)
	})
	if err != nil {
		return nil, err
	}

	if result.server == nil || !result.created {
		srv, err := m.Store.GetServer(ctx, result.meeting.ServerID)
		if err != nil {
			return nil, err
		}
		result.server = srv
	}
	return result, nil
}

// compensateFailedCreate implements spec.md §4.6 step 8: a freshly-created
// Meeting whose backend forward failed is rolled back along with any
// Callback rows created alongside it. ctx must not carry the original
// request's cancellation, which may already have fired by the time the
// backend call returns an error.
func (m *Mediator) compensateFailedCreate(ctx context.Context, meetingID int64, uuid string) {
	err := m.Store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := store.DeleteCallbacksForMeetingTx(ctx, tx, uuid); err != nil {
			return err
		}
		return store.DeleteMeetingTx(ctx, tx, meetingID)
	})
	if err != nil {
		m.log.Error().Err(err).Str("meeting_uuid", uuid).Msg("compensating delete failed")
	}
}

func (m *Mediator) writeBackendError(w http.ResponseWriter, err error) {
	var bbbErr *bbb.Error
	if errors.As(err, &bbbErr) {
		writeBBBError(w, bbbErr.MessageKey, bbbErr.Message)
		return
	}
	writeFailure(w, KindInternalError, "backend request failed")
}

func (m *Mediator) writeAuthError(w http.ResponseWriter, err error) {
	var ae *authError
	if errors.As(err, &ae) {
		writeFailure(w, ae.kind, ae.message)
		return
	}
	m.log.Error().Err(err).Msg("authentication failed unexpectedly")
	writeFailure(w, KindInternalError, "internal error")
}

type createResponseEnvelope struct {
	InternalMeetingID string `xml:"internalMeetingID"`
}

// extractInternalMeetingID pulls internalMeetingID out of a successful
// create response, tolerating any other fields the backend includes.
func extractInternalMeetingID(body []byte) (string, bool) {
	var env createResponseEnvelope
	if err := decodeXML(body, &env); err != nil || env.InternalMeetingID == "" {
		return "", false
	}
	return env.InternalMeetingID, true
}


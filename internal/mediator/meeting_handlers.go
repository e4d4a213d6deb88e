package mediator

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/bbblb/bbblb/internal/bbb"
	"github.com/bbblb/bbblb/internal/overrides"
	"github.com/bbblb/bbblb/internal/store"
	"github.com/jackc/pgx/v5"
)

// resolveMeeting loads the local Meeting/Server binding for an existing
// externalId, used by every endpoint except create (which may mint one).
func (m *Mediator) resolveMeeting(ctx context.Context, tenant *store.Tenant, externalID string) (*store.Meeting, *store.Server, error) {
	meeting, err := m.Store.GetMeetingByExternalID(ctx, tenant.ID, externalID)
	if err != nil {
		return nil, nil, err
	}
	srv, err := m.Store.GetServer(ctx, meeting.ServerID)
	if err != nil {
		return nil, nil, err
	}
	return meeting, srv, nil
}

// handleJoin implements spec.md §4.6 `join`: bump load by LOADFACTOR_SIZE
// and redirect the caller to the backend's signed join URL.
func (m *Mediator) handleJoin(w http.ResponseWriter, r *http.Request) {
	tenant, params, err := m.authenticate(r, "join")
	if err != nil {
		m.writeAuthError(w, err)
		return
	}
	externalID := params.Get("meetingID")
	if externalID == "" {
		writeFailure(w, KindClientError, "meetingID is required")
		return
	}

	ctx := r.Context()
	_, srv, err := m.resolveMeeting(ctx, tenant, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeFailure(w, KindNotFound, "meeting not found")
			return
		}
		m.log.Error().Err(err).Msg("resolve meeting for join failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}

	if err := m.Store.WithTx(ctx, func(tx pgx.Tx) error {
		return store.BumpLoad(ctx, tx, srv.ID, m.Config.LoadFactorSize)
	}); err != nil {
		m.log.Error().Err(err).Msg("bump load for join failed")
	}

	scopedID, err := addScope(externalID, tenant.Name)
	if err != nil {
		writeFailure(w, KindSizeError, err.Error())
		return
	}
	params.Set("meetingID", scopedID)
	overrides.Apply(params, tenant.Overrides)

	client := m.Clients.For(srv)
	http.Redirect(w, r, client.SignedURL("join", params), http.StatusFound)
}

// handleEnd implements spec.md §4.6 `end`: the local Meeting is forgotten
// regardless of backend outcome, since a failed backend end leaves nothing
// useful for the caller to retry against a row we no longer track.
func (m *Mediator) handleEnd(w http.ResponseWriter, r *http.Request) {
	tenant, params, err := m.authenticate(r, "end")
	if err != nil {
		m.writeAuthError(w, err)
		return
	}
	externalID := params.Get("meetingID")
	if externalID == "" {
		writeFailure(w, KindClientError, "meetingID is required")
		return
	}

	ctx := r.Context()
	meeting, srv, err := m.resolveMeeting(ctx, tenant, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeFailure(w, KindNotFound, "meeting not found")
			return
		}
		m.log.Error().Err(err).Msg("resolve meeting for end failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}

	if err := m.Store.DeleteMeeting(ctx, meeting.ID); err != nil {
		m.log.Error().Err(err).Msg("delete meeting for end failed")
	}

	scopedID, err := addScope(externalID, tenant.Name)
	if err != nil {
		writeSuccess(w, xmlResponse{ReturnCode: "SUCCESS"})
		return
	}
	params.Set("meetingID", scopedID)
	overrides.Apply(params, tenant.Overrides)

	client := m.Clients.For(srv)
	if _, err := client.Call(ctx, "end", params); err != nil {
		m.log.Warn().Err(err).Str("meeting_uuid", meeting.UUID).Msg("backend end failed, swallowing per spec")
	}
	writeSuccess(w, xmlResponse{ReturnCode: "SUCCESS"})
}

// livenessEnvelope captures the fields isMeetingRunning/getMeetingInfo use
// to report whether a meeting is still alive on the backend.
type livenessEnvelope struct {
	XMLName    xml.Name `xml:"response"`
	ReturnCode string   `xml:"returncode"`
	MessageKey string   `xml:"messageKey"`
	Running    string   `xml:"running"`
}

// forwardAndMaybeForget forwards action to the meeting's backend server and,
// per spec.md §4.6, forgets the local Meeting row when the backend reports
// notFound or running=false — three endpoints (isMeetingRunning,
// getMeetingInfo, sendChatMessage) share this behavior.
func (m *Mediator) forwardAndMaybeForget(w http.ResponseWriter, r *http.Request, action string) {
	tenant, params, err := m.authenticate(r, action)
	if err != nil {
		m.writeAuthError(w, err)
		return
	}
	externalID := params.Get("meetingID")
	if externalID == "" {
		writeFailure(w, KindClientError, "meetingID is required")
		return
	}

	ctx := r.Context()
	meeting, srv, err := m.resolveMeeting(ctx, tenant, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeFailure(w, KindNotFound, "meeting not found")
			return
		}
		m.log.Error().Err(err).Msg("resolve meeting failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}

	scopedID, err := addScope(externalID, tenant.Name)
	if err != nil {
		writeFailure(w, KindSizeError, err.Error())
		return
	}
	params.Set("meetingID", scopedID)
	overrides.Apply(params, tenant.Overrides)

	client := m.Clients.For(srv)
	body, callErr := client.Call(ctx, action, params)
	if callErr != nil {
		var bbbErr *bbb.Error
		if errors.As(callErr, &bbbErr) && errors.Is(bbbErr.Sentinel, bbb.ErrNotFound) {
			m.forgetMeeting(ctx, meeting)
		}
		m.writeBackendError(w, callErr)
		return
	}

	var env livenessEnvelope
	if err := decodeXML(body, &env); err == nil && env.Running == "false" {
		m.forgetMeeting(ctx, meeting)
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(replaceScopedID(body, scopedID, externalID))
}

func (m *Mediator) forgetMeeting(ctx context.Context, meeting *store.Meeting) {
	if err := m.Store.DeleteMeeting(context.WithoutCancel(ctx), meeting.ID); err != nil {
		m.log.Error().Err(err).Str("meeting_uuid", meeting.UUID).Msg("forget meeting failed")
	}
}

func replaceScopedID(body []byte, scopedID, externalID string) []byte {
	return []byte(strings.ReplaceAll(string(body), scopedID, externalID))
}

func (m *Mediator) handleIsMeetingRunning(w http.ResponseWriter, r *http.Request) {
	m.forwardAndMaybeForget(w, r, "isMeetingRunning")
}

func (m *Mediator) handleGetMeetingInfo(w http.ResponseWriter, r *http.Request) {
	m.forwardAndMaybeForget(w, r, "getMeetingInfo")
}

func (m *Mediator) handleSendChatMessage(w http.ResponseWriter, r *http.Request) {
	m.forwardAndMaybeForget(w, r, "sendChatMessage")
}

// meetingsEnvelope is the subset of getMeetings' response this balancer
// needs to filter and unscope; InnerXML preserves every other field the
// backend includes, verbatim, per meeting.
type meetingsEnvelope struct {
	XMLName    xml.Name `xml:"response"`
	ReturnCode string   `xml:"returncode"`
	Meetings   struct {
		Meeting []meetingEntry `xml:"meeting"`
	} `xml:"meetings"`
}

type meetingEntry struct {
	MeetingID string `xml:"meetingID"`
	Metadata  struct {
		Tenant string `xml:"bbblb-tenant"`
	} `xml:"metadata"`
	InnerXML string `xml:",innerxml"`
}

// handleGetMeetings implements spec.md §4.6 `getMeetings`: fan out to every
// Server currently hosting a Meeting for this Tenant, union the results,
// keep only meetings whose scoped ID and bbblb-tenant metadata both match,
// and unscope the surviving IDs.
func (m *Mediator) handleGetMeetings(w http.ResponseWriter, r *http.Request) {
	tenant, params, err := m.authenticate(r, "getMeetings")
	if err != nil {
		m.writeAuthError(w, err)
		return
	}

	ctx := r.Context()
	meetings, err := m.Store.ListMeetingsByTenant(ctx, tenant.ID)
	if err != nil {
		m.log.Error().Err(err).Msg("list meetings by tenant failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}

	serverIDs := map[int64]struct{}{}
	for _, meeting := range meetings {
		serverIDs[meeting.ServerID] = struct{}{}
	}

	prefix := tenant.Name + ":"
	var entries []string
	for serverID := range serverIDs {
		srv, err := m.Store.GetServer(ctx, serverID)
		if err != nil {
			m.log.Error().Err(err).Int64("server_id", serverID).Msg("load server for getMeetings failed")
			continue
		}
		client := m.Clients.For(srv)
		body, err := client.Call(ctx, "getMeetings", cloneValues(params))
		if err != nil {
			m.log.Warn().Err(err).Int64("server_id", serverID).Msg("getMeetings fan-out call failed")
			continue
		}
		var env meetingsEnvelope
		if err := decodeXML(body, &env); err != nil {
			continue
		}
		for _, entry := range env.Meetings.Meeting {
			if !strings.HasPrefix(entry.MeetingID, prefix) || entry.Metadata.Tenant != tenant.Name {
				continue
			}
			unscoped := strings.TrimPrefix(entry.MeetingID, prefix)
			entries = append(entries, "<meeting>"+strings.ReplaceAll(entry.InnerXML, entry.MeetingID, unscoped)+"</meeting>")
		}
	}

	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString("<response><returncode>SUCCESS</returncode><meetings>")
	for _, e := range entries {
		sb.WriteString(e)
	}
	sb.WriteString("</meetings></response>")

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		cp := make([]string, len(vals))
		copy(cp, vals)
		out[k] = cp
	}
	return out
}

// handleInsertDocument streams the request body straight through to the
// backend without buffering (spec.md §4.6 `insertDocument`).
func (m *Mediator) handleInsertDocument(w http.ResponseWriter, r *http.Request) {
	tenant, params, err := m.authenticate(r, "insertDocument")
	if err != nil {
		m.writeAuthError(w, err)
		return
	}
	externalID := params.Get("meetingID")
	if externalID == "" {
		writeFailure(w, KindClientError, "meetingID is required")
		return
	}

	ctx := r.Context()
	_, srv, err := m.resolveMeeting(ctx, tenant, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeFailure(w, KindNotFound, "meeting not found")
			return
		}
		m.log.Error().Err(err).Msg("resolve meeting for insertDocument failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}

	scopedID, err := addScope(externalID, tenant.Name)
	if err != nil {
		writeFailure(w, KindSizeError, err.Error())
		return
	}
	params.Set("meetingID", scopedID)

	client := m.Clients.For(srv)
	contentType := r.Header.Get("Content-Type")
	body, err := client.CallWithBody(ctx, "insertDocument", params, contentType, r.Body)
	if err != nil {
		m.writeBackendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(replaceScopedID(body, scopedID, externalID))
}

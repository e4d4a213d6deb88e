package mediator

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/bbblb/bbblb/internal/checksum"
	"github.com/bbblb/bbblb/internal/store"
)

// fakeBackend records every request it receives and answers with a
// canned create response carrying the forwarded meetingID, so tests can
// assert on scoping and callback rewriting without a real BBB server.
type fakeBackend struct {
	srv      *httptest.Server
	requests []url.Values
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fb.requests = append(fb.requests, r.Form)
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprintf(w, `<response><returncode>SUCCESS</returncode><meetingID>%s</meetingID><internalMeetingID>int-%s</internalMeetingID></response>`,
			r.Form.Get("meetingID"), r.Form.Get("meetingID"))
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

// domain returns the backend's base URL including scheme, matching how
// bbb.Client expects a Server's Domain field to be populated.
func (fb *fakeBackend) domain(t *testing.T) string {
	t.Helper()
	return fb.srv.URL
}

func mustCreateTenant(t *testing.T, s *store.Store, name, realm, secret string) *store.Tenant {
	t.Helper()
	tn, err := s.CreateTenant(t.Context(), &store.Tenant{
		Name:    name,
		Realm:   realm,
		Secrets: []string{secret},
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	return tn
}

// mustCreateServer creates a server and immediately marks it AVAILABLE:
// new servers start OFFLINE until the poller confirms them, but these
// tests exercise the mediator in isolation from the poller.
func mustCreateServer(t *testing.T, s *store.Store, domain, secret string) *store.Server {
	t.Helper()
	srv, err := s.CreateServer(t.Context(), domain, secret)
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if _, err := s.Pool.Exec(t.Context(), `UPDATE servers SET health = 'AVAILABLE' WHERE id = $1`, srv.ID); err != nil {
		t.Fatalf("mark server available: %v", err)
	}
	srv.Health = store.HealthAvailable
	return srv
}

func signedCreateRequest(t *testing.T, realmHeader, realm, secret, meetingID string) *http.Request {
	t.Helper()
	query := url.Values{"meetingID": {meetingID}, "name": {"Test Meeting"}}.Encode()
	sig := checksum.Compute("create", query, secret)
	req := httptest.NewRequest(http.MethodGet, "/bigbluebutton/api/create?"+query+"&checksum="+sig, nil)
	req.Header.Set(realmHeader, realm)
	return req
}

// TestHandleCreateSelectsLeastLoadedServer covers spec.md §8 scenario 1:
// a create request is bound to whichever enabled server currently
// carries the least load.
func TestHandleCreateSelectsLeastLoadedServer(t *testing.T) {
	s := newTestStore(t)
	cfg := testConfig()
	m := New(s, cfg)

	tenant := mustCreateTenant(t, s, "acme", "acme.example.com", "tenant-secret")

	busy := newFakeBackend(t)
	mustCreateServer(t, s, busy.domain(t), "srv-secret-busy")
	if err := s.SetLoad(t.Context(), 1, 100); err != nil {
		t.Fatalf("SetLoad busy: %v", err)
	}

	idle := newFakeBackend(t)
	mustCreateServer(t, s, idle.domain(t), "srv-secret-idle")
	if err := s.SetLoad(t.Context(), 2, 0); err != nil {
		t.Fatalf("SetLoad idle: %v", err)
	}

	req := signedCreateRequest(t, cfg.TenantHeader, tenant.Realm, tenant.Secrets[0], "room-1")
	rec := httptest.NewRecorder()
	m.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(busy.requests) != 0 {
		t.Fatalf("expected the busy server to receive no requests, got %d", len(busy.requests))
	}
	if len(idle.requests) != 1 {
		t.Fatalf("expected the idle server to receive exactly one request, got %d", len(idle.requests))
	}

	var env struct {
		MeetingID string `xml:"meetingID"`
	}
	if err := xml.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if env.MeetingID != "room-1" {
		t.Fatalf("meetingID = %q, want unscoped %q", env.MeetingID, "room-1")
	}

	forwarded := idle.requests[0].Get("meetingID")
	if forwarded == "room-1" || forwarded == "" {
		t.Fatalf("forwarded meetingID %q should be scoped with the tenant name, not equal to the external id", forwarded)
	}
}

// TestHandleCreateInterceptsCallbacksOnce covers spec.md §8 scenario 2: the
// first create for a meeting rewrites and persists callback URLs, and a
// repeat create for the same (tenant, externalId) rewrites the same URLs
// again without violating the one-END-callback-per-meeting invariant.
func TestHandleCreateInterceptsCallbacksOnce(t *testing.T) {
	s := newTestStore(t)
	cfg := testConfig()
	m := New(s, cfg)

	tenant := mustCreateTenant(t, s, "acme", "acme.example.com", "tenant-secret")
	backend := newFakeBackend(t)
	mustCreateServer(t, s, backend.domain(t), "srv-secret")

	query := url.Values{
		"meetingID":       {"room-2"},
		"meetingEndedURL": {"https://acme.example.com/webhooks/ended"},
	}.Encode()
	sig := checksum.Compute("create", query, tenant.Secrets[0])
	req := httptest.NewRequest(http.MethodGet, "/bigbluebutton/api/create?"+query+"&checksum="+sig, nil)
	req.Header.Set(cfg.TenantHeader, tenant.Realm)

	rec := httptest.NewRecorder()
	m.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(backend.requests) != 1 {
		t.Fatalf("expected one backend request, got %d", len(backend.requests))
	}
	firstRewrite := backend.requests[0].Get("meetingEndedURL")
	if firstRewrite == "" || firstRewrite == "https://acme.example.com/webhooks/ended" {
		t.Fatalf("meetingEndedURL was not rewritten: %q", firstRewrite)
	}

	meeting, err := s.GetMeetingByExternalID(t.Context(), tenant.ID, "room-2")
	if err != nil {
		t.Fatalf("GetMeetingByExternalID: %v", err)
	}
	cbs, err := s.FindCallbacksByUUIDAndType(t.Context(), meeting.UUID, store.CallbackEnd)
	if err != nil {
		t.Fatalf("FindCallbacksByUUIDAndType: %v", err)
	}
	if len(cbs) != 1 {
		t.Fatalf("expected exactly one persisted callback after the first create, got %d", len(cbs))
	}

	req2 := httptest.NewRequest(http.MethodGet, "/bigbluebutton/api/create?"+query+"&checksum="+sig, nil)
	req2.Header.Set(cfg.TenantHeader, tenant.Realm)
	rec2 := httptest.NewRecorder()
	m.Routes().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("repeat create status = %d, body = %s", rec2.Code, rec2.Body.String())
	}
	if len(backend.requests) != 2 {
		t.Fatalf("expected a second backend request for the repeat create, got %d", len(backend.requests))
	}
	if got := backend.requests[1].Get("meetingEndedURL"); got != firstRewrite {
		t.Fatalf("repeat create rewrote meetingEndedURL to %q, want %q", got, firstRewrite)
	}

	cbsAfter, err := s.FindCallbacksByUUIDAndType(t.Context(), meeting.UUID, store.CallbackEnd)
	if err != nil {
		t.Fatalf("FindCallbacksByUUIDAndType after repeat: %v", err)
	}
	if len(cbsAfter) != 1 {
		t.Fatalf("repeat create must not add a second END callback row, got %d rows", len(cbsAfter))
	}
}

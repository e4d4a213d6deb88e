package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChecker is a scriptable Checker: each call to Check returns the next
// result in results (or the last one, once exhausted), and bumps calls so
// tests can assert on dedup/caching behavior.
type fakeChecker struct {
	name    string
	typ     CheckType
	results []CheckResult
	calls   int32
}

func (f *fakeChecker) Name() string    { return f.name }
func (f *fakeChecker) Type() CheckType { return f.typ }
func (f *fakeChecker) Check(ctx context.Context) CheckResult {
	i := atomic.AddInt32(&f.calls, 1) - 1
	if int(i) >= len(f.results) {
		return f.results[len(f.results)-1]
	}
	return f.results[i]
}

// TestHealthAlwaysReportsHTTP200 covers "/healthz always 200 once the
// process is up" (spec.md §4 C10): a failing Checker degrades the body but
// never flips the HTTP status.
func TestHealthAlwaysReportsHTTP200(t *testing.T) {
	m := NewManager()
	m.Register(&fakeChecker{name: "broken", typ: CheckHealth, results: []CheckResult{{Status: StatusUnhealthy, Error: "boom"}}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	m.ServeHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	resp := m.Health(context.Background())
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.True(t, resp.Ready, "Health's Ready field is informational only; liveness never reports not-ready")
}

// TestHealthSkipsReadinessOnlyCheckers ensures /healthz runs only
// CheckHealth-tagged checkers, per spec.md §4 C10.
func TestHealthSkipsReadinessOnlyCheckers(t *testing.T) {
	m := NewManager()
	readinessOnly := &fakeChecker{name: "readiness-only", typ: CheckReadiness, results: []CheckResult{{Status: StatusHealthy}}}
	m.Register(readinessOnly)

	resp := m.Health(context.Background())
	assert.NotContains(t, resp.Checks, "readiness-only")
	assert.Equal(t, int32(0), atomic.LoadInt32(&readinessOnly.calls))
}

// TestReadyReportsUnhealthyAndNotReady covers /readyz's 503 path: any
// CheckReadiness checker reporting unhealthy makes the whole response
// unready.
func TestReadyReportsUnhealthyAndNotReady(t *testing.T) {
	m := NewManager()
	m.Register(&fakeChecker{name: "db", typ: CheckReadiness, results: []CheckResult{{Status: StatusUnhealthy, Error: "no connection"}}})
	m.Register(&fakeChecker{name: "storage", typ: CheckReadiness, results: []CheckResult{{Status: StatusHealthy}}})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	m.ServeReady(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	resp := m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, StatusHealthy, resp.Checks["storage"].Status, "a healthy checker's own result is unaffected by a sibling's failure")
}

// TestReadyCachesWithinTTL exercises the singleflight+short-cache dedup: a
// second Ready call within cacheTTL must not re-invoke the checker.
func TestReadyCachesWithinTTL(t *testing.T) {
	m := NewManager()
	checker := &fakeChecker{name: "db", typ: CheckReadiness, results: []CheckResult{{Status: StatusHealthy}}}
	m.Register(checker)

	_ = m.Ready(context.Background())
	_ = m.Ready(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&checker.calls), "second call within cacheTTL must be served from cache")
}

// TestReadyRefreshesAfterCacheTTLExpires confirms a cached readiness result
// is not reused forever: once cacheTTL elapses, the next Ready call must
// re-invoke the checkers and pick up a changed result.
func TestReadyRefreshesAfterCacheTTLExpires(t *testing.T) {
	m := NewManager()
	m.cacheTTL = time.Millisecond
	checker := &fakeChecker{name: "db", typ: CheckReadiness, results: []CheckResult{
		{Status: StatusHealthy}, {Status: StatusUnhealthy, Error: "dropped"},
	}}
	m.Register(checker)

	first := m.Ready(context.Background())
	require.Equal(t, StatusHealthy, first.Status)

	time.Sleep(5 * time.Millisecond)

	second := m.Ready(context.Background())
	assert.Equal(t, StatusUnhealthy, second.Status, "cache must expire and re-run the checker after cacheTTL")
}

// TestRoutesServeHealthzReadyzAndMetrics confirms all three endpoints are
// mounted and reachable (spec.md §4 C10).
func TestRoutesServeHealthzReadyzAndMetrics(t *testing.T) {
	m := NewManager()
	srv := httptest.NewServer(m.Routes())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		res, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = res.Body.Close()
		assert.NotEqual(t, http.StatusNotFound, res.StatusCode, "path %s must be mounted", path)
	}
}

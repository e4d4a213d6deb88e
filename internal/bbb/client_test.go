package bbb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bbblb/bbblb/internal/checksum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallSignsRequestAndParsesSuccess(t *testing.T) {
	var gotChecksum string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotChecksum = r.URL.Query().Get("checksum")
		sum, remaining := checksum.ExtractAndStrip(r.URL.RawQuery)
		assert.True(t, checksum.Verify("create", remaining, sum, []string{"s3cr3t"}))
		fmt.Fprint(w, `<response><returncode>SUCCESS</returncode></response>`)
	}))
	defer ts.Close()

	c := New("srv-1", ts.URL, "s3cr3t", Options{})
	body, err := c.Call(context.Background(), "create", url.Values{"meetingID": {"room1"}})
	require.NoError(t, err)
	assert.Contains(t, string(body), "SUCCESS")
	assert.NotEmpty(t, gotChecksum)
}

func TestCallReturnsBBBErrorOnFailureEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<response><returncode>FAILED</returncode><messageKey>notFound</messageKey><message>no such meeting</message></response>`)
	}))
	defer ts.Close()

	c := New("srv-1", ts.URL, "s3cr3t", Options{})
	_, err := c.Call(context.Background(), "getMeetingInfo", url.Values{"meetingID": {"room1"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var bbbErr *Error
	require.ErrorAs(t, err, &bbbErr)
	assert.Equal(t, "notFound", bbbErr.MessageKey)
}

func TestCallRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `<response><returncode>SUCCESS</returncode></response>`)
	}))
	defer ts.Close()

	c := New("srv-1", ts.URL, "s3cr3t", Options{MaxRetries: 2, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	_, err := c.Call(context.Background(), "create", url.Values{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestCallGivesUpAfterMaxRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New("srv-1", ts.URL, "s3cr3t", Options{MaxRetries: 1, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	_, err := c.Call(context.Background(), "create", url.Values{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamError)
}

func TestCallWithBodyStreamsDocumentContent(t *testing.T) {
	var receivedBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		receivedBody = string(b)
		fmt.Fprint(w, `<response><returncode>SUCCESS</returncode></response>`)
	}))
	defer ts.Close()

	c := New("srv-1", ts.URL, "s3cr3t", Options{})
	doc := "<modules><module name=\"presentation\"></module></modules>"
	_, err := c.CallWithBody(context.Background(), "insertDocument",
		url.Values{"meetingID": {"room1"}}, "text/xml", strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, doc, receivedBody)
}

func TestCallOpensCircuitAfterRepeatedTransportFailures(t *testing.T) {
	// Use a closed listener so every attempt fails at the transport level
	// (connection refused), which is what the circuit breaker counts as a
	// technical failure — unlike a reachable backend answering 5xx, which
	// the poller's health state machine handles instead (spec.md §4.8).
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	deadURL := ts.URL
	ts.Close()

	c := New("srv-1", deadURL, "s3cr3t", Options{MaxRetries: 0, Backoff: time.Millisecond, Timeout: 50 * time.Millisecond})
	for i := 0; i < 10; i++ {
		_, _ = c.Call(context.Background(), "create", url.Values{})
	}

	_, err := c.Call(context.Background(), "create", url.Values{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

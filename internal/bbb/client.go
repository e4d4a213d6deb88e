// Package bbb implements the checksum-signed HTTP client for talking to a
// single BigBlueButton backend server (spec.md §4.3). One Client targets
// one server's base URL and shared secret; the mediator and poller hold a
// Client per Server row, keyed the same way the teacher's openwebif.Client
// is one-per-receiver.
package bbb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bbblb/bbblb/internal/checksum"
	"github.com/bbblb/bbblb/internal/log"
	"github.com/bbblb/bbblb/internal/metrics"
	"github.com/bbblb/bbblb/internal/resilience"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	maxErrBody = 8 * 1024

	defaultTimeout = 10 * time.Second
	defaultRetries = 2
	defaultBackoff = 250 * time.Millisecond
	maxBackoff     = 5 * time.Second

	defaultServerRPS   = 20
	defaultServerBurst = 40
)

// Options configures a Client's retry, rate-limit, and circuit-breaker
// behavior. Zero values fall back to safe defaults, except MaxRetries: zero
// there means a single attempt, and only a negative value selects the
// default retry count.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration

	RateLimit rate.Limit
	Burst     int
}

// Client signs and issues calls against one BBB backend server.
type Client struct {
	base   string
	secret string

	http       *http.Client
	log        zerolog.Logger
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration

	limiter *rate.Limiter
	cb      *resilience.CircuitBreaker
}

// New creates a Client for the server identified by name (used for
// circuit-breaker/metric labels), talking to baseURL with secret.
func New(name, baseURL, secret string, opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultRetries
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	mb := opts.MaxBackoff
	if mb <= 0 {
		mb = maxBackoff
	}
	rps := opts.RateLimit
	if rps <= 0 {
		rps = defaultServerRPS
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultServerBurst
	}

	return &Client{
		base:   base,
		secret: secret,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:        log.WithComponent("bbb").With().Str("server", name).Logger(),
		timeout:    timeout,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: mb,
		limiter:    rate.NewLimiter(rps, burst),
		cb:         resilience.NewCircuitBreaker(name, 5, 5, 60*time.Second, 30*time.Second),
	}
}

// sign serializes params into a query string sorted by key (url.Values.Encode)
// and appends the checksum for action, computed over that same string. The
// order in which the caller added the parameters is not preserved.
func (c *Client) sign(action string, params *url.Values) string {
	query := params.Encode()
	sum := checksum.Compute(action, query, c.secret)
	if query == "" {
		return checksum.Param + "=" + sum
	}
	return query + "&" + checksum.Param + "=" + sum
}

// SignedURL builds the fully-qualified, checksum-signed URL for action
// without issuing the call — used by endpoints like `join` that redirect
// the caller to the backend rather than proxying the response.
func (c *Client) SignedURL(action string, params url.Values) string {
	query := c.sign(action, &params)
	return c.base + "/bigbluebutton/api/" + action + "?" + query
}

// Call issues a GET call to action with params and returns the raw,
// envelope-verified response body (spec.md §4.3's raise_on_error).
func (c *Client) Call(ctx context.Context, action string, params url.Values) ([]byte, error) {
	query := c.sign(action, &params)
	body, err := c.do(ctx, action, http.MethodGet, "/bigbluebutton/api/"+action+"?"+query, "", nil)
	if err != nil {
		return nil, err
	}
	if err := raiseOnError(action, body); err != nil {
		return nil, err
	}
	return body, nil
}

// CallWithBody issues a POST with a streaming body (insertDocument,
// create with pre-uploaded slides), signed the same way as Call but with
// the checksum computed over the query string only — the body itself is
// not part of the checksum input per the BBB protocol.
func (c *Client) CallWithBody(ctx context.Context, action string, params url.Values, contentType string, body io.Reader) ([]byte, error) {
	query := c.sign(action, &params)
	respBody, err := c.do(ctx, action, http.MethodPost, "/bigbluebutton/api/"+action+"?"+query, contentType, body)
	if err != nil {
		return nil, err
	}
	if err := raiseOnError(action, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

func (c *Client) do(ctx context.Context, action, method, pathAndQuery, contentType string, body io.Reader) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Sentinel: ErrTimeout, Action: action, Err: err}
	}

	if !c.cb.AllowRequest() {
		return nil, &Error{Sentinel: ErrCircuitOpen, Action: action}
	}

	var data []byte
	var technical bool
	var err error
	if body != nil {
		data, technical, err = c.doStream(ctx, action, method, pathAndQuery, contentType, body)
	} else {
		data, technical, err = c.doWithRetry(ctx, action, method, pathAndQuery, contentType)
	}
	if err != nil {
		if technical {
			c.cb.RecordTechnicalFailure()
		}
		return nil, err
	}
	c.cb.RecordSuccess()
	return data, nil
}

func isTechnicalError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		return isTechnicalError(err)
	}
	return status >= 500
}

// doWithRetry handles the bodyless, idempotent GET calls (everything but
// insertDocument): each attempt is recorded against the circuit breaker
// before it fires, so a run of transport failures can actually trip it.
// doWithRetry also reports whether the final failure was a transport-level
// (technical) failure, as opposed to a reachable backend answering an error
// status — only the former should trip this client's circuit breaker; a
// reachable-but-unhealthy backend is the poller's health state machine's
// concern (spec.md §4.8), not this call-level breaker's.
func (c *Client) doWithRetry(ctx context.Context, action, method, pathAndQuery, contentType string) ([]byte, bool, error) {
	maxAttempts := c.maxRetries + 1
	var lastErr error
	var lastStatus int

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.cb.RecordAttempt()

		data, status, duration, err := c.attempt(ctx, action, method, pathAndQuery, contentType, nil)

		success := err == nil && status == http.StatusOK
		retry := !success && attempt < maxAttempts && shouldRetry(status, err)

		c.recordMetrics(action, attempt, status, duration, success, err, retry)

		if success {
			return data, false, nil
		}

		lastErr = err
		lastStatus = status

		if !retry {
			break
		}

		sleep := c.backoffDuration(attempt)
		select {
		case <-ctx.Done():
			return nil, isTechnicalError(ctx.Err()), &Error{Sentinel: ErrTimeout, Action: action, Err: ctx.Err()}
		case <-time.After(sleep):
		}
	}

	wrapped := wrapError(action, lastErr, lastStatus)
	c.log.Warn().Str("action", action).Int("status", lastStatus).Err(lastErr).Msg("bbb call exhausted retries")
	return nil, isTechnicalError(lastErr), wrapped
}

// doStream issues a single-attempt call with body streamed straight from
// the caller's io.Reader into the request, never buffered in memory
// (spec.md §4.3's insertDocument note). insertDocument uploads can carry
// whole slide decks and are non-idempotent once partially sent, so there is
// no retry here to protect against by buffering the body up front.
func (c *Client) doStream(ctx context.Context, action, method, pathAndQuery, contentType string, body io.Reader) ([]byte, bool, error) {
	c.cb.RecordAttempt()

	data, status, duration, err := c.attempt(ctx, action, method, pathAndQuery, contentType, body)

	success := err == nil && status == http.StatusOK
	c.recordMetrics(action, 1, status, duration, success, err, false)

	if success {
		return data, false, nil
	}

	c.log.Warn().Str("action", action).Int("status", status).Err(err).Msg("bbb streaming call failed, not retried")
	return nil, isTechnicalError(err), wrapError(action, err, status)
}

func (c *Client) attempt(ctx context.Context, action, method, pathAndQuery, contentType string, body io.Reader) ([]byte, int, time.Duration, error) {
	attemptCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, c.base+pathAndQuery, body)
	if err != nil {
		return nil, 0, 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, 0, duration, err
	}
	defer func() {
		_, _ = io.CopyN(io.Discard, res.Body, maxErrBody)
		_ = res.Body.Close()
	}()

	if res.StatusCode == http.StatusOK {
		data, readErr := io.ReadAll(res.Body)
		if readErr != nil {
			return nil, res.StatusCode, duration, readErr
		}
		return data, res.StatusCode, duration, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrBody))
	return snippet, res.StatusCode, duration, nil
}

func (c *Client) recordMetrics(action string, attempt, status int, duration time.Duration, success bool, err error, retry bool) {
	statusLabel := "error"
	if status > 0 {
		statusLabel = fmt.Sprintf("%d", status)
	}
	attemptLabel := fmt.Sprintf("%d", attempt)
	metrics.BBBRequestDuration.WithLabelValues(action, statusLabel, attemptLabel).Observe(duration.Seconds())
	if success {
		metrics.BBBRequestSuccess.WithLabelValues(action).Inc()
		return
	}
	if retry {
		metrics.BBBRequestRetries.WithLabelValues(action).Inc()
	}
	class := "http_" + statusLabel
	if err != nil {
		class = "transport"
	}
	metrics.BBBRequestFailures.WithLabelValues(action, class).Inc()
}

func (c *Client) backoffDuration(attempt int) time.Duration {
	d := c.backoff * time.Duration(1<<uint(attempt-1))
	if d > c.maxBackoff {
		d = c.maxBackoff
	}
	return d
}

func wrapError(action string, err error, status int) error {
	if err != nil {
		return &Error{Sentinel: ErrUpstreamUnavailable, Action: action, Err: err}
	}
	if status >= 500 {
		return &Error{Sentinel: ErrUpstreamError, Action: action, Status: status}
	}
	return &Error{Sentinel: ErrUpstreamBadResponse, Action: action, Status: status}
}

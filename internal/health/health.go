// Package health implements the balancer's liveness/readiness surface
// (spec component C10), grounded in the teacher's internal/health Manager
// with a pluggable Checker interface, adapted from the teacher's
// IPTV-receiver checks to this balancer's DB/lease/storage checks.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bbblb/bbblb/internal/log"
	"golang.org/x/sync/singleflight"
)

// CheckType marks whether a Checker participates in liveness, readiness, or
// both.
type CheckType uint8

const (
	CheckHealth    CheckType = 1 << 0
	CheckReadiness CheckType = 1 << 1
)

// Status is the tri-state result of one checker's run.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one checker's verdict.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Checker is one independently pluggable health or readiness probe.
type Checker interface {
	Name() string
	Type() CheckType
	Check(ctx context.Context) CheckResult
}

// Response is the JSON body served by both /healthz and /readyz.
type Response struct {
	Status    Status                 `json:"status"`
	Ready     bool                   `json:"ready"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    int64                  `json:"uptime_seconds"`
	Error     string                 `json:"error,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Manager aggregates Checkers behind /healthz (always 200, liveness) and
// /readyz (200/503, readiness), caching the readiness result briefly and
// deduping concurrent probes with singleflight the same way the teacher's
// Manager.Ready does.
type Manager struct {
	startTime time.Time

	mu       sync.RWMutex
	checkers []Checker

	sfg           singleflight.Group
	lastReady     Response
	lastReadyAt   time.Time
	cacheTTL      time.Duration
	staleFallback time.Duration
}

// NewManager builds an empty Manager; checkers are added with Register.
func NewManager() *Manager {
	return &Manager{
		startTime:     time.Now(),
		cacheTTL:      time.Second,
		staleFallback: 5 * time.Second,
	}
}

// Register adds a Checker to the manager.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Health runs every CheckHealth-scoped checker and always reports liveness
// as healthy at the HTTP layer; a checker failure is surfaced in the body
// only, never as a non-200 status (spec.md "always 200 once the process is
// up").
func (m *Manager) Health(ctx context.Context) Response {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	resp := Response{
		Status:    StatusHealthy,
		Ready:     true,
		Timestamp: time.Now(),
		Uptime:    int64(time.Since(m.startTime).Seconds()),
		Checks:    make(map[string]CheckResult),
	}
	for _, c := range checkers {
		if c.Type()&CheckHealth == 0 {
			continue
		}
		res := c.Check(ctx)
		resp.Checks[c.Name()] = res
		if res.Status == StatusUnhealthy {
			resp.Status = StatusDegraded
		}
	}
	return resp
}

// Ready runs every CheckReadiness-scoped checker concurrently, caches the
// result briefly, and falls back to a recent cached result if the probe
// itself errors out, matching the teacher's thundering-herd/stale-on-error
// behavior.
func (m *Manager) Ready(ctx context.Context) Response {
	m.mu.RLock()
	if !m.lastReadyAt.IsZero() && time.Since(m.lastReadyAt) < m.cacheTTL {
		cached := m.lastReady
		m.mu.RUnlock()
		return cached
	}
	m.mu.RUnlock()

	val, err, _ := m.sfg.Do("readiness", func() (interface{}, error) {
		probeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		m.mu.RLock()
		checkers := append([]Checker(nil), m.checkers...)
		m.mu.RUnlock()

		var wg sync.WaitGroup
		var mu sync.Mutex
		resp := Response{
			Status:    StatusHealthy,
			Ready:     true,
			Timestamp: time.Now(),
			Uptime:    int64(time.Since(m.startTime).Seconds()),
			Checks:    make(map[string]CheckResult),
		}

		for _, c := range checkers {
			if c.Type()&CheckReadiness == 0 {
				continue
			}
			wg.Add(1)
			go func(c Checker) {
				defer wg.Done()
				res := c.Check(probeCtx)
				mu.Lock()
				defer mu.Unlock()
				resp.Checks[c.Name()] = res
				if res.Status == StatusUnhealthy {
					resp.Status = StatusUnhealthy
					resp.Ready = false
				}
			}(c)
		}
		wg.Wait()

		m.mu.Lock()
		m.lastReady = resp
		m.lastReadyAt = resp.Timestamp
		m.mu.Unlock()
		return resp, nil
	})
	if err != nil {
		m.mu.RLock()
		cached, cachedAt := m.lastReady, m.lastReadyAt
		m.mu.RUnlock()
		if !cachedAt.IsZero() && time.Since(cachedAt) < m.staleFallback {
			cached.Error = err.Error()
			return cached
		}
		return Response{Status: StatusUnhealthy, Ready: false, Timestamp: time.Now(), Error: err.Error()}
	}
	return val.(Response)
}

// ServeHealth handles GET /healthz.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	resp := m.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithComponent("health").Error().Err(err).Msg("encode health response failed")
	}
}

// ServeReady handles GET /readyz.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	resp := m.Ready(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithComponent("health").Error().Err(err).Msg("encode readiness response failed")
	}
}

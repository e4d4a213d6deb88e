// Package poller implements the health/load poller (spec component C8): a
// cluster-wide singleton loop, guarded by a database lease, that fans out
// getMeetings across every known server, recomputes load, reconciles
// meeting liveness, and drives the per-server health state machine. Grounded
// in the teacher's internal/domain/session/manager/sweeper.go ticker loop,
// adapted from a fixed-interval ticker to the lease-guarded outer/inner loop
// spec.md §4.8 names.
package poller

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/bbblb/bbblb/internal/bbb"
	"github.com/bbblb/bbblb/internal/config"
	"github.com/bbblb/bbblb/internal/log"
	"github.com/bbblb/bbblb/internal/mediator"
	"github.com/bbblb/bbblb/internal/metrics"
	"github.com/bbblb/bbblb/internal/store"
	"github.com/rs/zerolog"
)

const leaseName = "poller"

// maxConcurrentPolls bounds the fan-out of pollOne tasks per sweep so a
// large fleet cannot open thousands of simultaneous backend connections.
const maxConcurrentPolls = 16

// Poller runs the singleton health/load sweep loop.
type Poller struct {
	store   *store.Store
	cfg     config.Config
	owner   string
	clients *mediator.ClientRegistry
	log     zerolog.Logger

	mu          sync.Mutex
	lastCheck   time.Time
	lastCheckOK bool
}

// New builds a Poller. owner should be a process-unique identifier
// (hostname+pid is typical) used as the lease owner tag.
func New(st *store.Store, cfg config.Config, owner string) *Poller {
	return &Poller{
		store: st,
		cfg:   cfg,
		owner: owner,
		clients: mediator.NewClientRegistry(bbb.Options{
			Timeout: cfg.PollInterval, // control-plane calls default small (spec.md §5)
		}),
		log: log.WithComponent("poller"),
	}
}

// GetLastCheck reports the timestamp of the most recent lease Check call
// made from within the inner loop, for internal/health.LeaseChecker.
func (p *Poller) GetLastCheck() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCheck, p.lastCheckOK
}

func (p *Poller) recordCheck(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCheck = time.Now()
	p.lastCheckOK = ok
}

// Run blocks until ctx is cancelled, executing the outer loop from
// spec.md §4.8: jittered sleep, lease acquisition, then a lease-guarded
// inner sweep loop.
func (p *Poller) Run(ctx context.Context) error {
	for {
		jitter := time.Duration(rand.Int63n(int64(time.Second)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}

		acquired, err := p.store.TryAcquire(ctx, leaseName, p.owner, p.cfg.PollInterval*2)
		if err != nil {
			p.log.Error().Err(err).Msg("lease tryAcquire failed")
			metrics.PollerRunsTotal.WithLabelValues("error").Inc()
			continue
		}
		if !acquired {
			continue
		}

		p.runInnerLoop(ctx)

		if err := p.store.TryRelease(ctx, leaseName, p.owner); err != nil {
			p.log.Error().Err(err).Msg("lease release failed")
		}
	}
}

// runInnerLoop holds the poller lease and repeatedly sweeps every known
// server until the lease is lost or ctx is cancelled.
func (p *Poller) runInnerLoop(ctx context.Context) {
	for {
		tsStart := time.Now()

		ok, err := p.store.Check(ctx, leaseName, p.owner)
		p.recordCheck(err == nil && ok)
		if err != nil {
			p.log.Error().Err(err).Msg("lease check failed")
			return
		}
		if !ok {
			p.log.Info().Msg("lease lost, stepping down")
			return
		}

		sweepCtx, cancel := context.WithTimeout(ctx, time.Duration(float64(p.cfg.PollInterval*2)*0.8))
		p.sweep(sweepCtx)
		cancel()

		metrics.PollerRunsTotal.WithLabelValues("ok").Inc()

		elapsed := time.Since(tsStart)
		if elapsed > p.cfg.PollInterval {
			p.log.Warn().Dur("elapsed", elapsed).Dur("interval", p.cfg.PollInterval).
				Msg("poller sweep exceeded interval")
		}
		sleep := p.cfg.PollInterval - elapsed
		if sleep < time.Second {
			sleep = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// sweep fans out pollOne across every known server with bounded
// concurrency, per spec.md §4.8 step "spawn a bounded concurrent pollOne
// task".
func (p *Poller) sweep(ctx context.Context) {
	servers, err := p.store.ListServers(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("list servers failed")
		return
	}

	sem := make(chan struct{}, maxConcurrentPolls)
	var wg sync.WaitGroup
	for _, srv := range servers {
		srv := srv
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.pollOne(ctx, srv)
		}()
	}
	wg.Wait()
}

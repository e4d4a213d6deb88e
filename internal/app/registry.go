// Package app re-architects the balancer's process wiring as an explicit
// service registry (spec.md §9's "global mutable state ... re-architected
// as an explicit service registry whose entries have start/stop
// lifecycles"), in place of a package-level mutable engine handle. Services
// are registered in dependency order by cmd/bbblbd/main.go; Start runs them
// in that order and Stop runs them in reverse, directly modeled on the
// teacher's cmd/daemon/main.go ordered-start/ordered-shutdown sequence and
// its daemon.App errgroup-based Run.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/bbblb/bbblb/internal/log"
)

// Service is one independently startable/stoppable component. Start should
// block only long enough to become ready (e.g. bind a listener); long-running
// work belongs in a goroutine launched from Start and torn down from Stop.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Registry holds services in registration order and owns their combined
// lifecycle. It has no package-level state of its own — every Registry is
// independent, so tests can build one per case instead of sharing a global.
type Registry struct {
	services []Service
	started  []Service
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register appends a service to the start order. Stop runs in the reverse
// of this order, so a service may assume anything registered before it is
// still running when its own Stop is called.
func (r *Registry) Register(s Service) {
	r.services = append(r.services, s)
}

// Start brings up every registered service in registration order. On the
// first failure it stops everything already started, in reverse order, and
// returns the original error — callers should treat a Start failure as
// "nothing is running" rather than attempt a partial shutdown themselves.
func (r *Registry) Start(ctx context.Context) error {
	logger := log.WithComponent("app")
	for _, s := range r.services {
		logger.Info().Str("service", s.Name()).Msg("starting service")
		if err := s.Start(ctx); err != nil {
			logger.Error().Err(err).Str("service", s.Name()).Msg("service failed to start")
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			r.stopStarted(stopCtx)
			cancel()
			return fmt.Errorf("app: start %s: %w", s.Name(), err)
		}
		r.started = append(r.started, s)
	}
	return nil
}

// Stop tears down every started service in reverse of its start order,
// continuing past individual failures so one wedged service cannot block
// the rest from shutting down. It returns the first error encountered, if
// any, after every service has had a chance to stop.
func (r *Registry) Stop(ctx context.Context) error {
	return r.stopStarted(ctx)
}

func (r *Registry) stopStarted(ctx context.Context) error {
	logger := log.WithComponent("app")
	var firstErr error
	for i := len(r.started) - 1; i >= 0; i-- {
		s := r.started[i]
		logger.Info().Str("service", s.Name()).Msg("stopping service")
		if err := s.Stop(ctx); err != nil {
			logger.Error().Err(err).Str("service", s.Name()).Msg("service failed to stop cleanly")
			if firstErr == nil {
				firstErr = fmt.Errorf("app: stop %s: %w", s.Name(), err)
			}
		}
	}
	r.started = nil
	return firstErr
}

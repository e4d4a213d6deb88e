// Package callback implements the callback router (spec component C7): the
// private surface backends call back into for meeting-end notifications and
// JWT-signed recording-ready/analytics events registered by the mediator
// (spec.md §4.7).
package callback

import (
	"context"
	"sync"
	"time"
)

// taskPool tracks best-effort background work (webhook forwards) with a
// sync.WaitGroup instead of raw `go func()`, so graceful shutdown can drain
// in-flight forwards up to a bounded grace period (SPEC_FULL.md §9
// "Supervised tasks with cancellation").
type taskPool struct {
	wg sync.WaitGroup
}

func newTaskPool() *taskPool {
	return &taskPool{}
}

// Go runs fn in a tracked goroutine. ctx is derived from the caller's
// request context but stripped of its cancellation, since an inbound
// request's context is torn down the moment the HTTP response is written,
// long before a retried webhook forward can complete.
func (p *taskPool) Go(ctx context.Context, fn func(context.Context)) {
	detached := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(detached)
	}()
}

// Wait blocks until every tracked task finishes or timeout elapses,
// returning false if the timeout won.
func (p *taskPool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Package importer implements the recording importer (spec component C9): a
// worker pool that streams uploaded tar archives of BBB recording formats,
// stages each (tenant, recordId, format) directory atomically into place,
// upserts the matching Recording/PlaybackFormat rows, and fires any REC
// callbacks registered against the originating meeting. Grounded in the
// teacher's internal/jobs/picon_pool.go worker-pool shape: a buffered jobs
// channel, a fixed worker count, and context-cancellation shutdown.
package importer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bbblb/bbblb/internal/config"
	"github.com/bbblb/bbblb/internal/log"
	"github.com/bbblb/bbblb/internal/metrics"
	"github.com/bbblb/bbblb/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// task is one enqueued import: a tar archive already spooled to tmpPath by
// the upload handler, optionally overriding the tar's own tenant path
// segment.
type task struct {
	id          string
	tmpPath     string
	forceTenant string
}

// Importer runs the recording-import worker pool.
type Importer struct {
	store *store.Store
	cfg   config.Config

	jobs   chan task
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	forwardWG sync.WaitGroup

	httpClient *http.Client
	log        zerolog.Logger
}

// New builds an Importer sized to cfg.RecordingThreads (spec.md §4.9 step
// 1). Call Start to launch the workers.
func New(st *store.Store, cfg config.Config) *Importer {
	return &Importer{
		store:      st,
		cfg:        cfg,
		jobs:       make(chan task, 64),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log.WithComponent("importer"),
	}
}

// Start launches the worker pool. ctx governs the lifetime of in-flight
// imports; cancelling it (or calling Stop) unblocks workers between tar
// entries but does not corrupt a partially-written staging directory,
// which is simply discarded (spec.md §4.9 step 5).
func (im *Importer) Start(ctx context.Context) {
	im.once.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		im.cancel = cancel
		for i := 0; i < im.cfg.RecordingThreads; i++ {
			im.wg.Add(1)
			go im.worker(runCtx)
		}
	})
}

func (im *Importer) worker(ctx context.Context) {
	defer im.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-im.jobs:
			if !ok {
				return
			}
			im.process(ctx, t)
			metrics.ImporterQueueDepth.Set(float64(len(im.jobs)))
		}
	}
}

// Stop signals no new work is accepted and waits up to timeout for
// in-flight and already-queued imports to drain; only if the timeout
// elapses does it cancel the workers' context, then waits for them to
// return (spec.md §5's graceful-shutdown posture for the importer).
func (im *Importer) Stop(timeout time.Duration) {
	close(im.jobs)
	done := make(chan struct{})
	go func() {
		im.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		if im.cancel != nil {
			im.cancel()
		}
		<-done
	}

	forwardsDone := make(chan struct{})
	go func() {
		im.forwardWG.Wait()
		close(forwardsDone)
	}()
	select {
	case <-forwardsDone:
	case <-time.After(timeout):
		im.log.Warn().Dur("timeout", timeout).Msg("importer shutdown: REC forwards still in flight, abandoning")
	}
}

func (im *Importer) goForward(ctx context.Context, url, signedParameters string) {
	im.forwardWG.Add(1)
	go func() {
		defer im.forwardWG.Done()
		im.forwardRecCallback(ctx, url, signedParameters)
	}()
}

// StartImport enqueues a spooled tar archive at tmpPath for processing and
// returns its importId (spec.md §4.9 step 1). The caller owns tmpPath until
// this call returns successfully; the worker removes it once done.
func (im *Importer) StartImport(tmpPath, forceTenant string) (string, error) {
	id := uuid.New().String()
	select {
	case im.jobs <- task{id: id, tmpPath: tmpPath, forceTenant: forceTenant}:
		metrics.ImporterQueueDepth.Set(float64(len(im.jobs)))
		return id, nil
	default:
		return "", errQueueFull
	}
}

package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bbblb/bbblb/internal/log"
)

// HTTPServer adapts a *http.Server to the Service interface: Start binds
// and serves in a background goroutine, Stop drains in-flight
// requests up to the context deadline (net/http.Server.Shutdown).
type HTTPServer struct {
	name   string
	server *http.Server
	errCh  chan error
}

// NewHTTPServer builds an HTTPServer named name, serving handler on addr.
func NewHTTPServer(name, addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		name: name,
		server: &http.Server{
			Addr:    addr,
			Handler: handler,
		},
		errCh: make(chan error, 1),
	}
}

func (h *HTTPServer) Name() string { return h.name }

// Start launches ListenAndServe in a background goroutine and returns nil
// at once. Binding happens inside that goroutine, so a bad address or any
// later serve failure is logged there and never returned from Start.
func (h *HTTPServer) Start(ctx context.Context) error {
	logger := log.WithComponent(h.name)
	go func() {
		logger.Info().Str("addr", h.server.Addr).Msg("http server listening")
		err := h.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited with error")
			h.errCh <- err
			return
		}
		h.errCh <- nil
	}()
	return nil
}

// Stop gracefully shuts down the server, waiting for in-flight requests up
// to ctx's deadline.
func (h *HTTPServer) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// pollerRunner is the subset of *poller.Poller used here, kept narrow so
// this package does not need to import internal/poller.
type pollerRunner interface {
	Run(ctx context.Context) error
}

// PollerService runs the health/load poller's Run loop (spec component C8)
// as a supervised background task, cancelled on Stop rather than left as
// an orphaned goroutine (spec.md §9's "no orphan tasks outlive shutdown").
type PollerService struct {
	poller pollerRunner
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPollerService wraps p.
func NewPollerService(p pollerRunner) *PollerService {
	return &PollerService{poller: p}
}

func (s *PollerService) Name() string { return "poller" }

func (s *PollerService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.poller.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.WithComponent("poller").Error().Err(err).Msg("poller run loop exited unexpectedly")
		}
	}()
	return nil
}

func (s *PollerService) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// importerPool is the subset of *importer.Importer used here.
type importerPool interface {
	Start(ctx context.Context)
	Stop(timeout time.Duration)
}

// ImporterService adapts the recording-import worker pool (spec component
// C9) to the Service interface.
type ImporterService struct {
	pool importerPool
}

// NewImporterService wraps pool.
func NewImporterService(pool importerPool) *ImporterService {
	return &ImporterService{pool: pool}
}

func (s *ImporterService) Name() string { return "importer" }

func (s *ImporterService) Start(ctx context.Context) error {
	s.pool.Start(ctx)
	return nil
}

// Stop drains in-flight imports up to the context's remaining deadline, or
// 30 seconds if ctx carries none.
func (s *ImporterService) Stop(ctx context.Context) error {
	timeout := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			timeout = remaining
		}
	}
	s.pool.Stop(timeout)
	return nil
}

// webhookDrainer is the subset of *callback.Router used here.
type webhookDrainer interface {
	Shutdown(timeout time.Duration)
}

// CallbackService adapts the callback router (spec component C7) to the
// Service interface purely for its shutdown: the router's HTTP handler is
// served by the shared HTTPServer, but in-flight webhook forwards launched
// from handleEnd/handleTyped must still drain before the process exits.
type CallbackService struct {
	router webhookDrainer
}

// NewCallbackService wraps router.
func NewCallbackService(router webhookDrainer) *CallbackService {
	return &CallbackService{router: router}
}

func (s *CallbackService) Name() string { return "callback" }

func (s *CallbackService) Start(ctx context.Context) error { return nil }

func (s *CallbackService) Stop(ctx context.Context) error {
	timeout := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			timeout = remaining
		}
	}
	s.router.Shutdown(timeout)
	return nil
}

// closer is the subset of *store.Store used here.
type closer interface {
	Close()
}

// StoreService adapts the already-opened persistent store (spec component
// C1) to the Service interface purely so its shutdown participates in the
// registry's reverse-order Stop; Start is a no-op since Open already ran
// before registration (the pool must exist before any other service that
// depends on it can be constructed).
type StoreService struct {
	store closer
}

// NewStoreService wraps an already-opened store.
func NewStoreService(s closer) *StoreService {
	return &StoreService{store: s}
}

func (s *StoreService) Name() string { return "store" }

func (s *StoreService) Start(ctx context.Context) error { return nil }

func (s *StoreService) Stop(ctx context.Context) error {
	s.store.Close()
	return nil
}

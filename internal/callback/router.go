package callback

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bbblb/bbblb/internal/config"
	"github.com/bbblb/bbblb/internal/log"
	"github.com/bbblb/bbblb/internal/mediator"
	"github.com/bbblb/bbblb/internal/store"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Router serves the backend-facing callback surface mounted at
// /api/v1/callback (spec.md §4.7).
type Router struct {
	Store  *store.Store
	Config config.Config

	httpClient *http.Client
	tasks      *taskPool
	log        zerolog.Logger
}

// New builds a Router.
func New(st *store.Store, cfg config.Config) *Router {
	return &Router{
		Store:      st,
		Config:     cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tasks:      newTaskPool(),
		log:        log.WithComponent("callback"),
	}
}

// Routes mounts the callback endpoints under /api/v1/callback.
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(log.Middleware())

	r.Route("/api/v1/callback/{uuid}", func(r chi.Router) {
		r.Get("/end/{sig}", rt.handleEnd)
		r.Post("/end/{sig}", rt.handleEnd)
		r.Post("/{type}", rt.handleTyped)
	})
	return r
}

// Shutdown waits up to timeout for in-flight webhook forwards to finish.
func (rt *Router) Shutdown(timeout time.Duration) {
	if !rt.tasks.Wait(timeout) {
		rt.log.Warn().Dur("timeout", timeout).Msg("callback shutdown: forwards still in flight, abandoning")
	}
}

// handleEnd implements spec.md §4.7's END callback: verify sig, consume
// the Callback row, fire the forward asynchronously, and forget the local
// Meeting (spec.md §8 scenario 3).
func (rt *Router) handleEnd(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	sig := chi.URLParam(r, "sig")

	if !mediator.VerifyEndCallbackSig(rt.Config.Secret, uuid, sig) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	cb, err := rt.Store.ConsumeEndCallback(ctx, uuid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		rt.log.Error().Err(err).Str("uuid", uuid).Msg("consume end callback failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if cb != nil && cb.Forward != nil && *cb.Forward != "" {
		forward := *cb.Forward
		rt.tasks.Go(ctx, func(ctx context.Context) {
			rt.forwardGET(ctx, forward)
		})
	}

	if meeting, err := rt.Store.GetMeetingByUUID(ctx, uuid); err == nil {
		if err := rt.Store.DeleteMeeting(ctx, meeting.ID); err != nil {
			rt.log.Error().Err(err).Str("uuid", uuid).Msg("delete ended meeting failed")
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		rt.log.Error().Err(err).Str("uuid", uuid).Msg("lookup ended meeting failed")
	}

	w.WriteHeader(http.StatusOK)
}

// handleTyped implements spec.md §4.7's generic JWT-bearing relay
// (`analytics-callback-url` and future custom callback types): verify the
// caller's JWT with the originating Server's secret, then re-sign with
// each matching row's Tenant's secret and forward.
func (rt *Router) handleTyped(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	typ := chi.URLParam(r, "type")

	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	signed := r.FormValue("signed_parameters")
	if signed == "" {
		http.Error(w, "signed_parameters is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	rows, err := rt.Store.FindCallbacksByUUIDAndType(ctx, uuid, typ)
	if err != nil {
		rt.log.Error().Err(err).Str("uuid", uuid).Str("type", typ).Msg("find callbacks failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(rows) == 0 {
		http.Error(w, "no registered callback", http.StatusNotFound)
		return
	}

	srv, err := rt.Store.GetServerForCallback(ctx, rows[0])
	if err != nil {
		rt.log.Error().Err(err).Str("uuid", uuid).Msg("resolve originating server failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	claims, err := verifyJWT(signed, srv.Secret)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	for _, row := range rows {
		row := row
		if row.Forward == nil || *row.Forward == "" {
			_ = rt.Store.DeleteCallback(ctx, row.ID)
			continue
		}
		tenant, err := rt.Store.GetTenant(ctx, row.TenantID)
		if err != nil || len(tenant.Secrets) == 0 {
			rt.log.Error().Err(err).Int64("tenant_id", row.TenantID).Msg("resolve tenant secret for relay failed")
			continue
		}
		resigned, err := resignJWT(claims, tenant.Secrets[0])
		if err != nil {
			rt.log.Error().Err(err).Msg("resign relay jwt failed")
			continue
		}

		forward := *row.Forward
		rt.tasks.Go(ctx, func(ctx context.Context) {
			rt.forwardPostJWT(ctx, forward, resigned)
		})
		if err := rt.Store.DeleteCallback(ctx, row.ID); err != nil {
			rt.log.Error().Err(err).Int64("callback_id", row.ID).Msg("delete fired callback failed")
		}
	}

	w.WriteHeader(http.StatusOK)
}

// forwardGET fires the END callback's forward URL with up to
// Config.WebhookRetry attempts and linear backoff 10·i seconds (spec.md
// §4.7, §5).
func (rt *Router) forwardGET(ctx context.Context, url string) {
	rt.forward(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}, url)
}

// forwardPostJWT re-POSTs a re-signed relay token to a REC/custom
// callback's forward URL with the same retry policy.
func (rt *Router) forwardPostJWT(ctx context.Context, url, signedParameters string) {
	rt.forward(ctx, func() (*http.Request, error) {
		body := "signed_parameters=" + signedParameters
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, url)
}

func (rt *Router) forward(ctx context.Context, build func() (*http.Request, error), url string) {
	attempts := rt.Config.WebhookRetry
	if attempts <= 0 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		req, err := build()
		if err != nil {
			rt.log.Error().Err(err).Str("url", url).Msg("build webhook request failed")
			return
		}
		res, err := rt.httpClient.Do(req)
		if err == nil {
			_ = res.Body.Close()
			if res.StatusCode < 500 {
				return
			}
		}
		if i == attempts {
			rt.log.Warn().Str("url", url).Int("attempts", attempts).Msg("webhook forward permanently failed")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(10*i) * time.Second):
		}
	}
}

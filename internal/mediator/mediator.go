// Package mediator implements the request mediator (spec component C6): the
// inbound BBB-protocol surface that authenticates tenants, rewrites and
// forwards calls to the chosen backend server, and mediates callbacks and
// scoped meeting IDs between tenants sharing a backend fleet.
package mediator

import (
	"net/http"
	"time"

	"github.com/bbblb/bbblb/internal/bbb"
	"github.com/bbblb/bbblb/internal/config"
	"github.com/bbblb/bbblb/internal/log"
	"github.com/bbblb/bbblb/internal/store"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Mediator wires the persistent store, the per-tenant override engine, and
// one bbb.Client per backend server behind the BBB-compatible HTTP surface
// described in spec.md §6.
type Mediator struct {
	Store   *store.Store
	Config  config.Config
	Clients *ClientRegistry
	log     zerolog.Logger
}

// New builds a Mediator. Backend call timeouts default to a few seconds,
// matching spec.md §5's "default small (seconds) for control-plane calls".
func New(st *store.Store, cfg config.Config) *Mediator {
	return &Mediator{
		Store:  st,
		Config: cfg,
		Clients: NewClientRegistry(bbb.Options{
			Timeout: 8 * time.Second,
		}),
		log: log.WithComponent("mediator"),
	}
}

// Routes returns the HTTP handler serving the public BBB surface
// (/bigbluebutton/api). The private /api/v1 endpoints are not mounted here;
// internal/callback and internal/importer serve them.
// insertDocument streams its body without buffering (spec.md §4.6), so the
// router does not wrap handlers in a request-body-reading middleware.
func (m *Mediator) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(log.Middleware())

	r.Route("/bigbluebutton/api", func(r chi.Router) {
		r.Get("/", m.handleIndex)
		r.Get("/create", m.handleCreate)
		r.Post("/create", m.handleCreate)
		r.Get("/join", m.handleJoin)
		r.Get("/end", m.handleEnd)
		r.Get("/isMeetingRunning", m.handleIsMeetingRunning)
		r.Get("/getMeetingInfo", m.handleGetMeetingInfo)
		r.Post("/sendChatMessage", m.handleSendChatMessage)
		r.Get("/sendChatMessage", m.handleSendChatMessage)
		r.Get("/getMeetings", m.handleGetMeetings)
		r.Post("/insertDocument", m.handleInsertDocument)
		r.Get("/getRecordings", m.handleGetRecordings)
		r.Get("/publishRecordings", m.handlePublishRecordings)
		r.Get("/deleteRecordings", m.handleDeleteRecordings)
		r.Get("/updateRecordings", m.handleUpdateRecordings)
	})

	return r
}

func (m *Mediator) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeXML(w, http.StatusOK, xmlResponse{ReturnCode: "SUCCESS", Message: m.Config.Domain})
}

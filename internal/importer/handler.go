package importer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/bbblb/bbblb/internal/store"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// requiredScopes lists the bearer-token scopes the upload endpoint accepts,
// any one of which suffices (spec.md §6).
var requiredScopes = []string{"rec", "rec:upload", "bbb"}

// Handler serves the private recording-upload endpoint.
type Handler struct {
	importer     *Importer
	store        *store.Store
	globalSecret string
	stagingDir   string
}

// NewHandler builds a Handler. globalSecret backs tokens whose `kid` is
// absent or does not name a known Server (spec.md §6).
func NewHandler(im *Importer, st *store.Store, globalSecret, stagingDir string) *Handler {
	return &Handler{importer: im, store: st, globalSecret: globalSecret, stagingDir: stagingDir}
}

// Routes mounts the upload endpoint.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Post("/api/v1/recording/upload", h.handleUpload)
	return r
}

// handleUpload implements spec.md §6's `POST /api/v1/recording/upload`:
// verify the bearer JWT, spool the tar body to a staging file so the
// connection can close before the worker pool finishes processing it, and
// enqueue the import.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/x-tar" {
		http.Error(w, "Content-Type must be application/x-tar", http.StatusUnsupportedMediaType)
		return
	}

	tokenString, ok := bearerToken(r)
	if !ok {
		http.Error(w, "bearer token required", http.StatusUnauthorized)
		return
	}
	if _, err := verifyUploadToken(tokenString, h.keyFor(r.Context()), requiredScopes); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	tmp, err := os.CreateTemp(h.stagingDir, "upload-*.tar")
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer tmp.Close()

	// Streaming uploads are intentionally unbounded (spec.md §5): the tar
	// body may be large, and MAX_BODY only governs control-plane requests.
	if _, err := io.Copy(tmp, r.Body); err != nil {
		_ = os.Remove(tmp.Name())
		http.Error(w, "failed to read upload", http.StatusBadGateway)
		return
	}

	importID, err := h.importer.StartImport(tmp.Name(), r.URL.Query().Get("tenant"))
	if err != nil {
		_ = os.Remove(tmp.Name())
		http.Error(w, "import queue full", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"importId": importID})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

// keyFor resolves the signing secret for a token's kid: a known Server's
// secret if kid names that Server's domain, otherwise the global balancer
// secret.
func (h *Handler) keyFor(ctx context.Context) func(kid string) (string, error) {
	return func(kid string) (string, error) {
		if kid == "" {
			return h.globalSecret, nil
		}
		srv, err := h.store.GetServerByDomain(ctx, kid)
		if err != nil {
			return h.globalSecret, nil
		}
		return srv.Secret, nil
	}
}

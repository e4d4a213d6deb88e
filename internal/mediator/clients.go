package mediator

import (
	"sync"

	"github.com/bbblb/bbblb/internal/bbb"
	"github.com/bbblb/bbblb/internal/store"
)

// ClientRegistry lazily builds and caches one bbb.Client per backend Server,
// the same one-client-per-receiver shape the BBB client package itself
// mirrors from the teacher's openwebif.Client usage.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[int64]*bbb.Client
	opts    bbb.Options
}

// NewClientRegistry builds an empty registry. Exported so other components
// needing one Client per Server (the poller, notably) share this cache
// instead of each maintaining their own.
func NewClientRegistry(opts bbb.Options) *ClientRegistry {
	return &ClientRegistry{clients: make(map[int64]*bbb.Client), opts: opts}
}

// For returns the cached Client for srv, creating it on first use. The
// cached Client keeps the domain/secret it was built with; a rotated secret
// takes effect only after a restart or an Invalidate call for that server.
func (r *ClientRegistry) For(srv *store.Server) *bbb.Client {
	r.mu.RLock()
	c, ok := r.clients[srv.ID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[srv.ID]; ok {
		return c
	}
	c = bbb.New(srv.Domain, srv.Domain, srv.Secret, r.opts)
	r.clients[srv.ID] = c
	return c
}

// Invalidate drops a cached Client, forcing the next For call to rebuild it
// from the Server row it is given. No code path in this repository calls it.
func (r *ClientRegistry) Invalidate(serverID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, serverID)
}

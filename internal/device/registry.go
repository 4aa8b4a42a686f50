package device

import (
	"log"
	"sync"

	"github.com/technohome/doorbell-hub/internal/events"
)

// Registry maps device ids to the single active session for each device.
// Multiple connection goroutines mutate it concurrently; every operation
// holds the one lock and the map is never handed out for direct mutation.
type Registry struct {
	mu      sync.Mutex
	clients map[int64]events.Session
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[int64]events.Session)}
}

// Set installs the session for id. A different session already holding the
// id is evicted (closed) first; re-registering the same session is a no-op.
func (r *Registry) Set(id int64, s events.Session) {
	r.mu.Lock()
	old, ok := r.clients[id]
	if ok && old == s {
		r.mu.Unlock()
		return
	}
	r.clients[id] = s
	r.mu.Unlock()

	if ok {
		log.Printf("[WARN] Registry: device %d superseded, evicting session %s", id, old.RemoteAddr())
		old.Close()
	}
}

// Remove drops the entry for id only when s is still the authoritative
// session, so a slow teardown never evicts a newer registration.
func (r *Registry) Remove(id int64, s events.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[id]; ok && cur == s {
		delete(r.clients, id)
	}
}

func (r *Registry) Get(id int64) (events.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.clients[id]
	return s, ok
}

// Snapshot returns a copy of the current id to session mapping.
func (r *Registry) Snapshot() map[int64]events.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]events.Session, len(r.clients))
	for id, s := range r.clients {
		out[id] = s
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// CloseAll closes every session and empties the map. Server shutdown path.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[int64]events.Session)
	r.mu.Unlock()

	for _, s := range clients {
		s.Close()
	}
}

// ABOUTME: Keyed mutual-exclusion registry for per-session stream serialization
// ABOUTME: Entries are created lazily and evicted once the last holder releases

package sessionlock

import (
	"errors"
	"sync"
)

// ErrStreamActive is returned when a stream already holds the session key.
// Callers surface this as a conflict rather than queuing: a hot session
// should reject new turns immediately, not build an unbounded queue.
var ErrStreamActive = errors.New("a stream is already active for this session")

// Registry provides at-most-one-holder locking keyed by session. Entries are
// reference-counted and removed when the count returns to zero, so the map
// does not grow with session-key cardinality over the process lifetime.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	held bool
}

// NewRegistry creates an empty session lock registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// TryAcquire attempts to take the lock for the given session key.
// It never blocks: if another turn holds the key, ErrStreamActive is
// returned immediately and no state changes.
func (r *Registry) TryAcquire(sessionKey string) (*Guard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionKey]
	if ok && e.held {
		return nil, ErrStreamActive
	}
	if !ok {
		e = &entry{}
		r.entries[sessionKey] = e
	}
	e.held = true

	return &Guard{registry: r, key: sessionKey}, nil
}

// Len returns the number of live entries. Exposed for tests and
// introspection; a steady-state process should trend toward zero.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// release unlocks and evicts the entry for the key
func (r *Registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && e.held {
		delete(r.entries, key)
	}
}

// Guard represents held ownership of a session key. Release must run on
// every exit path; it is safe to call more than once.
type Guard struct {
	registry *Registry
	key      string
	once     sync.Once
}

// Key returns the session key this guard holds
func (g *Guard) Key() string {
	return g.key
}

// Release returns the session key to the registry. Idempotent.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.registry.release(g.key)
	})
}

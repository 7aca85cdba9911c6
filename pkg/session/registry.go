package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/logging"
)

// Registry tracks the live session of every adapter.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Open creates the session for driver. It fails with ErrTooManySessions if
// the adapter already has one.
func (r *Registry) Open(driver core.Driver, cfg Config) (*Session, error) {
	name := driver.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[name]; ok {
		return nil, fmt.Errorf("adapter %s: %w", name, core.ErrTooManySessions)
	}
	s := newSession(r, driver, cfg)
	r.sessions[name] = s
	logging.Infof("Session opened for adapter %s", name)
	return s, nil
}

// Get returns the live session of an adapter.
func (r *Registry) Get(adapter string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[adapter]
	return s, ok
}

// Adapters lists the adapters with a live session, sorted.
func (r *Registry) Adapters() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CloseAll closes every live session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Adapter()]; ok && cur == s {
		delete(r.sessions, s.Adapter())
	}
}

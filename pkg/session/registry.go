package session

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/metrics"
)

// Registry maps session ids to live sessions. It guarantees at-most-one
// in-flight creation per id and owns every Session instance it hands out.
type Registry struct {
	cfg       Config
	transport Transport
	creds     CredentialStore
	router    *Router
	notifier  Notifier
	status    StatusStore

	mu       sync.RWMutex
	sessions map[string]*Session
	creating singleflight.Group

	baseCtx context.Context
	stop    context.CancelFunc
}

// NewRegistry wires a registry with its collaborators. status may be nil.
func NewRegistry(cfg Config, transport Transport, creds CredentialStore, router *Router, notifier Notifier, status StatusStore) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:       cfg,
		transport: transport,
		creds:     creds,
		router:    router,
		notifier:  notifier,
		status:    status,
		sessions:  make(map[string]*Session),
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// GetOrCreate returns the live session for id, starting a fresh lifecycle if
// none exists. Sessions that already reached a terminal state are replaced by
// a new instance under the same id.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if s, ok := r.liveSession(id); ok {
		return s, nil
	}

	v, err, _ := r.creating.Do(id, func() (interface{}, error) {
		if s, ok := r.liveSession(id); ok {
			return s, nil
		}

		s := newSession(id)
		runCtx, cancel := context.WithCancel(r.baseCtx)
		s.cancel = cancel

		r.mu.Lock()
		r.sessions[id] = s
		r.mu.Unlock()
		metrics.ActiveSessions.Inc()

		lc := &lifecycle{
			s:         s,
			cfg:       r.cfg,
			transport: r.transport,
			creds:     r.creds,
			router:    r.router,
			notifier:  r.notifier,
			status:    r.status,
			registry:  r,
		}
		go lc.run(runCtx)

		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Get returns the session for id without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) liveSession(id string) (*Session, bool) {
	s, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	switch s.State() {
	case StateClosed, StateFailed:
		// Terminal instances are never reused; detach so the next
		// GetOrCreate starts a fresh lifecycle under the same id.
		r.removeIfSame(id, s)
		return nil, false
	}
	return s, true
}

// Remove detaches the id and cancels the session's lifecycle. In-flight
// operations may complete but cannot resurrect the registry entry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	metrics.ActiveSessions.Dec()
	if s.cancel != nil {
		s.cancel()
	}
}

// removeIfSame detaches id only while it still maps to the given instance.
func (r *Registry) removeIfSame(id string, s *Session) {
	r.mu.Lock()
	current, ok := r.sessions[id]
	if ok && current == s {
		delete(r.sessions, id)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	metrics.ActiveSessions.Dec()
	if s.cancel != nil {
		s.cancel()
	}
}

// Logout terminates the session permanently: remote logout, credential
// removal and registry detachment. Pending reconnects are cancelled.
func (r *Registry) Logout(ctx context.Context, id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotConnected
	}
	if h := s.currentHandle(); h != nil {
		_ = h.Logout(ctx)
	}
	err := r.creds.Delete(ctx, id)
	r.Remove(id)
	return err
}

// ListActive returns the currently registered session ids, sorted.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close cancels every session lifecycle. Used during shutdown.
func (r *Registry) Close() {
	r.stop()
	r.mu.Lock()
	for id := range r.sessions {
		delete(r.sessions, id)
		metrics.ActiveSessions.Dec()
	}
	r.mu.Unlock()
}

package session

import (
	"sort"
	"sync"
	"time"
)

// Info describes a live session.
type Info struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Model    string    `json:"model"`
	State    State     `json:"state"`
	OpenedAt time.Time `json:"opened_at"`
	Tokens   int64     `json:"tokens"`
	Cost     float64   `json:"cost"`
}

// Registry tracks active sessions. Entries are added when a session
// becomes ready and removed by the release func Add returns.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s. The returned func removes it and is safe to call more
// than once.
func (r *Registry) Add(s *Session) (release func()) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.sessions, s.ID)
			r.mu.Unlock()
		})
	}
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of active sessions ordered by open time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// CloseAll cancels every active session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.cancel()
	}
}

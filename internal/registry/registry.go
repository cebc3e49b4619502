// Package registry keeps the in-memory table of known sessions. Rows are
// plain data owned here; the router is the only mutator. Per-session
// operations take a sessionId-granularity lock; the registry-wide lock is
// held only for map access and enumeration.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zqq-nuli/felay/pkg/types"
)

var (
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultPruneAge is how long ended sessions are retained before pruning.
const DefaultPruneAge = 30 * time.Minute

type entry struct {
	mu  sync.Mutex
	row types.Session
}

// Registry maps sessionId to session row.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

func (r *Registry) get(sessionID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	return e, ok
}

// Register inserts a session or refreshes an existing one. Re-registering a
// still-active session preserves bindings and only refreshes timestamps; a
// row that already ended (or was pruned) is recreated from scratch.
// Returns the row snapshot and whether this was a brand-new registration.
func (r *Registry) Register(sessionID, cli, cwd string) (types.Session, bool) {
	now := r.now()

	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		e = &entry{}
		r.sessions[sessionID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	fresh := !ok || e.row.Ended()
	if fresh {
		e.row = types.Session{
			SessionID: sessionID,
			Status:    types.SessionListening,
			StartedAt: now,
		}
	}
	e.row.CLI = cli
	e.row.Cwd = cwd
	e.row.UpdatedAt = now
	return e.row, fresh
}

// Get returns a snapshot of one session row.
func (r *Registry) Get(sessionID string) (types.Session, bool) {
	e, ok := r.get(sessionID)
	if !ok {
		return types.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.row, true
}

// List returns snapshots of all rows, newest first.
func (r *Registry) List() []types.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]types.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.row)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// update applies fn to a live row under its lock.
func (r *Registry) update(sessionID string, fn func(*types.Session)) (types.Session, error) {
	e, ok := r.get(sessionID)
	if !ok {
		return types.Session{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.row.Ended() {
		// ended is terminal
		return e.row, nil
	}
	fn(&e.row)
	e.row.UpdatedAt = r.now()
	return e.row, nil
}

// TouchProxy transitions listening → proxy_on on first evidence of output.
func (r *Registry) TouchProxy(sessionID string) (types.Session, error) {
	return r.update(sessionID, func(s *types.Session) {
		if s.Status == types.SessionListening {
			s.Status = types.SessionProxyOn
		}
	})
}

// SetProxyMode records that the session's reply capture comes from the API
// proxy, suppressing the hook and terminal paths.
func (r *Registry) SetProxyMode(sessionID string, on bool) (types.Session, error) {
	return r.update(sessionID, func(s *types.Session) { s.ProxyMode = on })
}

// BindInteractive binds an interactive bot to a session.
func (r *Registry) BindInteractive(sessionID, botID string) (types.Session, error) {
	return r.update(sessionID, func(s *types.Session) { s.InteractiveBotID = botID })
}

// UnbindInteractive clears the interactive binding.
func (r *Registry) UnbindInteractive(sessionID string) (types.Session, error) {
	return r.update(sessionID, func(s *types.Session) { s.InteractiveBotID = "" })
}

// BindPush binds a push bot to a session and enables pushing.
func (r *Registry) BindPush(sessionID, botID string) (types.Session, error) {
	return r.update(sessionID, func(s *types.Session) {
		s.PushBotID = botID
		s.PushEnabled = true
	})
}

// UnbindPush clears the push binding.
func (r *Registry) UnbindPush(sessionID string) (types.Session, error) {
	return r.update(sessionID, func(s *types.Session) {
		s.PushBotID = ""
		s.PushEnabled = false
	})
}

// SetPushEnabled toggles pushing without touching the binding.
func (r *Registry) SetPushEnabled(sessionID string, enabled bool) (types.Session, error) {
	return r.update(sessionID, func(s *types.Session) { s.PushEnabled = enabled })
}

// End marks a session ended. Ending an unknown session is not an error; the
// row may already have been pruned. Returns the final snapshot when known.
func (r *Registry) End(sessionID string) (types.Session, bool) {
	e, ok := r.get(sessionID)
	if !ok {
		return types.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.row.Ended() {
		e.row.Status = types.SessionEnded
		e.row.UpdatedAt = r.now()
	}
	return e.row, true
}

// BoundTo returns the non-ended sessions referencing the given bot id in
// either binding slot.
func (r *Registry) BoundTo(botID string) []types.Session {
	var out []types.Session
	for _, row := range r.List() {
		if row.Ended() {
			continue
		}
		if row.InteractiveBotID == botID || row.PushBotID == botID {
			out = append(out, row)
		}
	}
	return out
}

// PruneEnded drops ended sessions older than maxAge. Returns the pruned ids.
func (r *Registry) PruneEnded(maxAge time.Duration) []string {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned []string
	for id, e := range r.sessions {
		e.mu.Lock()
		dead := e.row.Ended() && e.row.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if dead {
			delete(r.sessions, id)
			pruned = append(pruned, id)
		}
	}
	return pruned
}

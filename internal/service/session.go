package service

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/ToolForge/internal/domain/session"
)

// SessionService owns the per-user session registry. Each session is only
// ever mutated by the single logical owner processing that user's current
// event, enforced with a per-entry lock held across the transition.
type SessionService struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	sess *session.Session
}

// NewSessionService creates a registry with the given inactivity TTL.
func NewSessionService(ttl time.Duration) *SessionService {
	return &SessionService{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// With runs fn with exclusive access to the user's session, creating an idle
// session on first contact. A session inactive beyond the TTL is reset to
// Idle before fn sees it.
func (s *SessionService) With(user string, fn func(*session.Session) error) error {
	e := s.entry(user)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	if e.sess.State != session.StateIdle && e.sess.ExpiredAt(now, s.ttl) {
		slog.Debug("session expired, resetting", "user", user)
		e.sess.Cancel(now)
	}
	err := fn(e.sess)
	// Any contact counts as activity for the inactivity window.
	e.sess.UpdatedAt = now
	return err
}

func (s *SessionService) entry(user string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[user]
	if !ok {
		e = &entry{sess: session.New(user, s.now())}
		s.entries[user] = e
	}
	return e
}

// StartSweep periodically drops idle sessions that are past the TTL, keeping
// the registry bounded. Returns a cancel function.
func (s *SessionService) StartSweep(interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
	return func() { close(done) }
}

func (s *SessionService) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, e := range s.entries {
		if !e.mu.TryLock() {
			continue // owner is processing an event, skip this round
		}
		if e.sess.ExpiredAt(now, s.ttl) && e.sess.State != session.StateExecuting {
			delete(s.entries, user)
		}
		e.mu.Unlock()
	}
}

// Len returns the number of tracked sessions (for metrics and testing).
func (s *SessionService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

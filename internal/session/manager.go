package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatdex/internal/logging"
)

// ErrSessionUnavailable means the surface could not be created or never
// became ready. The record is removed so the next attempt starts clean; there
// is no automatic retry beyond the one attempt.
var ErrSessionUnavailable = errors.New("session unavailable")

// Manager owns the thread-key -> Session map. At most one live surface per
// thread key at any time; exchanges within one session are strictly
// sequential, sessions for different keys are independent.
type Manager struct {
	opener        Opener
	newThreadURL  string // where a fresh session's surface starts
	probeAttempts int
	probeBackoff  time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(opener Opener, newThreadURL string, probeAttempts int, idleTimeout, sweepInterval time.Duration) *Manager {
	if probeAttempts <= 0 {
		probeAttempts = 3
	}
	return &Manager{
		opener:        opener,
		newThreadURL:  newThreadURL,
		probeAttempts: probeAttempts,
		probeBackoff:  500 * time.Millisecond,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		sessions:      make(map[string]*Session),
	}
}

// Acquire returns the thread's session, exclusively held and in StateBusy.
// An existing session is revalidated with a live probe; a stale record is
// discarded and rebuilt. Acquire may take seconds - it is bounded by ctx.
// The caller must Release (or CloseSession) what it acquires.
func (m *Manager) Acquire(ctx context.Context, threadKey string) (*Session, error) {
	for {
		m.mu.Lock()
		s, ok := m.sessions[threadKey]
		if !ok {
			s = newSession(threadKey)
			m.sessions[threadKey] = s
		}
		m.mu.Unlock()

		if err := s.acquireHold(ctx); err != nil {
			return nil, err
		}

		switch s.state {
		case StateClosed:
			// Lost a race with a sweep or an explicit close; retry with a
			// fresh record.
			m.forget(threadKey, s)
			s.releaseHold()
			continue

		case StateReady, StateIdle:
			if err := s.surface.Probe(ctx); err != nil {
				logging.Session("thread %s: surface %s failed probe, rebuilding: %v",
					threadKey, s.surface.ID(), err)
				_ = s.surface.Close()
				s.state = StateClosed
				m.forget(threadKey, s)
				s.releaseHold()
				continue
			}
			s.state = StateBusy
			s.lastUsed = time.Now()
			return s, nil

		case StateCreating:
			if err := m.build(ctx, s); err != nil {
				s.state = StateClosed
				m.forget(threadKey, s)
				s.releaseHold()
				return nil, err
			}
			s.state = StateBusy
			s.lastUsed = time.Now()
			return s, nil

		default:
			// Busy/Loading while held should be impossible; treat as stale.
			s.releaseHold()
			return nil, fmt.Errorf("%w: thread %s in unexpected state %s",
				ErrSessionUnavailable, threadKey, s.state)
		}
	}
}

// build advances a fresh session through CREATING -> LOADING -> READY.
// Called with the session held.
func (m *Manager) build(ctx context.Context, s *Session) error {
	logging.Session("thread %s: creating surface", s.ThreadKey)

	s.state = StateLoading
	surface, err := m.opener.Open(ctx, m.newThreadURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	var probeErr error
	for attempt := 0; attempt < m.probeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				_ = surface.Close()
				return fmt.Errorf("%w: %v", ErrSessionUnavailable, ctx.Err())
			case <-time.After(m.probeBackoff):
			}
		}
		if probeErr = surface.Probe(ctx); probeErr == nil {
			break
		}
	}
	if probeErr != nil {
		_ = surface.Close()
		return fmt.Errorf("%w: probe never succeeded: %v", ErrSessionUnavailable, probeErr)
	}

	s.surface = surface
	s.state = StateReady
	logging.Session("thread %s: surface %s ready", s.ThreadKey, surface.ID())
	return nil
}

// Release returns a held session to rest. The exchange is over; the idle
// sweep may now reclaim it.
func (m *Manager) Release(s *Session) {
	s.state = StateIdle
	s.lastUsed = time.Now()
	s.releaseHold()
}

// CloseSession tears down a held session and discards its record.
func (m *Manager) CloseSession(s *Session) {
	if s.surface != nil {
		_ = s.surface.Close()
	}
	s.state = StateClosed
	m.forget(s.ThreadKey, s)
	s.releaseHold()
}

// CloseThread closes the thread's session if it is not mid-exchange. Used
// when the surface is reported closed out-of-band.
func (m *Manager) CloseThread(threadKey string) {
	m.mu.Lock()
	s, ok := m.sessions[threadKey]
	m.mu.Unlock()
	if !ok {
		return
	}
	if !s.tryHold() {
		// Mid-exchange; the holder will discover the dead surface itself.
		return
	}
	if s.surface != nil {
		_ = s.surface.Close()
	}
	s.state = StateClosed
	m.forget(threadKey, s)
	s.releaseHold()
}

// Sweep closes every idle session whose last use exceeds the idle timeout.
// Returns how many were closed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	closed := 0
	cutoff := time.Now().Add(-m.idleTimeout)
	for _, s := range candidates {
		if !s.tryHold() {
			continue // busy, skip
		}
		if s.state == StateIdle && s.lastUsed.Before(cutoff) {
			logging.Session("thread %s: idle timeout, closing surface", s.ThreadKey)
			if s.surface != nil {
				_ = s.surface.Close()
			}
			s.state = StateClosed
			m.forget(s.ThreadKey, s)
			closed++
		}
		s.releaseHold()
	}
	return closed
}

// RunSweeper sweeps on the configured interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// CloseAll best-effort closes every session's surface. Called at shutdown;
// failures are tolerated (the browser teardown reaps leftovers).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if s.tryHold() {
			if s.surface != nil {
				_ = s.surface.Close()
			}
			s.state = StateClosed
			s.releaseHold()
		}
	}
}

// Count reports live session records.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// forget removes the record only if it is still the current one for the key.
func (m *Manager) forget(threadKey string, s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[threadKey]; ok && cur == s {
		delete(m.sessions, threadKey)
	}
	m.mu.Unlock()
}

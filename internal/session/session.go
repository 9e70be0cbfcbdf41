// Package session owns the lifecycle of background browsing surfaces, one per
// logical thread of work (an indexing job, or one folder's conversation).
package session

import (
	"context"
	"time"

	"chatdex/internal/browser"
)

// State is the session lifecycle state.
type State int

const (
	// StateCreating - a surface is being opened.
	StateCreating State = iota
	// StateLoading - waiting for page load completion.
	StateLoading
	// StateReady - liveness probe succeeded, no exchange in flight.
	StateReady
	// StateBusy - one message exchange in progress.
	StateBusy
	// StateIdle - resting between exchanges, subject to the idle sweep.
	StateIdle
	// StateClosed - terminal; the surface is gone and the record discarded.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Surface is the browsing surface a session drives. *browser.Surface
// implements it; tests substitute fakes.
type Surface interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	Probe(ctx context.Context) error
	URL() (string, error)
	ConversationHTML(ctx context.Context, selectors []string) (string, error)
	ContentLength(ctx context.Context, selectors []string) int
	StartMonitor(ctx context.Context, selectors []string) (<-chan struct{}, error)
	SendMessage(ctx context.Context, sel browser.Selectors, text string) error
	Close() error
}

// Opener creates surfaces. *browser.Manager provides the real one via
// OpenerFunc in wiring.
type Opener interface {
	Open(ctx context.Context, url string) (Surface, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, url string) (Surface, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, url string) (Surface, error) {
	return f(ctx, url)
}

// Session tracks one thread's surface. Exchange serialization is enforced by
// the manager: a session handed out by Acquire is exclusively held until
// Release.
type Session struct {
	ThreadKey         string
	SurrogateThreadID string
	RealThreadID      string
	ContextSent       bool // folder context injected once per session

	surface  Surface
	state    State
	lastUsed time.Time

	// hold is a one-slot semaphore; owning the slot is owning the session.
	hold chan struct{}
}

func newSession(threadKey string) *Session {
	return &Session{
		ThreadKey: threadKey,
		state:     StateCreating,
		hold:      make(chan struct{}, 1),
		lastUsed:  time.Now(),
	}
}

// Surface returns the underlying surface. Valid only while held.
func (s *Session) Surface() Surface { return s.surface }

// State returns the current lifecycle state. Transitions happen only while
// the session is held (or under the manager's sweep), so reads by the holder
// are stable.
func (s *Session) State() State { return s.state }

// LastUsedAt returns the last exchange completion time.
func (s *Session) LastUsedAt() time.Time { return s.lastUsed }

// acquireHold blocks until the session is free or ctx is done.
func (s *Session) acquireHold(ctx context.Context) error {
	select {
	case s.hold <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryHold attempts a non-blocking hold (used by the idle sweep).
func (s *Session) tryHold() bool {
	select {
	case s.hold <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) releaseHold() {
	<-s.hold
}

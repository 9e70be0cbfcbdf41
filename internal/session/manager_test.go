package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatdex/internal/browser"
)

type fakeSurface struct {
	id       string
	mu       sync.Mutex
	closed   bool
	probeErr error
	url      string
}

func (f *fakeSurface) ID() string                                  { return f.id }
func (f *fakeSurface) Navigate(context.Context, string) error      { return nil }
func (f *fakeSurface) URL() (string, error)                        { return f.url, nil }
func (f *fakeSurface) ContentLength(context.Context, []string) int { return 0 }

func (f *fakeSurface) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("surface closed")
	}
	return f.probeErr
}

func (f *fakeSurface) ConversationHTML(context.Context, []string) (string, error) {
	return "", nil
}

func (f *fakeSurface) StartMonitor(ctx context.Context, _ []string) (<-chan struct{}, error) {
	ch := make(chan struct{})
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func (f *fakeSurface) SendMessage(context.Context, browser.Selectors, string) error {
	return nil
}

func (f *fakeSurface) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSurface) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeOpener struct {
	mu      sync.Mutex
	opened  []*fakeSurface
	openErr error
	nextID  int32
}

func (o *fakeOpener) Open(ctx context.Context, url string) (Surface, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	s := &fakeSurface{
		id:  string(rune('a' + atomic.AddInt32(&o.nextID, 1))),
		url: url,
	}
	o.opened = append(o.opened, s)
	return s, nil
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

func newTestManager(o *fakeOpener) *Manager {
	return NewManager(o, "https://chat.example.com/new", 2, 5*time.Minute, 2*time.Minute)
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)
	ctx := context.Background()

	s, err := m.Acquire(ctx, "folder-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if s.State() != StateBusy {
		t.Errorf("state = %s, want busy", s.State())
	}
	first := s.Surface().ID()
	m.Release(s)
	if s.State() != StateIdle {
		t.Errorf("state after release = %s, want idle", s.State())
	}

	s2, err := m.Acquire(ctx, "folder-1")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if s2.Surface().ID() != first {
		t.Error("existing ready surface not reused")
	}
	if opener.count() != 1 {
		t.Errorf("opened %d surfaces, want 1", opener.count())
	}
	m.Release(s2)
}

func TestAcquireRebuildsAfterDeadSurface(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)
	ctx := context.Background()

	s, err := m.Acquire(ctx, "folder-1")
	if err != nil {
		t.Fatal(err)
	}
	m.Release(s)

	// User closed the tab out-of-band.
	_ = s.Surface().Close()

	s2, err := m.Acquire(ctx, "folder-1")
	if err != nil {
		t.Fatalf("Acquire after dead surface failed: %v", err)
	}
	if s2.Surface().ID() == s.Surface().ID() {
		t.Error("dead surface was handed out again")
	}
	if opener.count() != 2 {
		t.Errorf("opened %d surfaces, want 2", opener.count())
	}
	m.Release(s2)
}

func TestAcquireFailsCleanWhenOpenFails(t *testing.T) {
	opener := &fakeOpener{openErr: errors.New("no chrome")}
	m := newTestManager(opener)

	_, err := m.Acquire(context.Background(), "folder-1")
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("err = %v, want ErrSessionUnavailable", err)
	}
	// Record removed so the next attempt starts clean.
	if m.Count() != 0 {
		t.Errorf("stale record left behind: count = %d", m.Count())
	}
}

func TestExchangesStrictlySequentialPerKey(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)
	ctx := context.Background()

	s, err := m.Acquire(ctx, "folder-1")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan *Session, 1)
	go func() {
		s2, err := m.Acquire(ctx, "folder-1")
		if err != nil {
			t.Errorf("concurrent Acquire failed: %v", err)
			return
		}
		acquired <- s2
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned while first exchange in flight")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(s)
	select {
	case s2 := <-acquired:
		m.Release(s2)
	case <-time.After(time.Second):
		t.Fatal("second Acquire never proceeded after release")
	}

	// One surface for one key throughout.
	if opener.count() != 1 {
		t.Errorf("opened %d surfaces, want 1", opener.count())
	}
}

func TestDifferentKeysIndependent(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)
	ctx := context.Background()

	s1, err := m.Acquire(ctx, "folder-1")
	if err != nil {
		t.Fatal(err)
	}
	// A second key must not block behind the first key's exchange.
	done := make(chan struct{})
	go func() {
		s2, err := m.Acquire(ctx, "folder-2")
		if err == nil {
			m.Release(s2)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("independent key blocked")
	}
	m.Release(s1)
}

func TestSweepClosesOnlyExpiredIdle(t *testing.T) {
	opener := &fakeOpener{}
	m := NewManager(opener, "https://chat.example.com/new", 2, 30*time.Millisecond, time.Hour)
	ctx := context.Background()

	idle, err := m.Acquire(ctx, "expired")
	if err != nil {
		t.Fatal(err)
	}
	m.Release(idle)

	busy, err := m.Acquire(ctx, "held")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	closed := m.Sweep()
	if closed != 1 {
		t.Errorf("Sweep closed %d, want 1", closed)
	}
	if !idle.Surface().(*fakeSurface).isClosed() {
		t.Error("expired idle surface not closed")
	}
	if busy.Surface().(*fakeSurface).isClosed() {
		t.Error("busy surface closed by sweep")
	}
	m.Release(busy)
}

func TestAcquireCancellable(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)

	s, err := m.Acquire(context.Background(), "folder-1")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(s)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "folder-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestCloseAll(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		s, err := m.Acquire(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		m.Release(s)
	}

	m.CloseAll()
	if m.Count() != 0 {
		t.Errorf("count after CloseAll = %d", m.Count())
	}
	for _, s := range opener.opened {
		if !s.isClosed() {
			t.Errorf("surface %s left open", s.id)
		}
	}
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatdex/internal/browser"
	"chatdex/internal/extract"
	"chatdex/internal/session"
	"chatdex/internal/stability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSurface renders a transcript that echoes every sent message as a user
// turn followed by a canned assistant turn.
type fakeSurface struct {
	mu      sync.Mutex
	id      string
	url     string
	sent    []string
	sendErr error
	reply   string
	closed  bool
}

func (f *fakeSurface) ID() string                             { return f.id }
func (f *fakeSurface) Navigate(context.Context, string) error { return nil }
func (f *fakeSurface) Probe(context.Context) error            { return nil }
func (f *fakeSurface) URL() (string, error)                   { return f.url, nil }

func (f *fakeSurface) ConversationHTML(context.Context, []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	for _, msg := range f.sent {
		fmt.Fprintf(&b, `<div data-message-author-role="user">%s</div>`, msg)
		fmt.Fprintf(&b, `<div data-message-author-role="assistant">%s</div>`, f.reply)
	}
	return b.String(), nil
}

func (f *fakeSurface) ContentLength(context.Context, []string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent) * (len(f.reply) + 64)
}

func (f *fakeSurface) StartMonitor(context.Context, []string) (<-chan struct{}, error) {
	ch := make(chan struct{})
	close(ch) // settles immediately once the quiet period elapses
	return ch, nil
}

func (f *fakeSurface) SendMessage(_ context.Context, _ browser.Selectors, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSurface) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeMigrator struct {
	mu    sync.Mutex
	calls [][2]string
}

func (f *fakeMigrator) IsSurrogate(id string) bool { return strings.HasPrefix(id, "chat_") }

func (f *fakeMigrator) Migrate(surrogate, real, title string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{surrogate, real})
	return true, nil
}

func newExchanger(surface *fakeSurface) (*Exchanger, *session.Manager, *fakeMigrator) {
	opener := session.OpenerFunc(func(ctx context.Context, url string) (session.Surface, error) {
		return surface, nil
	})
	sessions := session.NewManager(opener, "https://chat.example/new", 3, time.Minute, time.Minute)
	migrator := &fakeMigrator{}
	parseURL := func(u string) string {
		const p = "https://chat.example/c/"
		if strings.HasPrefix(u, p) {
			return strings.TrimPrefix(u, p)
		}
		return ""
	}
	ex := New(sessions, stability.New(5*time.Millisecond, 1, 0), extract.New(0, "", nil),
		browser.DefaultSelectors(), migrator, parseURL)
	return ex, sessions, migrator
}

func TestSendReturnsAssistantReply(t *testing.T) {
	surface := &fakeSurface{id: "s1", url: "https://chat.example/c/real-1", reply: "use channels"}
	ex, sessions, _ := newExchanger(surface)
	defer sessions.CloseAll()

	res, err := ex.Send(context.Background(), Request{ThreadKey: "folder-a", Message: "how?"})
	require.NoError(t, err)
	assert.Equal(t, "use channels", res.Reply)
	assert.Equal(t, "real-1", res.ThreadID)
	require.Len(t, surface.sent, 1)
	assert.Equal(t, "how?", surface.sent[0])
}

func TestFolderContextInjectedExactlyOnce(t *testing.T) {
	surface := &fakeSurface{id: "s1", url: "https://chat.example/c/real-1", reply: "ok"}
	ex, sessions, _ := newExchanger(surface)
	defer sessions.CloseAll()

	req := Request{ThreadKey: "folder-a", Message: "first", FolderContext: "project notes"}
	_, err := ex.Send(context.Background(), req)
	require.NoError(t, err)

	req.Message = "second"
	_, err = ex.Send(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, surface.sent, 2)
	assert.Contains(t, surface.sent[0], extract.ContextBeginMarker)
	assert.Contains(t, surface.sent[0], "project notes")
	assert.Contains(t, surface.sent[0], "first")
	assert.Equal(t, "second", surface.sent[1], "context must not repeat on a warm session")
}

func TestContextNeverLeaksIntoReply(t *testing.T) {
	surface := &fakeSurface{id: "s1", url: "https://chat.example/c/real-1", reply: "plain answer"}
	ex, sessions, _ := newExchanger(surface)
	defer sessions.CloseAll()

	res, err := ex.Send(context.Background(), Request{
		ThreadKey: "folder-a", Message: "q", FolderContext: "secret scaffolding",
	})
	require.NoError(t, err)
	assert.NotContains(t, res.Reply, "secret scaffolding")
}

func TestSendFailureDiscardsSession(t *testing.T) {
	surface := &fakeSurface{id: "s1", url: "https://chat.example/new", reply: "x",
		sendErr: errors.New("composer not found")}
	ex, sessions, _ := newExchanger(surface)
	defer sessions.CloseAll()

	_, err := ex.Send(context.Background(), Request{ThreadKey: "folder-a", Message: "hi"})
	require.Error(t, err)
	assert.True(t, surface.closed, "a failed send must tear the surface down")
	assert.Equal(t, 0, sessions.Count())
}

func TestSurrogateMigratedWhenURLRevealsRealID(t *testing.T) {
	surface := &fakeSurface{id: "s1", url: "https://chat.example/c/real-9", reply: "hello"}
	ex, sessions, migrator := newExchanger(surface)
	defer sessions.CloseAll()

	// Seed the session with a surrogate, the way the bridge does for chats
	// indexed before their real id was known.
	sess, err := sessions.Acquire(context.Background(), "folder-b")
	require.NoError(t, err)
	sess.SurrogateThreadID = "chat_abc123def456"
	sessions.Release(sess)

	res, err := ex.Send(context.Background(), Request{ThreadKey: "folder-b", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "real-9", res.ThreadID)
	require.Len(t, migrator.calls, 1)
	assert.Equal(t, [2]string{"chat_abc123def456", "real-9"}, migrator.calls[0])
}

func TestNoReplyIsAnError(t *testing.T) {
	surface := &fakeSurface{id: "s1", url: "https://chat.example/new", reply: ""}
	ex, sessions, _ := newExchanger(surface)
	defer sessions.CloseAll()

	// An empty reply renders no assistant text at all.
	_, err := ex.Send(context.Background(), Request{ThreadKey: "folder-c", Message: "hi"})
	require.Error(t, err)
}

package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatdex/internal/browser"
	"chatdex/internal/extract"
	"chatdex/internal/queue"
	"chatdex/internal/session"
	"chatdex/internal/stability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSurface struct {
	html       string
	contentLen int
	mutations  chan struct{}
	closed     bool
	monitorErr error
}

func (f *fakeSurface) ID() string                                  { return "fake" }
func (f *fakeSurface) Navigate(context.Context, string) error      { return nil }
func (f *fakeSurface) Probe(context.Context) error                 { return nil }
func (f *fakeSurface) URL() (string, error)                        { return "https://chat.example/c/x", nil }
func (f *fakeSurface) ContentLength(context.Context, []string) int { return f.contentLen }
func (f *fakeSurface) Close() error                                { f.closed = true; return nil }

func (f *fakeSurface) ConversationHTML(context.Context, []string) (string, error) {
	return f.html, nil
}

func (f *fakeSurface) StartMonitor(context.Context, []string) (<-chan struct{}, error) {
	if f.monitorErr != nil {
		return nil, f.monitorErr
	}
	return f.mutations, nil
}

func (f *fakeSurface) SendMessage(context.Context, browser.Selectors, string) error {
	return nil
}

type saved struct {
	id, title, text string
	turnCount       int
}

type fakePersister struct {
	records []saved
	err     error
}

func (f *fakePersister) SaveContent(id, title, text string, turnCount int) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, saved{id, title, text, turnCount})
	return nil
}

type fakeMigrator struct {
	calls [][3]string
}

func (f *fakeMigrator) Migrate(surrogate, real, title string) (bool, error) {
	f.calls = append(f.calls, [3]string{surrogate, real, title})
	return true, nil
}

type fakeDiscovery struct {
	available  bool
	realID     string
	locateErr  error
	awaited    []string
	awaitErr   error
	locateDone bool
}

func (f *fakeDiscovery) Available() bool { return f.available }

func (f *fakeDiscovery) LocateAndNavigate(ctx context.Context, surrogate, title string) (string, error) {
	f.locateDone = true
	return f.realID, f.locateErr
}

func (f *fakeDiscovery) AwaitExtraction(ctx context.Context, id string) error {
	f.awaited = append(f.awaited, id)
	return f.awaitErr
}

const transcriptHTML = `<div>
  <div data-message-author-role="user">How do channels work?</div>
  <div data-message-author-role="assistant">They are typed conduits between goroutines.</div>
</div>`

func newPipeline(surface *fakeSurface, openErr error) (*Pipeline, *fakePersister, *fakeMigrator, *fakeDiscovery) {
	persist := &fakePersister{}
	migrator := &fakeMigrator{}
	discovery := &fakeDiscovery{}
	p := New(Config{
		Opener: session.OpenerFunc(func(ctx context.Context, url string) (session.Surface, error) {
			if openErr != nil {
				return nil, openErr
			}
			return surface, nil
		}),
		ChatURL:        func(id string) string { return "https://chat.example/c/" + id },
		Detector:       stability.New(10*time.Millisecond, 10, 0),
		Extractor:      extract.New(0, "", nil),
		Store:          persist,
		Migrator:       migrator,
		Discovery:      discovery,
		Selectors:      browser.DefaultSelectors(),
		SalvageTimeout: time.Second,
	})
	return p, persist, migrator, discovery
}

func TestRunDirectIndexesSettledChat(t *testing.T) {
	surface := &fakeSurface{
		html:       transcriptHTML,
		contentLen: 200,
		mutations:  make(chan struct{}),
	}
	p, persist, _, _ := newPipeline(surface, nil)

	err := p.RunDirect(context.Background(), "c-42", "channels")
	require.NoError(t, err)

	require.Len(t, persist.records, 1)
	rec := persist.records[0]
	assert.Equal(t, "c-42", rec.id)
	assert.Equal(t, "channels", rec.title)
	assert.Equal(t, 2, rec.turnCount)
	assert.Contains(t, rec.text, "typed conduits")
	assert.True(t, surface.closed, "surface must be closed after the job")
}

func TestRunDirectOpenFailureIsTerminal(t *testing.T) {
	p, persist, _, _ := newPipeline(nil, errors.New("browser gone"))

	err := p.RunDirect(context.Background(), "c-1", "t")
	require.Error(t, err)
	assert.Empty(t, persist.records)
}

func TestRunDirectEmptySettleCompletesAsNoop(t *testing.T) {
	surface := &fakeSurface{
		html:       "<div></div>",
		contentLen: 0, // below the 10-char minimum: ErrContentTooShort
		mutations:  make(chan struct{}),
	}
	p, persist, _, _ := newPipeline(surface, nil)

	err := p.RunDirect(context.Background(), "c-2", "empty")
	require.NoError(t, err)
	assert.Empty(t, persist.records)
	assert.True(t, surface.closed)
}

func TestRunDirectSalvagesPartialOnSafetyTimeout(t *testing.T) {
	mutations := make(chan struct{})
	surface := &fakeSurface{
		html:       transcriptHTML,
		contentLen: 200,
		mutations:  mutations,
	}
	p, persist, _, _ := newPipeline(surface, nil)

	// Keep the region mutating so the quiet period never elapses; the job
	// deadline fires first.
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.RunDirect(ctx, "c-3", "busy") }()
	for {
		select {
		case mutations <- struct{}{}:
			time.Sleep(2 * time.Millisecond)
			continue
		case err := <-done:
			require.NoError(t, err, "partial content should count as success")
			require.Len(t, persist.records, 1)
			assert.Contains(t, persist.records[0].text, "typed conduits")
			return
		}
	}
}

func TestRunDirectSafetyTimeoutWithNothingIsFailure(t *testing.T) {
	mutations := make(chan struct{})
	surface := &fakeSurface{
		html:       "<div><script>junk</script></div>",
		contentLen: 200,
		mutations:  mutations,
	}
	p, persist, _, _ := newPipeline(surface, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.RunDirect(ctx, "c-4", "junk") }()
	for {
		select {
		case mutations <- struct{}{}:
			time.Sleep(2 * time.Millisecond)
			continue
		case err := <-done:
			require.Error(t, err)
			assert.Empty(t, persist.records)
			return
		}
	}
}

func TestRunDiscoverySkipsWithoutVisibleSurface(t *testing.T) {
	p, _, migrator, discovery := newPipeline(nil, nil)
	discovery.available = false

	err := p.RunDiscovery(context.Background(), "chat_abc123def456", "old chat")
	assert.ErrorIs(t, err, queue.ErrNoEligibleSurface)
	assert.False(t, discovery.locateDone)
	assert.Empty(t, migrator.calls)
}

func TestRunDiscoveryMigratesThenAwaits(t *testing.T) {
	p, _, migrator, discovery := newPipeline(nil, nil)
	discovery.available = true
	discovery.realID = "real-777"

	err := p.RunDiscovery(context.Background(), "chat_abc123def456", "old chat")
	require.NoError(t, err)

	require.Len(t, migrator.calls, 1)
	assert.Equal(t, [3]string{"chat_abc123def456", "real-777", "old chat"}, migrator.calls[0])
	assert.Equal(t, []string{"real-777"}, discovery.awaited)
}

func TestRunDiscoveryLocateFailureIsTerminal(t *testing.T) {
	p, _, migrator, discovery := newPipeline(nil, nil)
	discovery.available = true
	discovery.locateErr = errors.New("title not found")

	err := p.RunDiscovery(context.Background(), "chat_abc123def456", "gone")
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrNoEligibleSurface)
	assert.Empty(t, migrator.calls)
}

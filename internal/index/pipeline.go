// Package index runs one indexing job end to end: open or borrow a surface,
// wait for the transcript to settle, extract, persist.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatdex/internal/browser"
	"chatdex/internal/extract"
	"chatdex/internal/logging"
	"chatdex/internal/queue"
	"chatdex/internal/session"
	"chatdex/internal/stability"
)

// Persister stores extracted chat content. *store.Store implements it.
type Persister interface {
	SaveContent(id, title, text string, turnCount int) error
}

// Migrator rewrites a surrogate identifier to the real one once discovered.
// *reconcile.Migrator implements it.
type Migrator interface {
	Migrate(surrogateID, realID, title string) (bool, error)
}

// Discovery is the path into an externally-visible application surface. The
// message bridge implements it; when no visible page is connected, Available
// reports false and discovery jobs are skipped.
type Discovery interface {
	Available() bool
	// LocateAndNavigate asks the visible surface to find the chat whose title
	// matches and navigate to it. Returns the real thread identifier.
	LocateAndNavigate(ctx context.Context, surrogateID, title string) (string, error)
	// AwaitExtraction blocks until the visible surface reports extraction
	// finished for the identifier, or ctx is done.
	AwaitExtraction(ctx context.Context, identifier string) error
}

// Config wires a Pipeline.
type Config struct {
	Opener    session.Opener
	ChatURL   func(id string) string
	Detector  *stability.Detector
	Extractor *extract.Extractor
	Store     Persister
	Migrator  Migrator
	Discovery Discovery
	Selectors browser.Selectors
	// SalvageTimeout bounds the conversation read after a stability timeout,
	// when the job context has already expired.
	SalvageTimeout time.Duration
}

// Pipeline implements queue.Runner.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline. SalvageTimeout defaults to 5s.
func New(cfg Config) *Pipeline {
	if cfg.SalvageTimeout <= 0 {
		cfg.SalvageTimeout = 5 * time.Second
	}
	return &Pipeline{cfg: cfg}
}

// RunDirect indexes a chat with a known real identifier on a fresh background
// surface. The surface is always closed before returning.
func (p *Pipeline) RunDirect(ctx context.Context, identifier, title string) error {
	surface, err := p.cfg.Opener.Open(ctx, p.cfg.ChatURL(identifier))
	if err != nil {
		return fmt.Errorf("open surface for %s: %w", identifier, err)
	}
	defer surface.Close()

	events, err := surface.StartMonitor(ctx, p.cfg.Selectors.Conversation)
	if err != nil {
		return fmt.Errorf("start mutation monitor: %w", err)
	}

	err = p.cfg.Detector.Wait(ctx, events, func() int {
		return surface.ContentLength(ctx, p.cfg.Selectors.Conversation)
	})
	interrupted := false
	switch {
	case err == nil:
	case errors.Is(err, stability.ErrInterrupted):
		// Safety timeout hit mid-settle. Whatever rendered so far is still
		// worth keeping.
		interrupted = true
		logging.Queue("job %s hit safety timeout, salvaging partial content", identifier)
	case errors.Is(err, stability.ErrContentTooShort):
		// The page settled on an empty or near-empty transcript. Not an
		// error: the chat simply has nothing to index.
		logging.Extract("job %s settled with no usable content, completing as no-op", identifier)
		return nil
	default:
		return err
	}

	readCtx := ctx
	if interrupted {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(context.Background(), p.cfg.SalvageTimeout)
		defer cancel()
	}

	html, err := surface.ConversationHTML(readCtx, p.cfg.Selectors.Conversation)
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}

	content, err := p.cfg.Extractor.Extract(html)
	if errors.Is(err, extract.ErrNoContent) {
		if interrupted {
			return fmt.Errorf("safety timeout with nothing extracted: %w", err)
		}
		logging.Extract("job %s extracted no content, completing as no-op", identifier)
		return nil
	}
	if err != nil {
		return fmt.Errorf("extract %s: %w", identifier, err)
	}

	if err := p.cfg.Store.SaveContent(identifier, title, content.Text, content.TurnCount); err != nil {
		return fmt.Errorf("persist %s: %w", identifier, err)
	}
	logging.Queue("job %s indexed %d turns (%d chars)", identifier, content.TurnCount, len(content.Text))
	return nil
}

// RunDiscovery resolves a surrogate identifier through the visible surface:
// locate the chat by title, migrate the surrogate to the discovered real id,
// then wait for the visible surface to finish its own extraction.
func (p *Pipeline) RunDiscovery(ctx context.Context, surrogateID, title string) error {
	if !p.cfg.Discovery.Available() {
		return queue.ErrNoEligibleSurface
	}

	realID, err := p.cfg.Discovery.LocateAndNavigate(ctx, surrogateID, title)
	if err != nil {
		return fmt.Errorf("locate %s: %w", surrogateID, err)
	}

	if _, err := p.cfg.Migrator.Migrate(surrogateID, realID, title); err != nil {
		return fmt.Errorf("migrate %s -> %s: %w", surrogateID, realID, err)
	}
	logging.Reconcile("discovery resolved %s -> %s", surrogateID, realID)

	if err := p.cfg.Discovery.AwaitExtraction(ctx, realID); err != nil {
		return fmt.Errorf("await extraction for %s: %w", realID, err)
	}
	return nil
}

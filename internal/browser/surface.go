package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatdex/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// Selectors are the page-specific lookup strategies, tried in order. They are
// heuristics for one target application shape, not architecture; override
// them from config when the page changes.
type Selectors struct {
	Conversation []string // the region holding the transcript
	Input        []string // the message composer
	Submit       []string // the send control
}

// DefaultSelectors is the built-in strategy list.
func DefaultSelectors() Selectors {
	return Selectors{
		Conversation: []string{"main [role=log]", "main article", "main"},
		Input:        []string{"textarea[data-testid=composer]", "form textarea", "[contenteditable=true]"},
		Submit:       []string{"button[data-testid=send]", "form button[type=submit]"},
	}
}

// Surface is one browsing surface (a page/tab) on the target application.
type Surface struct {
	id         string
	page       *rod.Page
	navTimeout time.Duration
}

// ID returns the surface identifier.
func (s *Surface) ID() string { return s.id }

// Navigate drives the surface to url and waits for load completion.
func (s *Surface) Navigate(ctx context.Context, url string) error {
	page := s.page.Context(ctx).Timeout(s.navTimeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

// Probe is the lightweight "are you there" round-trip. It fails when the
// surface was closed out-of-band or its renderer hung.
func (s *Surface) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := s.page.Context(probeCtx).Evaluate(&rod.EvalOptions{
		JS:      `() => "pong"`,
		ByValue: true,
	})
	if err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	if res == nil || res.Value.String() != "pong" {
		return fmt.Errorf("liveness probe: unexpected reply")
	}
	return nil
}

// URL returns the surface's current location. Discovery reads the real chat
// id out of this after the page navigates.
func (s *Surface) URL() (string, error) {
	info, err := s.page.Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// ConversationHTML returns the outer HTML of the first matching conversation
// region, falling back to the document body.
func (s *Surface) ConversationHTML(ctx context.Context, selectors []string) (string, error) {
	js := `(sels) => {
		for (const sel of sels) {
			try {
				const el = document.querySelector(sel);
				if (el) return el.outerHTML;
			} catch (e) {}
		}
		return document.body ? document.body.outerHTML : "";
	}`
	res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      js,
		JSArgs:  []interface{}{selectors},
		ByValue: true,
	})
	if err != nil {
		return "", fmt.Errorf("read conversation html: %w", err)
	}
	return res.Value.String(), nil
}

// ContentLength returns the visible text length of the conversation region.
// Cheaper than shipping the full HTML; the stability detector calls this on
// every quiet-timer fire.
func (s *Surface) ContentLength(ctx context.Context, selectors []string) int {
	js := `(sels) => {
		for (const sel of sels) {
			try {
				const el = document.querySelector(sel);
				if (el) return (el.innerText || "").length;
			} catch (e) {}
		}
		return document.body ? (document.body.innerText || "").length : 0;
	}`
	res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      js,
		JSArgs:  []interface{}{selectors},
		ByValue: true,
	})
	if err != nil {
		return 0
	}
	return res.Value.Int()
}

// monitorPollInterval is how often buffered mutation counts are drained from
// the page.
const monitorPollInterval = 300 * time.Millisecond

// StartMonitor installs a MutationObserver over the conversation region and
// returns a channel that receives one event per poll interval in which any
// structural change occurred. The channel closes when ctx is done.
//
// The observer buffers counts in the page and we poll, because pushing every
// mutation over CDP individually floods the connection on fast generations.
func (s *Surface) StartMonitor(ctx context.Context, selectors []string) (<-chan struct{}, error) {
	install := `(sels) => {
		if (window.__chatdexMonitor) {
			window.__chatdexMonitor.count = 0;
			return true;
		}
		let region = document.body;
		for (const sel of sels) {
			try {
				const el = document.querySelector(sel);
				if (el) { region = el; break; }
			} catch (e) {}
		}
		if (!region) return false;
		window.__chatdexMonitor = { count: 0 };
		const obs = new MutationObserver((muts) => {
			window.__chatdexMonitor.count += muts.length;
		});
		obs.observe(region, { childList: true, subtree: true, characterData: true });
		return true;
	}`
	res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      install,
		JSArgs:  []interface{}{selectors},
		ByValue: true,
	})
	if err != nil {
		return nil, fmt.Errorf("install mutation observer: %w", err)
	}
	if !res.Value.Bool() {
		return nil, fmt.Errorf("install mutation observer: no observable region")
	}

	events := make(chan struct{}, 1)
	go func() {
		defer close(events)
		ticker := time.NewTicker(monitorPollInterval)
		defer ticker.Stop()
		drain := `() => {
			const m = window.__chatdexMonitor;
			if (!m) return 0;
			const n = m.count;
			m.count = 0;
			return n;
		}`
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
					JS:      drain,
					ByValue: true,
				})
				if err != nil {
					// Surface gone; the detector sees the closed channel.
					return
				}
				if res.Value.Int() > 0 {
					select {
					case events <- struct{}{}:
					default:
					}
				}
			}
		}
	}()
	return events, nil
}

// SendMessage types text into the composer and submits it.
func (s *Surface) SendMessage(ctx context.Context, sel Selectors, text string) error {
	page := s.page.Context(ctx)

	composer, err := firstElement(page, sel.Input)
	if err != nil {
		return fmt.Errorf("composer not found: %w", err)
	}
	if err := composer.Input(text); err != nil {
		return fmt.Errorf("type message: %w", err)
	}

	submit, err := firstElement(page, sel.Submit)
	if err != nil {
		// Some composers only submit on Enter.
		if kerr := composer.Type(input.Enter); kerr != nil {
			return fmt.Errorf("submit control not found: %w", err)
		}
		return nil
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click submit: %w", err)
	}
	logging.SessionDebug("surface %s sent %d chars", s.id, len(text))
	return nil
}

// Close tears the surface down.
func (s *Surface) Close() error {
	logging.Session("closing surface %s", s.id)
	return s.page.Close()
}

func firstElement(page *rod.Page, selectors []string) (*rod.Element, error) {
	var lastErr error
	for _, sel := range selectors {
		el, err := page.Timeout(2 * time.Second).Element(sel)
		if err == nil {
			return el, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no selectors given")
	}
	return nil, fmt.Errorf("tried %s: %w", strings.Join(selectors, ", "), lastErr)
}

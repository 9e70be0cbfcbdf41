// Package browser owns the Chrome connection and the browsing surfaces
// chatdex opens against the target chat application.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatdex/internal/config"
	"chatdex/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// Manager connects to an existing Chrome or launches one, and opens surfaces
// on demand. One Manager per process.
type Manager struct {
	cfg config.BrowserConfig

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	navTimeout time.Duration
}

// NewManager creates a manager. Start is lazy; the first surface open
// triggers the connection.
func NewManager(cfg config.BrowserConfig, navTimeout time.Duration) *Manager {
	return &Manager{cfg: cfg, navTimeout: navTimeout}
}

// Start connects to an existing Chrome or launches a new one. Reconnects if a
// prior connection went stale.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.Session("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		launch := launcher.New().Headless(m.cfg.Headless)
		if m.cfg.Bin != "" {
			launch = launch.Bin(m.cfg.Bin)
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	logging.Session("browser connected at %s", controlURL)
	return nil
}

func (m *Manager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

// ControlURL returns the WebSocket debugger URL.
func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected reports whether the browser connection is up.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Open creates a new background surface and navigates it to url. The surface
// is visible but unobtrusive (its own target, never focused).
func (m *Manager) Open(ctx context.Context, url string) (*Surface, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank", Background: true})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             viewport(m.cfg.ViewportWidth, 1280),
		Height:            viewport(m.cfg.ViewportHeight, 900),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.SessionDebug("failed to set viewport: %v", err)
	}

	s := &Surface{
		id:         uuid.NewString(),
		page:       page,
		navTimeout: m.navTimeout,
	}
	if err := s.Navigate(ctx, url); err != nil {
		_ = page.Close()
		return nil, err
	}
	logging.Session("opened surface %s at %s", s.id, url)
	return s, nil
}

// Shutdown closes the browser connection. Open surfaces are closed by their
// owners; any leaked ones die with the browser.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	return err
}

func viewport(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatdex/internal/bridge"
	"chatdex/internal/browser"
	"chatdex/internal/chat"
	"chatdex/internal/config"
	"chatdex/internal/correlate"
	"chatdex/internal/extract"
	"chatdex/internal/index"
	"chatdex/internal/logging"
	"chatdex/internal/queue"
	"chatdex/internal/reconcile"
	"chatdex/internal/session"
	"chatdex/internal/stability"
	"chatdex/internal/store"
)

// serveCmd runs the core: browser manager, work queue, session sweeper, and
// the websocket bridge, until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chatdex core",
	Long: `Starts everything the organizer front-end talks to:

  1. Bridge: websocket endpoint for the front-end and page collaborator
  2. Work queue: serialized background indexing jobs
  3. Session manager: surface lifecycle and the idle sweep
  4. Browser: launched headless or attached to a running Chrome`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logging.Initialize(workspace); err != nil {
		return err
	}
	defer logging.CloseAll()

	st, err := store.New(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := browser.NewManager(cfg.Browser, cfg.NavigationTimeout())
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Shutdown()

	opener := session.OpenerFunc(func(ctx context.Context, url string) (session.Surface, error) {
		return mgr.Open(ctx, url)
	})
	sessions := session.NewManager(opener, newThreadURL(cfg),
		cfg.Session.ProbeAttempts, cfg.IdleTimeout(), cfg.IdleSweepInterval())
	defer sessions.CloseAll()

	detector := stability.New(cfg.QuietPeriod(), cfg.Stability.MinContentChars, cfg.Stability.GraceExtensions)
	extractor := extract.New(cfg.Extractor.MaxChars, cfg.Extractor.TruncationMarker, cfg.Extractor.Boilerplate)
	migrator := reconcile.NewMigrator(st, cfg.Reconcile.SurrogatePrefix)
	registry := correlate.NewRegistry(cfg.RequestTimeout())

	exchanger := chat.New(sessions, detector, extractor,
		browser.DefaultSelectors(), migrator, threadIDFromURL(cfg))

	br := bridge.New(bridge.Config{
		Exchanger:      exchanger,
		Store:          st,
		Minter:         migrator,
		Registry:       registry,
		RequestTimeout: cfg.RequestTimeout(),
	})

	pipeline := index.New(index.Config{
		Opener:    opener,
		ChatURL:   chatURL(cfg),
		Detector:  detector,
		Extractor: extractor,
		Store:     st,
		Migrator:  migrator,
		Discovery: br,
		Selectors: browser.DefaultSelectors(),
	})
	q := queue.New(pipeline, cfg.SafetyTimeout(), cfg.Cooldown())
	br.SetQueue(q)

	// Logging config reloads without a restart; everything else requires one.
	if watcher, err := config.NewWatcher(configPath()); err == nil {
		watcher.OnReload(func(*config.Config) {
			if err := logging.ReloadConfig(); err != nil {
				logging.BootWarn("logging reload failed: %v", err)
			}
		})
		defer watcher.Close()
	} else {
		logging.BootWarn("config watcher unavailable: %v", err)
	}

	logging.Boot("chatdex core starting (bridge %s, db %s)",
		cfg.Bridge.ListenAddr, cfg.Storage.DatabasePath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return br.Run(gctx, cfg.Bridge.ListenAddr) })
	g.Go(func() error { q.Run(gctx); return nil })
	g.Go(func() error { sessions.RunSweeper(gctx); return nil })

	err = g.Wait()
	logging.Boot("chatdex core stopped")
	return err
}

// chatURL builds the address of a chat page from its identifier.
func chatURL(cfg *config.Config) func(string) string {
	base := strings.TrimRight(cfg.Target.BaseURL, "/")
	return func(id string) string {
		return base + strings.Replace(cfg.Target.ChatURLPath, "{id}", id, 1)
	}
}

// newThreadURL is the route that opens a fresh conversation.
func newThreadURL(cfg *config.Config) string {
	return strings.TrimRight(cfg.Target.BaseURL, "/") + cfg.Target.NewThreadPath
}

// threadIDFromURL inverts the chat URL template: given a surface URL it
// returns the embedded thread id, or "" when the page is on another route.
func threadIDFromURL(cfg *config.Config) func(string) string {
	base := strings.TrimRight(cfg.Target.BaseURL, "/")
	parts := strings.SplitN(cfg.Target.ChatURLPath, "{id}", 2)
	prefix := base + parts[0]
	return func(u string) string {
		if !strings.HasPrefix(u, prefix) {
			return ""
		}
		rest := strings.TrimPrefix(u, prefix)
		if i := strings.IndexAny(rest, "/?#"); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}
}

// Package config holds all chatdex configuration, loaded from
// .chatdex/config.yaml with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all chatdex configuration.
type Config struct {
	// Target chat application
	Target TargetConfig `yaml:"target"`

	// Browser surface management
	Browser BrowserConfig `yaml:"browser"`

	// Indexing work queue
	Queue QueueConfig `yaml:"queue"`

	// DOM quiescence detection
	Stability StabilityConfig `yaml:"stability"`

	// Content extraction and cleaning
	Extractor ExtractorConfig `yaml:"extractor"`

	// Surrogate id reconciliation
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Request/response correlation
	Correlator CorrelatorConfig `yaml:"correlator"`

	// Organizational SQLite store
	Storage StorageConfig `yaml:"storage"`

	// UI/page message bridge
	Bridge BridgeConfig `yaml:"bridge"`

	// Session lifecycle knobs
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// TargetConfig describes the chat application being organized.
type TargetConfig struct {
	BaseURL       string `yaml:"base_url"`        // e.g. https://chat.example.com
	ChatURLPath   string `yaml:"chat_url_path"`   // path template, {id} replaced
	NewThreadPath string `yaml:"new_thread_path"` // route that opens a fresh conversation
}

// BrowserConfig configures the Chrome connection and surfaces.
type BrowserConfig struct {
	DebuggerURL       string `yaml:"debugger_url"` // attach to a running Chrome if set
	Bin               string `yaml:"bin"`          // chrome binary for launching
	Headless          bool   `yaml:"headless"`
	ViewportWidth     int    `yaml:"viewport_width"`
	ViewportHeight    int    `yaml:"viewport_height"`
	NavigationTimeout string `yaml:"navigation_timeout"`
}

// QueueConfig configures the indexing work queue.
type QueueConfig struct {
	SafetyTimeout string `yaml:"safety_timeout"` // hard bound per job
	Cooldown      string `yaml:"cooldown"`       // delay between jobs
}

// StabilityConfig configures the quiescence detector.
type StabilityConfig struct {
	QuietPeriod     string `yaml:"quiet_period"`
	MinContentChars int    `yaml:"min_content_chars"`
	GraceExtensions int    `yaml:"grace_extensions"`
}

// ExtractorConfig configures content extraction.
type ExtractorConfig struct {
	MaxChars         int      `yaml:"max_chars"`
	TruncationMarker string   `yaml:"truncation_marker"`
	Boilerplate      []string `yaml:"boilerplate"` // literal UI strings to strip
}

// ReconcileConfig configures surrogate id handling.
type ReconcileConfig struct {
	SurrogatePrefix string `yaml:"surrogate_prefix"`
	// Fuzzy title-match window; heuristic tuning, not a contract.
	MatchMinPrefix int `yaml:"match_min_prefix"`
	MatchMaxPrefix int `yaml:"match_max_prefix"`
}

// CorrelatorConfig configures the pending-request registry.
type CorrelatorConfig struct {
	RequestTimeout string `yaml:"request_timeout"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// BridgeConfig configures the WebSocket bridge.
type BridgeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SessionConfig holds session lifecycle knobs.
type SessionConfig struct {
	IdleSweepInterval string `yaml:"idle_sweep_interval"`
	IdleTimeout       string `yaml:"idle_timeout"`
	ProbeAttempts     int    `yaml:"probe_attempts"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			ChatURLPath:   "/c/{id}",
			NewThreadPath: "/new",
		},
		Browser: BrowserConfig{
			Headless:          true,
			ViewportWidth:     1280,
			ViewportHeight:    900,
			NavigationTimeout: "30s",
		},
		Queue: QueueConfig{
			SafetyTimeout: "30s",
			Cooldown:      "1s",
		},
		Stability: StabilityConfig{
			QuietPeriod:     "2500ms",
			MinContentChars: 50,
			GraceExtensions: 1,
		},
		Extractor: ExtractorConfig{
			MaxChars:         100000,
			TruncationMarker: "\n\n[content truncated]",
		},
		Reconcile: ReconcileConfig{
			SurrogatePrefix: "chat_",
			MatchMinPrefix:  5,
			MatchMaxPrefix:  20,
		},
		Correlator: CorrelatorConfig{
			RequestTimeout: "600s",
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(".chatdex", "chatdex.db"),
		},
		Bridge: BridgeConfig{
			ListenAddr: "127.0.0.1:8777",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Session: SessionConfig{
			IdleSweepInterval: "2m",
			IdleTimeout:       "5m",
			ProbeAttempts:     3,
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("CHATDEX_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
	if bin := os.Getenv("CHATDEX_CHROME_BIN"); bin != "" {
		c.Browser.Bin = bin
	}
	if path := os.Getenv("CHATDEX_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if addr := os.Getenv("CHATDEX_BRIDGE_ADDR"); addr != "" {
		c.Bridge.ListenAddr = addr
	}
	if url := os.Getenv("CHATDEX_TARGET_URL"); url != "" {
		c.Target.BaseURL = url
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target base_url not configured (set target.base_url or CHATDEX_TARGET_URL)")
	}
	if c.Extractor.MaxChars <= 0 {
		return fmt.Errorf("extractor max_chars must be positive")
	}
	return nil
}

func duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the surface navigation timeout.
func (c *Config) NavigationTimeout() time.Duration {
	return duration(c.Browser.NavigationTimeout, 30*time.Second)
}

// SafetyTimeout returns the per-job hard bound.
func (c *Config) SafetyTimeout() time.Duration {
	return duration(c.Queue.SafetyTimeout, 30*time.Second)
}

// Cooldown returns the inter-job delay.
func (c *Config) Cooldown() time.Duration {
	return duration(c.Queue.Cooldown, time.Second)
}

// QuietPeriod returns the stability quiet window.
func (c *Config) QuietPeriod() time.Duration {
	return duration(c.Stability.QuietPeriod, 2500*time.Millisecond)
}

// RequestTimeout returns the correlator pending-request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return duration(c.Correlator.RequestTimeout, 600*time.Second)
}

// IdleSweepInterval returns the session sweep cadence.
func (c *Config) IdleSweepInterval() time.Duration {
	return duration(c.Session.IdleSweepInterval, 2*time.Minute)
}

// IdleTimeout returns the session idle cutoff.
func (c *Config) IdleTimeout() time.Duration {
	return duration(c.Session.IdleTimeout, 5*time.Minute)
}

// DefaultPath returns the conventional config location under the workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".chatdex", "config.yaml")
}

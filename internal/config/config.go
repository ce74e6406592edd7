// Package config loads and watches the Strand configuration file at
// <home>/config.yaml. Environment variables override file values; everything
// has a working default so a missing file is not an error.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	otelx "github.com/strandlabs/strand/internal/otel"
)

// ProjectConfig names one project the viewer can attach to.
type ProjectConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// TransportConfig tunes the websocket session.
type TransportConfig struct {
	// BackoffSeconds is the reconnect schedule; the last interval repeats.
	BackoffSeconds []int `yaml:"backoff_seconds"`

	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`

	// SafetyTimeoutSeconds bounds the awaiting-response flag when the agent
	// never answers. It does not affect turn status.
	SafetyTimeoutSeconds int `yaml:"safety_timeout_seconds"`
}

// ReconcileConfig tunes the history reconciliation loop.
type ReconcileConfig struct {
	// Cron schedules periodic passes (5-field expression). Empty disables
	// the schedule; event-driven passes still run.
	Cron string `yaml:"cron"`

	DebounceSeconds int `yaml:"debounce_seconds"`
	FetchLimit      int `yaml:"fetch_limit"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// ServerURL is the websocket endpoint (ws:// or wss://).
	ServerURL string `yaml:"server_url"`
	// HistoryURL is the HTTP root of the canonical history API.
	HistoryURL string `yaml:"history_url"`
	AuthToken  string `yaml:"auth_token"`

	// Project selects the default project when none is named on the command
	// line.
	Project  string          `yaml:"project"`
	Projects []ProjectConfig `yaml:"projects"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Transport TransportConfig `yaml:"transport"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	OTel      otelx.Config    `yaml:"otel"`
}

// HomeDir resolves the Strand home directory. STRAND_HOME overrides the
// default ~/.strand.
func HomeDir() string {
	if override := os.Getenv("STRAND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".strand")
}

// ConfigPath returns the config file location under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the Strand home, applies environment
// overrides, and fills defaults. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create strand home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		ServerURL:  "ws://127.0.0.1:8787/ws",
		HistoryURL: "http://127.0.0.1:8787",
		LogLevel:   "info",
		Transport: TransportConfig{
			BackoffSeconds:       []int{1, 2, 5, 15, 30},
			CallTimeoutSeconds:   10,
			SafetyTimeoutSeconds: 60,
		},
		Reconcile: ReconcileConfig{
			Cron:            "*/5 * * * *",
			DebounceSeconds: 2,
			FetchLimit:      200,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STRAND_SERVER_URL"); raw != "" {
		cfg.ServerURL = raw
	}
	if raw := os.Getenv("STRAND_HISTORY_URL"); raw != "" {
		cfg.HistoryURL = raw
	}
	if raw := os.Getenv("STRAND_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("STRAND_PROJECT"); raw != "" {
		cfg.Project = raw
	}
	if raw := os.Getenv("STRAND_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STRAND_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("STRAND_SAFETY_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Transport.SafetyTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("STRAND_RECONCILE_CRON"); raw != "" {
		cfg.Reconcile.Cron = raw
	}
}

func normalize(cfg *Config) {
	if cfg.ServerURL == "" {
		cfg.ServerURL = "ws://127.0.0.1:8787/ws"
	}
	if cfg.HistoryURL == "" {
		cfg.HistoryURL = "http://127.0.0.1:8787"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Transport.BackoffSeconds) == 0 {
		cfg.Transport.BackoffSeconds = []int{1, 2, 5, 15, 30}
	}
	if cfg.Transport.CallTimeoutSeconds <= 0 {
		cfg.Transport.CallTimeoutSeconds = 10
	}
	if cfg.Transport.SafetyTimeoutSeconds <= 0 {
		cfg.Transport.SafetyTimeoutSeconds = 60
	}
	if cfg.Reconcile.DebounceSeconds <= 0 {
		cfg.Reconcile.DebounceSeconds = 2
	}
	if cfg.Reconcile.FetchLimit <= 0 {
		cfg.Reconcile.FetchLimit = 200
	}
	if cfg.Project == "" && len(cfg.Projects) > 0 {
		cfg.Project = cfg.Projects[0].ID
	}
}

// Backoff converts the configured schedule to durations.
func (c Config) Backoff() []time.Duration {
	out := make([]time.Duration, len(c.Transport.BackoffSeconds))
	for i, s := range c.Transport.BackoffSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// CallTimeout returns the per-request websocket deadline.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Transport.CallTimeoutSeconds) * time.Second
}

// SafetyTimeout returns the awaiting-response bound.
func (c Config) SafetyTimeout() time.Duration {
	return time.Duration(c.Transport.SafetyTimeoutSeconds) * time.Second
}

// Debounce returns the reconcile coalescing window.
func (c Config) Debounce() time.Duration {
	return time.Duration(c.Reconcile.DebounceSeconds) * time.Second
}

// ProjectName returns the display name for a project id, falling back to the
// id itself.
func (c Config) ProjectName(id string) string {
	for _, p := range c.Projects {
		if p.ID == id {
			if p.Name != "" {
				return p.Name
			}
			break
		}
	}
	return id
}

// Fingerprint identifies the effective config in logs without leaking the
// auth token.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "server=%s|history=%s|project=%s|log=%s|cron=%s|safety=%d",
		c.ServerURL, c.HistoryURL, c.Project, c.LogLevel, c.Reconcile.Cron, c.Transport.SafetyTimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kestrelops/remedy/internal/peer"
	"github.com/kestrelops/remedy/internal/scheduler"
)

// Config holds all remedyd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr  string `json:"listen_addr"`
	JournalPath string `json:"journal_path"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	MCP         bool   `json:"mcp"`

	// Collaborator endpoint table, keyed by logical name.
	Registry map[string]peer.Endpoint `json:"registry"`

	// Admission filter and execution guard expressions. Dialect is
	// "cel" (default) or "expr"; an empty expression disables the gate.
	SignalFilterDialect   string `json:"signal_filter_dialect"`
	SignalFilter          string `json:"signal_filter"`
	ExecutionGuardDialect string `json:"execution_guard_dialect"`
	ExecutionGuard        string `json:"execution_guard"`

	// Retry policy for unavailable collaborator calls.
	RetryMaxAttempts int    `json:"retry_max_attempts"`
	RetryBaseDelay   string `json:"retry_base_delay"`
	RetryMaxDelay    string `json:"retry_max_delay"`

	// Supervisor tuning. Durations are Go duration strings ("30s", "30m").
	SweepInterval   string `json:"sweep_interval"`
	WorkflowTimeout string `json:"workflow_timeout"`
	Retention       string `json:"retention"`

	// Scheduled failure drills.
	Drills []scheduler.Drill `json:"drills"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:       ":8080",
		JournalPath:      filepath.Join(remedyDir(), "remedy.db"),
		LogLevel:         "info",
		LogFormat:        "json",
		RetryMaxAttempts: 2,
		RetryBaseDelay:   "500ms",
		RetryMaxDelay:    "5s",
		SweepInterval:    "30s",
		WorkflowTimeout:  "30m",
		Retention:        "5m",
	}
}

func remedyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".remedy"
	}
	return filepath.Join(home, ".remedy")
}

func settingsPath() string {
	return filepath.Join(remedyDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("REMEDY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REMEDY_JOURNAL_PATH"); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv("REMEDY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REMEDY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("REMEDY_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}
	if v := os.Getenv("REMEDY_REGISTRY"); v != "" {
		var endpoints map[string]peer.Endpoint
		if err := json.Unmarshal([]byte(v), &endpoints); err != nil {
			return cfg, fmt.Errorf("parse REMEDY_REGISTRY: %w", err)
		}
		cfg.Registry = endpoints
	}
	if v := os.Getenv("REMEDY_SIGNAL_FILTER_DIALECT"); v != "" {
		cfg.SignalFilterDialect = v
	}
	if v := os.Getenv("REMEDY_SIGNAL_FILTER"); v != "" {
		cfg.SignalFilter = v
	}
	if v := os.Getenv("REMEDY_EXECUTION_GUARD_DIALECT"); v != "" {
		cfg.ExecutionGuardDialect = v
	}
	if v := os.Getenv("REMEDY_EXECUTION_GUARD"); v != "" {
		cfg.ExecutionGuard = v
	}
	if v := os.Getenv("REMEDY_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryMaxAttempts = n
		}
	}
	if v := os.Getenv("REMEDY_RETRY_BASE_DELAY"); v != "" {
		cfg.RetryBaseDelay = v
	}
	if v := os.Getenv("REMEDY_RETRY_MAX_DELAY"); v != "" {
		cfg.RetryMaxDelay = v
	}
	if v := os.Getenv("REMEDY_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv("REMEDY_WORKFLOW_TIMEOUT"); v != "" {
		cfg.WorkflowTimeout = v
	}
	if v := os.Getenv("REMEDY_RETENTION"); v != "" {
		cfg.Retention = v
	}

	return cfg, nil
}

// duration parses a duration string, falling back to def when empty or
// malformed.
func duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// retryPolicy assembles the collaborator retry policy from config.
func (c Config) retryPolicy() peer.RetryPolicy {
	p := peer.DefaultRetryPolicy()
	if c.RetryMaxAttempts > 0 {
		p.MaxAttempts = c.RetryMaxAttempts
	}
	p.BaseDelay = duration(c.RetryBaseDelay, p.BaseDelay)
	p.MaxDelay = duration(c.RetryMaxDelay, p.MaxDelay)
	return p
}

// Package config provides configuration management for go-nboserve.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config holds all configuration options for a session.
type Config struct {
	// Worker
	ServerDir    string `json:"server_dir"`
	ServerDirSet bool   `json:"-"` // true when -server-dir was given explicitly
	ExeName      string `json:"exe_name"`
	HelperName   string `json:"helper_name"`

	// Timing
	PollInterval     time.Duration `json:"poll_interval"`
	ClosePause       time.Duration `json:"close_pause"`
	StartSettle      time.Duration `json:"start_settle"`
	LaunchAttempts   int           `json:"launch_attempts"`
	LaunchRetryDelay time.Duration `json:"launch_retry_delay"`
	SendDelay        time.Duration `json:"send_delay"`
	ReadBufferSize   int           `json:"read_buffer_size"`

	// Restart policy
	BackoffInitial  time.Duration `json:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`

	// Protocol
	ErrorPatterns []string `json:"error_patterns"`
	Noisy         bool     `json:"noisy"`

	// Requests
	CommandFiles []string `json:"command_files"`
	DataFile     string   `json:"data_file"`
	DataName     string   `json:"data_name"` // staged name of DataFile; defaults to its base name
	Mode         string   `json:"mode"`

	// Observability
	MetricsAddr  string `json:"metrics_addr"` // empty disables
	PrintMetrics bool   `json:"print_metrics"`
	Verbose      bool   `json:"verbose"`
	LogFormat    string `json:"log_format"` // json, text
	LogLevel     string `json:"log_level"`
	TUIEnabled   bool   `json:"tui_enabled"`

	// Persistence
	PrefsPath string `json:"prefs_path"`

	// Diagnostics
	SkipPreflight bool `json:"skip_preflight"`
	ShowVersion   bool `json:"-"`
}

// DefaultErrorPatterns are worker output fragments treated as runtime errors.
var DefaultErrorPatterns = []string{"Permission denied", "PGFIO-F", "Invalid command"}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	exe, helper := "NBOServe", "gennbo"
	if runtime.GOOS == "windows" {
		exe, helper = "NBOServe.exe", "gennbo.bat"
	}

	return &Config{
		// Worker
		ServerDir:  filepath.Join(home, "NBOServe"),
		ExeName:    exe,
		HelperName: helper,

		// Timing
		PollInterval:     10 * time.Millisecond,
		ClosePause:       50 * time.Millisecond,
		StartSettle:      100 * time.Millisecond,
		LaunchAttempts:   3,
		LaunchRetryDelay: 100 * time.Millisecond,
		SendDelay:        30 * time.Millisecond,
		ReadBufferSize:   32 * 1024,

		// Restart policy
		BackoffInitial:  100 * time.Millisecond,
		BackoffMax:      2 * time.Second,
		BackoffMultiply: 2.0,

		// Protocol
		ErrorPatterns: append([]string(nil), DefaultErrorPatterns...),

		// Observability
		LogFormat: "text",
		LogLevel:  "info",

		// Persistence
		PrefsPath: filepath.Join(home, ".go-nboserve", "prefs.db"),
	}
}

// ExePath returns the full path of the worker executable.
func (c *Config) ExePath() string {
	return filepath.Join(c.ServerDir, c.ExeName)
}

// StagedDataName returns the name the data file is staged under.
func (c *Config) StagedDataName() string {
	if c.DataName != "" {
		return c.DataName
	}
	if c.DataFile == "" {
		return ""
	}
	return filepath.Base(c.DataFile)
}

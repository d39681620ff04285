package config

import (
	"bytes"
	"errors"
	"flag"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// validConfig returns a default config that passes Validate.
func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.CommandFiles = []string{"m_cmd.txt"}
	return cfg
}

func TestPatternList(t *testing.T) {
	var p patternList
	if p.String() != "" {
		t.Errorf("empty String() = %q", p.String())
	}

	for _, v := range []string{"PGFIO-F", "Segmentation fault"} {
		if err := p.Set(v); err != nil {
			t.Fatalf("Set(%q) error: %v", v, err)
		}
	}
	if len(p) != 2 || p.String() != "PGFIO-F, Segmentation fault" {
		t.Errorf("after Set: %v", p)
	}
}

func TestFlagType(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Bool("b", false, "")
	fs.Int("i", 3, "")
	fs.Float64("f", 2.0, "")
	fs.Duration("d", time.Second, "")
	fs.String("s", "x", "")
	var p patternList
	fs.Var(&p, "p", "")

	tests := []struct {
		name string
		want string
	}{
		{"b", ""},
		{"i", "int"},
		{"f", "float"},
		{"d", "duration"},
		{"s", "string"},
		{"p", "string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := flagType(fs.Lookup(tt.name)); got != tt.want {
				t.Errorf("flagType(%s) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Verify critical defaults
	if filepath.Base(cfg.ServerDir) != "NBOServe" {
		t.Errorf("ServerDir = %q, want .../NBOServe", cfg.ServerDir)
	}
	wantExe := "NBOServe"
	if runtime.GOOS == "windows" {
		wantExe = "NBOServe.exe"
	}
	if cfg.ExeName != wantExe {
		t.Errorf("ExeName = %q, want %q", cfg.ExeName, wantExe)
	}
	if cfg.LaunchAttempts != 3 {
		t.Errorf("LaunchAttempts = %d, want 3", cfg.LaunchAttempts)
	}

	durations := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"PollInterval", cfg.PollInterval, 10 * time.Millisecond},
		{"ClosePause", cfg.ClosePause, 50 * time.Millisecond},
		{"StartSettle", cfg.StartSettle, 100 * time.Millisecond},
		{"LaunchRetryDelay", cfg.LaunchRetryDelay, 100 * time.Millisecond},
		{"SendDelay", cfg.SendDelay, 30 * time.Millisecond},
	}
	for _, d := range durations {
		if d.got != d.want {
			t.Errorf("%s = %v, want %v", d.name, d.got, d.want)
		}
	}

	if strings.Join(cfg.ErrorPatterns, ",") != "Permission denied,PGFIO-F,Invalid command" {
		t.Errorf("ErrorPatterns = %v", cfg.ErrorPatterns)
	}
	cfg.ErrorPatterns[0] = "changed"
	if DefaultErrorPatterns[0] != "Permission denied" {
		t.Error("DefaultConfig shares the DefaultErrorPatterns slice")
	}
	if cfg.MetricsAddr != "" {
		t.Errorf("MetricsAddr = %q, want disabled", cfg.MetricsAddr)
	}
	if filepath.Base(cfg.PrefsPath) != "prefs.db" {
		t.Errorf("PrefsPath = %q", cfg.PrefsPath)
	}
}

func TestConfig_Paths(t *testing.T) {
	cfg := &Config{ServerDir: "/opt/NBOServe", ExeName: "NBOServe"}
	if got := cfg.ExePath(); got != filepath.Join("/opt/NBOServe", "NBOServe") {
		t.Errorf("ExePath() = %q", got)
	}

	tests := []struct {
		name     string
		dataFile string
		dataName string
		want     string
	}{
		{"none", "", "", ""},
		{"base name", "/tmp/geo/jmol_outfile.cfi", "", "jmol_outfile.cfi"},
		{"explicit", "/tmp/geo/x.cfi", "jmol_outfile.cfi", "jmol_outfile.cfi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{DataFile: tt.dataFile, DataName: tt.dataName}
			if got := c.StagedDataName(); got != tt.want {
				t.Errorf("StagedDataName() = %q, want %q", got, tt.want)
			}
		})
	}
}

// =============================================================================
// ParseFlags Tests
// =============================================================================

func TestParseFlagsFrom(t *testing.T) {
	fs := flag.NewFlagSet("go-nboserve", flag.ContinueOnError)
	cfg, err := ParseFlagsFrom(fs, []string{
		"-server-dir", "/opt/NBOServe",
		"-data", "geo.cfi",
		"-mode", "model",
		"-error-pattern", "Segmentation fault",
		"-error-pattern", "PGFIO-F",
		"-send-delay", "5ms",
		"-tui=false",
		"m_cmd.txt", "v_cmd.txt",
	})
	if err != nil {
		t.Fatalf("ParseFlagsFrom error: %v", err)
	}

	if cfg.ServerDir != "/opt/NBOServe" || !cfg.ServerDirSet {
		t.Errorf("ServerDir = %q, set = %v", cfg.ServerDir, cfg.ServerDirSet)
	}
	if cfg.DataFile != "geo.cfi" || cfg.Mode != "model" {
		t.Errorf("DataFile/Mode = %q/%q", cfg.DataFile, cfg.Mode)
	}
	if strings.Join(cfg.ErrorPatterns, "|") != "Segmentation fault|PGFIO-F" {
		t.Errorf("ErrorPatterns = %v, want the flag values only", cfg.ErrorPatterns)
	}
	if cfg.SendDelay != 5*time.Millisecond {
		t.Errorf("SendDelay = %v", cfg.SendDelay)
	}
	if strings.Join(cfg.CommandFiles, ",") != "m_cmd.txt,v_cmd.txt" {
		t.Errorf("CommandFiles = %v", cfg.CommandFiles)
	}
}

func TestParseFlagsFrom_DoubleDash(t *testing.T) {
	fs := flag.NewFlagSet("go-nboserve", flag.ContinueOnError)
	cfg, err := ParseFlagsFrom(fs, []string{"-mode", "model", "--", "journal", "-tui"})
	if err != nil {
		t.Fatalf("ParseFlagsFrom error: %v", err)
	}
	if strings.Join(cfg.CommandFiles, ",") != "journal,-tui" {
		t.Errorf("CommandFiles = %v, want [journal -tui]", cfg.CommandFiles)
	}
}

func TestParseFlagsFrom_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("go-nboserve", flag.ContinueOnError)
	cfg, err := ParseFlagsFrom(fs, []string{"m_cmd.txt"})
	if err != nil {
		t.Fatalf("ParseFlagsFrom error: %v", err)
	}
	if cfg.ServerDirSet {
		t.Error("ServerDirSet true without -server-dir")
	}
	if len(cfg.ErrorPatterns) != len(DefaultErrorPatterns) {
		t.Errorf("ErrorPatterns = %v, want defaults", cfg.ErrorPatterns)
	}
}

func TestParseFlagsFrom_Usage(t *testing.T) {
	var out bytes.Buffer
	fs := flag.NewFlagSet("go-nboserve", flag.ContinueOnError)
	fs.SetOutput(&out)

	_, err := ParseFlagsFrom(fs, []string{"-h"})
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("err = %v, want flag.ErrHelp", err)
	}
	for _, want := range []string{"Worker Flags:", "-server-dir", "-error-pattern", "Restart Policy:", "duration", "[--]", "./journal"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

func TestParseFlagsFrom_BadFlag(t *testing.T) {
	fs := flag.NewFlagSet("go-nboserve", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	if _, err := ParseFlagsFrom(fs, []string{"-launch-attempts", "many"}); err == nil {
		t.Error("expected parse error")
	}
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("Valid config should not error: %v", err)
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty server dir", func(c *Config) { c.ServerDir = "" }, "server_dir"},
		{"exe is a path", func(c *Config) { c.ExeName = "bin/NBOServe" }, "exe_name"},
		{"empty helper", func(c *Config) { c.HelperName = "" }, "helper_name"},
		{"no command files", func(c *Config) { c.CommandFiles = nil }, "command_files"},
		{"data name without data", func(c *Config) { c.DataName = "x.cfi" }, "data_name"},
		{"bad data name", func(c *Config) { c.DataFile = "x"; c.DataName = "<x>" }, "data_name"},
		{"zero launch attempts", func(c *Config) { c.LaunchAttempts = 0 }, "launch_attempts"},
		{"negative send delay", func(c *Config) { c.SendDelay = -time.Millisecond }, "send_delay"},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, "poll_interval"},
		{"tiny read buffer", func(c *Config) { c.ReadBufferSize = 10 }, "read_buffer_size"},
		{"zero backoff", func(c *Config) { c.BackoffInitial = 0 }, "backoff_initial"},
		{"backoff max below initial", func(c *Config) { c.BackoffMax = c.BackoffInitial / 2 }, "backoff_max"},
		{"backoff multiplier", func(c *Config) { c.BackoffMultiply = 0.5 }, "backoff_multiply"},
		{"blank pattern", func(c *Config) { c.ErrorPatterns = []string{" "} }, "error_patterns"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"metrics url", func(c *Config) { c.MetricsAddr = "http://localhost:9090" }, "metrics_addr"},
		{"metrics no port", func(c *Config) { c.MetricsAddr = "localhost" }, "metrics_addr"},
		{"empty prefs", func(c *Config) { c.PrefsPath = "" }, "prefs_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error %v is not a ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q should mention %s", err, tt.field)
			}
		})
	}
}

func TestValidate_Allowed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"version without files", func(c *Config) { c.CommandFiles = nil; c.ShowVersion = true }},
		{"tui without files", func(c *Config) { c.CommandFiles = nil; c.TUIEnabled = true }},
		{"zero pauses", func(c *Config) { c.SendDelay = 0; c.ClosePause = 0; c.StartSettle = 0 }},
		{"metrics addr", func(c *Config) { c.MetricsAddr = "127.0.0.1:17091" }},
		{"metrics any host", func(c *Config) { c.MetricsAddr = ":17091" }},
		{"upper-case level", func(c *Config) { c.LogLevel = "DEBUG" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.ServerDir = ""
	cfg.LaunchAttempts = 0
	cfg.LogFormat = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected multiple errors")
	}

	errStr := err.Error()
	for _, field := range []string{"server_dir", "launch_attempts", "log_format"} {
		if !strings.Contains(errStr, field) {
			t.Errorf("Error should mention %s", field)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test_field",
		Message: "test message",
	}

	if got := err.Error(); got != "test_field: test message" {
		t.Errorf("Error string = %q, want %q", got, "test_field: test message")
	}
}

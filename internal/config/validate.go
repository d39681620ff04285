package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or the joined ValidationErrors.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.ServerDir == "" {
		errs = append(errs, ValidationError{
			Field:   "server_dir",
			Message: "must not be empty",
		})
	}

	// Executable and helper are names inside ServerDir
	for field, name := range map[string]string{"exe_name": cfg.ExeName, "helper_name": cfg.HelperName} {
		if name == "" {
			errs = append(errs, ValidationError{Field: field, Message: "must not be empty"})
			continue
		}
		if name != filepath.Base(name) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("must be a file name, not a path (got %q)", name),
			})
		}
	}

	if !cfg.ShowVersion && len(cfg.CommandFiles) == 0 && !cfg.TUIEnabled {
		errs = append(errs, ValidationError{
			Field:   "command_files",
			Message: "at least one command file is required",
		})
	}

	if cfg.DataName != "" && cfg.DataFile == "" {
		errs = append(errs, ValidationError{
			Field:   "data_name",
			Message: "-data-name requires -data",
		})
	}
	if name := cfg.StagedDataName(); name != "" && strings.ContainsAny(name, "<>\n/\\") {
		errs = append(errs, ValidationError{
			Field:   "data_name",
			Message: fmt.Sprintf("invalid staged name %q", name),
		})
	}

	if cfg.LaunchAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "launch_attempts",
			Message: "must be at least 1",
		})
	}

	// Durations must not be negative; zero disables the pause
	for field, d := range map[string]int64{
		"launch_retry_delay": int64(cfg.LaunchRetryDelay),
		"start_settle":       int64(cfg.StartSettle),
		"send_delay":         int64(cfg.SendDelay),
		"close_pause":        int64(cfg.ClosePause),
	} {
		if d < 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must not be negative"})
		}
	}

	if cfg.PollInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "poll_interval",
			Message: "must be positive",
		})
	}

	if cfg.ReadBufferSize < 256 {
		errs = append(errs, ValidationError{
			Field:   "read_buffer_size",
			Message: "must be at least 256",
		})
	}

	// Backoff settings
	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_initial",
			Message: "must be positive",
		})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{
			Field:   "backoff_max",
			Message: "must be >= backoff_initial",
		})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_multiply",
			Message: "must be >= 1.0",
		})
	}

	for _, p := range cfg.ErrorPatterns {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, ValidationError{
				Field:   "error_patterns",
				Message: "patterns must not be blank",
			})
			break
		}
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	if cfg.MetricsAddr != "" {
		if err := validateAddr(cfg.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics_addr",
				Message: err.Error(),
			})
		}
	}

	if cfg.PrefsPath == "" {
		errs = append(errs, ValidationError{
			Field:   "prefs_path",
			Message: "must not be empty",
		})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateAddr checks a host:port listen address.
func validateAddr(addr string) error {
	if strings.Contains(addr, "://") {
		return errors.New("must be host:port, not a URL")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	return nil
}

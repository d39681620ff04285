package config

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"
)

// patternList is a custom flag type for repeatable -error-pattern flags.
type patternList []string

func (p *patternList) String() string {
	return strings.Join(*p, ", ")
}

func (p *patternList) Set(value string) error {
	*p = append(*p, value)
	return nil
}

// ParseFlagsFrom parses args into a Config using fs.
func ParseFlagsFrom(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()
	var patterns patternList

	// Custom usage message
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, `go-nboserve - run NBO command files through a persistent NBOServe worker

Usage:
  go-nboserve [flags] [--] <command-file>...
  go-nboserve journal [-prefs path] [-limit n]
  go-nboserve version

Worker Flags:
`)
		// Print flags by category
		printFlagCategory(fs, out, []string{"server-dir", "exe", "helper", "skip-preflight"})

		fmt.Fprintf(out, "\nRequests:\n")
		printFlagCategory(fs, out, []string{"data", "data-name", "mode", "noisy", "error-pattern"})

		fmt.Fprintf(out, "\nTiming:\n")
		printFlagCategory(fs, out, []string{"launch-attempts", "launch-retry-delay", "start-settle", "send-delay", "close-pause", "poll-interval"})

		fmt.Fprintf(out, "\nRestart Policy:\n")
		printFlagCategory(fs, out, []string{"backoff-initial", "backoff-max", "backoff-multiply"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, out, []string{"metrics", "print-metrics", "v", "log-format", "log-level", "tui"})

		fmt.Fprintf(out, "\nPersistence:\n")
		printFlagCategory(fs, out, []string{"prefs", "version"})

		fmt.Fprintf(out, `
Each command file is staged into the server directory under its base name
and sent as "<name>". Replies are printed in order. A command file named
journal or version must follow "--" or carry a path such as ./journal,
otherwise the subcommand runs.

Examples:
  # Run a single command file
  go-nboserve -server-dir /opt/NBOServe m_cmd.txt

  # Stage a geometry file with the first request
  go-nboserve -data jmol_outfile.cfi m_cmd.txt v_cmd.txt

`)
	}

	// Worker
	fs.StringVar(&cfg.ServerDir, "server-dir", cfg.ServerDir, "Directory holding the NBOServe executable (remembered across sessions)")
	fs.StringVar(&cfg.ExeName, "exe", cfg.ExeName, "Worker executable name")
	fs.StringVar(&cfg.HelperName, "helper", cfg.HelperName, "Auxiliary helper script name")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Requests
	fs.StringVar(&cfg.DataFile, "data", cfg.DataFile, "Auxiliary file staged with the first request")
	fs.StringVar(&cfg.DataName, "data-name", cfg.DataName, "Staged name for -data (default: its base name)")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, `Working mode tag for requests, e.g. "model", "run", "view", "search"`)
	fs.BoolVar(&cfg.Noisy, "noisy", cfg.Noisy, "Log worker output outside frames")
	fs.Var(&patterns, "error-pattern", "Worker output treated as a runtime error (can repeat, replaces defaults)")

	// Timing
	fs.IntVar(&cfg.LaunchAttempts, "launch-attempts", cfg.LaunchAttempts, "Worker launch attempts before giving up")
	fs.DurationVar(&cfg.LaunchRetryDelay, "launch-retry-delay", cfg.LaunchRetryDelay, "Delay between launch attempts")
	fs.DurationVar(&cfg.StartSettle, "start-settle", cfg.StartSettle, "Wait for first worker output after launch")
	fs.DurationVar(&cfg.SendDelay, "send-delay", cfg.SendDelay, "Pause before staging each request")
	fs.DurationVar(&cfg.ClosePause, "close-pause", cfg.ClosePause, "Pause before closing the worker's stdin")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Interval for sampling session state into gauges")

	// Restart policy
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "Initial delay between rapid restarts")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum delay between rapid restarts")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Restart delay multiplier")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty disables)")
	fs.BoolVar(&cfg.PrintMetrics, "print-metrics", cfg.PrintMetrics, "Print metrics in text format at exit")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Persistence
	fs.StringVar(&cfg.PrefsPath, "prefs", cfg.PrefsPath, "SQLite file for preferences and the request journal")
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "server-dir" {
			cfg.ServerDirSet = true
		}
	})

	if len(patterns) > 0 {
		cfg.ErrorPatterns = patterns
	}

	// Positional arguments: command files
	cfg.CommandFiles = fs.Args()

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, out io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(out, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(out, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(out)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	getter, ok := f.Value.(flag.Getter)
	if !ok {
		return "string"
	}
	switch getter.Get().(type) {
	case bool:
		return ""
	case time.Duration:
		return "duration"
	case int:
		return "int"
	case float64:
		return "float"
	default:
		return "string"
	}
}

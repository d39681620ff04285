// Package main provides the go-nboserve CLI entry point.
//
// go-nboserve drives a long-lived NBOServe worker process: each command
// file given on the command line is staged into the server directory,
// announced to the worker on stdin, and answered by one framed reply.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-nboserve/internal/config"
	"github.com/randomizedcoder/go-nboserve/internal/logging"
	"github.com/randomizedcoder/go-nboserve/internal/metrics"
	"github.com/randomizedcoder/go-nboserve/internal/parser"
	"github.com/randomizedcoder/go-nboserve/internal/preflight"
	"github.com/randomizedcoder/go-nboserve/internal/service"
	"github.com/randomizedcoder/go-nboserve/internal/staging"
	"github.com/randomizedcoder/go-nboserve/internal/stats"
	"github.com/randomizedcoder/go-nboserve/internal/store"
	"github.com/randomizedcoder/go-nboserve/internal/supervisor"
	"github.com/randomizedcoder/go-nboserve/internal/timeseries"
	"github.com/randomizedcoder/go-nboserve/internal/tui"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-nboserve
var version = "dev"

func main() {
	err := newRootCmd().Execute()
	var exit exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runSession runs one session over the command files named in args and
// returns the process exit code.
func runSession(args []string) int {
	cfg, err := config.ParseFlagsFrom(flag.NewFlagSet("go-nboserve", flag.ContinueOnError), args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 2
	}
	if cfg.ShowVersion {
		fmt.Printf("go-nboserve %s\n", version)
		return 0
	}

	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", cfg.LogLevel)
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n%v\n", err)
		return 2
	}

	// Read inputs before touching the worker so a typo fails fast.
	commands, err := loadCommands(cfg.CommandFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	var data *service.File
	if cfg.DataFile != "" {
		content, err := os.ReadFile(cfg.DataFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading data file: %v\n", err)
			return 1
		}
		data = &service.File{Name: cfg.StagedDataName(), Content: string(content)}
	}

	prefs := openPrefs(cfg, logger)
	if prefs != nil {
		defer prefs.Close()
	}

	if !cfg.SkipPreflight {
		result := preflight.RunAll(cfg.ServerDir, cfg.ExeName, cfg.HelperName)
		if !result.Passed || len(result.Warnings()) > 0 {
			preflight.PrintResults(os.Stderr, result)
		}
		if !result.Passed {
			fmt.Fprintln(os.Stderr, "Preflight failed; use -skip-preflight to start anyway.")
			return 1
		}
	}

	logger.Info("starting",
		"version", version,
		"server_dir", cfg.ServerDir,
		"exe", cfg.ExeName,
		"requests", len(commands),
		"metrics_addr", cfg.MetricsAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	collector := metrics.NewCollector(metrics.CollectorConfig{
		Version:        version,
		ServerDir:      cfg.ServerDir,
		RuntimeMetrics: true,
	})
	tracker := stats.NewLatencyTracker()
	rates := timeseries.NewRateTracker()
	workerLog := logging.NewWorkerLog(logger)

	backoff := supervisor.DefaultBackoffConfig()
	backoff.Initial = cfg.BackoffInitial
	backoff.Max = cfg.BackoffMax
	backoff.Multiplier = cfg.BackoffMultiply

	sup := supervisor.New(supervisor.Config{
		ServerDir:        cfg.ServerDir,
		ExeName:          cfg.ExeName,
		Logger:           logger,
		LaunchAttempts:   cfg.LaunchAttempts,
		LaunchRetryDelay: cfg.LaunchRetryDelay,
		ClosePause:       cfg.ClosePause,
		StartSettle:      cfg.StartSettle,
		ReadBufferSize:   cfg.ReadBufferSize,
		Backoff:          backoff,
		Seed:             start.UnixNano(),
		Callbacks: supervisor.Callbacks{
			OnStart: func(pid int, gen uint64) {
				collector.WorkerStarted()
			},
			OnExit: func(exitCode int, uptime time.Duration) {
				collector.RecordExit(exitCode, uptime)
			},
		},
	})

	// program is set before the service goroutine starts and read only there.
	var program *tea.Program
	var license atomic.Value
	license.Store("")

	svc := service.New(service.Config{
		Worker:     sup,
		Stager:     staging.NewOS(cfg.ServerDir),
		Classifier: parser.NewClassifier(cfg.ErrorPatterns),
		Logger:     logger,
		Log:        workerLog,
		SendDelay:  cfg.SendDelay,
		Callbacks: service.Callbacks{
			OnStatus: func(status string) {
				if program != nil {
					tui.SendStatus(program, status)
					return
				}
				if status != "" {
					logger.Info("status", "text", status)
				}
			},
			OnLicense: func(text string) {
				if text != "" {
					license.Store(text)
				}
			},
			OnAlert: func(message string) {
				if program != nil {
					tui.SendAlert(program, message)
					return
				}
				logger.Warn("worker_alert", "message", message)
			},
			OnRunAborted: func() {
				logger.Warn("run_aborted")
			},
			OnRestart: func(reason string) {
				collector.WorkerRestarted(reason)
				tracker.RecordRestart(reason)
			},
			OnFinished: func(r *service.Request) {
				outcome := r.Outcome().String()
				collector.RequestFinished(outcome, r.Latency())
				tracker.RecordOutcome(outcome, r.Latency())
				if reply, ok := r.Reply(); ok {
					rates.Add(len(reply.Text))
				}
				if prefs != nil {
					if err := prefs.RecordRequest(journalEntry(r)); err != nil {
						logger.Warn("journal_write_failed", "id", r.ID, "error", err)
					}
				}
			},
		},
	})

	var metricsServer *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.MetricsAddr, collector.Handler(),
			func() bool { return svc.Snapshot().Ready }, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Error("metrics_server_failed", "error", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if cfg.TUIEnabled {
		program = tea.NewProgram(tui.New(tui.Config{
			ServerDir:   cfg.ServerDir,
			MetricsAddr: cfg.MetricsAddr,
			Session:     svc,
			Stats:       tracker,
			Rates:       rates,
			Log:         workerLog,
			Control:     svc,
		}), tea.WithAltScreen())
	}

	runDone := make(chan error, 1)
	svcStopped := make(chan struct{})
	go func() {
		runDone <- svc.Run(ctx)
		close(svcStopped)
	}()
	go sample(ctx, cfg.PollInterval, svc, sup, collector, rates)

	requests := make([]*service.Request, 0, len(commands))
	for i, c := range commands {
		req := service.NewRequest(c.Name, c.Content, nil)
		req.Mode = cfg.Mode
		req.Noisy = cfg.Noisy
		req.Status = "Running " + c.Name
		if i == 0 && data != nil {
			req.WithData(data.Name, data.Content)
		}
		if err := svc.Post(req); err != nil {
			logger.Error("post_failed", "file", c.Name, "error", err)
			continue
		}
		tracker.RecordPosted()
		collector.RequestPosted()
		requests = append(requests, req)
	}

	if program != nil {
		go func() {
			if len(requests) == 0 {
				return
			}
			for _, r := range requests {
				<-r.Done()
			}
			tui.SendStatus(program, "All requests finished")
		}()
		go func() {
			select {
			case <-ctx.Done():
			case <-svcStopped:
			}
			tui.SendQuit(program)
		}()
		if _, err := program.Run(); err != nil {
			logger.Error("tui_failed", "error", err)
		}
		stop()
	} else {
		for _, r := range requests {
			<-r.Done()
			printReply(os.Stdout, r)
		}
	}

	svc.Close()
	if runErr := <-runDone; runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, service.ErrClosed) {
		logger.Error("session_failed", "error", runErr)
	}

	if program != nil {
		for _, r := range requests {
			printReply(os.Stdout, r)
		}
	}

	failed := len(commands) - len(requests)
	completed := 0
	for _, r := range requests {
		if r.Outcome() == service.OutcomeCompleted {
			completed++
		} else {
			failed++
		}
	}
	if completed > 0 && prefs != nil {
		if err := prefs.SetServerDir(cfg.ServerDir); err != nil {
			logger.Warn("prefs_write_failed", "error", err)
		}
	}

	snap := tracker.Snapshot()
	summary := collector.GenerateSummary()
	summaryCfg := stats.SummaryConfig{
		Duration:    time.Since(start),
		ServerDir:   cfg.ServerDir,
		License:     license.Load().(string),
		MetricsAddr: cfg.MetricsAddr,
		ExitCodes:   summary.ExitCodes,
	}
	if metricsServer != nil {
		summaryCfg.MetricsAddr = metricsServer.Addr()
	}
	if prefs != nil {
		summaryCfg.JournalPath = cfg.PrefsPath
	}
	fmt.Fprint(os.Stderr, stats.FormatExitSummary(&snap, summaryCfg))

	if cfg.PrintMetrics {
		if err := collector.WriteText(os.Stdout); err != nil {
			logger.Error("metrics_dump_failed", "error", err)
		}
	}

	if failed > 0 {
		return 1
	}
	return 0
}

// openPrefs opens the preference store and applies the remembered server
// directory unless one was given explicitly. A store that cannot be opened
// only disables persistence.
func openPrefs(cfg *config.Config, logger *slog.Logger) *store.Store {
	if cfg.PrefsPath == "" {
		return nil
	}
	st, err := store.New(cfg.PrefsPath)
	if err != nil {
		logger.Warn("prefs_unavailable", "path", cfg.PrefsPath, "error", err)
		return nil
	}
	if !cfg.ServerDirSet {
		dir, err := st.ServerDir()
		switch {
		case err != nil:
			logger.Warn("prefs_read_failed", "error", err)
		case dir != "":
			cfg.ServerDir = dir
			logger.Debug("server_dir_from_prefs", "dir", dir)
		}
	}
	return st
}

// sample publishes the session snapshot to the gauges every interval. Once
// a second it feeds the rate tracker and the worker process gauges.
func sample(ctx context.Context, interval time.Duration, svc *service.Service, sup *supervisor.Supervisor, collector *metrics.Collector, rates *timeseries.RateTracker) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rateTicker := time.NewTicker(time.Second)
	defer rateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rateTicker.C:
			rates.Sample()
			bytesRead, _, _ := sup.ReaderStats()
			collector.SetProcess(sup.Uptime(), bytesRead)
		case <-ticker.C:
			snap := svc.Snapshot()
			collector.SetQueue(snap.Pending, snap.ActiveID != "")
			collector.SetWorker(snap.Ready, snap.Licensed)
			if snap.Closed {
				return
			}
		}
	}
}

package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-nboserve/internal/parser"
)

var (
	// ErrNotRunning is returned by Send when no worker stdin is open.
	ErrNotRunning = errors.New("worker not running")

	// ErrAlreadyRunning is returned by Start when a worker is alive.
	ErrAlreadyRunning = errors.New("worker already running")
)

// LaunchError describes a worker that could not be started.
type LaunchError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *LaunchError) Error() string {
	if e.Err != nil && strings.Contains(e.Err.Error(), "error=1455") {
		return fmt.Sprintf("cannot start %s: low on memory", e.Path)
	}
	return fmt.Sprintf("cannot start %s after %d attempt(s): %v", e.Path, e.Attempts, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Output is one chunk of merged worker output, tagged with the generation
// of the process that produced it. A chunk with EOF set is the last one for
// that generation.
type Output struct {
	Gen  uint64
	Data string
	EOF  bool
	Err  error
}

// Callbacks contains optional callback functions for worker events.
type Callbacks struct {
	// OnStateChange is called when the worker state changes.
	OnStateChange func(oldState, newState State)

	// OnStart is called when a worker process starts.
	OnStart func(pid int, gen uint64)

	// OnExit is called when a worker process exits.
	OnExit func(exitCode int, uptime time.Duration)

	// OnRestart is called before a restart, with the delay about to be waited.
	OnRestart func(attempt int, delay time.Duration)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	ServerDir string
	ExeName   string
	Args      []string
	Logger    *slog.Logger
	Callbacks Callbacks

	// LaunchAttempts is how many times Start tries to spawn the worker.
	LaunchAttempts int
	// LaunchRetryDelay is the fixed pause between launch attempts.
	LaunchRetryDelay time.Duration
	// ClosePause is how long Close(true) waits after stopping the reader.
	ClosePause time.Duration
	// StartSettle is how long Start waits for first output.
	StartSettle time.Duration
	// ReadBufferSize is the initial chunk reader buffer.
	ReadBufferSize int

	// Backoff paces rapid consecutive restarts.
	Backoff BackoffConfig
	Seed    int64
}

// process is one live worker and its channels.
type process struct {
	gen     uint64
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writer  *bufio.Writer
	stdout  *os.File
	reader  *parser.ChunkReader
	started time.Time

	stop     chan struct{}
	exited   chan struct{}
	exitCode int
	closing  atomic.Bool
}

// Supervisor owns the lifecycle of the single worker process. Only one
// process and one reader goroutine exist at a time. Start, Close, Restart
// and Send are meant to be called from one goroutine; the query methods
// are safe from any goroutine.
type Supervisor struct {
	cfg       Config
	logger    *slog.Logger
	callbacks Callbacks

	restartBackoff *Backoff

	out chan Output
	gen atomic.Uint64

	mu          sync.RWMutex
	proc        *process
	state       State
	cannotStart bool
	lastUptime  time.Duration
	restarts    int
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.LaunchAttempts <= 0 {
		cfg.LaunchAttempts = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		cfg:            cfg,
		logger:         cfg.Logger,
		callbacks:      cfg.Callbacks,
		restartBackoff: NewBackoff(cfg.Seed, cfg.Backoff),
		out:            make(chan Output, 64),
		state:          StateCreated,
	}
}

// Path returns the full path of the worker executable.
func (s *Supervisor) Path() string {
	return filepath.Join(s.cfg.ServerDir, s.cfg.ExeName)
}

// Output returns the channel of output chunks for every generation.
// The channel is never closed.
func (s *Supervisor) Output() <-chan Output {
	return s.out
}

// Generation returns the generation of the current (or last) process.
func (s *Supervisor) Generation() uint64 {
	return s.gen.Load()
}

// Start launches the worker, retrying up to LaunchAttempts times. On failure
// CannotStart is set and a *LaunchError is returned.
func (s *Supervisor) Start() error {
	if s.Alive() {
		return ErrAlreadyRunning
	}

	s.setState(StateStarting)
	path := s.Path()

	var lastErr error
	launchBackoff := NewBackoff(s.cfg.Seed, BackoffConfig{
		Initial:    s.cfg.LaunchRetryDelay,
		Max:        s.cfg.LaunchRetryDelay,
		Multiplier: 1.0,
	})

	for attempt := 1; attempt <= s.cfg.LaunchAttempts; attempt++ {
		p, err := s.launch(path)
		if err == nil {
			if attempt > 1 {
				s.logger.Info("connection_successful", "attempt", attempt)
			}
			s.install(p)
			s.settle(p)
			return nil
		}

		lastErr = err
		s.logger.Warn("worker_launch_failed",
			"path", path,
			"attempt", attempt,
			"error", err,
		)
		if attempt < s.cfg.LaunchAttempts {
			time.Sleep(launchBackoff.Next())
		}
	}

	launchErr := &LaunchError{Path: path, Attempts: s.cfg.LaunchAttempts, Err: lastErr}
	s.mu.Lock()
	s.cannotStart = true
	s.mu.Unlock()
	s.setState(StateFailed)
	s.logger.Error("cannot_start_worker", "path", path, "error", launchErr.Error())
	return launchErr
}

// launch spawns one process with stderr merged into stdout.
func (s *Supervisor) launch(path string) (*process, error) {
	cmd := exec.Command(path, s.cfg.Args...)
	// The worker resolves its auxiliary files relative to cwd.
	cmd.Dir = filepath.Dir(path)
	setProcAttr(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}

	// Close parent's write-end so EOF arrives when the worker exits.
	pw.Close()

	return &process{
		gen:     s.gen.Add(1),
		cmd:     cmd,
		stdin:   stdin,
		writer:  bufio.NewWriter(stdin),
		stdout:  pr,
		reader:  parser.NewChunkReader(pr, s.cfg.ReadBufferSize),
		started: time.Now(),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}, nil
}

// install makes p the current process and starts its goroutines.
func (s *Supervisor) install(p *process) {
	s.mu.Lock()
	s.proc = p
	s.cannotStart = false
	s.mu.Unlock()

	go p.reader.Run()
	go s.forward(p)
	go s.wait(p)

	s.setState(StateRunning)
	pid := p.cmd.Process.Pid
	s.logger.Info("worker_started", "pid", pid, "gen", p.gen, "dir", p.cmd.Dir)

	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(pid, p.gen)
	}
}

// settle gives the worker time to start talking.
func (s *Supervisor) settle(p *process) {
	if s.cfg.StartSettle <= 0 {
		return
	}
	select {
	case <-p.reader.Ready():
	case <-p.exited:
	case <-time.After(s.cfg.StartSettle):
	}
	s.logger.Debug("worker_settled", "gen", p.gen, "output_available", p.reader.IsReady())
}

// forward copies chunks from the process reader onto the shared output
// channel until EOF or Close.
func (s *Supervisor) forward(p *process) {
	for chunk := range p.reader.Chunks() {
		select {
		case s.out <- Output{Gen: p.gen, Data: chunk}:
		case <-p.stop:
			return
		}
	}
	select {
	case s.out <- Output{Gen: p.gen, EOF: true, Err: p.reader.Err()}:
	case <-p.stop:
	}
}

// wait reaps the process.
func (s *Supervisor) wait(p *process) {
	err := p.cmd.Wait()
	p.exitCode = extractExitCode(err)
	uptime := time.Since(p.started)

	s.mu.Lock()
	s.lastUptime = uptime
	s.mu.Unlock()

	if !p.closing.Load() {
		s.logger.Warn("worker_exited",
			"pid", p.cmd.Process.Pid,
			"gen", p.gen,
			"exit_code", p.exitCode,
			"uptime", uptime.String(),
		)
		s.setState(StateExited)
	}
	close(p.exited)

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(p.exitCode, uptime)
	}
}

// Close stops the reader, closes all channels and kills the worker. With
// pause set it waits ClosePause after stopping the reader. Teardown errors
// are ignored. Safe to call when already closed or never started.
func (s *Supervisor) Close(pause bool) {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	if p == nil {
		return
	}

	p.closing.Store(true)
	close(p.stop)
	p.reader.Close()

	if pause && s.cfg.ClosePause > 0 {
		time.Sleep(s.cfg.ClosePause)
	}

	_ = p.stdin.Close()
	killProcess(p.cmd)
	_ = p.stdout.Close()

	select {
	case <-p.exited:
	case <-time.After(2 * time.Second):
		s.logger.Warn("worker_did_not_exit", "pid", p.cmd.Process.Pid, "gen", p.gen)
	}

	s.mu.Lock()
	s.lastUptime = time.Since(p.started)
	s.mu.Unlock()

	s.setState(StateStopped)
	s.logger.Debug("worker_closed", "pid", p.cmd.Process.Pid, "gen", p.gen)
}

// Restart closes the worker and starts a new one. Restarts that follow a
// short-lived worker are paced by the restart backoff.
func (s *Supervisor) Restart() error {
	s.mu.RLock()
	uptime := s.lastUptime
	if s.proc != nil {
		uptime = time.Since(s.proc.started)
	}
	s.mu.RUnlock()

	s.Close(true)

	if s.restartBackoff.ShouldReset(uptime) {
		s.restartBackoff.Reset()
	}
	first := s.restartBackoff.Attempts() == 0
	delay := s.restartBackoff.Next()
	if first {
		delay = 0
	}
	s.mu.Lock()
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	if s.callbacks.OnRestart != nil {
		s.callbacks.OnRestart(attempt, delay)
	}
	s.logger.Info("worker_restart", "attempt", attempt, "delay", delay.String())

	if delay > 0 {
		time.Sleep(delay)
	}
	return s.Start()
}

// RestartIfNecessary starts the worker if it is not alive and reports
// whether a live worker now exists.
func (s *Supervisor) RestartIfNecessary() bool {
	if s.Alive() {
		return true
	}
	// Reap a worker that exited on its own.
	s.Close(false)
	return s.Start() == nil
}

// Send writes one command line to the worker's stdin and flushes it.
func (s *Supervisor) Send(line string) error {
	s.mu.RLock()
	p := s.proc
	s.mu.RUnlock()

	if p == nil {
		return ErrNotRunning
	}
	if _, err := p.writer.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("flush stdin: %w", err)
	}
	return nil
}

// Alive reports whether a worker process exists and has not exited.
func (s *Supervisor) Alive() bool {
	s.mu.RLock()
	p := s.proc
	s.mu.RUnlock()

	if p == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Ready reports whether the current worker has produced any output.
func (s *Supervisor) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc != nil && s.proc.reader.IsReady()
}

// CannotStart reports whether the last Start failed.
func (s *Supervisor) CannotStart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cannotStart
}

// PID returns the current worker pid, or 0.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// Uptime returns the current uptime if running, or 0 if not.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil {
		return 0
	}
	return time.Since(s.proc.started)
}

// Restarts returns the number of restarts that have occurred.
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// ReaderStats returns the current reader's (bytesRead, chunksRead, healthy).
func (s *Supervisor) ReaderStats() (bytesRead int64, chunksRead int64, healthy bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proc == nil {
		return 0, 0, false
	}
	return s.proc.reader.Stats()
}

// State returns the current state of the worker.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// setState updates the state and calls the callback if registered.
func (s *Supervisor) setState(newState State) {
	s.mu.Lock()
	oldState := s.state
	s.state = newState
	s.mu.Unlock()

	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(oldState, newState)
	}
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitSignal(exitErr); ok {
			// Signal exit: 128 + signal number
			return 128 + status
		}
		return exitErr.ExitCode()
	}

	// Unknown error, assume exit code 1
	return 1
}

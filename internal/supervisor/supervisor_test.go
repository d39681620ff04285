//go:build !windows

package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Fake workers for testing
// =============================================================================

// echoWorker prints a banner, its cwd and a stderr line, then answers every
// stdin line with a framed echo.
const echoWorker = `#!/bin/sh
echo '*start*'
echo 'licensed to test'
echo '*end*'
echo "cwd=$(pwd)"
echo 'from stderr' >&2
while read line; do
  echo '*start*'
  echo "got $line"
  echo '*end*'
done
`

// exitWorker exits immediately after one line of output.
const exitWorker = `#!/bin/sh
echo 'bye'
exit 3
`

// silentWorker never writes anything.
const silentWorker = `#!/bin/sh
while read line; do :; done
`

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeWorker installs script as an executable named NBOServe in a temp dir.
func writeWorker(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "NBOServe"), []byte(script), 0o755); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	return dir
}

func newTestSupervisor(dir string) *Supervisor {
	return New(Config{
		ServerDir:        dir,
		ExeName:          "NBOServe",
		Logger:           newTestLogger(),
		LaunchAttempts:   2,
		LaunchRetryDelay: time.Millisecond,
		ClosePause:       time.Millisecond,
		StartSettle:      500 * time.Millisecond,
		Backoff: BackoffConfig{
			Initial:    time.Millisecond,
			Max:        5 * time.Millisecond,
			Multiplier: 2.0,
			ResetAfter: time.Hour,
		},
	})
}

// readUntil accumulates output of generation gen until it contains want.
func readUntil(t *testing.T, s *Supervisor, gen uint64, want string) string {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case out := <-s.Output():
			if out.Gen != gen {
				continue
			}
			sb.WriteString(out.Data)
			if strings.Contains(sb.String(), want) {
				return sb.String()
			}
			if out.EOF {
				t.Fatalf("EOF before %q; got %q", want, sb.String())
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q; got %q", want, sb.String())
			return ""
		}
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestSupervisor_StartSendClose(t *testing.T) {
	dir := writeWorker(t, echoWorker)
	s := newTestSupervisor(dir)
	defer s.Close(false)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.Alive() {
		t.Fatal("Alive() = false after Start")
	}
	if s.State() != StateRunning {
		t.Errorf("State() = %v, want running", s.State())
	}
	if s.PID() == 0 {
		t.Error("PID() = 0")
	}

	gen := s.Generation()
	got := readUntil(t, s, gen, "from stderr")
	if !strings.Contains(got, "licensed to test") {
		t.Errorf("banner missing from %q", got)
	}
	if !s.Ready() {
		t.Error("Ready() = false after output")
	}

	if err := s.Send("<m_cmd.txt>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	readUntil(t, s, gen, "got <m_cmd.txt>")

	if bytesRead, chunks, _ := s.ReaderStats(); bytesRead == 0 || chunks == 0 {
		t.Errorf("ReaderStats() = %d bytes, %d chunks", bytesRead, chunks)
	}
	if s.Uptime() <= 0 {
		t.Error("Uptime() <= 0 while alive")
	}

	s.Close(true)
	if s.Alive() {
		t.Error("Alive() = true after Close")
	}
	if s.Ready() {
		t.Error("Ready() = true after Close")
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", s.State())
	}
	if err := s.Send("<m_cmd.txt>"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Send() after Close error = %v, want ErrNotRunning", err)
	}
}

func TestSupervisor_WorkingDirectoryIsServerDir(t *testing.T) {
	dir := writeWorker(t, echoWorker)
	s := newTestSupervisor(dir)
	defer s.Close(false)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got := readUntil(t, s, s.Generation(), "from stderr")
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	if !strings.Contains(got, "cwd="+want) && !strings.Contains(got, "cwd="+dir) {
		t.Errorf("output %q does not report cwd %q", got, dir)
	}
}

func TestSupervisor_StartWhileAlive(t *testing.T) {
	s := newTestSupervisor(writeWorker(t, silentWorker))
	defer s.Close(false)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestSupervisor_CloseIdempotent(t *testing.T) {
	s := newTestSupervisor(writeWorker(t, silentWorker))

	// Never started
	s.Close(true)
	s.Close(false)

	if !s.RestartIfNecessary() {
		t.Fatal("RestartIfNecessary() = false after Close on never-started supervisor")
	}
	s.Close(true)
	s.Close(true)

	if s.Alive() {
		t.Error("Alive() = true after repeated Close")
	}
	if !s.RestartIfNecessary() {
		t.Error("RestartIfNecessary() = false after repeated Close")
	}
	s.Close(false)
}

func TestSupervisor_RestartIfNecessaryKeepsLiveWorker(t *testing.T) {
	s := newTestSupervisor(writeWorker(t, silentWorker))
	defer s.Close(false)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pid := s.PID()
	gen := s.Generation()

	if !s.RestartIfNecessary() {
		t.Fatal("RestartIfNecessary() = false with live worker")
	}
	if s.PID() != pid || s.Generation() != gen {
		t.Error("RestartIfNecessary() replaced a live worker")
	}
}

func TestSupervisor_RestartNewGeneration(t *testing.T) {
	var restarts atomic.Int32
	dir := writeWorker(t, echoWorker)
	s := New(Config{
		ServerDir:      dir,
		ExeName:        "NBOServe",
		Logger:         newTestLogger(),
		LaunchAttempts: 1,
		Backoff:        BackoffConfig{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
		Callbacks: Callbacks{
			OnRestart: func(attempt int, delay time.Duration) {
				restarts.Add(1)
			},
		},
	})
	defer s.Close(false)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := s.Generation()

	if err := s.Restart(); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	second := s.Generation()
	if second <= first {
		t.Errorf("Generation() = %d after restart, want > %d", second, first)
	}
	if restarts.Load() != 1 || s.Restarts() != 1 {
		t.Errorf("restarts = %d/%d, want 1", restarts.Load(), s.Restarts())
	}

	// The new worker talks under the new generation.
	readUntil(t, s, second, "licensed to test")
}

func TestSupervisor_WorkerExitReportsEOF(t *testing.T) {
	var exitCode atomic.Int32
	exitCode.Store(-1)

	s := newTestSupervisor(writeWorker(t, exitWorker))
	s.callbacks.OnExit = func(code int, uptime time.Duration) {
		exitCode.Store(int32(code))
	}
	defer s.Close(false)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	gen := s.Generation()

	timeout := time.After(5 * time.Second)
	for eof := false; !eof; {
		select {
		case out := <-s.Output():
			if out.Gen == gen && out.EOF {
				eof = true
			}
		case <-timeout:
			t.Fatal("no EOF from exiting worker")
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.Alive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Alive() {
		t.Fatal("Alive() = true after worker exit")
	}
	if s.State() != StateExited {
		t.Errorf("State() = %v, want exited", s.State())
	}
	if exitCode.Load() != 3 {
		t.Errorf("exit code = %d, want 3", exitCode.Load())
	}

	// The next use starts a fresh worker.
	if !s.RestartIfNecessary() {
		t.Error("RestartIfNecessary() = false after exit")
	}
	if s.Generation() == gen {
		t.Error("Generation() unchanged after RestartIfNecessary")
	}
}

// =============================================================================
// Launch Failure Tests
// =============================================================================

func TestSupervisor_LaunchFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(dir string) error
	}{
		{
			name:  "missing executable",
			setup: func(dir string) error { return nil },
		},
		{
			name: "not executable",
			setup: func(dir string) error {
				return os.WriteFile(filepath.Join(dir, "NBOServe"), []byte("#!/bin/sh\n"), 0o644)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := tt.setup(dir); err != nil {
				t.Fatalf("setup: %v", err)
			}
			s := newTestSupervisor(dir)

			err := s.Start()
			var launchErr *LaunchError
			if !errors.As(err, &launchErr) {
				t.Fatalf("Start() error = %v, want *LaunchError", err)
			}
			if launchErr.Attempts != 2 {
				t.Errorf("Attempts = %d, want 2", launchErr.Attempts)
			}
			if launchErr.Path != filepath.Join(dir, "NBOServe") {
				t.Errorf("Path = %q", launchErr.Path)
			}
			if !s.CannotStart() {
				t.Error("CannotStart() = false after failed Start")
			}
			if s.State() != StateFailed {
				t.Errorf("State() = %v, want failed", s.State())
			}
			if s.RestartIfNecessary() {
				t.Error("RestartIfNecessary() = true with no executable")
			}
		})
	}
}

func TestLaunchError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"low memory", errors.New("CreateProcess error=1455"), "cannot start /srv/NBOServe: low on memory"},
		{"generic", errors.New("permission denied"), "cannot start /srv/NBOServe after 3 attempt(s): permission denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &LaunchError{Path: "/srv/NBOServe", Attempts: 3, Err: tt.err}
			if got := e.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if !errors.Is(e, tt.err) {
				t.Error("Unwrap() does not expose cause")
			}
		})
	}
}

// =============================================================================
// State Tests
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateExited, "exited"},
		{StateStopped, "stopped"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestState_IsActive(t *testing.T) {
	active := map[State]bool{StateStarting: true, StateRunning: true}
	for _, s := range []State{StateCreated, StateStarting, StateRunning, StateExited, StateStopped, StateFailed} {
		if got := s.IsActive(); got != active[s] {
			t.Errorf("%v.IsActive() = %v, want %v", s, got, active[s])
		}
	}
}

func TestExtractExitCode(t *testing.T) {
	if got := extractExitCode(nil); got != 0 {
		t.Errorf("extractExitCode(nil) = %d, want 0", got)
	}
	if got := extractExitCode(errors.New("other")); got != 1 {
		t.Errorf("extractExitCode(other) = %d, want 1", got)
	}
}

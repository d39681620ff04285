package tui

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-nboserve/internal/logging"
	"github.com/randomizedcoder/go-nboserve/internal/service"
	"github.com/randomizedcoder/go-nboserve/internal/stats"
	"github.com/randomizedcoder/go-nboserve/internal/timeseries"
)

// =============================================================================
// Mock Sources
// =============================================================================

type mockSession struct {
	snap service.Snapshot
}

func (m *mockSession) Snapshot() service.Snapshot { return m.snap }

type mockStats struct {
	snap stats.Snapshot
}

func (m *mockStats) Snapshot() stats.Snapshot { return m.snap }

type mockRates struct {
	rates timeseries.Rates
}

func (m *mockRates) Rates() timeseries.Rates { return m.rates }

type mockLog struct {
	entries []logging.Entry
	lastN   int
}

func (m *mockLog) Recent(n int) []logging.Entry {
	m.lastN = n
	if n > len(m.entries) {
		n = len(m.entries)
	}
	return m.entries[len(m.entries)-n:]
}

type mockControl struct {
	cancels, clears, restarts int
}

func (m *mockControl) Cancel() error     { m.cancels++; return nil }
func (m *mockControl) ClearQueue() error { m.clears++; return nil }
func (m *mockControl) Restart() error    { m.restarts++; return errors.New("closed") }

func keyMsg(key string) tea.KeyMsg {
	switch key {
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
}

// =============================================================================
// Tests: New / Init
// =============================================================================

func TestNew(t *testing.T) {
	model := New(Config{ServerDir: "/opt/NBOServe", MetricsAddr: "localhost:17091"})

	if model.serverDir != "/opt/NBOServe" {
		t.Errorf("serverDir = %s", model.serverDir)
	}
	if model.metricsAddr != "localhost:17091" {
		t.Errorf("metricsAddr = %s", model.metricsAddr)
	}
	if model.width != 80 || model.height != 24 {
		t.Errorf("size = %dx%d, want 80x24", model.width, model.height)
	}
}

func TestModel_Init(t *testing.T) {
	if New(Config{}).Init() == nil {
		t.Error("Init() returned nil cmd")
	}
}

// =============================================================================
// Tests: Update - Key Messages
// =============================================================================

func TestModel_Update_QuitKeys(t *testing.T) {
	tests := []struct {
		key      string
		wantQuit bool
	}{
		{"q", true},
		{"ctrl+c", true},
		{"esc", true},
		{"c", false},
		{"r", false},
		{"z", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			newModel, cmd := New(Config{}).Update(keyMsg(tt.key))
			m := newModel.(Model)

			if m.quitting != tt.wantQuit {
				t.Errorf("quitting = %v, want %v", m.quitting, tt.wantQuit)
			}
			if tt.wantQuit && cmd == nil {
				t.Error("expected tea.Quit cmd")
			}
		})
	}
}

func TestModel_Update_ControlKeys(t *testing.T) {
	ctl := &mockControl{}
	model := New(Config{Control: ctl})

	for _, key := range []string{"c", "c", "x", "R"} {
		newModel, _ := model.Update(keyMsg(key))
		model = newModel.(Model)
	}

	if ctl.cancels != 2 || ctl.clears != 1 || ctl.restarts != 1 {
		t.Errorf("cancels/clears/restarts = %d/%d/%d", ctl.cancels, ctl.clears, ctl.restarts)
	}
	if model.quitting {
		t.Error("control keys should not quit")
	}
}

func TestModel_Update_ControlKeysWithoutController(t *testing.T) {
	model := New(Config{})
	for _, key := range []string{"c", "x", "R"} {
		model.Update(keyMsg(key)) // must not panic
	}
}

// =============================================================================
// Tests: Update - Window Size / Tick / Messages
// =============================================================================

func TestModel_Update_WindowSize(t *testing.T) {
	newModel, _ := New(Config{}).Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m := newModel.(Model)

	if m.width != 120 || m.height != 40 {
		t.Errorf("size = %dx%d, want 120x40", m.width, m.height)
	}
}

func TestModel_Update_Tick(t *testing.T) {
	session := &mockSession{snap: service.Snapshot{ActiveFile: "m_cmd.txt", Pending: 2, Ready: true}}
	st := &mockStats{snap: stats.Snapshot{Posted: 3}}
	log := &mockLog{entries: []logging.Entry{{Level: slog.LevelInfo, Text: "one"}}}

	model := New(Config{Session: session, Stats: st, Log: log})

	newModel, cmd := model.Update(TickMsg(time.Now()))
	m := newModel.(Model)

	if m.snapshot.ActiveFile != "m_cmd.txt" || m.snapshot.Pending != 2 {
		t.Errorf("snapshot = %+v", m.snapshot)
	}
	if m.latency == nil || m.latency.Posted != 3 {
		t.Errorf("latency = %+v", m.latency)
	}
	if len(m.lines) != 1 {
		t.Errorf("lines = %d, want 1", len(m.lines))
	}
	if cmd == nil {
		t.Error("expected tick cmd to be returned")
	}
}

func TestModel_Update_StatusAndAlert(t *testing.T) {
	model := New(Config{})

	newModel, _ := model.Update(StatusMsg{Text: "Running m_cmd.txt"})
	model = newModel.(Model)
	newModel, _ = model.Update(AlertMsg{Text: "NBOServe fatal error"})
	model = newModel.(Model)

	if model.Status() != "Running m_cmd.txt" {
		t.Errorf("Status() = %q", model.Status())
	}
	if model.Alert() != "NBOServe fatal error" {
		t.Errorf("Alert() = %q", model.Alert())
	}

	// Alerts expire on a later tick
	model.alertAt = time.Now().Add(-2 * alertTTL)
	newModel, _ = model.Update(TickMsg(time.Now()))
	if newModel.(Model).Alert() != "" {
		t.Error("alert should expire")
	}
}

func TestModel_Update_QuitMsg(t *testing.T) {
	newModel, cmd := New(Config{}).Update(QuitMsg{})
	if !newModel.(Model).quitting || cmd == nil {
		t.Error("QuitMsg should quit")
	}
	if newModel.View() != "" {
		t.Error("View() should be empty after quitting")
	}
}

func TestModel_LogLines(t *testing.T) {
	tests := []struct {
		height int
		want   int
	}{
		{10, 5},
		{24, 5},
		{40, 20},
		{1000, logging.MaxBufferedLines},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("h%d", tt.height), func(t *testing.T) {
			m := New(Config{})
			m.height = tt.height
			if got := m.logLines(); got != tt.want {
				t.Errorf("logLines() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSendHelpers_NilProgram(t *testing.T) {
	// Must not panic without a running program
	SendStatus(nil, "x")
	SendAlert(nil, "x")
	SendQuit(nil)
}

// =============================================================================
// Tests: View
// =============================================================================

func TestModel_View_Idle(t *testing.T) {
	m := New(Config{ServerDir: "/opt/NBOServe"})
	m.width = 120

	out := m.View()
	for _, want := range []string{"go-nboserve", "Starting", "Mode: home", "waiting for license banner", "idle", "(empty)", "q quit"} {
		if !strings.Contains(out, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestModel_View_Active(t *testing.T) {
	session := &mockSession{snap: service.Snapshot{
		ActiveFile:   "r_cmd.txt",
		ActiveStatus: "Running r_cmd.txt",
		ActiveSince:  time.Now().Add(-time.Second),
		Mode:         "run",
		Pending:      3,
		Ready:        true,
		Licensed:     true,
		License:      "NBO 7.0 licensed to test\nline two",
	}}
	st := &mockStats{snap: stats.Snapshot{
		Posted:   5,
		Outcomes: map[string]int64{"completed": 4},
		Restarts: map[string]int64{"fatal_error": 1},
		Samples:  4,
		P50:      12 * time.Millisecond,
		Max:      40 * time.Millisecond,
	}}
	log := &mockLog{entries: []logging.Entry{
		{Time: time.Now(), Level: slog.LevelError, Text: "**NBOServe fatal error**"},
	}}

	m := New(Config{Session: session, Stats: st, Log: log, MetricsAddr: "localhost:17091"})
	m.width = 140
	m = m.refresh()

	out := m.View()
	for _, want := range []string{
		"Licensed",
		"Mode: run",
		"NBO 7.0 licensed to test",
		"r_cmd.txt",
		"Running r_cmd.txt",
		"3",
		"12 ms",
		"completed",
		"Restarts",
		"**NBOServe fatal error**",
		"http://localhost:17091/metrics",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("View() missing %q", want)
		}
	}
	if strings.Contains(out, "line two") {
		t.Error("only the first license line should be shown")
	}
}

func TestModel_View_Alert(t *testing.T) {
	m := New(Config{})
	m.width = 120
	newModel, _ := m.Update(AlertMsg{Text: "Cannot start NBOServe"})

	if !strings.Contains(newModel.View(), "Cannot start NBOServe") {
		t.Error("alert not rendered")
	}
}

func TestModel_View_NoReplies(t *testing.T) {
	m := New(Config{Stats: &mockStats{}})
	m.width = 120
	m = m.refresh()

	if !strings.Contains(m.View(), "no replies yet") {
		t.Error("expected placeholder for empty latency")
	}
}

func TestModel_Update_SpinnerTick(t *testing.T) {
	m := New(Config{})

	msg := m.spinner.Tick()
	if _, ok := msg.(spinner.TickMsg); !ok {
		t.Fatalf("Tick() = %T, want spinner.TickMsg", msg)
	}
	_, cmd := m.Update(msg)
	if cmd == nil {
		t.Error("spinner tick did not schedule the next frame")
	}
}

func TestModel_View_ReplyRate(t *testing.T) {
	rates := &mockRates{rates: timeseries.Rates{
		Replies: 12,
		Windows: []timeseries.Rate{
			{Window: 10 * time.Second, Replies: 1.5},
			{Window: time.Minute, Replies: 0.25},
		},
	}}
	m := New(Config{Rates: rates})
	m.width = 120
	m = m.refresh()

	view := m.View()
	for _, want := range []string{"Reply rate", "1.5/s (10s)", "0.25/s (1m)"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModel_View_NoRateSource(t *testing.T) {
	m := New(Config{})
	m.width = 120
	m = m.refresh()

	if strings.Contains(m.View(), "Reply rate") {
		t.Error("rate row rendered without a source")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 8, "this is…"},
		{"ab", 1, "a"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

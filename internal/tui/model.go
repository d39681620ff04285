package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-nboserve/internal/logging"
	"github.com/randomizedcoder/go-nboserve/internal/service"
	"github.com/randomizedcoder/go-nboserve/internal/stats"
	"github.com/randomizedcoder/go-nboserve/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// StatusMsg carries a status line from the service.
type StatusMsg struct {
	Text string
}

// AlertMsg carries a user-facing alert from the service.
type AlertMsg struct {
	Text string
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Sources
// =============================================================================

// SessionSource provides the service snapshot.
type SessionSource interface {
	Snapshot() service.Snapshot
}

// StatsSource provides latency statistics.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// RateSource provides rolling reply rates.
type RateSource interface {
	Rates() timeseries.Rates
}

// LogSource provides recent log pane lines.
type LogSource interface {
	Recent(n int) []logging.Entry
}

// Controller accepts session commands from the keyboard.
type Controller interface {
	Cancel() error
	ClearQueue() error
	Restart() error
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	serverDir   string
	metricsAddr string

	// Sources
	session SessionSource
	stats   StatsSource
	rates   RateSource
	log     LogSource
	control Controller

	// Current state
	snapshot   service.Snapshot
	latency    *stats.Snapshot
	rate       *timeseries.Rates
	lines      []logging.Entry
	status     string
	alert      string
	alertAt    time.Time
	startTime  time.Time
	lastUpdate time.Time

	// Shown next to the in-flight request
	spinner spinner.Model

	// Display options
	width  int
	height int

	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	ServerDir   string
	MetricsAddr string
	Session     SessionSource
	Stats       StatsSource
	Rates       RateSource // optional
	Log         LogSource
	Control     Controller
}

// alertTTL is how long an alert stays on screen.
const alertTTL = 10 * time.Second

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		serverDir:   cfg.ServerDir,
		metricsAddr: cfg.MetricsAddr,
		session:     cfg.Session,
		stats:       cfg.Stats,
		rates:       cfg.Rates,
		log:         cfg.Log,
		control:     cfg.Control,
		spinner:     spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(valueWarnStyle)),
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spinner.Tick)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "c":
			if m.control != nil {
				m.control.Cancel()
			}
			return m, nil
		case "x":
			if m.control != nil {
				m.control.ClearQueue()
			}
			return m, nil
		case "R":
			if m.control != nil {
				m.control.Restart()
			}
			return m, nil
		case "r":
			// Force refresh
			return m.refresh(), nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m = m.refresh()
		if !m.alertAt.IsZero() && time.Since(m.alertAt) > alertTTL {
			m.alert = ""
			m.alertAt = time.Time{}
		}
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case StatusMsg:
		m.status = msg.Text
		return m, nil

	case AlertMsg:
		m.alert = msg.Text
		m.alertAt = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// refresh pulls the latest state from all sources.
func (m Model) refresh() Model {
	if m.session != nil {
		m.snapshot = m.session.Snapshot()
	}
	if m.stats != nil {
		s := m.stats.Snapshot()
		m.latency = &s
	}
	if m.rates != nil {
		r := m.rates.Rates()
		m.rate = &r
	}
	if m.log != nil {
		m.lines = m.log.Recent(m.logLines())
	}
	m.lastUpdate = time.Now()
	return m
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the session started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Status returns the last status line.
func (m Model) Status() string {
	return m.status
}

// Alert returns the current alert, if any.
func (m Model) Alert() string {
	return m.alert
}

// logLines returns how many log pane lines fit the current height.
func (m Model) logLines() int {
	// Header, worker, queue and latency boxes take roughly 20 rows
	n := m.height - 20
	if n < 5 {
		n = 5
	}
	if n > logging.MaxBufferedLines {
		n = logging.MaxBufferedLines
	}
	return n
}

// =============================================================================
// Helpers for external use
// =============================================================================

// SendStatus sends a status line to the TUI.
func SendStatus(p *tea.Program, text string) {
	if p != nil {
		p.Send(StatusMsg{Text: text})
	}
}

// SendAlert sends an alert to the TUI.
func SendAlert(p *tea.Program, text string) {
	if p != nil {
		p.Send(AlertMsg{Text: text})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-nboserve/internal/stats"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderDashboard renders the full dashboard.
func (m Model) renderDashboard() string {
	sections := []string{
		m.renderHeader(),
		m.renderWorker(),
		m.renderRequests(),
	}

	if m.latency != nil {
		sections = append(sections, m.renderLatency())
	}

	sections = append(sections, m.renderLogPane())

	if m.alert != "" {
		sections = append(sections, statusError.Render("⚠ "+m.alert))
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	s := m.snapshot
	label := GetWorkerLabel(GetWorkerStatus(s.Ready, s.Licensed, s.Closed))

	mode := s.Mode
	if mode == "" {
		mode = "home"
	}

	header := fmt.Sprintf(
		" go-nboserve │ %s │ Mode: %s │ Elapsed: %s ",
		label,
		mode,
		stats.FormatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Worker
// =============================================================================

func (m Model) renderWorker() string {
	s := m.snapshot

	license := dimStyle.Render("(waiting for license banner)")
	if s.License != "" {
		license = licenseStyle.Render(firstLine(s.License))
	}

	rows := []string{
		sectionHeaderStyle.Render("Worker"),
		RenderKeyValue("Server Directory", m.serverDir),
		RenderKeyValue("Generation", fmt.Sprintf("%d", s.Generation)),
		RenderKeyValue("Frame State", s.Frame.String()),
		license,
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Requests
// =============================================================================

func (m Model) renderRequests() string {
	s := m.snapshot

	active := mutedStyle.Render("idle")
	since := "-"
	if s.ActiveFile != "" {
		active = m.spinner.View() + " " + valueStyle.Render(s.ActiveFile)
		if !s.ActiveSince.IsZero() {
			since = stats.FormatMs(time.Since(s.ActiveSince).Truncate(time.Millisecond))
		}
	}

	status := m.status
	if status == "" {
		status = s.ActiveStatus
	}
	if status == "" {
		status = "-"
	}

	pending := valueStyle.Render(fmt.Sprintf("%d", s.Pending))
	if s.Pending > 0 {
		pending = valueWarnStyle.Render(fmt.Sprintf("%d", s.Pending))
	}

	rows := []string{
		sectionHeaderStyle.Render("Requests"),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Active:"), active),
		RenderKeyValue("Waiting", since),
		RenderKeyValue("Status", status),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Queued:"), pending),
		RenderKeyValue("Buffered", fmt.Sprintf("%d bytes", s.Buffered)),
	}
	if m.rate != nil {
		rows = append(rows, RenderKeyValue("Reply rate", m.renderRates()))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// renderRates lists the reply rate per tracked window, e.g. "1.5/s (10s)".
func (m Model) renderRates() string {
	parts := make([]string, 0, len(m.rate.Windows))
	for _, w := range m.rate.Windows {
		parts = append(parts, fmt.Sprintf("%s (%s)", stats.FormatRate(w.Replies), windowLabel(w.Window)))
	}
	if len(parts) == 0 {
		return stats.FormatRate(m.rate.Overall.Replies)
	}
	return strings.Join(parts, "  ")
}

func windowLabel(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return fmt.Sprintf("%ds", int(d/time.Second))
}

// =============================================================================
// Latency
// =============================================================================

func (m Model) renderLatency() string {
	l := m.latency

	rows := []string{sectionHeaderStyle.Render("Reply Latency")}
	if l.Samples == 0 {
		rows = append(rows, mutedStyle.Render("no replies yet"))
	} else {
		rows = append(rows,
			RenderKeyValue("P50", stats.FormatMs(l.P50)),
			RenderKeyValue("P95", stats.FormatMs(l.P95)),
			RenderKeyValue("P99", stats.FormatMs(l.P99)),
			RenderKeyValue("Max", stats.FormatMs(l.Max)),
		)
	}

	var outcomes []string
	outcomes = append(outcomes, fmt.Sprintf("posted %s", valueStyle.Render(stats.FormatNumber(l.Posted))))
	for _, o := range stats.SortedKeys(l.Outcomes) {
		outcomes = append(outcomes, fmt.Sprintf("%s %s", o, GetOutcomeStyle(o).Render(stats.FormatNumber(l.Outcomes[o]))))
	}
	rows = append(rows, strings.Join(outcomes, "  "))

	if n := l.TotalRestarts(); n > 0 {
		rows = append(rows, RenderKeyValue("Restarts", fmt.Sprintf("%d", n)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Log Pane
// =============================================================================

func (m Model) renderLogPane() string {
	rows := []string{sectionHeaderStyle.Render("Log")}
	if len(m.lines) == 0 {
		rows = append(rows, dimStyle.Render("(empty)"))
	}

	maxWidth := m.width - 6
	if maxWidth < 20 {
		maxWidth = 20
	}
	for _, e := range m.lines {
		text := truncate(e.Text, maxWidth)
		stamp := dimStyle.Render(e.Time.Format("15:04:05"))
		rows = append(rows, stamp+" "+GetLevelStyle(e.Level).Render(text))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	keys := "q quit │ c cancel │ x clear queue │ R restart worker │ r refresh"
	if m.metricsAddr != "" {
		keys += fmt.Sprintf(" │ metrics http://%s/metrics", m.metricsAddr)
	}
	return footerStyle.Render(keys)
}

// =============================================================================
// Helpers
// =============================================================================

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate shortens s to at most n runes, marking the cut with "…".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

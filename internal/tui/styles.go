// Package tui provides a live terminal dashboard for an NBOServe session.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It displays:
// - Worker state and the license banner
// - The active request, its status line and the queue depth
// - Reply latency percentiles and outcome counts
// - The log pane of worker lines
package tui

import (
	"log/slog"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Color Palette
// =============================================================================

// Colors based on a modern dark theme
var (
	// Primary colors
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	// Status colors
	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorInfo    = lipgloss.Color("#3B82F6") // Blue

	// Neutral colors
	colorText      = lipgloss.Color("#E5E7EB") // Light gray
	colorTextMuted = lipgloss.Color("#9CA3AF") // Medium gray
	colorTextDim   = lipgloss.Color("#6B7280") // Dark gray
	colorBorder    = lipgloss.Color("#374151") // Border gray
)

// =============================================================================
// Base Styles
// =============================================================================

var (
	mutedStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	licenseStyle = lipgloss.NewStyle().
			Foreground(colorSecondary).
			Italic(true)
)

// =============================================================================
// Status Indicator Styles
// =============================================================================

var (
	statusOK = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	statusWarning = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	statusError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	statusInfo = lipgloss.NewStyle().
			Foreground(colorInfo).
			Bold(true)
)

// =============================================================================
// Layout Styles
// =============================================================================

var (
	// Box/panel styles
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	// Header style
	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	// Section header style
	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder)

	// Footer style
	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)
)

// =============================================================================
// Value Styles
// =============================================================================

var (
	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	valueGoodStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	valueBadStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	valueWarnStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(20)
)

// =============================================================================
// Worker Status Indicator
// =============================================================================

// WorkerStatus summarizes the worker for the header.
type WorkerStatus int

const (
	WorkerStatusStarting WorkerStatus = iota
	WorkerStatusReady
	WorkerStatusLicensed
	WorkerStatusClosed
)

// GetWorkerStatus derives the header status from the session flags.
func GetWorkerStatus(ready, licensed, closed bool) WorkerStatus {
	switch {
	case closed:
		return WorkerStatusClosed
	case licensed:
		return WorkerStatusLicensed
	case ready:
		return WorkerStatusReady
	default:
		return WorkerStatusStarting
	}
}

// GetWorkerLabel returns a styled worker status label.
func GetWorkerLabel(status WorkerStatus) string {
	switch status {
	case WorkerStatusClosed:
		return statusError.Render("● Closed")
	case WorkerStatusLicensed:
		return statusOK.Render("● Licensed")
	case WorkerStatusReady:
		return statusInfo.Render("● Ready")
	default:
		return statusWarning.Render("● Starting")
	}
}

// =============================================================================
// Log Level and Outcome Styles
// =============================================================================

// GetLevelStyle returns the style for a log pane line.
func GetLevelStyle(level slog.Level) lipgloss.Style {
	switch {
	case level >= slog.LevelError:
		return valueBadStyle
	case level >= slog.LevelWarn:
		return valueWarnStyle
	case level >= slog.LevelInfo:
		return mutedStyle
	default:
		return dimStyle
	}
}

// GetOutcomeStyle returns the style for an outcome counter.
func GetOutcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case "completed":
		return valueGoodStyle
	case "soft_error", "discarded":
		return valueWarnStyle
	case "aborted", "rejected":
		return valueBadStyle
	default:
		return valueStyle
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

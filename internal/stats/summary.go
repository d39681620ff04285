package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════════════════════════\n"
	ruleLight = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Duration is the total session duration
	Duration time.Duration

	// ServerDir is the worker's server directory
	ServerDir string

	// License is the banner text reported by the worker, if any
	License string

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// JournalPath is the SQLite file the request journal was written to
	JournalPath string

	// ExitCodes is a map of worker exit codes to counts (from metrics.Collector)
	ExitCodes map[int]int
}

// FormatExitSummary formats a session snapshot for display at program exit.
func FormatExitSummary(snap *Snapshot, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                          go-nboserve Session Summary\n")
	b.WriteString(ruleHeavy + "\n")

	fmt.Fprintf(&b, "Session Duration:       %s\n", FormatDuration(cfg.Duration))
	if cfg.ServerDir != "" {
		fmt.Fprintf(&b, "Server Directory:       %s\n", cfg.ServerDir)
	}
	if cfg.License != "" {
		fmt.Fprintf(&b, "License:                %s\n", firstLine(cfg.License))
	}
	b.WriteString("\n")

	if snap == nil {
		b.WriteString("(No requests were posted)\n\n")
		writeFooter(&b, cfg)
		return b.String()
	}

	section(&b, "Requests")
	fmt.Fprintf(&b, "  %-20s %12s\n", "Outcome", "Count")
	b.WriteString("  " + strings.Repeat("─", 33) + "\n")
	fmt.Fprintf(&b, "  %-20s %12s\n", "posted", FormatNumber(snap.Posted))
	for _, outcome := range SortedKeys(snap.Outcomes) {
		fmt.Fprintf(&b, "  %-20s %12s\n", outcome, FormatNumber(snap.Outcomes[outcome]))
	}
	if snap.Elapsed > 0 {
		rate := float64(snap.Finished()) / snap.Elapsed.Seconds()
		fmt.Fprintf(&b, "\n  Throughput:           %s\n", FormatRate(rate))
	}
	b.WriteString("\n")

	if snap.Samples > 0 {
		section(&b, "Reply Latency")
		fmt.Fprintf(&b, "  Samples:              %d\n", snap.Samples)
		fmt.Fprintf(&b, "  Min:                  %s\n", FormatMs(snap.Min))
		fmt.Fprintf(&b, "  Mean:                 %s\n", FormatMs(snap.Mean))
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatMs(snap.P50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatMs(snap.P95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatMs(snap.P99))
		fmt.Fprintf(&b, "  Max:                  %s\n", FormatMs(snap.Max))
		b.WriteString("\n")
	}

	if len(snap.Restarts) > 0 {
		section(&b, "Worker Restarts")
		for _, reason := range SortedKeys(snap.Restarts) {
			fmt.Fprintf(&b, "  %-20s %12d\n", reason, snap.Restarts[reason])
		}
		fmt.Fprintf(&b, "  %-20s %12d\n\n", "total", snap.TotalRestarts())
	}

	if len(cfg.ExitCodes) > 0 {
		section(&b, "Worker Exit Codes")

		// Sort exit codes for consistent output
		codes := make([]int, 0, len(cfg.ExitCodes))
		for code := range cfg.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), cfg.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	writeFooter(&b, cfg)
	return b.String()
}

func section(b *strings.Builder, title string) {
	b.WriteString(ruleLight)
	pad := (79 - len(title)) / 2
	if pad < 0 {
		pad = 0
	}
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(ruleLight + "\n")
}

func writeFooter(b *strings.Builder, cfg SummaryConfig) {
	if cfg.JournalPath != "" {
		fmt.Fprintf(b, "Request journal: %s\n", cfg.JournalPath)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}
	b.WriteString(ruleHeavy)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}

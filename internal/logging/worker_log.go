package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// MaxLineLength is the maximum length of a single pane line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of pane lines kept.
	MaxBufferedLines = 100
)

// Entry is one line of the log pane.
type Entry struct {
	Time  time.Time
	Level slog.Level
	Text  string
}

// WorkerLog is the session log pane. It keeps the most recent lines in a
// ring buffer and mirrors each one to the structured logger.
type WorkerLog struct {
	logger *slog.Logger

	buffer []Entry
	bufIdx int
	total  int
	counts map[slog.Level]int
	mu     sync.Mutex
}

// NewWorkerLog creates a log pane that mirrors lines to logger.
func NewWorkerLog(logger *slog.Logger) *WorkerLog {
	if logger == nil {
		logger = Discard()
	}
	return &WorkerLog{
		logger: logger,
		buffer: make([]Entry, MaxBufferedLines),
		counts: make(map[slog.Level]int),
	}
}

// Log appends one line at the given level.
func (w *WorkerLog) Log(level slog.Level, text string) {
	if len(text) > MaxLineLength {
		text = text[:MaxLineLength] + "...(truncated)"
	}

	w.mu.Lock()
	w.buffer[w.bufIdx] = Entry{Time: time.Now(), Level: level, Text: text}
	w.bufIdx = (w.bufIdx + 1) % MaxBufferedLines
	w.total++
	w.counts[level]++
	w.mu.Unlock()

	w.logger.Log(context.Background(), level, "log_pane", "line", text)
}

// Debug appends a debug line.
func (w *WorkerLog) Debug(text string) { w.Log(slog.LevelDebug, text) }

// Info appends an info line.
func (w *WorkerLog) Info(text string) { w.Log(slog.LevelInfo, text) }

// Warn appends a warning line.
func (w *WorkerLog) Warn(text string) { w.Log(slog.LevelWarn, text) }

// Error appends an error line.
func (w *WorkerLog) Error(text string) { w.Log(slog.LevelError, text) }

// Lines appends each non-empty line of text at level.
func (w *WorkerLog) Lines(level slog.Level, lines []string) {
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			w.Log(level, line)
		}
	}
}

// Recent returns up to n of the most recent entries, oldest first.
func (w *WorkerLog) Recent(n int) []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if n > w.total {
		n = w.total
	}

	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := (w.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		entries = append(entries, w.buffer[idx])
	}
	return entries
}

// RecentLines returns the text of up to n of the most recent entries.
func (w *WorkerLog) RecentLines(n int) []string {
	entries := w.Recent(n)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Text
	}
	return lines
}

// Total returns the number of lines ever appended.
func (w *WorkerLog) Total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// CountLevels returns how many lines were appended at each level.
func (w *WorkerLog) CountLevels() map[slog.Level]int {
	w.mu.Lock()
	defer w.mu.Unlock()

	counts := make(map[slog.Level]int, len(w.counts))
	for level, n := range w.counts {
		counts[level] = n
	}
	return counts
}

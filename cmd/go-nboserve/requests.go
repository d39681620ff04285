package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/randomizedcoder/go-nboserve/internal/service"
	"github.com/randomizedcoder/go-nboserve/internal/stats"
	"github.com/randomizedcoder/go-nboserve/internal/store"
)

// loadCommands reads each local command file. The base name becomes the
// staged name in the server directory.
func loadCommands(paths []string) ([]service.File, error) {
	files := make([]service.File, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read command file: %w", err)
		}
		files = append(files, service.File{Name: filepath.Base(p), Content: string(content)})
	}
	return files, nil
}

// journalEntry maps a finished request onto its journal row.
func journalEntry(r *service.Request) store.JournalEntry {
	e := store.JournalEntry{
		ID:          r.ID,
		CommandFile: r.CommandFile,
		Mode:        r.Mode,
		Outcome:     r.Outcome().String(),
		FinishedAt:  r.FinishedAt(),
		Latency:     r.Latency(),
	}
	if err := r.Err(); err != nil {
		e.Error = err.Error()
	}
	if sent := r.SentAt(); !sent.IsZero() {
		e.SentAt = &sent
	}
	return e
}

// replyHeader is the line printed above each reply.
func replyHeader(r *service.Request) string {
	detail := r.Outcome().String()
	if l := r.Latency(); l > 0 {
		detail += ", " + stats.FormatMs(l)
	}
	return fmt.Sprintf("==> %s (%s) <==", r.CommandFile, detail)
}

// printReply writes the header and the reply text, or the error for
// requests that never got one.
func printReply(w io.Writer, r *service.Request) {
	fmt.Fprintln(w, replyHeader(r))

	reply, ok := r.Reply()
	switch {
	case ok && reply.Err != nil:
		fmt.Fprintf(w, "error: %v\n", reply.Err)
	case ok:
		fmt.Fprint(w, reply.Text)
		if reply.Text != "" && !strings.HasSuffix(reply.Text, "\n") {
			fmt.Fprintln(w)
		}
	case r.Err() != nil:
		fmt.Fprintf(w, "error: %v\n", r.Err())
	}
}

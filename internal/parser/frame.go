// Package parser classifies the NBOServe output stream into protocol frames.
//
// The worker writes free-form text to its merged stdout/stderr. A reply is
// framed as
//
//	*start*
//	[one or more lines]
//	*end*
//
// and failures are reported by literal sentinels anywhere in the stream.
// Classify is a pure function over the accumulated text so the precedence
// rules can be tested without a process.
package parser

import (
	"strings"
)

// Protocol sentinels.
const (
	MarkerStart       = "*start*"
	MarkerEnd         = "*end*"
	MarkerErrMess     = "***errmess***"
	MarkerFatal       = "**NBOServe fatal error**"
	MarkerWarning     = "**NBOServe warning**"
	MarkerFortranStop = "FORTRAN STOP"

	missingOrInvalid = "missing or invalid"
	endOfFile        = "end of file"
)

// DefaultErrorPatterns are runtime-error substrings emitted by the PGI
// Fortran runtime and the Windows shell when the worker is broken.
var DefaultErrorPatterns = []string{
	"Permission denied",
	"PGFIO-F",
	"Invalid command",
}

// State is the lexer state after a classification.
type State int

const (
	// StateAwaitingStart means no open frame is buffered.
	StateAwaitingStart State = iota

	// StateInFrame means a start marker was seen without its end marker.
	StateInFrame

	// StateError means an error sentinel was recognized.
	StateError
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateInFrame:
		return "in_frame"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Kind is the outcome of classifying the accumulated output.
type Kind int

const (
	// KindPending means nothing is decidable yet; keep accumulating.
	KindPending Kind = iota

	// KindPreamble is text without a start marker while a request is active.
	KindPreamble

	// KindDiscard is text without a start marker while nothing is active.
	KindDiscard

	// KindFrame is a complete frame addressed to the active request.
	KindFrame

	// KindBanner is a complete frame received while no request is active.
	KindBanner

	// KindSoftError is an application-level error; the worker stays up.
	KindSoftError

	// KindHardError means the worker is dead or corrupted and must restart.
	KindHardError
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindPending:
		return "pending"
	case KindPreamble:
		return "preamble"
	case KindDiscard:
		return "discard"
	case KindFrame:
		return "frame"
	case KindBanner:
		return "banner"
	case KindSoftError:
		return "soft_error"
	case KindHardError:
		return "hard_error"
	default:
		return "unknown"
	}
}

// Handled reports whether the buffered text has been fully resolved and the
// accumulator can move on.
func (k Kind) Handled() bool {
	switch k {
	case KindDiscard, KindFrame, KindBanner, KindSoftError, KindHardError:
		return true
	default:
		return false
	}
}

// Error reasons reported in Result.Reason.
const (
	ReasonFortranStop  = "fortran_stop"
	ReasonFatal        = "fatal_error"
	ReasonRuntimeError = "runtime_error"
	ReasonErrMess      = "errmess"
	ReasonWarning      = "warning"
)

// Result describes one classification of the accumulated output.
type Result struct {
	Kind  Kind
	State State

	// Payload is the frame body for KindFrame and KindBanner: the text after
	// the start marker line up to the end marker.
	Payload string

	// Message holds the error text lines for soft and hard errors.
	Message []string

	// Reason names the sentinel that matched for soft and hard errors.
	Reason string

	// Alert is false for hard errors that are expected end-of-file
	// conditions and should not be surfaced as alerts.
	Alert bool

	// Rest is the text to keep in the accumulator after this result.
	Rest string
}

// Context carries the request-side facts the classifier needs.
type Context struct {
	// Active is true when a request is in flight.
	Active bool

	// Noisy is true when the active request may emit preamble text.
	Noisy bool
}

// Classifier recognizes frames and error sentinels. It is safe for
// concurrent use; it holds only the immutable error pattern list.
type Classifier struct {
	patterns []string
}

// NewClassifier creates a classifier with the given runtime-error patterns.
// A nil or empty list selects DefaultErrorPatterns.
func NewClassifier(patterns []string) *Classifier {
	if len(patterns) == 0 {
		patterns = DefaultErrorPatterns
	}
	p := make([]string, 0, len(patterns))
	for _, s := range patterns {
		if s != "" {
			p = append(p, s)
		}
	}
	return &Classifier{patterns: p}
}

// Patterns returns a copy of the runtime-error patterns.
func (c *Classifier) Patterns() []string {
	out := make([]string, len(c.patterns))
	copy(out, c.patterns)
	return out
}

// Classify inspects the accumulated output buf. Precedence:
//
//  1. FORTRAN STOP (hard)
//  2. fatal error sentinel (hard)
//  3. runtime-error pattern or "missing or invalid" (hard)
//  4. ***errmess*** (soft)
//  5. warning sentinel (soft)
//  6. no start marker (discard or preamble)
//  7. start without end (pending)
//  8. complete frame (frame or banner)
//
// Soft errors embedded in a frame wait for the frame's end marker.
func (c *Classifier) Classify(buf string, ctx Context) Result {
	if strings.Contains(buf, MarkerFortranStop) {
		return hardError(ReasonFortranStop, messageLines(buf), true)
	}

	if i := strings.Index(buf, MarkerFatal); i >= 0 {
		return hardError(ReasonFatal, messageLines(buf[i:]), true)
	}

	if c.isRuntimeError(buf) {
		return hardError(ReasonRuntimeError, messageLines(buf), !strings.Contains(buf, endOfFile))
	}

	start := frameStart(buf)
	frameOpen := start >= 0 && !strings.Contains(buf[start+len(MarkerStart):], MarkerEnd)

	if !frameOpen {
		if i := strings.Index(buf, MarkerErrMess); i >= 0 {
			msg, ok := errmessLine(buf[i+len(MarkerErrMess):])
			if !ok {
				return Result{Kind: KindPending, State: StateAwaitingStart, Rest: buf}
			}
			return softError(ReasonErrMess, msg)
		}
		if i := strings.Index(buf, MarkerWarning); i >= 0 {
			return softError(ReasonWarning, messageLines(buf[i:]))
		}
	}

	if start < 0 {
		if !ctx.Active {
			return Result{Kind: KindDiscard, State: StateAwaitingStart, Rest: partialMarkerTail(buf)}
		}
		if strings.TrimSpace(buf) == "" {
			return Result{Kind: KindPending, State: StateAwaitingStart, Rest: buf}
		}
		res := Result{Kind: KindPreamble, State: StateAwaitingStart, Rest: buf}
		if !ctx.Noisy {
			res.Rest = partialMarkerTail(buf)
		}
		return res
	}

	body := buf[start+len(MarkerStart):]
	body = strings.TrimPrefix(body, "\n")
	end := strings.Index(body, MarkerEnd)
	if end < 0 {
		return Result{Kind: KindPending, State: StateInFrame, Rest: buf}
	}

	rest := body[end+len(MarkerEnd):]
	if strings.TrimSpace(rest) == "" {
		rest = ""
	} else {
		rest = strings.TrimPrefix(rest, "\n")
	}

	kind := KindFrame
	if !ctx.Active {
		kind = KindBanner
	}
	return Result{
		Kind:    kind,
		State:   StateAwaitingStart,
		Payload: body[:end],
		Rest:    rest,
	}
}

// isRuntimeError reports whether buf contains a configured runtime-error
// pattern or the "missing or invalid" file diagnostic.
func (c *Classifier) isRuntimeError(buf string) bool {
	for _, p := range c.patterns {
		if strings.Contains(buf, p) {
			return true
		}
	}
	return strings.Contains(buf, missingOrInvalid)
}

func hardError(reason string, msg []string, alert bool) Result {
	return Result{
		Kind:    KindHardError,
		State:   StateError,
		Reason:  reason,
		Message: msg,
		Alert:   alert,
	}
}

func softError(reason string, msg []string) Result {
	return Result{
		Kind:    KindSoftError,
		State:   StateError,
		Reason:  reason,
		Message: msg,
		Alert:   true,
	}
}

// frameStart returns the offset of the start marker that opens the frame
// in buf, or -1. When several start markers precede the first end marker,
// the last one wins and the text before it is stale.
func frameStart(buf string) int {
	first := strings.Index(buf, MarkerStart)
	if first < 0 {
		return -1
	}
	span := buf[first:]
	if end := strings.Index(span[len(MarkerStart):], MarkerEnd); end >= 0 {
		span = span[:len(MarkerStart)+end]
	}
	return first + strings.LastIndex(span, MarkerStart)
}

// errmessLine returns the single message line that follows the errmess
// marker line. ok is false until that line is newline terminated.
func errmessLine(after string) (msg []string, ok bool) {
	i := strings.IndexByte(after, '\n')
	if i < 0 {
		return nil, false
	}
	after = after[i+1:]
	i = strings.IndexByte(after, '\n')
	if i < 0 {
		return nil, false
	}
	line := strings.TrimSpace(after[:i])
	if line == "" || isMarkerLine(line) {
		return nil, true
	}
	return []string{line}, true
}

// messageLines splits s into trimmed, non-empty lines, dropping frame
// marker lines.
func messageLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isMarkerLine(line) {
			continue
		}
		out = append(out, line)
	}
	return out
}

func isMarkerLine(line string) bool {
	return line == MarkerStart || line == MarkerEnd
}

// partialMarkerTail returns the suffix of buf that could be the beginning
// of a start marker split across reads.
func partialMarkerTail(buf string) string {
	for n := len(MarkerStart) - 1; n > 0; n-- {
		if strings.HasSuffix(buf, MarkerStart[:n]) {
			return buf[len(buf)-n:]
		}
	}
	return ""
}

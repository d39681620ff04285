package service

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// File is one (name, content) pair staged into the server directory.
type File struct {
	Name    string
	Content string
}

// Outcome records how a request left the system.
type Outcome int

const (
	// OutcomePending means the request has not finished.
	OutcomePending Outcome = iota

	// OutcomeCompleted means a complete frame was delivered.
	OutcomeCompleted

	// OutcomeSoftError means the worker answered with an application error.
	OutcomeSoftError

	// OutcomeAborted means the request was in flight when a hard error
	// restarted the worker.
	OutcomeAborted

	// OutcomeDiscarded means the request was dropped before it was sent.
	OutcomeDiscarded

	// OutcomeRejected means the request could not be sent at all.
	OutcomeRejected
)

// String returns the journal name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeCompleted:
		return "completed"
	case OutcomeSoftError:
		return "soft_error"
	case OutcomeAborted:
		return "aborted"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Reply is what a request's callback receives.
type Reply struct {
	// Text is the frame payload between the markers.
	Text string
	// Err is a *SoftError when the worker answered with an error.
	Err error
}

// OK reports whether the reply carries a frame.
func (r Reply) OK() bool {
	return r.Err == nil
}

// Lines splits the payload into lines, dropping the final empty one.
func (r Reply) Lines() []string {
	if r.Text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(r.Text, "\n"), "\n")
}

// SoftError is an application-level error reported by the worker.
type SoftError struct {
	Reason  string
	Message []string
}

func (e *SoftError) Error() string {
	if len(e.Message) == 0 {
		return "worker " + e.Reason
	}
	return "worker " + e.Reason + ": " + strings.Join(e.Message, "; ")
}

// Request is one unit of work for the worker: a command file, its content,
// and an optional auxiliary data file written before it.
type Request struct {
	ID          string
	CommandFile string
	Command     string
	Data        *File

	// Status is published while the request is in flight.
	Status string
	// Mode names the caller module ("model", "run", "view", "search").
	Mode string
	// Noisy requests may see preamble text before the frame.
	Noisy bool
	// VideoCreate requests announce completion on the status line.
	VideoCreate bool

	// OnReply is called once, on the service goroutine, when a frame or a
	// soft error answers the request.
	OnReply func(Reply)

	created time.Time

	mu       sync.Mutex
	sentAt   time.Time
	finished time.Time
	reply    *Reply
	outcome  Outcome
	err      error

	done     chan struct{}
	doneOnce sync.Once
}

// NewRequest creates a request for commandFile with the given content.
func NewRequest(commandFile, command string, onReply func(Reply)) *Request {
	return &Request{
		ID:          uuid.New().String(),
		CommandFile: commandFile,
		Command:     command,
		OnReply:     onReply,
		created:     time.Now(),
		done:        make(chan struct{}),
	}
}

// WithData attaches an auxiliary data file and returns the request.
func (r *Request) WithData(name, content string) *Request {
	r.Data = &File{Name: name, Content: content}
	return r
}

// Files returns the files to stage, data file first.
func (r *Request) Files() []File {
	files := make([]File, 0, 2)
	if r.Data != nil {
		files = append(files, *r.Data)
	}
	return append(files, File{Name: r.CommandFile, Content: r.Command})
}

// CommandLine is the line sent to the worker's stdin.
func (r *Request) CommandLine() string {
	return "<" + r.CommandFile + ">"
}

// Done returns a channel closed when the request leaves the system.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Created returns when the request was built.
func (r *Request) Created() time.Time {
	return r.created
}

// SentAt returns when the request was sent, or the zero time.
func (r *Request) SentAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sentAt
}

// FinishedAt returns when the request left the system, or the zero time.
func (r *Request) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Latency returns the time from send to finish, or 0 if either is unset.
func (r *Request) Latency() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sentAt.IsZero() || r.finished.IsZero() {
		return 0
	}
	return r.finished.Sub(r.sentAt)
}

// Outcome returns how the request finished.
func (r *Request) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Reply returns the delivered reply, if any.
func (r *Request) Reply() (Reply, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reply == nil {
		return Reply{}, false
	}
	return *r.reply, true
}

// Err returns why a request was rejected, aborted or answered with an error.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Request) sent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.sentAt.IsZero()
}

func (r *Request) markSent(t time.Time) {
	r.mu.Lock()
	r.sentAt = t
	r.mu.Unlock()
}

// finish records the outcome and closes Done. Later calls are ignored.
func (r *Request) finish(outcome Outcome, reply *Reply, err error) bool {
	first := false
	r.doneOnce.Do(func() {
		r.mu.Lock()
		r.outcome = outcome
		r.reply = reply
		r.err = err
		r.finished = time.Now()
		r.mu.Unlock()
		close(r.done)
		first = true
	})
	return first
}

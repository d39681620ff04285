// Package service sequences requests against the single NBOServe worker.
//
// One goroutine (Run) owns the queue, the active request, the reply
// accumulator and the worker. Callers talk to it through Post, Cancel,
// ClearQueue, Restart and Close, which only hand an operation to the loop
// and return. Reply callbacks run on the loop goroutine and may call Post
// again; they must not call Close.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-nboserve/internal/logging"
	"github.com/randomizedcoder/go-nboserve/internal/parser"
	"github.com/randomizedcoder/go-nboserve/internal/supervisor"
)

var (
	// ErrClosed is returned when posting to a closed service, and recorded
	// on requests discarded by Close.
	ErrClosed = errors.New("service closed")

	// ErrAlreadySent marks a request that was started twice. The service
	// shuts down when it sees one.
	ErrAlreadySent = errors.New("request already sent")

	// ErrCannotStart is recorded on requests rejected because the worker
	// could not be launched.
	ErrCannotStart = errors.New("cannot start worker")

	// ErrInvalidRequest is returned by Post for a request without a
	// command file.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCanceled is recorded on requests dropped by Cancel or ClearQueue.
	ErrCanceled = errors.New("request canceled")

	// ErrWorkerExited is recorded on requests lost when the worker exited
	// on its own.
	ErrWorkerExited = errors.New("worker exited")
)

const (
	// HomeMode is the working mode when nothing is in flight.
	HomeMode = "home"

	// RunMode requests trigger OnRunAborted when a hard error kills them.
	RunMode = "run"

	videoCompleteStatus = "video creation complete"
)

// HardError is recorded on a request aborted by a worker failure.
type HardError struct {
	Reason  string
	Message []string
}

func (e *HardError) Error() string {
	if len(e.Message) == 0 {
		return "worker " + e.Reason
	}
	return "worker " + e.Reason + ": " + strings.Join(e.Message, "; ")
}

// Worker is the process the service talks to.
type Worker interface {
	Start() error
	Close(pause bool)
	Restart() error
	RestartIfNecessary() bool
	Alive() bool
	Send(line string) error
	Output() <-chan supervisor.Output
	Generation() uint64
	Path() string
}

// Stager writes request files where the worker can read them.
type Stager interface {
	Stage(name, content string) error
}

// Callbacks contains optional callback functions for session events. All
// of them run on the service goroutine.
type Callbacks struct {
	// OnStatus receives the in-flight status, and "" when it clears.
	OnStatus func(status string)

	// OnLicense receives the worker's license banner, and "" on close.
	OnLicense func(license string)

	// OnAlert receives errors that need the user's attention.
	OnAlert func(message string)

	// OnRunAborted is called when a hard error kills a RunMode request.
	OnRunAborted func()

	// OnSent is called after a request's command line reaches the worker.
	OnSent func(r *Request)

	// OnFinished is called once per request when it leaves the system.
	OnFinished func(r *Request)

	// OnRestart is called before the service restarts the worker.
	OnRestart func(reason string)
}

// Config holds configuration for creating a new Service.
type Config struct {
	Worker     Worker
	Stager     Stager
	Classifier *parser.Classifier
	Logger     *slog.Logger
	Log        *logging.WorkerLog
	Callbacks  Callbacks

	// SendDelay is slept before staging files for each request.
	SendDelay time.Duration
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	ActiveID     string
	ActiveFile   string
	ActiveStatus string
	ActiveSince  time.Time
	Mode         string
	Pending      int
	Ready        bool
	Licensed     bool
	License      string
	Frame        parser.State
	Buffered     int
	Generation   uint64
	Closed       bool
}

type opKind int

const (
	opPost opKind = iota
	opCancel
	opClearQueue
	opRestart
)

type op struct {
	kind opKind
	req  *Request
}

// Service is the request queue for one worker session.
type Service struct {
	worker     Worker
	stager     Stager
	classifier *parser.Classifier
	logger     *slog.Logger
	log        *logging.WorkerLog
	callbacks  Callbacks
	sendDelay  time.Duration

	inboxMu sync.Mutex
	inbox   []op
	wake    chan struct{}

	closeCh      chan struct{}
	closeOnce    sync.Once
	teardownOnce sync.Once
	closed       atomic.Bool
	lifecycle    atomic.Int32
	stopped      chan struct{}

	// Owned by the Run goroutine.
	queue     Queue
	buf       string
	logged    int
	frame     parser.State
	gen       uint64
	ready     bool
	licensed  bool
	license   string
	status    string
	destroyed error

	snapMu sync.RWMutex
	snap   Snapshot
}

// Lifecycle states. Teardown belongs to Run once it leaves idle, and to
// Close otherwise.
const (
	lifecycleIdle int32 = iota
	lifecycleRunning
	lifecycleClosed
)

// New creates a new Service with the given configuration.
func New(cfg Config) *Service {
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = parser.NewClassifier(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	log := cfg.Log
	if log == nil {
		log = logging.NewWorkerLog(logger)
	}

	s := &Service{
		worker:     cfg.Worker,
		stager:     cfg.Stager,
		classifier: classifier,
		logger:     logger,
		log:        log,
		callbacks:  cfg.Callbacks,
		sendDelay:  cfg.SendDelay,
		wake:       make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	s.snap = Snapshot{Mode: HomeMode}
	return s
}

// Run processes operations and worker output until ctx is done, Close is
// called, or a request is started twice (ErrAlreadySent). Everything still
// queued is discarded on return and the worker is closed. Run returns
// ErrClosed if Close was called first.
func (s *Service) Run(ctx context.Context) error {
	if !s.lifecycle.CompareAndSwap(lifecycleIdle, lifecycleRunning) {
		if s.lifecycle.Load() == lifecycleClosed {
			return ErrClosed
		}
		return errors.New("service already running")
	}
	defer close(s.stopped)
	defer s.teardown()

	s.logger.Debug("service_starting", "worker", s.worker.Path())

	for {
		s.publish()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeCh:
			return nil
		case <-s.wake:
			s.drain()
		case out := <-s.worker.Output():
			s.handleOutput(out)
		}

		if s.destroyed != nil {
			return s.destroyed
		}
	}
}

// Post hands r to the service. It does not wait for the worker.
func (s *Service) Post(r *Request) error {
	if r == nil || r.CommandFile == "" {
		return fmt.Errorf("%w: command file required", ErrInvalidRequest)
	}
	return s.submit(op{kind: opPost, req: r})
}

// Cancel aborts the in-flight request and drops everything pending. The
// worker is restarted if a request was in flight, since its reply can no
// longer be matched.
func (s *Service) Cancel() error {
	return s.submit(op{kind: opCancel})
}

// ClearQueue drops pending requests. The in-flight request is unaffected.
func (s *Service) ClearQueue() error {
	return s.submit(op{kind: opClearQueue})
}

// Restart aborts all work and restarts the worker.
func (s *Service) Restart() error {
	return s.submit(op{kind: opRestart})
}

// Close stops the service, discarding the active request without calling
// its callback, and closes the worker. Safe to call more than once.
func (s *Service) Close() {
	s.closed.Store(true)
	s.closeOnce.Do(func() { close(s.closeCh) })
	if s.lifecycle.CompareAndSwap(lifecycleIdle, lifecycleClosed) {
		s.teardown()
		return
	}
	if s.lifecycle.Load() == lifecycleRunning {
		<-s.stopped
		return
	}
	// Closed by an earlier call; wait for its teardown.
	s.teardown()
}

// Snapshot returns the state published after the last loop event.
func (s *Service) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// WorkingMode returns the active request's mode, or HomeMode when idle.
func (s *Service) WorkingMode() string {
	return s.Snapshot().Mode
}

// License returns the worker's license banner, if received.
func (s *Service) License() string {
	return s.Snapshot().License
}

// Log returns the session log pane.
func (s *Service) Log() *logging.WorkerLog {
	return s.log
}

func (s *Service) submit(o op) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, o)
	s.inboxMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// drain runs queued operations in submission order.
func (s *Service) drain() {
	for s.destroyed == nil {
		s.inboxMu.Lock()
		if len(s.inbox) == 0 {
			s.inboxMu.Unlock()
			return
		}
		o := s.inbox[0]
		s.inbox = s.inbox[1:]
		s.inboxMu.Unlock()

		switch o.kind {
		case opPost:
			s.post(o.req)
		case opCancel:
			s.cancel()
		case opClearQueue:
			s.discardPending(ErrCanceled)
		case opRestart:
			s.abortAll(ErrCanceled)
			s.relaunch("requested")
		}
		s.advance()
	}
}

// post starts r at once when the worker is idle and has spoken, and queues
// it otherwise.
func (s *Service) post(r *Request) {
	if !s.worker.RestartIfNecessary() {
		s.sync()
		err := fmt.Errorf("%w: %s", ErrCannotStart, s.worker.Path())
		s.log.Error("Cannot start NBOServe process: " + s.worker.Path())
		s.alert(err.Error())
		s.finish(r, OutcomeRejected, nil, err)
		return
	}
	s.sync()

	if s.ready && s.queue.Idle() && s.queue.Len() == 0 && s.buf == "" {
		s.startRequest(r)
		return
	}

	s.queue.Push(r)
	s.logger.Debug("request_queued",
		"id", r.ID,
		"file", r.CommandFile,
		"pending", s.queue.Len(),
	)
}

// startRequest stages r's files and sends its command line. A request is
// never sent twice.
func (s *Service) startRequest(r *Request) {
	if r.sent() {
		s.log.Error("SENDING TWICE? " + r.CommandFile)
		s.logger.Error("request_already_sent", "id", r.ID, "file", r.CommandFile)
		s.destroyed = fmt.Errorf("%w: %s", ErrAlreadySent, r.CommandFile)
		return
	}

	if !s.worker.Alive() {
		// stdin is gone; send once the new worker has spoken.
		s.queue.PushFront(r)
		s.relaunch("stdin_closed")
		return
	}

	r.markSent(time.Now())
	s.queue.SetActive(r)

	if s.sendDelay > 0 {
		time.Sleep(s.sendDelay)
	}

	for _, f := range r.Files() {
		if err := s.stager.Stage(f.Name, f.Content); err != nil {
			s.queue.TakeActive()
			s.log.Error("Could not write " + f.Name + ": " + err.Error())
			s.finish(r, OutcomeRejected, nil, fmt.Errorf("stage %s: %w", f.Name, err))
			return
		}
	}

	s.setStatus(r.Status)

	if err := s.worker.Send(r.CommandLine()); err != nil {
		s.queue.TakeActive()
		s.setStatus("")
		s.log.Error("Could not send " + r.CommandLine() + ": " + err.Error())
		s.finish(r, OutcomeRejected, nil, err)
		s.relaunch("send_failed")
		return
	}

	s.logger.Debug("request_sent",
		"id", r.ID,
		"file", r.CommandFile,
		"mode", r.Mode,
		"pending", s.queue.Len(),
	)
	if s.callbacks.OnSent != nil {
		s.callbacks.OnSent(r)
	}
}

// advance starts the next pending request while nothing is in flight.
func (s *Service) advance() {
	for s.destroyed == nil && s.queue.Idle() && s.ready && s.buf == "" {
		r := s.queue.Pop()
		if r == nil {
			return
		}
		s.startRequest(r)
	}
}

func (s *Service) handleOutput(out supervisor.Output) {
	s.sync()
	if out.Gen != s.gen {
		return
	}

	if out.EOF {
		s.workerExited(out.Err)
		return
	}

	s.ready = true
	s.buf += out.Data
	s.process()
	s.advance()
}

// process classifies the accumulator until it needs more output.
func (s *Service) process() {
	for s.buf != "" {
		active := s.queue.Active()
		ctx := parser.Context{Active: active != nil, Noisy: active != nil && active.Noisy}

		res := s.classifier.Classify(s.buf, ctx)

		switch res.Kind {
		case parser.KindPending:
			s.frame = res.State
			s.buf = res.Rest
			return

		case parser.KindPreamble:
			s.frame = res.State
			s.preamble(res.Rest, ctx.Noisy)
			return

		case parser.KindDiscard:
			s.logger.Debug("worker_chatter_discarded", "bytes", len(s.buf)-len(res.Rest))
			s.resetBuffer(res.Rest)
			return

		case parser.KindBanner:
			s.resetBuffer(res.Rest)
			s.banner(res.Payload)

		case parser.KindFrame:
			s.resetBuffer(res.Rest)
			s.complete(res.Payload)

		case parser.KindSoftError:
			s.resetBuffer("")
			s.softError(res)
			return

		case parser.KindHardError:
			s.hardError(res)
			return
		}
	}
}

// preamble logs text that arrived ahead of the frame and keeps rest.
func (s *Service) preamble(rest string, noisy bool) {
	if s.logged > len(s.buf) {
		s.logged = 0
	}
	if noisy {
		s.log.Lines(slog.LevelDebug, strings.Split(s.buf[s.logged:], "\n"))
		s.logged = len(s.buf)
		s.buf = rest
		return
	}

	dropped := s.buf[:len(s.buf)-len(rest)]
	s.log.Lines(slog.LevelError, strings.Split(dropped, "\n"))
	s.buf = rest
	s.logged = 0
}

func (s *Service) banner(payload string) {
	if s.licensed {
		s.log.Error("NBOServe transmission error: unexpected reply")
		s.log.Lines(slog.LevelDebug, strings.Split(payload, "\n"))
		s.logger.Warn("unsolicited_frame_dropped", "bytes", len(payload))
		return
	}

	s.licensed = true
	s.license = strings.TrimSpace(payload)
	s.log.Info(s.license)
	s.logger.Info("worker_licensed", "gen", s.gen)
	if s.callbacks.OnLicense != nil {
		s.callbacks.OnLicense(s.license)
	}
}

func (s *Service) complete(payload string) {
	r := s.queue.TakeActive()
	if r == nil {
		return
	}
	if r.VideoCreate {
		s.setStatus(videoCompleteStatus)
		s.log.Info(videoCompleteStatus)
	}
	s.setStatus("")
	s.deliver(r, OutcomeCompleted, Reply{Text: payload})
}

func (s *Service) softError(res parser.Result) {
	s.log.Lines(slog.LevelWarn, res.Message)
	s.logger.Warn("worker_soft_error", "reason", res.Reason)

	r := s.queue.TakeActive()
	s.setStatus("")
	if r == nil {
		return
	}
	err := &SoftError{Reason: res.Reason, Message: res.Message}
	s.deliver(r, OutcomeSoftError, Reply{Err: err})
}

// hardError drops all work and restarts the worker. No callback fires.
func (s *Service) hardError(res parser.Result) {
	s.log.Lines(slog.LevelError, res.Message)
	s.logger.Error("worker_hard_error", "reason", res.Reason, "gen", s.gen)
	if res.Alert {
		s.alert(strings.Join(res.Message, "\n"))
	}

	mode := ""
	if r := s.queue.Active(); r != nil {
		mode = r.Mode
	}
	s.abortAll(&HardError{Reason: res.Reason, Message: res.Message})
	s.resetBuffer("")

	if mode == RunMode && s.callbacks.OnRunAborted != nil {
		s.callbacks.OnRunAborted()
	}
	s.relaunch(res.Reason)
}

// workerExited handles EOF from a worker nobody closed. The next Post
// starts a new one.
func (s *Service) workerExited(err error) {
	msg := "NBOServe process exited"
	if err != nil {
		msg += ": " + err.Error()
	}
	s.log.Error(msg)
	s.logger.Error("worker_lost", "gen", s.gen, "error", err)

	s.abortAll(ErrWorkerExited)
	s.worker.Close(false)
	s.ready = false
	s.resetBuffer("")
	s.clearLicense()
}

func (s *Service) cancel() {
	if s.queue.Idle() {
		s.discardPending(ErrCanceled)
		return
	}
	s.abortAll(ErrCanceled)
	s.relaunch("cancel")
}

// relaunch restarts the worker. If it cannot start, pending requests are
// rejected.
func (s *Service) relaunch(reason string) {
	if s.callbacks.OnRestart != nil {
		s.callbacks.OnRestart(reason)
	}
	s.logger.Info("worker_relaunch", "reason", reason)

	err := s.worker.Restart()
	s.sync()
	if err == nil {
		return
	}

	s.log.Error("Cannot start NBOServe process: " + err.Error())
	s.alert(err.Error())
	wrapped := fmt.Errorf("%w: %v", ErrCannotStart, err)
	for _, r := range s.queue.Clear() {
		s.finish(r, OutcomeRejected, nil, wrapped)
	}
}

// sync resets per-worker state when the worker generation changes.
func (s *Service) sync() {
	g := s.worker.Generation()
	if g == s.gen {
		return
	}
	s.gen = g
	s.ready = false
	s.resetBuffer("")
	s.clearLicense()
}

// abortAll drops the active request and everything pending.
func (s *Service) abortAll(cause error) {
	if r := s.queue.TakeActive(); r != nil {
		s.finish(r, OutcomeAborted, nil, cause)
	}
	s.discardPending(cause)
	s.setStatus("")
}

func (s *Service) discardPending(cause error) {
	for _, r := range s.queue.Clear() {
		s.finish(r, OutcomeDiscarded, nil, cause)
	}
}

func (s *Service) resetBuffer(rest string) {
	s.buf = rest
	s.logged = 0
	s.frame = parser.StateAwaitingStart
}

func (s *Service) clearLicense() {
	if !s.licensed {
		return
	}
	s.licensed = false
	s.license = ""
	if s.callbacks.OnLicense != nil {
		s.callbacks.OnLicense("")
	}
}

func (s *Service) setStatus(status string) {
	if status == s.status {
		return
	}
	s.status = status
	if s.callbacks.OnStatus != nil {
		s.callbacks.OnStatus(status)
	}
}

func (s *Service) alert(message string) {
	if s.callbacks.OnAlert != nil {
		s.callbacks.OnAlert(message)
	}
}

// deliver runs r's callback, then finishes it.
func (s *Service) deliver(r *Request, outcome Outcome, reply Reply) {
	if r.OnReply != nil {
		r.OnReply(reply)
	}
	s.finish(r, outcome, &reply, reply.Err)
}

func (s *Service) finish(r *Request, outcome Outcome, reply *Reply, err error) {
	if !r.finish(outcome, reply, err) {
		return
	}
	s.logger.Debug("request_finished",
		"id", r.ID,
		"file", r.CommandFile,
		"outcome", outcome.String(),
		"latency", r.Latency().String(),
	)
	if s.callbacks.OnFinished != nil {
		s.callbacks.OnFinished(r)
	}
}

// teardown closes the worker and discards everything. Runs once.
func (s *Service) teardown() {
	s.teardownOnce.Do(func() {
		s.closed.Store(true)

		cause := ErrClosed
		if s.destroyed != nil {
			cause = s.destroyed
		}

		if r := s.queue.TakeActive(); r != nil {
			s.finish(r, OutcomeDiscarded, nil, cause)
		}
		s.discardPending(cause)
		s.setStatus("")

		s.inboxMu.Lock()
		inbox := s.inbox
		s.inbox = nil
		s.inboxMu.Unlock()
		for _, o := range inbox {
			if o.req != nil {
				s.finish(o.req, OutcomeDiscarded, nil, cause)
			}
		}

		s.worker.Close(true)
		s.ready = false
		s.resetBuffer("")
		s.clearLicense()
		s.publish()
		s.logger.Debug("service_stopped", "cause", cause)
	})
}

// publish stores a snapshot for other goroutines.
func (s *Service) publish() {
	snap := Snapshot{
		Mode:       HomeMode,
		Pending:    s.queue.Len(),
		Ready:      s.ready,
		Licensed:   s.licensed,
		License:    s.license,
		Frame:      s.frame,
		Buffered:   len(s.buf),
		Generation: s.gen,
		Closed:     s.closed.Load(),
	}
	if r := s.queue.Active(); r != nil {
		snap.ActiveID = r.ID
		snap.ActiveFile = r.CommandFile
		snap.ActiveStatus = r.Status
		snap.ActiveSince = r.SentAt()
		snap.Mode = r.Mode
		if snap.Mode == "" {
			snap.Mode = HomeMode
		}
	}

	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

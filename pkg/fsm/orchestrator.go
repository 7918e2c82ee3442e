package fsm

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/instanalytics/installer/pkg/db"
	"github.com/instanalytics/installer/pkg/errors"
	"github.com/instanalytics/installer/pkg/i18n"
	"github.com/instanalytics/installer/pkg/probe"
	"github.com/superfly/fsm"
)

var (
	// ErrSessionActive is returned when a run is already in progress.
	ErrSessionActive = stderrors.New("an install session is already active")
	// ErrNotReady is returned by Start outside the welcome state.
	ErrNotReady = stderrors.New("orchestrator is not in the welcome state")
	// ErrNotRetryable is returned by Retry and Reset outside the error state.
	ErrNotRetryable = stderrors.New("install session is not in the error state")
	// ErrClosed is returned after Close.
	ErrClosed = stderrors.New("orchestrator is closed")
)

const (
	defaultEventBuffer = 64
	shutdownTimeout    = 10 * time.Second
)

// Options wires the orchestrator to its leaf capabilities. Integration and
// Receipts may be nil.
type Options struct {
	Probe       Probe
	Transfer    Transfer
	Runner      ProcessRunner
	Extractor   ArchiveExtractor
	Integration IntegrationWriter
	Receipts    ReceiptStore

	Printer          *i18n.Printer
	AppName          string
	AppArchiveURL    string
	PrerequisiteArgs []string
	ExitCodes        ExitCodeTable
	Ranges           []StageRange
	HostArch         string
	WorkDir          string
	EventBuffer      int
}

// run is one pass through the workflow.
type run struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	workDir   string
	receiptID int64
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Orchestrator drives install sessions through the stage sequence. A single
// workflow run is active at a time.
type Orchestrator struct {
	opts    Options
	ranges  map[Stage]StageRange
	printer *i18n.Printer

	manager *fsm.Manager
	start   fsm.Start[InstallRequest, InstallResponse]
	fsmDir  string

	events chan Event

	mu           sync.Mutex
	session      *session
	run          *run
	closed       bool
	eventsClosed bool
}

// New validates opts, starts the workflow engine and returns an orchestrator
// in the welcome state.
func New(opts Options) (*Orchestrator, error) {
	if opts.Probe == nil || opts.Transfer == nil || opts.Runner == nil || opts.Extractor == nil {
		return nil, fmt.Errorf("probe, transfer, runner and extractor are required")
	}
	if opts.AppArchiveURL == "" {
		return nil, fmt.Errorf("app archive url is required")
	}
	if opts.Printer == nil {
		opts.Printer = i18n.New("en")
	}
	if opts.ExitCodes == nil {
		opts.ExitCodes = DefaultExitCodes
	}
	if err := opts.ExitCodes.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid exit code table")
	}
	if opts.Ranges == nil {
		opts.Ranges = DefaultRanges
	}
	if err := ValidateRanges(opts.Ranges); err != nil {
		return nil, errors.Wrap(err, "invalid stage ranges")
	}
	if opts.HostArch == "" {
		opts.HostArch = probe.HostArch()
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "instanalytics-setup")
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if err := os.MkdirAll(opts.WorkDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create work directory")
	}

	// The engine's store only has to outlive a run, never the process.
	fsmDir, err := os.MkdirTemp(opts.WorkDir, "fsm-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create workflow store directory")
	}

	manager, err := fsm.New(fsm.Config{DBPath: fsmDir})
	if err != nil {
		os.RemoveAll(fsmDir)
		return nil, errors.Wrap(err, "workflow manager failed")
	}

	o := &Orchestrator{
		opts:    opts,
		ranges:  make(map[Stage]StageRange, len(opts.Ranges)),
		printer: opts.Printer,
		manager: manager,
		fsmDir:  fsmDir,
		events:  make(chan Event, opts.EventBuffer),
	}
	for _, r := range opts.Ranges {
		o.ranges[r.Stage] = r
	}
	o.session = o.welcome("")

	start, err := o.Register(context.Background(), manager)
	if err != nil {
		manager.Shutdown(shutdownTimeout)
		os.RemoveAll(fsmDir)
		return nil, err
	}
	o.start = start

	slog.Info("orchestrator_ready", "work_dir", opts.WorkDir, "host_arch", opts.HostArch)
	return o, nil
}

func (o *Orchestrator) welcome(installPath string) *session {
	return &session{
		stage:       StageWelcome,
		statusText:  o.printer.Sprintf(i18n.MsgReady),
		installPath: installPath,
	}
}

// Start begins a new session installing into installPath. The path is
// captured now; the running session never sees later changes.
func (o *Orchestrator) Start(ctx context.Context, installPath string) error {
	if installPath == "" {
		return fmt.Errorf("install path is required")
	}
	abs, err := filepath.Abs(installPath)
	if err != nil {
		return errors.Wrap(err, "invalid install path")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.run != nil && !o.run.finished() {
		o.mu.Unlock()
		return ErrSessionActive
	}
	if o.session.stage != StageWelcome {
		o.mu.Unlock()
		return ErrNotReady
	}

	id := uuid.NewString()
	workDir, err := os.MkdirTemp(o.opts.WorkDir, "session-")
	if err != nil {
		o.mu.Unlock()
		return errors.Wrap(err, "failed to create session directory")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:      id,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		workDir: workDir,
	}
	o.session.id = id
	o.session.installPath = abs
	o.run = r
	o.mu.Unlock()

	slog.Info("session_start", "session_id", id, "install_path", abs)

	req := &InstallRequest{SessionID: id, InstallPath: abs}
	resp := &InstallResponse{}

	version, err := o.start(ctx, id, fsm.NewRequest(req, resp))
	if err != nil {
		o.fail(r, StageWelcome, errors.Wrap(err, "workflow start failed"))
		r.cancel()
		close(r.done)
		return errors.Wrap(err, "workflow start failed")
	}

	go o.await(r, func() error {
		return o.manager.Wait(context.Background(), version)
	})
	return nil
}

// await is the run's worker: it blocks until the engine finishes the run and
// settles the session if no handler did.
func (o *Orchestrator) await(r *run, wait func() error) {
	defer close(r.done)
	defer r.cancel()

	err := wait()
	if err != nil {
		slog.Debug("workflow_wait_returned", "session_id", r.id, "error", err)
	}

	o.mu.Lock()
	stage := o.session.stage
	settled := o.session.id != r.id || stage.Terminal()
	o.mu.Unlock()

	if !settled {
		if err == nil {
			err = fmt.Errorf("workflow ended in %s without a result", stage)
		}
		o.fail(r, stage, err)
	}

	if err := os.RemoveAll(r.workDir); err != nil {
		slog.Warn("session_cleanup_failed", "session_id", r.id, "dir", r.workDir, "error", err)
	}
	slog.Info("session_end", "session_id", r.id, "stage", o.Snapshot().Stage.String())
}

// Cancel requests cooperative cancellation of the active run. It is a no-op
// when no run is active or the session already reached a terminal state.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	r := o.run
	if r == nil || r.finished() || o.session.id != r.id || o.session.stage.Terminal() || o.session.cancelled {
		o.mu.Unlock()
		return
	}
	o.session.cancelled = true
	o.mu.Unlock()

	slog.Warn("session_cancel_requested", "session_id", r.id)
	r.cancel()
}

// Reset moves a failed session back to the welcome state, clearing the
// error, exit code and progress. The install path is kept.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if o.session.stage != StageError {
		return ErrNotRetryable
	}
	if o.run != nil && !o.run.finished() {
		return ErrSessionActive
	}

	o.session = o.welcome(o.session.installPath)
	o.emit(EventReset)
	slog.Info("session_reset", "install_path", o.session.installPath)
	return nil
}

// Retry restarts the whole sequence from a failed session. An empty
// installPath reuses the previous session's path.
func (o *Orchestrator) Retry(ctx context.Context, installPath string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.session.stage != StageError {
		o.mu.Unlock()
		return ErrNotRetryable
	}
	if installPath == "" {
		installPath = o.session.installPath
	}
	r := o.run
	o.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := o.Reset(); err != nil {
		return err
	}
	return o.Start(ctx, installPath)
}

// Wait blocks until the current run ends. It returns the final snapshot and
// the run's failure, if any.
func (o *Orchestrator) Wait(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	r := o.run
	o.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return o.Snapshot(), ctx.Err()
		}
	}

	snap := o.Snapshot()
	if snap.LastError != nil {
		return snap, snap.LastError
	}
	return snap, nil
}

// Snapshot returns a copy of the current session.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.snapshot()
}

// Events returns the notification stream. When the consumer falls behind
// the oldest undelivered events are dropped; every event carries a full
// snapshot so the latest one is always sufficient. The channel is closed by
// Close.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Close cancels any active run, waits for it to unwind and stops the
// workflow engine.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	r := o.run
	o.mu.Unlock()

	if r != nil {
		o.Cancel()
		<-r.done
	}

	o.manager.Shutdown(shutdownTimeout)

	o.mu.Lock()
	o.eventsClosed = true
	close(o.events)
	o.mu.Unlock()

	if err := os.RemoveAll(o.fsmDir); err != nil {
		return errors.Wrap(err, "workflow store cleanup failed")
	}
	slog.Info("orchestrator_closed")
	return nil
}

// emit posts the current session. Callers hold o.mu.
func (o *Orchestrator) emit(kind EventKind) {
	if o.eventsClosed {
		return
	}
	ev := Event{Kind: kind, Snapshot: o.session.snapshot()}
	for {
		select {
		case o.events <- ev:
			return
		default:
		}
		select {
		case <-o.events:
		default:
		}
	}
}

// current returns the session if it still belongs to r. Callers hold o.mu.
func (o *Orchestrator) current(r *run) *session {
	if o.session.id != r.id {
		return nil
	}
	return o.session
}

// enter moves the session into stage.
func (o *Orchestrator) enter(r *run, stage Stage, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.current(r)
	if s == nil || s.stage.Terminal() {
		return
	}
	s.stage = stage
	s.advance(o.ranges[stage].Low)
	if status != "" {
		s.statusText = status
	}
	o.emit(EventStage)
	slog.Info("stage_enter", "session_id", r.id, "stage", stage.String(), "progress", s.progress)
}

// report rescales a stage-local percentage into the global band. A negative
// percentage updates only the status text.
func (o *Orchestrator) report(r *run, stage Stage, percent int, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.current(r)
	if s == nil || s.stage != stage {
		return
	}
	changed := false
	if percent >= 0 {
		changed = s.advance(o.ranges[stage].Rescale(percent))
	}
	if status != "" && status != s.statusText {
		s.statusText = status
		changed = true
	}
	if changed {
		o.emit(EventProgress)
	}
}

func (o *Orchestrator) record(r *run, stage Stage, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s := o.current(r); s != nil {
		s.record(stage, outcome, nil)
	}
}

func (o *Orchestrator) setExitCode(r *run, code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s := o.current(r); s != nil {
		s.exitCode = code
		s.hasExitCode = true
	}
}

func (o *Orchestrator) setReceipt(r *run, id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r.receiptID = id
}

// complete moves the session to Completed unless a cancellation got there
// first. The check and the transition happen under one lock so a cancelled
// run can never be reported as completed.
func (o *Orchestrator) complete(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.current(r)
	if s == nil || s.cancelled || s.stage.Terminal() {
		return false
	}
	s.stage = StageCompleted
	s.advance(100)
	s.statusText = o.printer.Sprintf(i18n.MsgCompleted)
	s.record(StageCompleted, OutcomeSuccess, nil)
	o.emit(EventCompleted)
	return true
}

// fail settles the session in the error state. It classifies err, forcing
// a cancellation reason when the user cancelled, removes the run's
// temporary artifacts and marks any receipt failed.
func (o *Orchestrator) fail(r *run, stage Stage, err error) *errors.Failure {
	o.mu.Lock()
	s := o.current(r)
	if s == nil || s.stage.Terminal() {
		var last *errors.Failure
		if s != nil {
			last = s.lastError
		}
		o.mu.Unlock()
		if last == nil {
			last = errors.Classify(stage.String(), err)
		}
		return last
	}

	f := errors.Classify(stage.String(), err)
	if s.cancelled && f.Kind != errors.KindCancelled {
		f = &errors.Failure{Kind: errors.KindCancelled, Stage: stage.String(), Err: errors.ErrCancelled}
	}

	outcome := OutcomeFailed
	if f.Kind == errors.KindCancelled {
		outcome = OutcomeCancelled
	}
	s.record(stage, outcome, f)
	s.stage = StageError
	s.lastError = f
	if f.HasExitCode {
		s.exitCode = f.ExitCode
		s.hasExitCode = true
	}
	s.statusText = o.failureText(stage, f)
	o.emit(EventError)
	receiptID := r.receiptID
	o.mu.Unlock()

	slog.Error("stage_failed",
		"session_id", r.id,
		"stage", stage.String(),
		"kind", f.Kind.String(),
		"exit_code", f.ExitCode,
		"error", f.Err)

	if err := os.RemoveAll(r.workDir); err != nil {
		slog.Warn("session_cleanup_failed", "session_id", r.id, "dir", r.workDir, "error", err)
	}
	if receiptID != 0 && o.opts.Receipts != nil {
		if err := o.opts.Receipts.UpdateStatus(receiptID, db.StatusFailed, f.Error()); err != nil {
			slog.Warn("receipt_update_failed", "session_id", r.id, "receipt_id", receiptID, "error", err)
		}
	}
	return f
}

// failureText is the localised message shown for f.
func (o *Orchestrator) failureText(stage Stage, f *errors.Failure) string {
	name := o.opts.AppName
	if stage.prerequisite() || stage == StageCheckingPrerequisite {
		name = o.opts.Probe.Name()
	}

	switch f.Kind {
	case errors.KindCancelled:
		return o.printer.Sprintf(i18n.MsgErrCancelled)
	case errors.KindNetwork:
		return o.printer.Sprintf(i18n.MsgErrDownload, name)
	case errors.KindArchive:
		return o.printer.Sprintf(i18n.MsgErrExtract, name)
	case errors.KindProcess:
		if errors.Is(f, errVerificationFailed) {
			return o.printer.Sprintf(i18n.MsgErrConfigure, name)
		}
		if f.HasExitCode {
			return o.printer.Sprintf(i18n.MsgErrInstall, name, strconv.Itoa(f.ExitCode))
		}
		return o.printer.Sprintf(i18n.MsgErrInstallNoCode, name)
	default:
		return o.printer.Sprintf(i18n.MsgErrUnexpected)
	}
}

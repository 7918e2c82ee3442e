package fsm

import (
	"github.com/instanalytics/installer/pkg/errors"
)

// Outcome is how a stage ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeSkipped
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// StageResult records the outcome of one stage of a run.
type StageResult struct {
	Stage   Stage
	Outcome Outcome
	Failure *errors.Failure
}

// Snapshot is a point-in-time copy of an install session. It shares no
// memory with the orchestrator.
type Snapshot struct {
	SessionID   string
	Stage       Stage
	Progress    int
	StatusText  string
	InstallPath string
	Cancelled   bool
	LastError   *errors.Failure
	ExitCode    int
	HasExitCode bool
	History     []StageResult
}

// EventKind distinguishes orchestrator notifications.
type EventKind int

const (
	EventStage EventKind = iota
	EventProgress
	EventCompleted
	EventError
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventStage:
		return "stage"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Event is posted after every session mutation.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
}

// session is the mutable run context. Only the workflow handlers of the
// session's own run write to it, always under Orchestrator.mu.
type session struct {
	id          string
	stage       Stage
	progress    int
	statusText  string
	installPath string
	cancelled   bool
	lastError   *errors.Failure
	exitCode    int
	hasExitCode bool
	history     []StageResult
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:   s.id,
		Stage:       s.stage,
		Progress:    s.progress,
		StatusText:  s.statusText,
		InstallPath: s.installPath,
		Cancelled:   s.cancelled,
		LastError:   s.lastError,
		ExitCode:    s.exitCode,
		HasExitCode: s.hasExitCode,
	}
	if len(s.history) > 0 {
		snap.History = make([]StageResult, len(s.history))
		copy(snap.History, s.history)
	}
	return snap
}

// advance raises progress to p; lower values are ignored so progress never
// moves backwards within a run.
func (s *session) advance(p int) bool {
	if p <= s.progress {
		return false
	}
	s.progress = p
	return true
}

func (s *session) record(stage Stage, outcome Outcome, f *errors.Failure) {
	s.history = append(s.history, StageResult{Stage: stage, Outcome: outcome, Failure: f})
}

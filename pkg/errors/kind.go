package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Kind classifies why a stage did not succeed.
type Kind int

const (
	KindUnexpected Kind = iota
	KindNetwork
	KindProcess
	KindArchive
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network_failure"
	case KindProcess:
		return "process_failure"
	case KindArchive:
		return "archive_failure"
	case KindCancelled:
		return "cancelled"
	default:
		return "unexpected_failure"
	}
}

// ErrCancelled is the cause recorded when the user cancels a run.
var ErrCancelled = stderrors.New("installation cancelled")

// Failure is a classified stage error. It is immutable once built.
type Failure struct {
	Kind        Kind
	Stage       string
	ExitCode    int
	HasExitCode bool
	Err         error
}

func (f *Failure) Error() string {
	msg := f.Kind.String()
	if f.Stage != "" {
		msg = f.Stage + ": " + msg
	}
	if f.HasExitCode {
		msg = fmt.Sprintf("%s (exit code %d)", msg, f.ExitCode)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Network tags err as a transfer failure.
func Network(err error) error {
	return tag(KindNetwork, err)
}

// Archive tags err as an extraction failure.
func Archive(err error) error {
	return tag(KindArchive, err)
}

// Process tags err as a child-process failure carrying its exit code.
func Process(exitCode int, err error) error {
	if err == nil {
		err = fmt.Errorf("process exited with code %d", exitCode)
	}
	return &Failure{Kind: KindProcess, ExitCode: exitCode, HasExitCode: true, Err: err}
}

// ProcessStart tags err as a child process that could not be launched.
func ProcessStart(err error) error {
	return tag(KindProcess, err)
}

// Cancelled tags err as a cancellation. A nil cause becomes ErrCancelled.
func Cancelled(err error) error {
	if err == nil {
		err = ErrCancelled
	}
	return tag(KindCancelled, err)
}

func tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: kind, Err: err}
}

// KindOf reports the kind of err without building a Failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnexpected
	}
	if stderrors.Is(err, ErrCancelled) || stderrors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var f *Failure
	if stderrors.As(err, &f) {
		return f.Kind
	}
	return KindUnexpected
}

// Classify converts any error escaping a stage into a Failure bound to stage.
// Context cancellation wins over leaf tags so that aborted transfers and
// killed processes surface as cancellations rather than I/O failures.
func Classify(stage string, err error) *Failure {
	out := &Failure{Kind: KindOf(err), Stage: stage, Err: err}

	var f *Failure
	if stderrors.As(err, &f) {
		out.ExitCode = f.ExitCode
		out.HasExitCode = f.HasExitCode
		if f.Err != nil {
			out.Err = f.Err
		}
	}
	if out.Err == nil {
		out.Err = stderrors.New("unknown failure")
	}
	return out
}

// Is reports whether err matches target; it mirrors the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As mirrors the standard library errors.As.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

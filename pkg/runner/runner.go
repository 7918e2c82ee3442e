// Package runner launches installer executables, optionally elevated, and
// polls them to completion.
package runner

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/instanalytics/installer/pkg/errors"
)

const (
	// DefaultPollInterval is how often a running child is checked.
	DefaultPollInterval = time.Second

	// DefaultKillGrace is how long a cancelled child gets to exit after
	// the polite stop request before it is killed.
	DefaultKillGrace = 5 * time.Second
)

// Result reports a finished child process.
type Result struct {
	ExitCode int
	Elevated bool
	Duration time.Duration
}

// Runner starts child processes. ElevationCommand is the prefix used on
// POSIX hosts when the current user is not root (for example "sudo -n" or
// "pkexec"); it is ignored on Windows, where elevation goes through UAC.
type Runner struct {
	PollInterval     time.Duration
	KillGrace        time.Duration
	ElevationCommand string
}

// New creates a Runner.
func New(pollInterval time.Duration, elevationCommand string) *Runner {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Runner{PollInterval: pollInterval, KillGrace: DefaultKillGrace, ElevationCommand: elevationCommand}
}

// child is a started installer process. For an elevated run it is the
// process that actually does the install, or a wrapper that relays stop
// requests to it.
type child interface {
	Pid() int
	// Wait blocks until exit and returns the exit code. The error is set
	// only when waiting itself failed.
	Wait() (int, error)
	// Interrupt asks the process tree to stop.
	Interrupt() error
	// Kill stops the process tree unconditionally.
	Kill() error
}

type exit struct {
	code int
	err  error
}

// RunElevated runs path with args and waits for it. onTick is invoked on
// every poll interval while the child is still running. A non-zero exit code
// is not an error: the caller decides which codes mean success. Cancelling
// ctx stops the child (and the installer behind an elevation wrapper) and
// returns a cancellation error.
func (r *Runner) RunElevated(ctx context.Context, path string, args []string, onTick func()) (*Result, error) {
	started := time.Now()
	proc, elevated, err := r.start(path, args)
	if err != nil {
		slog.Error("process_start_failed", "path", path, "error", err)
		return nil, errors.ProcessStart(errors.Wrap(err, "failed to start installer"))
	}
	slog.Info("process_start", "path", path, "args", args, "elevated", elevated, "pid", proc.Pid())

	done := make(chan exit, 1)
	go func() {
		code, err := proc.Wait()
		done <- exit{code: code, err: err}
	}()

	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-done:
			result := &Result{ExitCode: e.code, Elevated: elevated, Duration: time.Since(started)}
			if e.err != nil {
				slog.Error("process_wait_failed", "path", path, "error", e.err)
				return result, errors.ProcessStart(errors.Wrap(e.err, "failed waiting for installer"))
			}
			slog.Info("process_exit", "path", path, "exit_code", result.ExitCode, "duration", result.Duration)
			return result, nil

		case <-ticker.C:
			if onTick != nil {
				onTick()
			}

		case <-ctx.Done():
			e := r.stop(proc, path, done)
			result := &Result{ExitCode: e.code, Elevated: elevated, Duration: time.Since(started)}
			return result, errors.Cancelled(ctx.Err())
		}
	}
}

// stop interrupts the child and kills it if it is still running after the
// grace period.
func (r *Runner) stop(proc child, path string, done <-chan exit) exit {
	slog.Warn("process_cancel", "path", path, "pid", proc.Pid())
	if err := proc.Interrupt(); err != nil {
		slog.Warn("process_interrupt_failed", "path", path, "error", err)
	}

	grace := r.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case e := <-done:
		return e
	case <-timer.C:
		slog.Warn("process_kill", "path", path, "pid", proc.Pid(), "grace", grace)
		if err := proc.Kill(); err != nil {
			slog.Error("process_kill_failed", "path", path, "error", err)
		}
		return <-done
	}
}

// execChild is a child started through os/exec.
type execChild struct {
	cmd *exec.Cmd
}

func (c *execChild) Pid() int {
	return c.cmd.Process.Pid
}

func (c *execChild) Wait() (int, error) {
	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !stderrors.As(err, &exitErr) {
		return -1, err
	}
	return c.cmd.ProcessState.ExitCode(), nil
}

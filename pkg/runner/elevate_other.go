//go:build !windows

package runner

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// geteuid is swapped in tests to exercise the elevation path as root.
var geteuid = os.Geteuid

// start runs the installer in its own process group so that a stop request
// reaches the elevation wrapper and everything it spawned.
func (r *Runner) start(path string, args []string) (child, bool, error) {
	cmd, elevated := r.command(path, args)
	if elevated {
		if err := r.authenticate(); err != nil {
			return nil, false, err
		}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, false, err
	}
	return &groupChild{execChild{cmd: cmd}}, elevated, nil
}

func (r *Runner) command(path string, args []string) (*exec.Cmd, bool) {
	prefix := strings.Fields(r.ElevationCommand)
	if len(prefix) == 0 || geteuid() == 0 {
		return exec.Command(path, args...), false
	}

	full := append(prefix[1:], path)
	full = append(full, args...)
	return exec.Command(prefix[0], full...), true
}

// authenticate lets sudo prompt for a password while it still owns the
// terminal. The installer itself runs in a background process group, where
// reading the terminal would stop it.
func (r *Runner) authenticate() error {
	prefix := strings.Fields(r.ElevationCommand)
	if filepath.Base(prefix[0]) != "sudo" {
		return nil
	}
	for _, f := range prefix[1:] {
		if f == "-n" || f == "--non-interactive" {
			return nil
		}
	}
	cmd := exec.Command(prefix[0], "-v")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return cmd.Run()
}

// groupChild signals the whole process group. sudo relays SIGTERM to the
// command it runs, and any other member of the group gets it directly.
type groupChild struct {
	execChild
}

func (c *groupChild) Interrupt() error {
	return c.signal(syscall.SIGTERM)
}

func (c *groupChild) Kill() error {
	return c.signal(syscall.SIGKILL)
}

func (c *groupChild) signal(sig syscall.Signal) error {
	err := syscall.Kill(-c.Pid(), sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

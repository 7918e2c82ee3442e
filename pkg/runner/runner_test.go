//go:build !windows

package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/instanalytics/installer/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunElevated_ExitCodeIsSurfaced(t *testing.T) {
	r := New(10*time.Millisecond, "")

	res, err := r.RunElevated(context.Background(), "/bin/sh", []string{"-c", "exit 3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Elevated)

	res, err = r.RunElevated(context.Background(), "/bin/sh", []string{"-c", "exit 0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunElevated_TicksWhileRunning(t *testing.T) {
	r := New(10*time.Millisecond, "")

	ticks := 0
	_, err := r.RunElevated(context.Background(), "/bin/sh", []string{"-c", "sleep 0.2"}, func() { ticks++ })
	require.NoError(t, err)
	assert.Greater(t, ticks, 2)
}

func TestRunElevated_CancelKillsChild(t *testing.T) {
	r := New(50*time.Millisecond, "")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	started := time.Now()
	_, err := r.RunElevated(ctx, "/bin/sh", []string{"-c", "sleep 30"}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestRunElevated_MissingExecutable(t *testing.T) {
	r := New(10*time.Millisecond, "")

	_, err := r.RunElevated(context.Background(), filepath.Join(t.TempDir(), "missing.exe"), nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindProcess, errors.KindOf(err))
}

func asUser(t *testing.T) {
	t.Helper()
	prev := geteuid
	geteuid = func() int { return 1000 }
	t.Cleanup(func() { geteuid = prev })
}

func TestCommand_ElevationPrefix(t *testing.T) {
	asUser(t)

	r := New(0, "sudo -n")
	cmd, elevated := r.command("/tmp/dotnet-install.sh", []string{"--channel", "10.0"})
	require.True(t, elevated)
	assert.Equal(t, []string{"sudo", "-n", "/tmp/dotnet-install.sh", "--channel", "10.0"}, cmd.Args)
}

func TestCommand_RootSkipsElevation(t *testing.T) {
	prev := geteuid
	geteuid = func() int { return 0 }
	t.Cleanup(func() { geteuid = prev })

	cmd, elevated := New(0, "sudo -n").command("/tmp/dotnet-install.sh", nil)
	assert.False(t, elevated)
	assert.Equal(t, []string{"/tmp/dotnet-install.sh"}, cmd.Args)
}

// A wrapper that forks the real installer and waits for it, the way sudo
// runs its command.
func forkingWrapper(t *testing.T) string {
	t.Helper()
	wrapper := filepath.Join(t.TempDir(), "elevate")
	script := "#!/bin/sh\n\"$@\" &\nwait $!\n"
	require.NoError(t, os.WriteFile(wrapper, []byte(script), 0755))
	return wrapper
}

func TestRunElevated_CancelStopsInstallerBehindWrapper(t *testing.T) {
	asUser(t)

	marker := filepath.Join(t.TempDir(), "installed")
	r := New(50*time.Millisecond, forkingWrapper(t))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	res, err := r.RunElevated(ctx, "/bin/sh", []string{"-c", "sleep 1; touch " + marker}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
	assert.True(t, res.Elevated)

	time.Sleep(1500 * time.Millisecond)
	assert.NoFileExists(t, marker, "installer kept running after cancel")
}

func TestRunElevated_KillsAfterGrace(t *testing.T) {
	r := New(50*time.Millisecond, "")
	r.KillGrace = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	started := time.Now()
	_, err := r.RunElevated(ctx, "/bin/sh", []string{"-c", "trap '' TERM; sleep 30"}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
	assert.Less(t, time.Since(started), 5*time.Second)
}

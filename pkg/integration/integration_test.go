package integration

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SanitizeFileName(t *testing.T) {
	assert := assert.New(t)
	assert.EqualValues("InstAnalytics", sanitizeFileName("InstAnalytics"))
	assert.EqualValues("Inst Analytics Pro", sanitizeFileName("Inst: Analytics   Pro"))
	assert.EqualValues("CON_", sanitizeFileName("CON"))
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, Params{AppName: "InstAnalytics", Executable: "InstAnalytics.exe"}.Validate())
	assert.Error(t, Params{Executable: "InstAnalytics.exe"}.Validate())
	assert.Error(t, Params{AppName: "InstAnalytics"}.Validate())
	assert.Error(t, Params{AppName: "InstAnalytics", Executable: "../escape.exe"}.Validate())
}

func TestCreateShortcuts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("writes freedesktop entries")
	}

	install := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(install, "InstAnalytics.exe"), []byte("bin"), 0o755))

	w, err := New(Params{AppName: "InstAnalytics", Executable: "InstAnalytics.exe", Desktop: true, StartMenu: true})
	require.NoError(t, err)
	w.desktopDir = filepath.Join(t.TempDir(), "Desktop")
	w.startMenuDir = filepath.Join(t.TempDir(), "applications")

	paths, err := w.CreateShortcuts(context.Background(), install)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	body, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), "Name=InstAnalytics")
	assert.Contains(t, string(body), filepath.Join(install, "InstAnalytics.exe"))
}

func TestCreateShortcuts_MissingExecutable(t *testing.T) {
	w, err := New(Params{AppName: "InstAnalytics", Executable: "InstAnalytics.exe", Desktop: true})
	require.NoError(t, err)
	w.desktopDir = t.TempDir()

	paths, err := w.CreateShortcuts(context.Background(), t.TempDir())
	assert.Error(t, err)
	assert.Empty(t, paths)
}

func TestCreateShortcuts_PartialFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("writes freedesktop entries")
	}

	install := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(install, "app"), []byte("bin"), 0o755))

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	w, err := New(Params{AppName: "App", Executable: "app", Desktop: true, StartMenu: true})
	require.NoError(t, err)
	w.desktopDir = filepath.Join(blocker, "Desktop")
	w.startMenuDir = t.TempDir()

	paths, err := w.CreateShortcuts(context.Background(), install)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "desktop")
	assert.Len(t, paths, 1)
}

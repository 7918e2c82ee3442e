//go:build !windows

package integration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func desktopFolder() (string, error) {
	if dir := os.Getenv("XDG_DESKTOP_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Desktop"), nil
}

func startMenuFolder() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "applications"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "applications"), nil
}

// writeShortcut writes a freedesktop.org desktop entry.
func writeShortcut(dir string, params Params, installPath, target string) (string, error) {
	var b strings.Builder
	b.WriteString("[Desktop Entry]\n")
	b.WriteString("Type=Application\n")
	fmt.Fprintf(&b, "Name=%s\n", params.AppName)
	if params.Description != "" {
		fmt.Fprintf(&b, "Comment=%s\n", params.Description)
	}
	fmt.Fprintf(&b, "Exec=%q\n", target)
	fmt.Fprintf(&b, "Path=%s\n", installPath)
	b.WriteString("Terminal=false\n")

	path := filepath.Join(dir, sanitizeFileName(params.AppName)+".desktop")
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

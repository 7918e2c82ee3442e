// Package integration creates desktop and start menu entries for an
// installed application.
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-multierror"
)

// Params describes the application being linked.
type Params struct {
	AppName     string
	Executable  string
	Description string
	Desktop     bool
	StartMenu   bool
}

// Validate checks that the params can produce a shortcut.
func (p Params) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.AppName, validation.Required, validation.Length(1, 128)),
		validation.Field(&p.Executable, validation.Required, validation.By(relativeFile)),
	)
}

func relativeFile(value interface{}) error {
	s, _ := value.(string)
	if filepath.IsAbs(s) || strings.HasPrefix(filepath.ToSlash(s), "../") {
		return fmt.Errorf("must be relative to the install directory")
	}
	return nil
}

// Writer creates shortcuts in the user's desktop and start menu folders.
type Writer struct {
	params Params

	desktopDir   string
	startMenuDir string
}

// New validates params and creates a Writer.
func New(params Params) (*Writer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Writer{params: params}, nil
}

// CreateShortcuts links the installed executable. Each location is
// attempted independently; the returned error aggregates every failure and
// the returned paths list what was written.
func (w *Writer) CreateShortcuts(ctx context.Context, installPath string) ([]string, error) {
	target := filepath.Join(installPath, w.params.Executable)
	if _, err := os.Stat(target); err != nil {
		return nil, fmt.Errorf("application executable not found: %w", err)
	}

	var (
		created []string
		result  *multierror.Error
	)

	type location struct {
		name    string
		enabled bool
		dir     func() (string, error)
	}
	locations := []location{
		{"desktop", w.params.Desktop, w.desktopFolder},
		{"start_menu", w.params.StartMenu, w.startMenuFolder},
	}

	for _, loc := range locations {
		if !loc.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}

		dir, err := loc.dir()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", loc.name, err))
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", loc.name, err))
			continue
		}

		path, err := writeShortcut(dir, w.params, installPath, target)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", loc.name, err))
			continue
		}
		slog.Info("shortcut_created", "location", loc.name, "path", path)
		created = append(created, path)
	}

	return created, result.ErrorOrNil()
}

func (w *Writer) desktopFolder() (string, error) {
	if w.desktopDir != "" {
		return w.desktopDir, nil
	}
	return desktopFolder()
}

func (w *Writer) startMenuFolder() (string, error) {
	if w.startMenuDir != "" {
		return w.startMenuDir, nil
	}
	return startMenuFolder()
}

var anyAmountOfSpaces = regexp.MustCompile(`\s+`)

func sanitizeFileName(s string) string {
	forbidden := []string{"<", ">", ":", "\"", "/", "\\", "|", "?", "*"}
	for _, f := range forbidden {
		s = strings.ReplaceAll(s, f, "")
	}

	reserved := []string{"con", "prn", "aux", "nul", "com1", "com2", "com3", "com4", "com5", "com6", "com7", "com8",
		"com9", "lpt1", "lpt2", "lpt3", "lpt4", "lpt5", "lpt6", "lpt7", "lpt8", "lpt9"}

	lower := strings.ToLower(s)
	for _, r := range reserved {
		if lower == r {
			s += "_"
			lower = strings.ToLower(s)
		}
	}

	return strings.TrimSpace(anyAmountOfSpaces.ReplaceAllString(s, " "))
}

package extract

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/instanalytics/installer/pkg/errors"
)

// tree writes archive entries under a staging root. Symlinks are queued and
// only created once every regular file is on disk, so no write can ever
// traverse a link the archive itself planted.
type tree struct {
	root  string
	real  string
	links []link
}

type link struct {
	name   string
	target string
}

func newTree(root string) (*tree, error) {
	real, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve staging directory")
	}
	return &tree{root: root, real: real}, nil
}

// path resolves an archive entry name inside the root. The name must
// already have passed ValidatePath.
func (t *tree) path(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return filepath.Join(t.root, filepath.FromSlash(name))
}

// inside fails unless p, with every symlink resolved, is within base.
func inside(base, p string) error {
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return errors.Wrap(err, "failed to resolve path")
	}
	if real != base && !strings.HasPrefix(real, base+string(filepath.Separator)) {
		slog.Error("security_path_escape", "path", p, "resolved", real, "root", base)
		return fmt.Errorf("security: %s resolves outside the install directory", filepath.Base(p))
	}
	return nil
}

func (t *tree) mkdir(name string) error {
	p := t.path(name)
	if err := os.MkdirAll(p, 0755); err != nil {
		return errors.Wrap(err, "failed to create directory")
	}
	return inside(t.real, p)
}

// file writes one regular entry. Its parent directory is resolved on disk
// and must stay inside the root.
func (t *tree) file(ctx context.Context, name string, r io.Reader, mode os.FileMode, limit int64) (int64, error) {
	p := t.path(name)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, errors.Wrap(err, "failed to create parent dir")
	}
	if err := inside(t.real, dir); err != nil {
		return 0, err
	}
	if info, err := os.Lstat(p); err == nil && !info.Mode().IsRegular() {
		return 0, fmt.Errorf("security: %s would overwrite a non-regular file", name)
	}
	return writeFile(ctx, p, r, mode, limit)
}

func (t *tree) symlink(name, target string) {
	t.links = append(t.links, link{name: name, target: target})
}

// finish creates the queued symlinks.
func (t *tree) finish() error {
	for _, l := range t.links {
		p := t.path(l.name)
		dir := filepath.Dir(p)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create parent dir")
		}
		if err := inside(t.real, dir); err != nil {
			return err
		}
		if _, err := os.Lstat(p); err == nil {
			return fmt.Errorf("security: symlink %s collides with another entry", l.name)
		}
		if err := os.Symlink(l.target, p); err != nil {
			return errors.Wrap(err, "failed to create symlink")
		}
	}
	return nil
}

// verifyLinks checks every created symlink against the directory that will
// become the install directory. A chain of individually harmless links can
// still resolve outside it, and a link that does not resolve at all is
// refused as well.
func (t *tree) verifyLinks(root string) error {
	base, err := filepath.EvalSymlinks(root)
	if err != nil {
		return errors.Wrap(err, "failed to resolve content root")
	}
	for _, l := range t.links {
		if err := inside(base, t.path(l.name)); err != nil {
			return fmt.Errorf("security: symlink %s -> %s: %w", l.name, l.target, err)
		}
	}
	return nil
}

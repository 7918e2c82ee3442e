package extract

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/instanalytics/installer/pkg/errors"
)

// mergeInto moves the staged tree under root into dest. A missing dest is
// created by a single rename. Otherwise each staged path replaces the path
// of the same name in dest; anything in dest the archive does not contain
// is left where it is. Replaced paths are parked under a sibling backup
// directory until every move has succeeded, and put back if one fails.
func mergeInto(root, dest, id string) error {
	info, err := os.Stat(dest)
	if os.IsNotExist(err) {
		if err := os.Rename(root, dest); err != nil {
			return errors.Wrap(err, "failed to move extracted files into place")
		}
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to stat install directory")
	}
	if !info.IsDir() {
		return fmt.Errorf("install path %s exists and is not a directory", dest)
	}

	m := &merge{
		dest:   dest,
		backup: filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".old-"+id),
	}
	if err := m.dir(root, ""); err != nil {
		m.rollback()
		os.RemoveAll(m.backup)
		return err
	}

	if err := os.RemoveAll(m.backup); err != nil {
		slog.Warn("extract_backup_cleanup_failed", "backup", m.backup, "error", err)
	}
	slog.Info("extract_merged", "dest", dest, "moved", len(m.moves))
	return nil
}

type move struct {
	rel      string
	replaced bool
}

type merge struct {
	dest   string
	backup string
	moves  []move
}

// dir merges the staged directory src into dest/rel.
func (m *merge) dir(src, rel string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.Wrap(err, "failed to read staged directory")
	}

	for _, e := range entries {
		r := filepath.Join(rel, e.Name())
		from := filepath.Join(src, e.Name())
		to := filepath.Join(m.dest, r)

		existing, err := os.Lstat(to)
		switch {
		case os.IsNotExist(err):
			if err := os.Rename(from, to); err != nil {
				return errors.Wrap(err, "failed to move extracted file into place")
			}
			m.moves = append(m.moves, move{rel: r})

		case err != nil:
			return errors.Wrap(err, "failed to stat install path")

		case e.IsDir() && existing.IsDir():
			if err := m.dir(from, r); err != nil {
				return err
			}

		default:
			parked := filepath.Join(m.backup, r)
			if err := os.MkdirAll(filepath.Dir(parked), 0755); err != nil {
				return errors.Wrap(err, "failed to create backup directory")
			}
			if err := os.Rename(to, parked); err != nil {
				return errors.Wrap(err, "failed to move previous file aside")
			}
			if err := os.Rename(from, to); err != nil {
				if rerr := os.Rename(parked, to); rerr != nil {
					slog.Error("extract_restore_failed", "path", to, "error", rerr)
				}
				return errors.Wrap(err, "failed to move extracted file into place")
			}
			m.moves = append(m.moves, move{rel: r, replaced: true})
		}
	}
	return nil
}

// rollback undoes every completed move, newest first.
func (m *merge) rollback() {
	for i := len(m.moves) - 1; i >= 0; i-- {
		mv := m.moves[i]
		to := filepath.Join(m.dest, mv.rel)
		if err := os.RemoveAll(to); err != nil {
			slog.Error("extract_rollback_failed", "path", to, "error", err)
			continue
		}
		if mv.replaced {
			if err := os.Rename(filepath.Join(m.backup, mv.rel), to); err != nil {
				slog.Error("extract_restore_failed", "path", to, "error", err)
			}
		}
	}
}

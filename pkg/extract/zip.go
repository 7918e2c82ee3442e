package extract

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/instanalytics/installer/pkg/errors"
	"github.com/instanalytics/installer/pkg/security"
	"github.com/klauspost/compress/zip"
)

func zipEntries(archivePath string, maxFileSize int64) entryWriter {
	return func(ctx context.Context, v *security.Validator, t *tree, report func(done, total int64, name string)) (int, error) {
		zr, err := zip.OpenReader(archivePath)
		if err != nil {
			return 0, errors.Wrap(err, "failed to open zip")
		}
		defer zr.Close()

		total := int64(len(zr.File))
		files := 0

		for i, f := range zr.File {
			if err := ctx.Err(); err != nil {
				return files, err
			}
			if err := v.ValidatePath(f.Name); err != nil {
				return files, errors.Wrap(err, "invalid path in zip")
			}

			mode := f.Mode()

			switch {
			case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
				if err := t.mkdir(f.Name); err != nil {
					return files, err
				}

			case mode&os.ModeSymlink != 0:
				link, err := readSmall(f)
				if err != nil {
					return files, err
				}
				if err := v.ValidateSymlink(f.Name, link); err != nil {
					return files, errors.Wrap(err, "invalid symlink target")
				}
				t.symlink(f.Name, link)

			default:
				if err := v.ValidateFileSize(int64(f.UncompressedSize64)); err != nil {
					return files, err
				}
				rc, err := f.Open()
				if err != nil {
					return files, errors.Wrap(err, "failed to open zip entry")
				}
				n, err := t.file(ctx, f.Name, rc, mode, maxFileSize)
				rc.Close()
				if err != nil {
					return files, err
				}
				if err := v.AddExtractedSize(n); err != nil {
					return files, err
				}
				files++
			}

			report(int64(i+1), total, f.Name)
		}

		slog.Debug("zip_entries_written", "entries", total, "files", files)
		return files, nil
	}
}

func readSmall(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", errors.Wrap(err, "failed to open zip entry")
	}
	defer rc.Close()

	b, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", errors.Wrap(err, "failed to read symlink target")
	}
	return string(b), nil
}

package extract

import (
	"archive/tar"
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/instanalytics/installer/pkg/errors"
	"github.com/instanalytics/installer/pkg/security"
	"github.com/klauspost/compress/gzip"
)

// countingReader tracks how much of the compressed stream has been consumed
// so tar progress can be reported without a second pass.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func tarEntries(archivePath string, gzipped bool) entryWriter {
	return func(ctx context.Context, v *security.Validator, t *tree, report func(done, total int64, name string)) (int, error) {
		f, err := os.Open(archivePath)
		if err != nil {
			return 0, errors.Wrap(err, "failed to open tar")
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return 0, errors.Wrap(err, "failed to stat tar")
		}

		counter := &countingReader{r: f}
		var r io.Reader = counter
		if gzipped {
			gz, err := gzip.NewReader(counter)
			if err != nil {
				return 0, errors.Wrap(err, "failed to open gzip stream")
			}
			defer gz.Close()
			r = gz
		}

		tr := tar.NewReader(r)
		files := 0

		for {
			if err := ctx.Err(); err != nil {
				return files, err
			}

			header, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return files, errors.Wrap(err, "tar read error")
			}

			if err := v.ValidatePath(header.Name); err != nil {
				return files, errors.Wrap(err, "invalid path in tar")
			}
			switch header.Typeflag {
			case tar.TypeDir:
				if err := t.mkdir(header.Name); err != nil {
					return files, err
				}

			case tar.TypeReg:
				if err := v.ValidateFileSize(header.Size); err != nil {
					return files, err
				}
				n, err := t.file(ctx, header.Name, tr, os.FileMode(header.Mode), header.Size)
				if err != nil {
					return files, err
				}
				if err := v.AddExtractedSize(n); err != nil {
					return files, err
				}
				files++

			case tar.TypeSymlink:
				if err := v.ValidateSymlink(header.Name, header.Linkname); err != nil {
					return files, errors.Wrap(err, "invalid symlink target")
				}
				t.symlink(header.Name, header.Linkname)

			default:
				slog.Debug("tar_entry_skipped", "name", header.Name, "type", string(header.Typeflag))
			}

			report(counter.n, fi.Size(), header.Name)
		}

		return files, nil
	}
}

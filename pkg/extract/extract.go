// Package extract unpacks application archives into an install directory.
//
// Entries are written into a hidden staging directory next to the
// destination and only moved into place once every entry has been
// validated and written, so an interrupted or failed extraction never
// leaves a half-populated install directory behind. Files already in the
// destination that the archive does not contain are left alone.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/instanalytics/installer/pkg/errors"
	"github.com/instanalytics/installer/pkg/i18n"
	"github.com/instanalytics/installer/pkg/security"
)

// Format identifies an archive container.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGz
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	default:
		return "unknown"
	}
}

// ProgressFunc receives extraction progress in percent with a status line.
type ProgressFunc func(percent int, status string)

// Result describes a completed extraction.
type Result struct {
	Path     string
	Format   Format
	Files    int
	Bytes    int64
	Stripped string
}

// Extractor unpacks archives under the configured security limits.
type Extractor struct {
	limits  security.Limits
	printer *i18n.Printer
}

// New creates an Extractor. A nil printer reports in English.
func New(limits security.Limits, printer *i18n.Printer) *Extractor {
	if printer == nil {
		printer = i18n.New("en")
	}
	return &Extractor{limits: limits, printer: printer}
}

// entryWriter is implemented per archive format.
type entryWriter func(ctx context.Context, v *security.Validator, t *tree, report func(done, total int64, name string)) (int, error)

// Extract unpacks archivePath into destDir. If the archive holds a single
// top-level directory that directory's contents become destDir. Into an
// existing destDir only the archive's own paths are replaced, and only after
// the new tree is complete.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string, onProgress ProgressFunc) (*Result, error) {
	if onProgress == nil {
		onProgress = func(int, string) {}
	}

	res, err := e.extract(ctx, archivePath, destDir, onProgress)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Cancelled(ctx.Err())
		}
		if errors.KindOf(err) == errors.KindUnexpected {
			err = errors.Archive(err)
		}
		slog.Error("extract_failed", "archive", archivePath, "dest", destDir, "error", err)
		return nil, err
	}
	return res, nil
}

func (e *Extractor) extract(ctx context.Context, archivePath, destDir string, onProgress ProgressFunc) (*Result, error) {
	format, err := DetectFormat(archivePath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat archive")
	}

	destDir = filepath.Clean(destDir)
	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create install parent directory")
	}

	id := uuid.NewString()[:8]
	staging := filepath.Join(parent, "."+filepath.Base(destDir)+".partial-"+id)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create staging directory")
	}
	defer os.RemoveAll(staging)

	slog.Info("extract_start", "archive", archivePath, "format", format.String(), "dest", destDir, "staging", staging)

	lastPercent := -1
	report := func(done, total int64, name string) {
		if total <= 0 {
			return
		}
		percent := int(done * 100 / total)
		if percent > 99 {
			percent = 99
		}
		if percent != lastPercent {
			lastPercent = percent
			onProgress(percent, e.printer.Sprintf(i18n.MsgExtractingEntry, name))
		}
	}

	validator := security.NewValidator(e.limits)
	t, err := newTree(staging)
	if err != nil {
		return nil, err
	}

	var write entryWriter
	switch format {
	case FormatZip:
		write = zipEntries(archivePath, e.limits.MaxFileSize)
	case FormatTar:
		write = tarEntries(archivePath, false)
	case FormatTarGz:
		write = tarEntries(archivePath, true)
	}

	files, err := write(ctx, validator, t, report)
	if err != nil {
		return nil, err
	}
	if err := t.finish(); err != nil {
		return nil, err
	}
	if files == 0 {
		return nil, fmt.Errorf("archive %s contains no files", filepath.Base(archivePath))
	}
	if err := validator.ValidateCompressionRatio(info.Size()); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, stripped, err := contentRoot(staging)
	if err != nil {
		return nil, err
	}
	if err := t.verifyLinks(root); err != nil {
		return nil, err
	}

	if err := mergeInto(root, destDir, id); err != nil {
		return nil, err
	}

	onProgress(100, e.printer.Sprintf(i18n.MsgExtractDone))
	slog.Info("extract_complete", "dest", destDir, "files", files, "bytes", validator.TotalSize(), "stripped", stripped)

	return &Result{
		Path:     destDir,
		Format:   format,
		Files:    files,
		Bytes:    validator.TotalSize(),
		Stripped: stripped,
	}, nil
}

// DetectFormat identifies the archive by extension, falling back to its
// leading bytes.
func DetectFormat(path string) (Format, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, nil
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, errors.Wrap(err, "failed to open archive")
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return FormatZip, nil
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return FormatTarGz, nil
	case n >= 262 && string(head[257:262]) == "ustar":
		return FormatTar, nil
	}
	return FormatUnknown, fmt.Errorf("unsupported archive format: %s", filepath.Base(path))
}

// contentRoot returns the directory whose contents should become the
// install directory. Release archives usually wrap everything in a single
// folder named after the release; that folder is stripped.
func contentRoot(staging string) (string, string, error) {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to read staging directory")
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(staging, entries[0].Name()), entries[0].Name(), nil
	}
	return staging, "", nil
}

// writeFile copies at most limit bytes from r into path. Copying stops as
// soon as ctx is cancelled.
func writeFile(ctx context.Context, path string, r io.Reader, mode os.FileMode, limit int64) (int64, error) {
	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create file")
	}

	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errors.Wrap(err, "failed to write file")
	}
	if limit > 0 && n > limit {
		return n, fmt.Errorf("security: file %s exceeds max size %d", filepath.Base(path), limit)
	}
	return n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

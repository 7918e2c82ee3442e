// Package storage downloads installer artifacts to local files. Sources may
// be http(s)://, s3:// or file:// URIs.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/instanalytics/installer/pkg/errors"
	"github.com/instanalytics/installer/pkg/i18n"
)

const (
	defaultChunkSize      = 32 * 1024
	defaultStatusInterval = time.Second
	partSuffix            = ".part"
)

// ProgressFunc receives a 0-100 percentage and a status line. percent is -1
// when the total size is unknown.
type ProgressFunc func(percent int, status string)

// Result describes a completed download.
type Result struct {
	Path   string
	Size   int64
	SHA256 string
}

// Options configures a Fetcher.
type Options struct {
	HTTPClient     *http.Client
	Printer        *i18n.Printer
	Attempts       int
	S3Region       string
	ChunkSize      int
	StatusInterval time.Duration
	UserAgent      string
}

// Fetcher copies a remote artifact to a local path. A failed or cancelled
// fetch never leaves a file at the destination.
type Fetcher struct {
	http           *http.Client
	printer        *i18n.Printer
	attempts       int
	region         string
	chunkSize      int
	statusInterval time.Duration
	userAgent      string

	s3Once sync.Once
	s3     *Client
	s3Err  error
}

// NewFetcher creates a Fetcher with defaults for unset options.
func NewFetcher(opts Options) *Fetcher {
	f := &Fetcher{
		http:           opts.HTTPClient,
		printer:        opts.Printer,
		attempts:       opts.Attempts,
		region:         opts.S3Region,
		chunkSize:      opts.ChunkSize,
		statusInterval: opts.StatusInterval,
		userAgent:      opts.UserAgent,
	}
	if f.http == nil {
		f.http = &http.Client{}
	}
	if f.printer == nil {
		f.printer = i18n.New("en")
	}
	if f.attempts <= 0 {
		f.attempts = 1
	}
	if f.chunkSize <= 0 {
		f.chunkSize = defaultChunkSize
	}
	if f.statusInterval <= 0 {
		f.statusInterval = defaultStatusInterval
	}
	if f.region == "" {
		f.region = "us-east-1"
	}
	if f.userAgent == "" {
		f.userAgent = "instanalytics-setup"
	}
	return f
}

// Fetch downloads uri to destPath. The payload is written to a sibling
// ".part" file and renamed into place only after the last byte is on disk.
// Cancellation is observed on every chunk through ctx.
func (f *Fetcher) Fetch(ctx context.Context, uri, destPath string, onProgress ProgressFunc) (*Result, error) {
	slog.Info("transfer_started", "uri", uri, "dest", destPath)
	if onProgress == nil {
		onProgress = func(int, string) {}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, errors.Network(errors.Wrap(err, "failed to create download dir"))
	}
	// A stale artifact from an earlier run must not survive a failed fetch.
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Network(errors.Wrap(err, "failed to remove stale download"))
	}

	body, size, err := f.openWithRetry(ctx, uri)
	if err != nil {
		slog.Error("transfer_open_failed", "uri", uri, "error", err)
		return nil, err
	}
	defer body.Close()

	tmpPath := destPath + partSuffix
	result, err := f.copyTo(ctx, body, size, tmpPath, onProgress)
	if err != nil {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("transfer_cleanup_failed", "path", tmpPath, "error", rmErr)
		}
		if ctx.Err() != nil {
			slog.Info("transfer_cancelled", "uri", uri)
			return nil, errors.Cancelled(ctx.Err())
		}
		slog.Error("transfer_failed", "uri", uri, "error", err)
		if errors.KindOf(err) == errors.KindUnexpected {
			err = errors.Network(err)
		}
		return nil, err
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return nil, errors.Network(errors.Wrap(err, "failed to finalize download"))
	}
	result.Path = destPath

	slog.Info("transfer_complete",
		"uri", uri,
		"size_mb", result.Size/1024/1024,
		"sha256", result.SHA256[:16]+"...",
	)
	return result, nil
}

func (f *Fetcher) openWithRetry(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	var (
		body io.ReadCloser
		size int64
	)

	operation := func() error {
		var err error
		body, size, err = f.open(ctx, uri)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(errors.Cancelled(ctx.Err()))
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(f.attempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		slog.Warn("transfer_retry", "uri", uri, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctx.Err() != nil {
			return nil, 0, errors.Cancelled(ctx.Err())
		}
		return nil, 0, err
	}
	return body, size, nil
}

func (f *Fetcher) open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, 0, backoff.Permanent(errors.Network(errors.Wrap(err, "invalid URI")))
	}

	switch u.Scheme {
	case "http", "https":
		return f.openHTTP(ctx, uri)
	case "s3":
		return f.openS3(ctx, uri)
	case "file":
		file, err := os.Open(filepath.FromSlash(u.Path))
		if err != nil {
			return nil, 0, backoff.Permanent(errors.Network(err))
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, 0, backoff.Permanent(errors.Network(err))
		}
		return file, info.Size(), nil
	default:
		return nil, 0, backoff.Permanent(errors.Network(fmt.Errorf("unsupported scheme %q", u.Scheme)))
	}
}

func (f *Fetcher) openHTTP(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, 0, backoff.Permanent(errors.Network(err))
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, 0, errors.Network(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := errors.Network(fmt.Errorf("unexpected HTTP status %d", resp.StatusCode))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, 0, backoff.Permanent(err)
		}
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (f *Fetcher) openS3(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, 0, backoff.Permanent(errors.Network(err))
	}

	f.s3Once.Do(func() {
		f.s3, f.s3Err = NewClient(ctx, f.region)
	})
	if f.s3Err != nil {
		return nil, 0, backoff.Permanent(errors.Network(f.s3Err))
	}

	body, size, err := f.s3.Open(ctx, bucket, key)
	if err != nil {
		return nil, 0, errors.Network(err)
	}
	return body, size, nil
}

func (f *Fetcher) copyTo(ctx context.Context, body io.Reader, size int64, tmpPath string, onProgress ProgressFunc) (*Result, error) {
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer out.Close()

	hash := sha256.New()
	buf := make([]byte, f.chunkSize)

	var (
		written     int64
		lastPercent = -1
		lastStatus  time.Time
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Cancelled(err)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return nil, errors.Wrap(err, "failed to write download")
			}
			hash.Write(buf[:n])
			written += int64(n)

			if size > 0 {
				percent := int(written * 100 / size)
				if percent > 100 {
					percent = 100
				}
				if percent != lastPercent {
					lastPercent = percent
					onProgress(percent, f.printer.Sprintf(i18n.MsgDownloadProgress,
						humanize.Bytes(uint64(written)), humanize.Bytes(uint64(size))))
				}
			} else if time.Since(lastStatus) >= f.statusInterval {
				lastStatus = time.Now()
				onProgress(-1, f.printer.Sprintf(i18n.MsgDownloadBytes, humanize.Bytes(uint64(written))))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, errors.Network(errors.Wrap(readErr, "failed to read download"))
		}
	}

	if written == 0 {
		return nil, errors.Network(fmt.Errorf("empty download"))
	}
	if size > 0 && written != size {
		return nil, errors.Network(fmt.Errorf("short download: got %d of %d bytes", written, size))
	}
	if err := out.Sync(); err != nil {
		return nil, errors.Wrap(err, "failed to flush download")
	}

	onProgress(100, f.printer.Sprintf(i18n.MsgDownloadDone))

	return &Result{
		Size:   written,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

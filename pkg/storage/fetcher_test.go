package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/instanalytics/installer/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	return bytes.Repeat([]byte("instanalytics"), n)[:n]
}

func TestFetch_KnownSize(t *testing.T) {
	data := payload(200 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "app.zip")
	f := NewFetcher(Options{ChunkSize: 4096})

	var percents []int
	res, err := f.Fetch(context.Background(), srv.URL+"/app.zip", dest, func(p int, status string) {
		percents = append(percents, p)
		assert.NotEmpty(t, status)
	})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.SHA256)
	assert.Equal(t, int64(len(data)), res.Size)
	assert.Equal(t, dest, res.Path)

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1], "progress must not decrease")
	}
	assert.Equal(t, 100, percents[len(percents)-1])

	_, err = os.Stat(dest + partSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestFetch_NotFoundIsPermanentNetworkFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "dotnet-installer.exe")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0644))

	f := NewFetcher(Options{Attempts: 3})
	_, err := f.Fetch(context.Background(), srv.URL+"/missing", dest, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindNetwork, errors.KindOf(err))
	assert.Equal(t, int32(1), hits.Load())

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "stale artifact must be removed")
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	data := payload(1024)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "app.zip")
	f := NewFetcher(Options{Attempts: 3})
	_, err := f.Fetch(context.Background(), srv.URL, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetch_CancelRemovesPartialFile(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1<<20))
		w.Write(payload(64 * 1024))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	dir := t.TempDir()
	dest := filepath.Join(dir, "dotnet-installer.exe")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewFetcher(Options{ChunkSize: 1024})
	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, srv.URL, dest, func(p int, _ string) {
			if p > 0 {
				cancel()
			}
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not observe cancellation")
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial artifact may remain")
}

func TestFetch_UnknownSizeReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 4; i++ {
			w.Write(payload(8 * 1024))
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	f := NewFetcher(Options{ChunkSize: 2048, StatusInterval: time.Nanosecond})
	var unknown int
	var last int
	_, err := f.Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "a.zip"), func(p int, status string) {
		if p < 0 {
			unknown++
			assert.Contains(t, status, "kB")
		}
		last = p
	})
	require.NoError(t, err)
	assert.Positive(t, unknown)
	assert.Equal(t, 100, last)
}

func TestFetch_FileURI(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "mirror.zip")
	require.NoError(t, os.WriteFile(src, payload(4096), 0644))

	dest := filepath.Join(dir, "out", "app.zip")
	res, err := NewFetcher(Options{}).Fetch(context.Background(), "file://"+filepath.ToSlash(src), dest, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), res.Size)
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := ParseS3URI("s3://releases/instanalytics/1.0.0/app.zip")
	require.NoError(t, err)
	assert.Equal(t, "releases", bucket)
	assert.Equal(t, "instanalytics/1.0.0/app.zip", key)

	_, _, err = ParseS3URI("s3://bucket-only")
	assert.Error(t, err)
	_, _, err = ParseS3URI("https://example.com/a.zip")
	assert.Error(t, err)
}

package extract

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/instanalytics/installer/pkg/errors"
	"github.com/instanalytics/installer/pkg/security"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name    string
	body    string
	symlink string
}

func writeZip(t *testing.T, path string, entries []entry) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		body := e.body
		if e.symlink != "" {
			hdr.SetMode(os.ModeSymlink | 0777)
			body = e.symlink
		} else {
			hdr.SetMode(0644)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func writeTarGz(t *testing.T, path string, entries []entry) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		if e.symlink != "" {
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Typeflag: tar.TypeSymlink, Linkname: e.symlink, Mode: 0777}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Typeflag: tar.TypeReg, Size: int64(len(e.body)), Mode: 0644}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func layout(t *testing.T) (archiveDir, installParent string) {
	t.Helper()
	return t.TempDir(), t.TempDir()
}

func assertNoLeftovers(t *testing.T, parent string, want ...string) {
	t.Helper()
	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(want) == 0 {
		assert.Empty(t, names)
		return
	}
	assert.ElementsMatch(t, want, names)
}

func TestExtract_StripsSingleWrapperDirectory(t *testing.T) {
	archiveDir, parent := layout(t)
	archive := filepath.Join(archiveDir, "InstAnalytics.1.0.0.zip")
	writeZip(t, archive, []entry{
		{name: "InstAnalytics/"},
		{name: "InstAnalytics/InstAnalytics.exe", body: "MZ binary"},
		{name: "InstAnalytics/lib/core.dll", body: "library"},
	})

	dest := filepath.Join(parent, "InstAnalytics")
	var percents []int
	res, err := New(security.DefaultLimits, nil).Extract(context.Background(), archive, dest, func(p int, status string) {
		percents = append(percents, p)
	})
	require.NoError(t, err)

	assert.Equal(t, "InstAnalytics", res.Stripped)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, FormatZip, res.Format)

	got, err := os.ReadFile(filepath.Join(dest, "InstAnalytics.exe"))
	require.NoError(t, err)
	assert.Equal(t, "MZ binary", string(got))
	assert.FileExists(t, filepath.Join(dest, "lib", "core.dll"))

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100, percents[len(percents)-1])

	assertNoLeftovers(t, parent, "InstAnalytics")
}

func TestExtract_KeepsFlatLayout(t *testing.T) {
	archiveDir, parent := layout(t)
	archive := filepath.Join(archiveDir, "app.zip")
	writeZip(t, archive, []entry{
		{name: "app.exe", body: "binary"},
		{name: "config.json", body: "{}"},
	})

	dest := filepath.Join(parent, "App")
	res, err := New(security.DefaultLimits, nil).Extract(context.Background(), archive, dest, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Stripped)
	assert.FileExists(t, filepath.Join(dest, "app.exe"))
	assert.FileExists(t, filepath.Join(dest, "config.json"))
}

func TestExtract_RejectsTraversal(t *testing.T) {
	archiveDir, parent := layout(t)
	archive := filepath.Join(archiveDir, "evil.zip")
	writeZip(t, archive, []entry{
		{name: "ok.txt", body: "fine"},
		{name: "../evil.txt", body: "escaped"},
	})

	dest := filepath.Join(parent, "App")
	_, err := New(security.DefaultLimits, nil).Extract(context.Background(), archive, dest, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindArchive, errors.KindOf(err))

	assertNoLeftovers(t, parent)
	_, err = os.Stat(filepath.Join(filepath.Dir(parent), "evil.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtract_FailurePreservesPreviousInstall(t *testing.T) {
	archiveDir, parent := layout(t)
	dest := filepath.Join(parent, "App")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "old.exe"), []byte("v0"), 0644))

	archive := filepath.Join(archiveDir, "bad.zip")
	writeZip(t, archive, []entry{{name: "/etc/passwd", body: "x"}})

	_, err := New(security.DefaultLimits, nil).Extract(context.Background(), archive, dest, nil)
	require.Error(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "old.exe"))
	require.NoError(t, err)
	assert.Equal(t, "v0", string(got))
	assertNoLeftovers(t, parent, "App")
}

func TestExtract_MergesIntoExistingDirectory(t *testing.T) {
	archiveDir, parent := layout(t)
	dest := filepath.Join(parent, "Tools")
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "notes.txt"), []byte("mine"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "lib", "user.dll"), []byte("mine"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "app.exe"), []byte("v0"), 0644))

	archive := filepath.Join(archiveDir, "app.zip")
	writeZip(t, archive, []entry{
		{name: "app.exe", body: "v1"},
		{name: "lib/core.dll", body: "core"},
		{name: "readme.txt", body: "hi"},
	})

	_, err := New(security.DefaultLimits, nil).Extract(context.Background(), archive, dest, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "app.exe"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
	assert.FileExists(t, filepath.Join(dest, "lib", "core.dll"))
	assert.FileExists(t, filepath.Join(dest, "readme.txt"))

	got, err = os.ReadFile(filepath.Join(dest, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(got))
	assert.FileExists(t, filepath.Join(dest, "lib", "user.dll"))

	assertNoLeftovers(t, parent, "Tools")
}

func TestMergeInto_RollsBackOnFailure(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "staged")
	dest := filepath.Join(base, "App")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a-new.txt"), []byte("new"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.exe"), []byte("v1"), 0644))

	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "b.exe"), []byte("v0"), 0644))
	// a file where the backup directory belongs makes parking b.exe fail
	require.NoError(t, os.WriteFile(filepath.Join(base, ".App.old-test"), nil, 0644))

	err := mergeInto(root, dest, "test")
	require.Error(t, err)

	assert.NoFileExists(t, filepath.Join(dest, "a-new.txt"))
	got, err := os.ReadFile(filepath.Join(dest, "b.exe"))
	require.NoError(t, err)
	assert.Equal(t, "v0", string(got))
}

func TestExtract_Cancelled(t *testing.T) {
	archiveDir, parent := layout(t)
	archive := filepath.Join(archiveDir, "app.zip")
	writeZip(t, archive, []entry{{name: "a.txt", body: "a"}, {name: "b.txt", body: "b"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(security.DefaultLimits, nil).Extract(ctx, archive, filepath.Join(parent, "App"), nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
	assertNoLeftovers(t, parent)
}

func TestExtract_CompressionBomb(t *testing.T) {
	archiveDir, parent := layout(t)
	archive := filepath.Join(archiveDir, "bomb.zip")
	writeZip(t, archive, []entry{{name: "zeros.bin", body: string(make([]byte, 512*1024))}})

	limits := security.DefaultLimits
	limits.MaxCompressionRatio = 10

	_, err := New(limits, nil).Extract(context.Background(), archive, filepath.Join(parent, "App"), nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindArchive, errors.KindOf(err))
	assertNoLeftovers(t, parent)
}

func TestExtract_EmptyArchive(t *testing.T) {
	archiveDir, parent := layout(t)
	archive := filepath.Join(archiveDir, "empty.zip")
	writeZip(t, archive, nil)

	_, err := New(security.DefaultLimits, nil).Extract(context.Background(), archive, filepath.Join(parent, "App"), nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindArchive, errors.KindOf(err))
}

func TestExtract_TarGz(t *testing.T) {
	archiveDir, parent := layout(t)
	archive := filepath.Join(archiveDir, "app.tar.gz")
	writeTarGz(t, archive, []entry{
		{name: "app-1.0/bin/app", body: "#!/bin/sh\n"},
		{name: "app-1.0/bin/run", symlink: "app"},
	})

	dest := filepath.Join(parent, "App")
	res, err := New(security.DefaultLimits, nil).Extract(context.Background(), archive, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, FormatTarGz, res.Format)
	assert.Equal(t, "app-1.0", res.Stripped)
	assert.FileExists(t, filepath.Join(dest, "bin", "app"))

	link, err := os.Readlink(filepath.Join(dest, "bin", "run"))
	require.NoError(t, err)
	assert.Equal(t, "app", link)
}

func TestExtract_TarGzSymlinkEscape(t *testing.T) {
	archiveDir, parent := layout(t)
	archive := filepath.Join(archiveDir, "app.tgz")
	writeTarGz(t, archive, []entry{
		{name: "app", body: "x"},
		{name: "passwd", symlink: "../../../etc/passwd"},
	})

	_, err := New(security.DefaultLimits, nil).Extract(context.Background(), archive, filepath.Join(parent, "App"), nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindArchive, errors.KindOf(err))
	assertNoLeftovers(t, parent)
}

func TestExtract_SymlinkChainCannotEscape(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
	}{
		{
			name: "file written through chain",
			entries: []entry{
				{name: "d/l", symlink: ".."},
				{name: "x", symlink: "d/l/.."},
				{name: "x/evil.txt", body: "escaped"},
			},
		},
		{
			name: "chain resolving outside",
			entries: []entry{
				{name: "app", body: "x"},
				{name: "d/l", symlink: ".."},
				{name: "x", symlink: "d/l/.."},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archiveDir := t.TempDir()
			parent := filepath.Join(t.TempDir(), "install")
			archive := filepath.Join(archiveDir, "chain.tar.gz")
			writeTarGz(t, archive, tt.entries)

			dest := filepath.Join(parent, "App")
			_, err := New(security.DefaultLimits, nil).Extract(context.Background(), archive, dest, nil)
			require.Error(t, err)
			assert.Equal(t, errors.KindArchive, errors.KindOf(err))

			assert.NoFileExists(t, filepath.Join(parent, "evil.txt"))
			assert.NoFileExists(t, filepath.Join(filepath.Dir(parent), "evil.txt"))
			assertNoLeftovers(t, parent)
		})
	}
}

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()

	zipped := filepath.Join(dir, "payload.bin")
	writeZip(t, zipped, []entry{{name: "a", body: "a"}})
	f, err := DetectFormat(zipped)
	require.NoError(t, err)
	assert.Equal(t, FormatZip, f)

	gzipped := filepath.Join(dir, "payload.dat")
	writeTarGz(t, gzipped, []entry{{name: "a", body: "a"}})
	f, err = DetectFormat(gzipped)
	require.NoError(t, err)
	assert.Equal(t, FormatTarGz, f)

	plain := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(plain, []byte("hello"), 0644))
	_, err = DetectFormat(plain)
	assert.Error(t, err)
}

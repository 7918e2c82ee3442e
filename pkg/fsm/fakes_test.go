package fsm

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/instanalytics/installer/pkg/db"
	"github.com/instanalytics/installer/pkg/errors"
	"github.com/instanalytics/installer/pkg/extract"
	"github.com/instanalytics/installer/pkg/runner"
	"github.com/instanalytics/installer/pkg/storage"
)

const (
	testPrereqURL = "https://dl.test/dotnet-sdk-10.0.100-win-x64.exe"
	testAppURL    = "https://dl.test/InstAnalytics.1.0.0.zip"
)

type fakeProbe struct {
	mu        sync.Mutex
	present   bool
	installed bool
	repair    bool
	arch      string
}

func (p *fakeProbe) Name() string { return ".NET SDK" }

func (p *fakeProbe) IsPresent(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present || p.installed
}

func (p *fakeProbe) SelectDownloadTarget(hostArch string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arch = hostArch
	return testPrereqURL
}

func (p *fakeProbe) VerifyAndRepair(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.repair
}

type fakeTransfer struct {
	mu      sync.Mutex
	uris    []string
	dests   []string
	fail    map[string]error
	blockOn string
	started chan struct{}
}

func (f *fakeTransfer) Fetch(ctx context.Context, uri, destPath string, onProgress storage.ProgressFunc) (*storage.Result, error) {
	f.mu.Lock()
	f.uris = append(f.uris, uri)
	f.dests = append(f.dests, destPath)
	failErr := f.fail[uri]
	block := f.blockOn == uri
	f.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}

	if block {
		if err := os.WriteFile(destPath, []byte("partial"), 0644); err != nil {
			return nil, err
		}
		onProgress(10, "Downloading: 1 MB")
		close(f.started)
		<-ctx.Done()
		return nil, errors.Cancelled(ctx.Err())
	}

	for p := 0; p <= 100; p += 25 {
		onProgress(p, "")
	}
	onProgress(-1, "Download completed")
	if err := os.WriteFile(destPath, []byte(uri), 0644); err != nil {
		return nil, err
	}
	return &storage.Result{Path: destPath, Size: int64(len(uri)), SHA256: "deadbeef"}, nil
}

func (f *fakeTransfer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uris...)
}

func (f *fakeTransfer) setFail(uri string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]error{}
	}
	if err == nil {
		delete(f.fail, uri)
		return
	}
	f.fail[uri] = err
}

type fakeRunner struct {
	mu      sync.Mutex
	code    int
	err     error
	calls   int
	args    []string
	probe   *fakeProbe
	block   bool
	started chan struct{}
	stopped bool
}

func (r *fakeRunner) RunElevated(ctx context.Context, path string, args []string, onTick func()) (*runner.Result, error) {
	r.mu.Lock()
	r.calls++
	r.args = args
	code, err, block := r.code, r.err, r.block
	r.mu.Unlock()

	if _, statErr := os.Stat(path); statErr != nil {
		return nil, errors.ProcessStart(statErr)
	}
	if block {
		onTick()
		close(r.started)
		<-ctx.Done()
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		return nil, errors.Cancelled(ctx.Err())
	}
	for i := 0; i < 5; i++ {
		onTick()
	}
	if err != nil {
		return nil, err
	}

	r.probe.mu.Lock()
	r.probe.installed = true
	r.probe.mu.Unlock()
	return &runner.Result{ExitCode: code}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeRunner) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

type fakeExtractor struct {
	mu      sync.Mutex
	err     error
	panic   bool
	calls   int
	block   bool
	started chan struct{}
}

func (e *fakeExtractor) Extract(ctx context.Context, archivePath, destDir string, onProgress extract.ProgressFunc) (*extract.Result, error) {
	e.mu.Lock()
	e.calls++
	err, shouldPanic, block := e.err, e.panic, e.block
	e.mu.Unlock()

	if shouldPanic {
		panic("corrupt central directory")
	}
	if err != nil {
		return nil, err
	}
	if block {
		// staging lives beside destDir and is dropped on cancel
		onProgress(10, "Extracting: InstAnalytics.exe")
		close(e.started)
		<-ctx.Done()
		return nil, errors.Cancelled(ctx.Err())
	}

	onProgress(0, "Extracting: InstAnalytics.exe")
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(destDir, "InstAnalytics.exe"), []byte("MZ"), 0755); err != nil {
		return nil, err
	}
	onProgress(50, "Extracting: InstAnalytics.exe")
	onProgress(100, "Extraction completed")
	return &extract.Result{Path: destDir, Format: extract.FormatZip, Files: 1}, nil
}

func (e *fakeExtractor) set(err error, shouldPanic bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err, e.panic = err, shouldPanic
}

type fakeIntegration struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (i *fakeIntegration) CreateShortcuts(ctx context.Context, installPath string) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	if i.err != nil {
		return nil, i.err
	}
	return []string{filepath.Join(installPath, "InstAnalytics.lnk")}, nil
}

type fakeReceipts struct {
	mu       sync.Mutex
	nextID   int64
	receipts map[int64]*db.Receipt
}

func (f *fakeReceipts) Create(rec *db.Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipts == nil {
		f.receipts = map[int64]*db.Receipt{}
	}
	f.nextID++
	rec.ID = f.nextID
	cp := *rec
	f.receipts[rec.ID] = &cp
	return nil
}

func (f *fakeReceipts) UpdateStatus(id int64, status, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.receipts[id]
	if !ok {
		return os.ErrNotExist
	}
	rec.Status = status
	rec.ErrorMessage = errorMessage
	return nil
}

func (f *fakeReceipts) GetBySession(sessionID string) (*db.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.receipts {
		if rec.SessionID == sessionID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeReceipts) Update(rec *db.Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.receipts[rec.ID]; !ok {
		return os.ErrNotExist
	}
	cp := *rec
	f.receipts[rec.ID] = &cp
	return nil
}

func (f *fakeReceipts) get(id int64) db.Receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.receipts[id]
}

func (f *fakeReceipts) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := int64(1); id <= f.nextID; id++ {
		out = append(out, f.receipts[id].Status)
	}
	return out
}

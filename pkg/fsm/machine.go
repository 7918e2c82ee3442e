// Package fsm implements the installer's orchestration state machine.
// It sequences the prerequisite check, the prerequisite download and
// install, the application download and the extraction, maps each stage's
// progress into one monotonic 0-100 signal, and translates every leaf
// failure into the error taxonomy, using the superfly/fsm workflow engine.
package fsm

import (
	"context"

	"github.com/instanalytics/installer/pkg/db"
	"github.com/instanalytics/installer/pkg/errors"
	"github.com/instanalytics/installer/pkg/extract"
	"github.com/instanalytics/installer/pkg/runner"
	"github.com/instanalytics/installer/pkg/storage"
	"github.com/superfly/fsm"
)

// Probe detects and repairs the runtime prerequisite.
type Probe interface {
	Name() string
	IsPresent(ctx context.Context) bool
	SelectDownloadTarget(hostArch string) string
	VerifyAndRepair(ctx context.Context) bool
}

// Transfer downloads a URI to a local path.
type Transfer interface {
	Fetch(ctx context.Context, uri, destPath string, onProgress storage.ProgressFunc) (*storage.Result, error)
}

// ProcessRunner runs an installer executable to completion.
type ProcessRunner interface {
	RunElevated(ctx context.Context, path string, args []string, onTick func()) (*runner.Result, error)
}

// ArchiveExtractor unpacks the application archive.
type ArchiveExtractor interface {
	Extract(ctx context.Context, archivePath, destDir string, onProgress extract.ProgressFunc) (*extract.Result, error)
}

// IntegrationWriter creates launchers for the installed application.
type IntegrationWriter interface {
	CreateShortcuts(ctx context.Context, installPath string) ([]string, error)
}

// ReceiptStore persists install receipts.
type ReceiptStore interface {
	Create(rec *db.Receipt) error
	GetBySession(sessionID string) (*db.Receipt, error)
	Update(rec *db.Receipt) error
	UpdateStatus(id int64, status, errorMessage string) error
}

// Register registers the install workflow
func (o *Orchestrator) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[InstallRequest, InstallResponse], error) {
	start, _, err := fsm.Register[InstallRequest, InstallResponse](manager, "install").
		Start(StageCheckingPrerequisite.String(), o.step(StageCheckingPrerequisite, o.checkPrerequisite)).
		To(StageDownloadingPrerequisite.String(), o.step(StageDownloadingPrerequisite, o.downloadPrerequisite)).
		To(StageInstallingPrerequisite.String(), o.step(StageInstallingPrerequisite, o.installPrerequisite)).
		To(StageDownloadingApp.String(), o.step(StageDownloadingApp, o.downloadApp)).
		To(StageExtractingApp.String(), o.step(StageExtractingApp, o.extractApp)).
		To(StageCompleted.String(), o.handleCompleted).
		End(StageError.String()).
		Build(ctx)

	if err != nil {
		return nil, errors.Wrap(err, "failed to register workflow")
	}

	return start, nil
}

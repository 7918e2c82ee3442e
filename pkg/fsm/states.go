package fsm

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"

	"github.com/instanalytics/installer/pkg/db"
	"github.com/instanalytics/installer/pkg/errors"
	"github.com/instanalytics/installer/pkg/i18n"
	"github.com/superfly/fsm"
)

// Simulated installer progress: the child reports nothing, so each poll
// tick moves the stage forward a fixed step inside [floor, ceiling].
const (
	simulatedFloor   = 10
	simulatedStep    = 2
	simulatedCeiling = 90
)

var errVerificationFailed = stderrors.New("prerequisite not usable after install")

type stageFunc func(ctx context.Context, r *run, req *InstallRequest, resp *InstallResponse) error

// lookup returns the active run with the given id.
func (o *Orchestrator) lookup(id string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil || o.run.id != id {
		return nil
	}
	return o.run
}

// step wraps a stage body with the checks every stage shares. Any error,
// including a panic, settles the session in the error state and aborts the
// workflow; nothing escapes to the engine as a retryable failure.
func (o *Orchestrator) step(stage Stage, fn stageFunc) func(context.Context, *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	return func(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (resp *fsm.Response[InstallResponse], err error) {
		slog.Info("fsm_state_"+stage.String(), "session_id", req.Msg.SessionID)

		r := o.lookup(req.Msg.SessionID)
		if r == nil {
			return nil, fsm.Abort(fmt.Errorf("no active run for session %s", req.Msg.SessionID))
		}

		w := req.W.Msg
		if w == nil {
			w = &InstallResponse{}
		}

		if retryCount := fsm.RetryFromContext(ctx); retryCount > 0 {
			f := o.fail(r, stage, fmt.Errorf("stage re-entered after %d failed attempts", retryCount))
			return nil, fsm.Abort(f)
		}

		if stage.prerequisite() && w.PrerequisitePresent {
			slog.Info("stage_skipped", "session_id", r.id, "stage", stage.String())
			o.record(r, stage, OutcomeSkipped)
			return fsm.NewResponse(w), nil
		}

		if err := r.ctx.Err(); err != nil {
			f := o.fail(r, stage, errors.Cancelled(err))
			return nil, fsm.Abort(f)
		}

		o.enter(r, stage, "")

		stageCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(r.ctx, cancel)
		defer stop()

		defer func() {
			if p := recover(); p != nil {
				slog.Error("stage_panic", "session_id", r.id, "stage", stage.String(), "panic", p, "stack", string(debug.Stack()))
				f := o.fail(r, stage, fmt.Errorf("panic: %v", p))
				resp, err = nil, fsm.Abort(f)
			}
		}()

		if err := fn(stageCtx, r, req.Msg, w); err != nil {
			f := o.fail(r, stage, err)
			return nil, fsm.Abort(f)
		}

		o.record(r, stage, OutcomeSuccess)
		return fsm.NewResponse(w), nil
	}
}

// checkPrerequisite decides whether the prerequisite stages run.
func (o *Orchestrator) checkPrerequisite(ctx context.Context, r *run, req *InstallRequest, resp *InstallResponse) error {
	name := o.opts.Probe.Name()
	o.report(r, StageCheckingPrerequisite, 0, o.printer.Sprintf(i18n.MsgChecking, name))

	present := o.opts.Probe.IsPresent(ctx)
	if err := ctx.Err(); err != nil {
		return errors.Cancelled(err)
	}

	resp.PrerequisitePresent = present
	if present {
		o.report(r, StageCheckingPrerequisite, 100, o.printer.Sprintf(i18n.MsgAlreadyInstalled, name))
		return nil
	}

	resp.PrerequisiteURL = o.opts.Probe.SelectDownloadTarget(o.opts.HostArch)
	slog.Info("prerequisite_target", "session_id", r.id, "arch", o.opts.HostArch, "url", resp.PrerequisiteURL)
	o.report(r, StageCheckingPrerequisite, 100, o.printer.Sprintf(i18n.MsgMissing, name))
	return nil
}

// downloadPrerequisite fetches the prerequisite installer into the session
// directory.
func (o *Orchestrator) downloadPrerequisite(ctx context.Context, r *run, req *InstallRequest, resp *InstallResponse) error {
	stage := StageDownloadingPrerequisite
	o.report(r, stage, 0, o.printer.Sprintf(i18n.MsgDownloading, o.opts.Probe.Name()))

	dest := filepath.Join(r.workDir, fileName(resp.PrerequisiteURL, "prerequisite-installer.exe"))
	result, err := o.opts.Transfer.Fetch(ctx, resp.PrerequisiteURL, dest, func(percent int, status string) {
		o.report(r, stage, percent, status)
	})
	if err != nil {
		removePartial(dest)
		return err
	}

	resp.PrerequisitePath = result.Path
	slog.Info("prerequisite_downloaded", "session_id", r.id, "path", result.Path, "size", result.Size)
	return nil
}

// installPrerequisite runs the downloaded installer, checks its exit code
// against the table and verifies the prerequisite is usable afterwards.
func (o *Orchestrator) installPrerequisite(ctx context.Context, r *run, req *InstallRequest, resp *InstallResponse) error {
	stage := StageInstallingPrerequisite
	name := o.opts.Probe.Name()
	defer removePartial(resp.PrerequisitePath)

	o.report(r, stage, 0, o.printer.Sprintf(i18n.MsgInstalling, name))

	simulated := simulatedFloor
	o.report(r, stage, simulated, "")
	result, err := o.opts.Runner.RunElevated(ctx, resp.PrerequisitePath, o.opts.PrerequisiteArgs, func() {
		if simulated < simulatedCeiling {
			simulated += simulatedStep
		}
		o.report(r, stage, simulated, o.printer.Sprintf(i18n.MsgInstallRunning))
	})
	if err != nil {
		return err
	}

	code := result.ExitCode
	resp.ExitCode = code
	resp.HasExitCode = true
	o.setExitCode(r, code)

	entry, ok := o.opts.ExitCodes.Lookup(code)
	if !ok || !entry.Success {
		return errors.Process(code, nil)
	}

	finished := o.printer.Sprintf(i18n.MsgInstallFinished)
	if entry.Message != "" {
		finished = o.printer.Sprintf(i18n.MsgInstallRestart, o.printer.Sprintf(entry.Message))
	}
	o.report(r, stage, simulatedCeiling, finished)

	o.report(r, stage, simulatedCeiling+5, o.printer.Sprintf(i18n.MsgVerifying, name))
	if !o.opts.Probe.VerifyAndRepair(ctx) || !o.opts.Probe.IsPresent(ctx) {
		if err := ctx.Err(); err != nil {
			return errors.Cancelled(err)
		}
		return errors.Process(code, errVerificationFailed)
	}

	resp.PrerequisiteInstalled = true
	o.report(r, stage, 100, o.printer.Sprintf(i18n.MsgConfigured, name))
	return nil
}

// downloadApp fetches the application archive into the session directory.
func (o *Orchestrator) downloadApp(ctx context.Context, r *run, req *InstallRequest, resp *InstallResponse) error {
	stage := StageDownloadingApp
	o.report(r, stage, 0, o.printer.Sprintf(i18n.MsgDownloading, o.opts.AppName))

	dest := filepath.Join(r.workDir, fileName(o.opts.AppArchiveURL, "app.zip"))
	result, err := o.opts.Transfer.Fetch(ctx, o.opts.AppArchiveURL, dest, func(percent int, status string) {
		o.report(r, stage, percent, status)
	})
	if err != nil {
		removePartial(dest)
		return err
	}

	resp.ArchivePath = result.Path
	resp.ArchiveSHA256 = result.SHA256
	resp.ArchiveSize = result.Size
	slog.Info("app_downloaded", "session_id", r.id, "path", result.Path, "size", result.Size, "sha256", result.SHA256)
	return nil
}

// extractApp unpacks the archive into the install path and creates
// launchers. Launcher failures are logged and do not fail the stage.
func (o *Orchestrator) extractApp(ctx context.Context, r *run, req *InstallRequest, resp *InstallResponse) error {
	stage := StageExtractingApp
	defer removePartial(resp.ArchivePath)

	o.report(r, stage, 0, o.printer.Sprintf(i18n.MsgExtracting))
	o.createReceipt(r, req, resp)

	result, err := o.opts.Extractor.Extract(ctx, resp.ArchivePath, req.InstallPath, func(percent int, status string) {
		// extraction owns the first 90% of the stage, launchers the rest
		if percent >= 0 {
			percent = percent * 90 / 100
		}
		o.report(r, stage, percent, status)
	})
	if err != nil {
		return err
	}
	resp.ExtractedPath = result.Path
	resp.Files = result.Files

	if o.opts.Integration != nil {
		o.report(r, stage, 90, o.printer.Sprintf(i18n.MsgShortcuts))
		paths, err := o.opts.Integration.CreateShortcuts(ctx, req.InstallPath)
		if err != nil {
			slog.Warn("integration_failed", "session_id", r.id, "install_path", req.InstallPath, "error", err)
		}
		resp.Shortcuts = paths
	}

	o.report(r, stage, 100, o.printer.Sprintf(i18n.MsgExtractDone))
	return nil
}

// handleCompleted is the final transition. It only claims success if no
// cancellation was observed.
func (o *Orchestrator) handleCompleted(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	slog.Info("fsm_state_completed", "session_id", req.Msg.SessionID)

	r := o.lookup(req.Msg.SessionID)
	if r == nil {
		return nil, fsm.Abort(fmt.Errorf("no active run for session %s", req.Msg.SessionID))
	}

	w := req.W.Msg
	if w == nil {
		w = &InstallResponse{}
	}

	if !o.complete(r) {
		f := o.fail(r, StageCompleted, errors.Cancelled(nil))
		return nil, fsm.Abort(f)
	}

	o.finishReceipt(r, w)
	slog.Info("session_completed", "session_id", r.id, "install_path", req.Msg.InstallPath, "files", w.Files)
	return fsm.NewResponse(w), nil
}

// createReceipt records that files are about to land in the install path.
// Receipts are history; a store failure is logged and the run continues.
func (o *Orchestrator) createReceipt(r *run, req *InstallRequest, resp *InstallResponse) {
	if o.opts.Receipts == nil {
		return
	}
	rec := &db.Receipt{
		SessionID:             r.id,
		InstallPath:           req.InstallPath,
		Status:                db.StatusExtracting,
		ArchiveSHA256:         resp.ArchiveSHA256,
		PrerequisiteInstalled: resp.PrerequisiteInstalled,
	}
	if resp.HasExitCode {
		code := resp.ExitCode
		rec.ExitCode = &code
	}
	if err := o.opts.Receipts.Create(rec); err != nil {
		slog.Warn("receipt_create_failed", "session_id", r.id, "error", err)
		return
	}
	o.setReceipt(r, rec.ID)
}

// finishReceipt rewrites the receipt with what the run actually produced.
func (o *Orchestrator) finishReceipt(r *run, resp *InstallResponse) {
	o.mu.Lock()
	id := r.receiptID
	o.mu.Unlock()

	if id == 0 || o.opts.Receipts == nil {
		return
	}
	rec, err := o.opts.Receipts.GetBySession(r.id)
	if err != nil || rec == nil {
		slog.Warn("receipt_lookup_failed", "session_id", r.id, "receipt_id", id, "error", err)
		return
	}

	rec.Status = db.StatusInstalled
	rec.ErrorMessage = ""
	if resp.ExtractedPath != "" {
		rec.InstallPath = resp.ExtractedPath
	}
	if resp.ArchiveSHA256 != "" {
		rec.ArchiveSHA256 = resp.ArchiveSHA256
	}
	rec.PrerequisiteInstalled = resp.PrerequisiteInstalled
	if err := o.opts.Receipts.Update(rec); err != nil {
		slog.Warn("receipt_update_failed", "session_id", r.id, "receipt_id", id, "error", err)
	}
}

// fileName derives a local file name from a download URI.
func fileName(raw, fallback string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return fallback
	}
	return base
}

func removePartial(p string) {
	if p == "" {
		return
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		slog.Warn("artifact_cleanup_failed", "path", p, "error", err)
	}
}

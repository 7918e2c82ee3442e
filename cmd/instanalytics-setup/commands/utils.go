package commands

import (
	"io"
	"net/http"

	"github.com/instanalytics/installer/internal/config"
	"github.com/instanalytics/installer/internal/logging"
	"github.com/instanalytics/installer/pkg/db"
	"github.com/instanalytics/installer/pkg/errors"
	"github.com/instanalytics/installer/pkg/extract"
	appfsm "github.com/instanalytics/installer/pkg/fsm"
	"github.com/instanalytics/installer/pkg/i18n"
	"github.com/instanalytics/installer/pkg/integration"
	"github.com/instanalytics/installer/pkg/probe"
	"github.com/instanalytics/installer/pkg/runner"
	"github.com/instanalytics/installer/pkg/security"
	"github.com/instanalytics/installer/pkg/storage"
)

// setup loads and validates configuration and installs the logger. The
// returned closer flushes the log file.
func setup() (*config.Config, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "config invalid")
	}
	closer, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "logging setup failed")
	}
	return cfg, closer, nil
}

func newProbe(cfg *config.Config) (*probe.Probe, error) {
	constraint, err := cfg.PrerequisiteConstraint()
	if err != nil {
		return nil, err
	}
	return probe.New(probe.Config{
		Name:        cfg.PrerequisiteName,
		Command:     cfg.PrerequisiteCommand,
		ListArgs:    cfg.PrerequisiteListArgs,
		Constraint:  constraint,
		URLs:        cfg.PrerequisiteURLs,
		DefaultArch: cfg.PrerequisiteDefaultArch,
		SearchDirs:  cfg.PrerequisiteSearchDirs,
		Timeout:     probe.DefaultTimeout,
	})
}

// newOrchestrator wires the production collaborators. The caller closes
// both the orchestrator and the repository.
func newOrchestrator(cfg *config.Config, printer *i18n.Printer) (*appfsm.Orchestrator, *db.Repository, error) {
	p, err := newProbe(cfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "probe init failed")
	}

	fetcher := storage.NewFetcher(storage.Options{
		HTTPClient: &http.Client{Timeout: cfg.TransferTimeout},
		Printer:    printer,
		Attempts:   cfg.TransferAttempts,
		S3Region:   cfg.S3Region,
	})

	extractor := extract.New(security.Limits{
		MaxFileSize:         cfg.MaxFileSize,
		MaxTotalSize:        cfg.MaxTotalSize,
		MaxCompressionRatio: cfg.MaxCompressionRatio,
	}, printer)

	shortcuts, err := integration.New(integration.Params{
		AppName:     cfg.AppName,
		Executable:  cfg.AppExecutable,
		Description: cfg.AppName,
		Desktop:     cfg.DesktopShortcut,
		StartMenu:   cfg.StartMenuShortcut,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "shortcut params invalid")
	}

	repo, err := db.NewRepository(cfg.ReceiptsDBPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "db init failed")
	}

	orch, err := appfsm.New(appfsm.Options{
		Probe:            p,
		Transfer:         fetcher,
		Runner:           runner.New(cfg.PollInterval, cfg.ElevationCommand),
		Extractor:        extractor,
		Integration:      shortcuts,
		Receipts:         repo,
		Printer:          printer,
		AppName:          cfg.AppName,
		AppArchiveURL:    cfg.AppArchiveURL,
		PrerequisiteArgs: cfg.PrerequisiteArgs,
		ExitCodes:        cfg.PrerequisiteExitCodes,
		HostArch:         probe.HostArch(),
		WorkDir:          cfg.WorkDir,
	})
	if err != nil {
		repo.Close()
		return nil, nil, errors.Wrap(err, "orchestrator init failed")
	}
	return orch, repo, nil
}

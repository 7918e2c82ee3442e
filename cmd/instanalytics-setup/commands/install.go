package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/instanalytics/installer/internal/console"
	"github.com/instanalytics/installer/pkg/errors"
	appfsm "github.com/instanalytics/installer/pkg/fsm"
	"github.com/instanalytics/installer/pkg/i18n"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	installRetries  int
	installNoPrompt bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the prerequisite and the application",
	Long: `Runs the install sequence: prerequisite check, prerequisite download and
install when missing, application download and extraction. Ctrl+C cancels
the running stage.`,
	Args: cobra.NoArgs,
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().IntVar(&installRetries, "retries", 0, "Retry a failed install this many times before prompting")
	installCmd.Flags().BoolVar(&installNoPrompt, "no-prompt", false, "Never ask whether to retry")
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := setup()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	printer := i18n.New(cfg.Locale)

	orch, repo, err := newOrchestrator(cfg, printer)
	if err != nil {
		return err
	}
	defer repo.Close()
	defer orch.Close()

	ctx := cmd.Context()
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		orch.Cancel()
	}()

	renderer := console.New(os.Stdout, printer)
	interactive := !installNoPrompt && isatty.IsTerminal(os.Stdin.Fd())

	if err := orch.Start(ctx, cfg.InstallPath); err != nil {
		return errors.Wrap(err, "install start failed")
	}

	for attempt := 0; ; attempt++ {
		snap, err := follow(ctx, orch, renderer)
		if err == nil {
			slog.Info("install_finished", "session_id", snap.SessionID, "install_path", snap.InstallPath)
			return nil
		}

		if snap.Cancelled || sigCtx.Err() != nil {
			return err
		}
		switch {
		case attempt < installRetries:
			slog.Info("install_retry", "attempt", attempt+1, "error", err)
		case interactive && console.Confirm(os.Stdin, os.Stdout, printer):
		default:
			return err
		}

		if err := orch.Retry(ctx, ""); err != nil {
			return errors.Wrap(err, "install retry failed")
		}
	}
}

// session is the part of the orchestrator follow needs.
type session interface {
	Events() <-chan appfsm.Event
	Wait(ctx context.Context) (appfsm.Snapshot, error)
}

// follow renders one run while waiting for it to finish.
func follow(ctx context.Context, orch session, renderer *console.Renderer) (appfsm.Snapshot, error) {
	var (
		g    errgroup.Group
		snap appfsm.Snapshot
	)
	g.Go(func() error {
		renderer.Follow(ctx, orch.Events())
		return nil
	})
	g.Go(func() error {
		var err error
		snap, err = orch.Wait(ctx)
		return err
	})
	return snap, g.Wait()
}

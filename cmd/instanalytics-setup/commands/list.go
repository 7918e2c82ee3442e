package commands

import (
	"fmt"
	"strconv"

	"github.com/instanalytics/installer/pkg/db"
	"github.com/instanalytics/installer/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	listStatus  string
	listSession string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List install receipts",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only show receipts with this status")
	listCmd.Flags().StringVar(&listSession, "session", "", "Only show the receipt written by this session")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := setup()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	repo, err := db.NewRepository(cfg.ReceiptsDBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	receipts, err := loadReceipts(repo)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(receipts) == 0 {
		fmt.Println("No receipts found")
		return nil
	}

	fmt.Printf("%-6s %-12s %-6s %-8s %-22s %s\n", "ID", "STATUS", "PREREQ", "EXIT", "UPDATED", "PATH")
	fmt.Println("--------------------------------------------------------------------------------------------")

	for _, rec := range receipts {
		exit := "-"
		if rec.ExitCode != nil {
			exit = strconv.Itoa(*rec.ExitCode)
		}
		prereq := "-"
		if rec.PrerequisiteInstalled {
			prereq = "yes"
		}
		fmt.Printf("%-6d %-12s %-6s %-8s %-22s %s\n",
			rec.ID, rec.Status, prereq, exit, rec.UpdatedAt, rec.InstallPath)
		if rec.ErrorMessage != "" {
			fmt.Printf("       %s\n", rec.ErrorMessage)
		}
	}

	return nil
}

// loadReceipts applies the --session and --status filters.
func loadReceipts(repo *db.Repository) ([]*db.Receipt, error) {
	if listSession != "" {
		rec, err := repo.GetBySession(listSession)
		if err != nil || rec == nil {
			return nil, err
		}
		if listStatus != "" && rec.Status != listStatus {
			return nil, nil
		}
		return []*db.Receipt{rec}, nil
	}
	if listStatus != "" {
		return repo.ListByStatus(listStatus)
	}
	return repo.List()
}

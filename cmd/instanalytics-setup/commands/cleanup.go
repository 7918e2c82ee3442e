package commands

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/instanalytics/installer/internal/config"
	"github.com/instanalytics/installer/pkg/db"
	"github.com/instanalytics/installer/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	cleanupReceipts bool
	cleanupPurge    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftovers of interrupted installs",
	Long: `Removes what an interrupted install can leave behind:
  - downloads in the work directory
  - staging and backup directories next to the install path
  - receipts stuck in "extracting" are marked failed
  --receipts         also mark failed receipts as removed
  --purge            delete receipts already marked removed`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupReceipts, "receipts", false, "Mark failed receipts as removed")
	cleanupCmd.Flags().BoolVar(&cleanupPurge, "purge", false, "Delete receipts marked removed")
}

func runCleanup(cmd *cobra.Command, args []string) error {
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

	var reclaimed uint64
	removed := 0

	n, size, err := cleanupWorkDir(cfg)
	if err != nil {
		return err
	}
	removed += n
	reclaimed += size

	n, size = cleanupStaging(cfg.InstallPath)
	removed += n
	reclaimed += size

	if err := cleanupStuckReceipts(repo); err != nil {
		return err
	}
	if cleanupPurge {
		purged, err := purgeRemovedReceipts(repo)
		if err != nil {
			return err
		}
		fmt.Printf("🗑️  Deleted %d removed receipts\n", purged)
	}

	fmt.Printf("✅ Removed %d leftovers (%s)\n", removed, humanize.Bytes(reclaimed))
	return nil
}

func cleanupWorkDir(cfg *config.Config) (int, uint64, error) {
	entries, err := os.ReadDir(cfg.WorkDir)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to read work directory")
	}

	count := 0
	var total uint64
	for _, entry := range entries {
		p := filepath.Join(cfg.WorkDir, entry.Name())
		size := diskUsage(p)
		if err := os.RemoveAll(p); err != nil {
			fmt.Printf("⚠️  Failed to remove %s: %v\n", p, err)
			continue
		}
		fmt.Printf("🗑️  Removed download: %s\n", entry.Name())
		count++
		total += size
	}
	return count, total, nil
}

// cleanupStaging removes the ".<name>.partial-*" and ".<name>.old-*"
// directories an interrupted extraction leaves beside the install path.
func cleanupStaging(installPath string) (int, uint64) {
	parent := filepath.Dir(filepath.Clean(installPath))
	prefix := "." + filepath.Base(filepath.Clean(installPath)) + "."

	entries, err := os.ReadDir(parent)
	if err != nil {
		return 0, 0
	}

	count := 0
	var total uint64
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if !strings.HasPrefix(rest, "partial-") && !strings.HasPrefix(rest, "old-") {
			continue
		}
		p := filepath.Join(parent, name)
		size := diskUsage(p)
		if err := os.RemoveAll(p); err != nil {
			fmt.Printf("⚠️  Failed to remove %s: %v\n", p, err)
			continue
		}
		fmt.Printf("🗑️  Removed staging directory: %s\n", name)
		count++
		total += size
	}
	return count, total
}

func cleanupStuckReceipts(repo *db.Repository) error {
	stuck, err := repo.ListByStatus(db.StatusExtracting)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	for _, rec := range stuck {
		if err := repo.UpdateStatus(rec.ID, db.StatusFailed, "interrupted"); err != nil {
			return errors.Wrap(err, "failed to update receipt")
		}
		fmt.Printf("⚠️  Marked interrupted install failed: %s\n", rec.InstallPath)
	}

	if !cleanupReceipts {
		return nil
	}
	failed, err := repo.ListByStatus(db.StatusFailed)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	for _, rec := range failed {
		if err := repo.UpdateStatus(rec.ID, db.StatusRemoved, rec.ErrorMessage); err != nil {
			return errors.Wrap(err, "failed to update receipt")
		}
	}
	fmt.Printf("✅ Marked %d failed receipts removed\n", len(failed))
	return nil
}

// purgeRemovedReceipts deletes the rows of receipts marked removed. The
// rows of live installs are never touched.
func purgeRemovedReceipts(repo *db.Repository) (int, error) {
	removed, err := repo.ListByStatus(db.StatusRemoved)
	if err != nil {
		return 0, errors.Wrap(err, "list failed")
	}
	for i, rec := range removed {
		if err := repo.Delete(rec.ID); err != nil {
			return i, errors.Wrap(err, "failed to delete receipt")
		}
	}
	return len(removed), nil
}

func diskUsage(root string) uint64 {
	var total uint64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil && info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "instanalytics-setup",
	Short: "InstAnalytics installer",
	Long: `Installs InstAnalytics: checks for the .NET SDK, installs it when missing,
then downloads and extracts the application and creates its shortcuts.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("install-path", "", "Installation directory")
	rootCmd.PersistentFlags().String("work-dir", "", "Directory for temporary downloads")
	rootCmd.PersistentFlags().String("receipts-db-path", "", "SQLite receipts database path")
	rootCmd.PersistentFlags().String("locale", "it", "Message language (it, en)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "Rotating log file (stderr when empty)")
	rootCmd.PersistentFlags().String("app-archive-url", "", "Application archive URL (https:// or s3://)")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region for s3:// URLs")
	rootCmd.PersistentFlags().Int64("max-file-size", 1<<30, "Max extracted file size in bytes")
	rootCmd.PersistentFlags().Int64("max-total-size", 4<<30, "Max total extraction size")
	rootCmd.PersistentFlags().Float64("max-compression-ratio", 100.0, "Max compression ratio")

	for _, name := range []string{
		"install-path", "work-dir", "receipts-db-path", "locale", "log-level", "log-file",
		"app-archive-url", "s3-region", "max-file-size", "max-total-size", "max-compression-ratio",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

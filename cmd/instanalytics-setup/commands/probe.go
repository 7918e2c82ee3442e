package commands

import (
	"fmt"

	"github.com/instanalytics/installer/pkg/probe"
	"github.com/spf13/cobra"
)

var probeRepair bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report whether the prerequisite is installed",
	Args:  cobra.NoArgs,
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().BoolVar(&probeRepair, "repair", false, "Add the prerequisite to PATH when it is installed but not reachable")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := setup()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	p, err := newProbe(cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	arch := probe.HostArch()
	fmt.Printf("%-14s %s\n", "PREREQUISITE", p.Name())
	fmt.Printf("%-14s %s\n", "HOST ARCH", arch)
	fmt.Printf("%-14s %s\n", "DOWNLOAD", p.SelectDownloadTarget(arch))

	versions := p.InstalledVersions(ctx)
	if len(versions) == 0 {
		fmt.Printf("%-14s %s\n", "INSTALLED", "-")
	}
	for _, v := range versions {
		fmt.Printf("%-14s %s\n", "INSTALLED", v.Original())
	}

	present := p.IsPresent(ctx)
	fmt.Printf("%-14s %t\n", "COMPATIBLE", present)

	if probeRepair {
		fmt.Printf("%-14s %t\n", "ON PATH", p.VerifyAndRepair(ctx))
	}
	return nil
}

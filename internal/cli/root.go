// Package cli implements arcnetd's command-line interface using Cobra:
// one root command, subcommands registered via init().
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "arcnetd",
	Short: "arcnetd — ArcNet-Protocol control-plane daemon",
	Long: `arcnetd runs the ArcNet-Protocol control plane: regional node state,
reservation, scheduling, the HPC/federated training bridge, and regional
summary aggregation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

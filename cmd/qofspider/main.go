// Command qofspider runs the differential ECN measurement engine:
// paired active probes under two alternating host-stack configurations,
// correlated against passively observed flow records.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "qofspider",
	Short: "Differential active/passive network measurement engine",
	Long: `qofspider probes each target twice, once under each of two host-stack
configurations, while a packet observer reconstructs the flows those probes
generate. Active outcomes and passive flow records are joined on
(remote address, local port) and emitted as merged measurement records.`,
	Version: version,
}

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(runCmd, validateConfigCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the qofspider version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

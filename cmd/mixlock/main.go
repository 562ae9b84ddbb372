// mixlock coordinates exclusive editing access to binary project files
// shared through a version-control remote. One person holds the lock, edits,
// pushes, releases; everyone else sees who is working and waits or asks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "mixlock",
	Short:         "Exclusive-edit coordination for binary project files",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(agentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

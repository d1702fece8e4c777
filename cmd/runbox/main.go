// Runbox — sandboxed code execution for agent workloads.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "Runbox — sandboxed Python and shell execution with persistent sessions.",
	Long: `Runbox executes untrusted Python code and shell commands inside OS-level
sandboxes (macOS seatbelt, hardened Docker containers, or a remote service).
Guest code is vetted by static analysis before it runs, shell commands pass an
allow-list guard, and each session's interpreter environment is snapshotted
between submissions so state survives across calls.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, shellCmd, serveCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/engine"
)

var (
	shellConfigPath string
	shellSession    string
	shellBackend    string
	shellTimeout    int
	shellVerbose    bool
)

var shellCmd = &cobra.Command{
	Use:   "shell [flags] -- command...",
	Short: "Run an allow-listed shell command in the sandbox",
	Long: `Run a shell command inside the sandbox. The command is validated
against an allow-list of read-oriented commands and safe operators before
anything executes. Extend the allow-lists in the config file.

Examples:
  runbox shell -- ls -la
  runbox shell -- "cat data.csv | sort | uniq -c"
  runbox shell --session analysis -- grep -r TODO .

Exit codes match the run command.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVar(&shellConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	shellCmd.Flags().StringVar(&shellSession, "session", "", "session ID (default: ephemeral)")
	shellCmd.Flags().StringVar(&shellBackend, "backend", "", "sandbox backend: seatbelt, docker, remote, auto")
	shellCmd.Flags().IntVar(&shellTimeout, "timeout", 0, "timeout in seconds (0 = config default)")
	shellCmd.Flags().BoolVar(&shellVerbose, "verbose", false, "debug logging")
}

func runShell(_ *cobra.Command, args []string) error {
	code, err := executeShell(strings.Join(args, " "))
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

func executeShell(command string) (int, error) {
	cfg, err := loadConfig(shellConfigPath)
	if err != nil {
		return 0, err
	}
	if shellBackend != "" {
		cfg.Sandbox.Backend = shellBackend
	}

	sc, err := initShared(cfg, newLogger(levelFor(shellVerbose)))
	if err != nil {
		return 0, err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID, ephemeral := resolveSession(shellSession)
	if ephemeral {
		defer teardownEphemeral(sc, sessionID)
	}

	res, err := sc.Engine.Submit(ctx, engine.Submission{
		SessionID: sessionID,
		Command:   command,
		Timeout:   time.Duration(shellTimeout) * time.Second,
		Wait:      true,
	})
	if err != nil {
		if errors.Is(err, engine.ErrSandboxSetup) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitSandboxUnavailable, nil
		}
		return 0, err
	}

	printResult(res)
	return exitCodeFor(res), nil
}

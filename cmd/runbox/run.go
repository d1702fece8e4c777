package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/engine"
	"github.com/jkaninda/runbox/internal/provider"
)

// Exit codes for the run and shell commands.
const (
	ExitSuccess            = 0
	ExitGuestFailure       = 1
	ExitRejected           = 2
	ExitSandboxUnavailable = 3
	ExitTimeout            = 124
)

var (
	runConfigPath string
	runCode       string
	runFile       string
	runSession    string
	runBackend    string
	runTimeout    int
	runTrusted    bool
	runTeardown   bool
	runVerbose    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute Python code in the sandbox",
	Long: `Execute Python code inside the configured sandbox backend.
Code passes static safety analysis before it runs. Variables, functions, and
imports persist across runs that share a --session.

Examples:
  runbox run -c "x = 40 + 2; print(x)"
  runbox run -f script.py --session analysis
  echo "print('hi')" | runbox run
  runbox run -c "total * 2" --session analysis

Exit codes:
  0    success
  1    guest code raised or exited nonzero
  2    rejected by safety analysis
  3    no sandbox backend available
  124  execution timed out`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVarP(&runCode, "code", "c", "", "code to execute")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "file containing code to execute")
	runCmd.Flags().StringVar(&runSession, "session", "", "session ID for persistent state (default: ephemeral)")
	runCmd.Flags().StringVar(&runBackend, "backend", "", "sandbox backend: seatbelt, docker, remote, auto")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "timeout in seconds (0 = config default)")
	runCmd.Flags().BoolVar(&runTrusted, "trusted", false, "bypass safety checks (framework code only)")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "debug logging")
}

func runRun(_ *cobra.Command, _ []string) error {
	code, err := executeRun()
	if err != nil {
		return err
	}
	// Exit after all deferred cleanups in executeRun have run.
	os.Exit(code)
	return nil
}

func executeRun() (int, error) {
	source, err := readSource(runCode, runFile)
	if err != nil {
		return 0, err
	}

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return 0, err
	}
	applyRunOverrides(cfg)

	sc, err := initShared(cfg, newLogger(levelFor(runVerbose)))
	if err != nil {
		return 0, err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID, ephemeral := resolveSession(runSession)
	if ephemeral {
		defer teardownEphemeral(sc, sessionID)
	}

	res, err := sc.Engine.Submit(ctx, engine.Submission{
		SessionID: sessionID,
		Code:      source,
		Trusted:   runTrusted,
		Timeout:   time.Duration(runTimeout) * time.Second,
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

func applyRunOverrides(cfg *config.Config) {
	if runBackend != "" {
		cfg.Sandbox.Backend = runBackend
	}
}

func levelFor(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// readSource resolves the code to execute from flag, file, or stdin.
func readSource(code, file string) (string, error) {
	if code != "" && file != "" {
		return "", fmt.Errorf("use either -c or -f, not both")
	}
	if code != "" {
		return code, nil
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", file, err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no code given: use -c, -f, or pipe to stdin")
	}
	return string(data), nil
}

// resolveSession returns the session ID and whether it is ephemeral.
func resolveSession(flag string) (string, bool) {
	if flag != "" {
		return flag, false
	}
	return "cli-" + uuid.New().String(), true
}

func teardownEphemeral(sc *SharedComponents, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sc.Engine.Teardown(ctx, sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "warning: session teardown failed: %v\n", err)
	}
}

// printResult writes outputs to the matching host streams.
func printResult(res *provider.ExecutionResult) {
	if res.Stdout != "" {
		fmt.Print(res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if res.ReturnValue != "" {
		fmt.Println(res.ReturnValue)
	}
	if res.Error != nil {
		switch res.Error.Kind {
		case provider.ErrKindGuestRuntime:
			if res.Error.Traceback != "" {
				fmt.Fprintln(os.Stderr, res.Error.Traceback)
			} else {
				fmt.Fprintln(os.Stderr, res.Error.Message)
			}
		default:
			fmt.Fprintf(os.Stderr, "Error: %s\n", res.Error.Message)
		}
	}
}

func exitCodeFor(res *provider.ExecutionResult) int {
	if res.Error == nil {
		return ExitSuccess
	}
	switch res.Error.Kind {
	case provider.ErrKindSafetyRejected, provider.ErrKindShellRejected:
		return ExitRejected
	case provider.ErrKindSandboxSetup:
		return ExitSandboxUnavailable
	case provider.ErrKindTimeout:
		return ExitTimeout
	default:
		if res.ExitCode != 0 {
			return res.ExitCode
		}
		return ExitGuestFailure
	}
}

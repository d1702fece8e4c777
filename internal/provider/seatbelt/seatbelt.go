// Package seatbelt executes guest code under macOS sandbox-exec with a
// generated default-deny SBPL profile.
//
// Security guarantees:
//   - Default-deny profile: only the session directory and temp dirs
//     are writable, /Users is unreadable outside explicit allowances
//   - Network denied unless explicitly enabled
//   - Each session gets its own work directory (removed on cleanup)
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from the host — only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
package seatbelt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/runbox/internal/provider"
	"github.com/jkaninda/runbox/internal/state"
)

const (
	defaultTimeout    = 120 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512
)

// Config configures the seatbelt backend for one session.
type Config struct {
	SessionID      string
	PythonBin      string // default "python3"
	AllowNetwork   bool
	ExtraReadDirs  []string
	ExtraWriteDirs []string
	DefaultTimeout time.Duration
	Limits         provider.ResourceLimits
	Env            map[string]string // extra guest environment variables
}

// Backend implements provider.Provider on top of sandbox-exec.
type Backend struct {
	cfg    Config
	store  state.Store
	logger *slog.Logger

	initOnce    sync.Once
	initErr     error
	workDir     string
	profilePath string
}

// New creates a seatbelt backend. Initialization is lazy: the work
// directory and profile are created on first execution.
func New(cfg Config, store state.Store, logger *slog.Logger) *Backend {
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python3"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Limits.MaxCPUSeconds == 0 {
		cfg.Limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.Limits.MaxMemoryMB == 0 {
		cfg.Limits.MaxMemoryMB = defaultMemoryMB
	}
	return &Backend{cfg: cfg, store: store, logger: logger}
}

// Supported reports whether this host can run the seatbelt backend:
// macOS with sandbox-exec on PATH.
func Supported() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := exec.LookPath("sandbox-exec")
	return err == nil
}

func (b *Backend) Kind() provider.Kind { return provider.KindSeatbelt }

// init creates the session work directory and writes the SBPL profile.
func (b *Backend) init() error {
	b.initOnce.Do(func() {
		dir, err := os.MkdirTemp("", "runbox-seatbelt-*")
		if err != nil {
			b.initErr = fmt.Errorf("creating session work dir: %w", err)
			return
		}
		profile := BuildProfile(ProfileParams{
			WorkDir:        dir,
			AllowNetwork:   b.cfg.AllowNetwork,
			ExtraReadDirs:  b.cfg.ExtraReadDirs,
			ExtraWriteDirs: b.cfg.ExtraWriteDirs,
		})
		profilePath := filepath.Join(dir, "profile.sb")
		if err := os.WriteFile(profilePath, []byte(profile), 0600); err != nil {
			b.initErr = fmt.Errorf("writing seatbelt profile: %w", err)
			return
		}
		b.workDir = dir
		b.profilePath = profilePath
		b.logger.Info("seatbelt sandbox initialized",
			slog.String("session_id", b.cfg.SessionID),
			slog.String("work_dir", dir),
			slog.Bool("network", b.cfg.AllowNetwork),
		)
	})
	return b.initErr
}

// ExecuteCode runs one guest submission: restore the snapshot to a file
// the sandbox can read, run the generated wrapper under sandbox-exec,
// then persist the updated snapshot.
func (b *Backend) ExecuteCode(ctx context.Context, req provider.CodeRequest) (*provider.ExecutionResult, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statePath := filepath.Join(b.workDir, "state.pkl")
	resultPath := filepath.Join(b.workDir, "result.json")
	scriptPath := filepath.Join(b.workDir, "runner.py")

	// 1. Materialize the stored snapshot. A corrupt envelope or a
	// snapshot from another backend starts the run from an empty
	// environment with a visible warning.
	snapWarning, err := provider.RestoreSnapshot(ctx, b.store, b.cfg.SessionID, provider.KindSeatbelt, statePath, 0600)
	if err != nil {
		return nil, err
	}
	os.Remove(resultPath)

	// 2. Generate the wrapper script. Host and guest paths coincide —
	// sandbox-exec does not remap the filesystem.
	script, err := provider.BuildRunnerScript(provider.RunnerParams{
		Source:     req.Source,
		StatePath:  statePath,
		ResultPath: resultPath,
		Policy:     req.Policy,
	})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(scriptPath, []byte(script), 0600); err != nil {
		return nil, fmt.Errorf("writing runner script: %w", err)
	}

	// 3. Run under sandbox-exec, with ulimit enforcement inside the
	// sandbox. exec "$@" keeps the interpreter invocation out of the
	// shell string.
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		b.cfg.Limits.MaxMemoryMB*1024, b.cfg.Limits.MaxCPUSeconds,
	)
	cmd := exec.CommandContext(ctx, "sandbox-exec", "-f", b.profilePath,
		"/bin/sh", "-c", shellScript, "_", b.cfg.PythonBin, scriptPath)

	res, err := b.run(ctx, cmd, timeout)
	if err != nil || res.Error != nil && res.Error.Kind == provider.ErrKindTimeout {
		return res, err
	}

	// 4. Collect the structured result and persist the new snapshot.
	data, readErr := os.ReadFile(resultPath)
	if readErr != nil {
		// The interpreter died before writing a result (OOM kill,
		// missing python). Surface captured output as-is.
		res.Error = &provider.ExecError{
			Kind:    provider.ErrKindGuestRuntime,
			Message: fmt.Sprintf("guest interpreter exited %d without a result", res.ExitCode),
		}
		return res, nil
	}
	runnerRes, err := provider.ParseRunnerResult(data)
	if err != nil {
		return nil, err
	}
	mapped := provider.ResultFromRunner(runnerRes)
	mapped.ExitCode = res.ExitCode
	mapped.Duration = res.Duration
	if snapWarning != "" && mapped.Error == nil {
		mapped.Error = &provider.ExecError{Kind: provider.ErrKindSnapshotCorrupt, Message: snapWarning}
		mapped.Stderr = appendLine(mapped.Stderr, "warning: "+snapWarning)
	}
	mapped.Stdout = provider.StripANSI(mapped.Stdout)
	mapped.Stderr = provider.StripANSI(mapped.Stderr)

	if newState, err := os.ReadFile(statePath); err == nil {
		saveErr := b.store.Save(ctx, &state.Snapshot{
			SessionID: b.cfg.SessionID,
			Backend:   string(provider.KindSeatbelt),
			Data:      newState,
		})
		if saveErr != nil {
			b.logger.Warn("failed to persist environment snapshot",
				slog.String("session_id", b.cfg.SessionID),
				slog.String("error", saveErr.Error()),
			)
		}
	}
	return mapped, nil
}

// ExecuteShell runs a validated command line under the same profile.
func (b *Backend) ExecuteShell(ctx context.Context, req provider.ShellRequest) (*provider.ExecutionResult, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	line := fmt.Sprintf("ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; %s",
		b.cfg.Limits.MaxMemoryMB*1024, b.cfg.Limits.MaxCPUSeconds,
		provider.JoinShellTokens(req.Tokens),
	)
	cmd := exec.CommandContext(ctx, "sandbox-exec", "-f", b.profilePath, "/bin/sh", "-c", line)
	if req.Workdir != "" {
		cmd.Dir = req.Workdir
	}

	res, err := b.run(ctx, cmd, timeout)
	if err != nil {
		return nil, err
	}
	res.Stdout = provider.StripANSI(res.Stdout)
	res.Stderr = provider.StripANSI(res.Stderr)
	return res, nil
}

// run executes a prepared command with process-group isolation, a
// sanitized environment, and capped output capture.
func (b *Backend) run(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) (*provider.ExecutionResult, error) {
	if cmd.Dir == "" {
		cmd.Dir = b.workDir
	}
	cmd.Env = provider.BaseEnv(b.workDir, b.cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &provider.LimitedWriter{W: &stdoutBuf, Remaining: provider.MaxCaptureBytes}
	cmd.Stderr = &provider.LimitedWriter{W: &stderrBuf, Remaining: provider.MaxCaptureBytes}

	b.logger.Info("seatbelt executing",
		slog.String("session_id", b.cfg.SessionID),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil && ctx.Err() != nil {
		b.logger.Warn("seatbelt execution timed out",
			slog.String("session_id", b.cfg.SessionID),
			slog.Duration("timeout", timeout),
		)
		return &provider.ExecutionResult{
			Stdout:   provider.StripANSI(stdoutBuf.String()),
			Stderr:   provider.StripANSI(stderrBuf.String()),
			ExitCode: 124,
			Duration: duration,
			Error: &provider.ExecError{
				Kind:    provider.ErrKindTimeout,
				Message: fmt.Sprintf("execution timed out after %s", timeout),
			},
		}, nil
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	return &provider.ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// Cleanup removes the session work directory. The environment snapshot
// outlives the backend — the engine deletes it on session teardown.
func (b *Backend) Cleanup(_ context.Context) error {
	if b.workDir == "" {
		return nil
	}
	if err := os.RemoveAll(b.workDir); err != nil {
		return fmt.Errorf("removing session work dir: %w", err)
	}
	b.workDir = ""
	return nil
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}

var _ provider.Provider = (*Backend)(nil)

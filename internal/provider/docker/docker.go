// Package docker executes guest code inside ephemeral hardened Docker
// containers. Each submission runs in a fresh container; the session
// work directory on the host carries the snapshot, runner script, and
// result file across the container boundary.
//
// Security guarantees:
//   - Each execution gets its own container (--rm, plus deferred docker rm -f safety net)
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only) with tmpfs for writable dirs
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - No host PID namespace, no docker socket mount, no privileged mode
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - CPU rate limited
//   - stdout/stderr capped to prevent OOM on the host
//   - Container always cleaned up, even on timeout/crash
package docker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/provider"
	"github.com/jkaninda/runbox/internal/state"
)

const (
	defaultImage      = "python:3.12-slim"
	defaultTimeout    = 120 * time.Second
	defaultMemoryMB   = 512
	defaultCPUCores   = 1.0
	defaultPIDsLimit  = 64
	guestWorkspaceDir = "/workspace"
)

// Config configures the docker backend for one session.
type Config struct {
	SessionID      string
	Image          string        // Container image. Must provide python3.
	PythonBin      string        // default "python3"
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	Limits         provider.ResourceLimits
	NetworkAllowed bool              // false = --network=none (no network stack at all).
	Mounts         []provider.Mount  // Extra host paths mapped into the container.
	Env            map[string]string // Extra guest environment variables.
}

// Backend implements provider.Provider on top of `docker run`.
type Backend struct {
	cfg    Config
	store  state.Store
	logger *slog.Logger

	initOnce sync.Once
	initErr  error
	workDir  string // host-side session directory, mounted at /workspace
}

// New creates a docker backend. Initialization is lazy: the session
// work directory is created on first execution.
func New(cfg Config, store state.Store, logger *slog.Logger) *Backend {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python3"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Limits.MaxMemoryMB == 0 {
		cfg.Limits.MaxMemoryMB = defaultMemoryMB
	}
	if cfg.Limits.CPUCores <= 0 {
		cfg.Limits.CPUCores = defaultCPUCores
	}
	if cfg.Limits.PIDsLimit <= 0 {
		cfg.Limits.PIDsLimit = defaultPIDsLimit
	}
	return &Backend{cfg: cfg, store: store, logger: logger}
}

// Supported reports whether a usable docker daemon is reachable.
func Supported() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

func (b *Backend) Kind() provider.Kind { return provider.KindDocker }

func (b *Backend) init() error {
	b.initOnce.Do(func() {
		dir, err := os.MkdirTemp("", "runbox-docker-*")
		if err != nil {
			b.initErr = fmt.Errorf("creating session work dir: %w", err)
			return
		}
		// The container runs as nobody; it must be able to write the
		// result and state files back.
		if err := os.Chmod(dir, 0777); err != nil {
			os.RemoveAll(dir)
			b.initErr = fmt.Errorf("opening session work dir permissions: %w", err)
			return
		}
		b.workDir = dir
		b.logger.Info("docker sandbox initialized",
			slog.String("session_id", b.cfg.SessionID),
			slog.String("image", b.cfg.Image),
			slog.String("work_dir", dir),
			slog.Bool("network", b.cfg.NetworkAllowed),
		)
	})
	return b.initErr
}

// ExecuteCode runs one guest submission in a fresh container. The
// snapshot, runner script, and result file travel through the mounted
// session directory; guest paths are fixed under /workspace.
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

	hostState := filepath.Join(b.workDir, "state.pkl")
	hostResult := filepath.Join(b.workDir, "result.json")
	hostScript := filepath.Join(b.workDir, "runner.py")

	snapWarning, err := provider.RestoreSnapshot(ctx, b.store, b.cfg.SessionID, provider.KindDocker, hostState, 0666)
	if err != nil {
		return nil, err
	}
	os.Remove(hostResult)

	script, err := provider.BuildRunnerScript(provider.RunnerParams{
		Source:     req.Source,
		StatePath:  guestWorkspaceDir + "/state.pkl",
		ResultPath: guestWorkspaceDir + "/result.json",
		Policy:     req.Policy,
	})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(hostScript, []byte(script), 0666); err != nil {
		return nil, fmt.Errorf("writing runner script: %w", err)
	}

	res, err := b.runContainer(ctx, timeout, "",
		b.cfg.PythonBin, guestWorkspaceDir+"/runner.py")
	if err != nil || res.Error != nil && res.Error.Kind == provider.ErrKindTimeout {
		return res, err
	}

	data, readErr := os.ReadFile(hostResult)
	if readErr != nil {
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
		if mapped.Stderr != "" {
			mapped.Stderr += "\n"
		}
		mapped.Stderr += "warning: " + snapWarning
	}
	mapped.Stdout = provider.StripANSI(mapped.Stdout)
	mapped.Stderr = provider.StripANSI(mapped.Stderr)

	if newState, err := os.ReadFile(hostState); err == nil {
		saveErr := b.store.Save(ctx, &state.Snapshot{
			SessionID: b.cfg.SessionID,
			Backend:   string(provider.KindDocker),
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

// ExecuteShell runs a validated command line through /bin/sh inside a
// fresh container.
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

	res, err := b.runContainer(ctx, timeout, req.Workdir,
		"/bin/sh", "-c", provider.JoinShellTokens(req.Tokens))
	if err != nil {
		return nil, err
	}
	res.Stdout = provider.StripANSI(res.Stdout)
	res.Stderr = provider.StripANSI(res.Stderr)
	return res, nil
}

// runContainer executes one command in a fresh hardened container.
func (b *Backend) runContainer(ctx context.Context, timeout time.Duration, workdir string, command ...string) (*provider.ExecutionResult, error) {
	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	args := b.buildDockerArgs(containerName, workdir)
	args = append(args, command...)

	cmd := exec.CommandContext(ctx, "docker", args...)

	// Kill the docker client on context cancellation; the daemon stops
	// the container when the client disconnects, and the rm -f safety
	// net below catches stragglers.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &provider.LimitedWriter{W: &stdoutBuf, Remaining: provider.MaxCaptureBytes}
	cmd.Stderr = &provider.LimitedWriter{W: &stderrBuf, Remaining: provider.MaxCaptureBytes}

	b.logger.Info("docker executing",
		slog.String("session_id", b.cfg.SessionID),
		slog.String("container", containerName),
		slog.String("image", b.cfg.Image),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	b.forceRemoveContainer(containerName)

	if runErr != nil && ctx.Err() != nil {
		b.logger.Warn("docker execution timed out",
			slog.String("container", containerName),
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
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
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
	}

	return &provider.ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// buildDockerArgs constructs the full docker run argument list with all
// security hardening flags. The command itself is NOT included — caller appends it.
func (b *Backend) buildDockerArgs(name, workdir string) []string {
	memoryFlag := strconv.Itoa(b.cfg.Limits.MaxMemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(b.cfg.Limits.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(b.cfg.Limits.PIDsLimit)

	args := []string{
		"run", "--rm",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",                   // Drop all Linux capabilities.
		"--security-opt=no-new-privileges", // Block setuid/setgid escalation.
		"--read-only",                      // Read-only root filesystem.
		"--user=65534:65534",               // Non-root (nobody).

		// --- Resource limits ---
		"--memory=" + memoryFlag,      // Hard memory limit.
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,           // CPU rate limit.
		"--pids-limit=" + pidsFlag,    // Fork bomb protection.

		// --- Writable tmpfs for scratch space ---
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",

		// --- Session directory carries state across the boundary ---
		"-v", b.workDir + ":" + guestWorkspaceDir + ":rw",

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=" + guestWorkspaceDir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	// Network policy: disabled by default (no network stack at all).
	if b.cfg.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	if workdir == "" {
		workdir = guestWorkspaceDir
	}
	args = append(args, "--workdir", workdir)

	for _, m := range b.cfg.Mounts {
		target := m.Target
		if target == "" {
			target = "/mnt/" + filepath.Base(m.Source)
		}
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", m.Source+":"+target+":"+mode)
	}

	for k, v := range b.cfg.Env {
		args = append(args, "--env", k+"="+v)
	}

	// Image (must come after all flags, before command).
	args = append(args, b.cfg.Image)

	return args
}

// forceRemoveContainer attempts to remove a container by name.
// This is a safety net — if --rm didn't fire due to OOM kill, daemon
// restart, or context cancel race, this ensures no container leakage.
// Errors are logged but not returned (best-effort cleanup).
func (b *Backend) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			b.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
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

// generateContainerName returns a unique container name: runbox-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "runbox-" + hex.EncodeToString(b), nil
}

var _ provider.Provider = (*Backend)(nil)

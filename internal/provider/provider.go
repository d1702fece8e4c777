// Package provider defines the execution contract every sandbox backend
// implements, plus the shared request/result types. All guest code and
// shell commands run through a Provider — never directly on the host.
package provider

import (
	"context"
	"time"

	"github.com/jkaninda/runbox/internal/safety"
)

// Kind identifies a sandbox backend implementation.
type Kind string

const (
	// KindSeatbelt runs guest code under macOS sandbox-exec with a
	// generated SBPL profile.
	KindSeatbelt Kind = "seatbelt"
	// KindDocker runs guest code in ephemeral hardened containers.
	KindDocker Kind = "docker"
	// KindRemote delegates execution to a remote sandbox service.
	KindRemote Kind = "remote"
	// KindAuto selects the strongest supported backend at session
	// configuration time.
	KindAuto Kind = "auto"
)

// ErrorKind classifies execution failures in the result shape shared by
// all backends.
type ErrorKind string

const (
	// ErrKindSafetyRejected means static analysis refused the code.
	// The submission never executed.
	ErrKindSafetyRejected ErrorKind = "safety_rejected"
	// ErrKindShellRejected means the command or an operator is not
	// allowlisted. The command never executed.
	ErrKindShellRejected ErrorKind = "shell_rejected"
	// ErrKindGuestRuntime means the guest code raised during execution.
	// The traceback is captured and the session continues.
	ErrKindGuestRuntime ErrorKind = "guest_runtime_error"
	// ErrKindSandboxSetup means the backend failed to initialize its
	// isolation. The session is unusable until reconfigured.
	ErrKindSandboxSetup ErrorKind = "sandbox_setup_error"
	// ErrKindTimeout means the execution exceeded its deadline and was
	// terminated. The session remains usable.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindSnapshotCorrupt means the saved environment could not be
	// restored. Execution proceeded from an empty environment.
	ErrKindSnapshotCorrupt ErrorKind = "snapshot_corrupt"
)

// ExecError is the structured error carried inside an ExecutionResult.
// It describes expected, recoverable outcomes (rejections, guest
// exceptions, timeouts) — not backend failures, which surface as Go errors.
type ExecError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Traceback string    `json:"traceback,omitempty"`
}

func (e *ExecError) Error() string { return string(e.Kind) + ": " + e.Message }

// ExecutionResult is the stable output shape shared by all backends.
type ExecutionResult struct {
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	ReturnValue string        `json:"return_value,omitempty"`
	Error       *ExecError    `json:"error,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Truncated   bool          `json:"truncated"`
	Duration    time.Duration `json:"duration"`

	// TrustedRun reports whether the backend executed this submission
	// with safety checks bypassed. Surfaced so callers can audit the
	// trusted escape hatch instead of inferring it from ordering.
	TrustedRun bool `json:"trusted_run,omitempty"`
}

// ResourceLimits constrains a sandboxed execution.
type ResourceLimits struct {
	MaxCPUSeconds int     // CPU time limit. 0 = backend default.
	MaxMemoryMB   int     // Memory limit in MB. 0 = backend default.
	CPUCores      float64 // CPU rate limit (container backends). 0 = default.
	PIDsLimit     int     // Process count limit (container backends). 0 = default.
}

// Mount maps a host path into the sandbox.
type Mount struct {
	Source   string // Host path.
	Target   string // In-sandbox path. Empty = derived from Source basename.
	ReadOnly bool
}

// CodeRequest is one guest-code submission.
type CodeRequest struct {
	Source  string
	Timeout time.Duration // 0 = backend default
	// Policy is the runtime enforcement context derived by static
	// analysis. The backend injects it into the guest interpreter.
	Policy safety.Policy
}

// ShellRequest is one pre-validated shell command.
type ShellRequest struct {
	Tokens  []string
	Timeout time.Duration // 0 = backend default
	Workdir string        // "" = session working directory
}

// Provider executes guest code and shell commands inside one isolation
// mechanism. A Provider instance owns the live resources of exactly one
// session and is not safe for concurrent use — callers serialize.
type Provider interface {
	// ExecuteCode runs one guest-code submission against the session's
	// current environment snapshot: restore on entry, save on successful
	// exit. Guest exceptions are recovered into the result, not returned
	// as Go errors.
	ExecuteCode(ctx context.Context, req CodeRequest) (*ExecutionResult, error)

	// ExecuteShell runs a pre-validated shell command under the same
	// isolation. Shell commands do not touch the environment snapshot.
	ExecuteShell(ctx context.Context, req ShellRequest) (*ExecutionResult, error)

	// Cleanup releases all session resources. Idempotent, and safe to
	// call even if initialization partially failed.
	Cleanup(ctx context.Context) error

	// Kind reports which backend this is.
	Kind() Kind
}

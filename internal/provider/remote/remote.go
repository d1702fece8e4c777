// Package remote delegates execution to a hosted sandbox service over
// HTTP. The service owns the session environment; this backend creates
// a remote session lazily, forwards submissions, and tears the session
// down on cleanup.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/provider"
	"github.com/jkaninda/runbox/internal/safety"
)

const defaultTimeout = 120 * time.Second

// defaultPackages are always provisioned in remote sessions — the
// execution scaffolding depends on them.
var defaultPackages = []string{"cloudpickle", "requests"}

// Config configures the remote backend for one session.
type Config struct {
	BaseURL string // Service endpoint, e.g. "https://sandbox.example.com".
	APIKey  string // Bearer token. Empty = unauthenticated.

	Packages []string          // Extra pip packages to provision.
	Secrets  map[string]string // Secrets injected as remote environment variables.
	Env      map[string]string // Plain guest environment variables.

	// SetupCode is framework-constructed provisioning code executed once,
	// with safety checks bypassed, when the remote session is created.
	SetupCode string

	DefaultTimeout time.Duration
	HTTPClient     *http.Client // nil = http.DefaultClient
}

// Backend implements provider.Provider against the remote service.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	remoteID string // assigned by the service on session creation
}

// New creates a remote backend. The remote session is created lazily on
// first execution.
func New(cfg Config, logger *slog.Logger) *Backend {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Backend{cfg: cfg, logger: logger}
}

func (b *Backend) Kind() provider.Kind { return provider.KindRemote }

type createSessionRequest struct {
	Packages []string          `json:"packages,omitempty"`
	Secrets  map[string]string `json:"secrets,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

type execRequest struct {
	Type           string        `json:"type"` // "code" or "shell"
	Source         string        `json:"source,omitempty"`
	Tokens         []string      `json:"tokens,omitempty"`
	Workdir        string        `json:"workdir,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	Policy         safety.Policy `json:"policy"`
}

type execResponse struct {
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	ReturnValue  string `json:"return_value,omitempty"`
	ExitCode     int    `json:"exit_code"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Traceback    string `json:"traceback,omitempty"`
}

// ensureSession creates the remote session on first use and runs the
// provisioning code, trusted, before any guest submission.
func (b *Backend) ensureSession(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remoteID != "" {
		return b.remoteID, nil
	}

	packages := append(append([]string{}, defaultPackages...), b.cfg.Packages...)
	var resp createSessionResponse
	err := b.do(ctx, http.MethodPost, "/v1/sessions", createSessionRequest{
		Packages: packages,
		Secrets:  b.cfg.Secrets,
		Env:      b.cfg.Env,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("creating remote session: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("creating remote session: service returned no session id")
	}
	b.remoteID = resp.ID
	b.logger.Info("remote session created",
		slog.String("remote_id", resp.ID),
		slog.Int("packages", len(packages)),
	)

	if b.cfg.SetupCode != "" {
		var setupResp execResponse
		err := b.do(ctx, http.MethodPost, "/v1/sessions/"+resp.ID+"/exec", execRequest{
			Type:           "code",
			Source:         b.cfg.SetupCode,
			TimeoutSeconds: int(b.cfg.DefaultTimeout.Seconds()),
			Policy:         safety.Config{Trusted: true}.Policy(),
		}, &setupResp)
		if err != nil {
			return "", fmt.Errorf("running remote setup code: %w", err)
		}
		if setupResp.ErrorKind != "" {
			return "", fmt.Errorf("remote setup code failed: %s", setupResp.ErrorMessage)
		}
	}
	return b.remoteID, nil
}

// ExecuteCode forwards one guest submission to the remote session.
func (b *Backend) ExecuteCode(ctx context.Context, req provider.CodeRequest) (*provider.ExecutionResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, err := b.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	var resp execResponse
	start := time.Now()
	err = b.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/exec", execRequest{
		Type:           "code",
		Source:         req.Source,
		TimeoutSeconds: int(timeout.Seconds()),
		Policy:         req.Policy,
	}, &resp)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return b.timeoutResult(timeout, time.Since(start)), nil
		}
		return nil, err
	}
	res := mapResponse(&resp)
	res.Duration = time.Since(start)
	res.TrustedRun = !req.Policy.RuntimeBlocking
	return res, nil
}

// ExecuteShell forwards a validated command line to the remote session.
func (b *Backend) ExecuteShell(ctx context.Context, req provider.ShellRequest) (*provider.ExecutionResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, err := b.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	var resp execResponse
	start := time.Now()
	err = b.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/exec", execRequest{
		Type:           "shell",
		Tokens:         req.Tokens,
		Workdir:        req.Workdir,
		TimeoutSeconds: int(timeout.Seconds()),
	}, &resp)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return b.timeoutResult(timeout, time.Since(start)), nil
		}
		return nil, err
	}
	res := mapResponse(&resp)
	res.Duration = time.Since(start)
	return res, nil
}

// timeoutResult maps a deadline hit while waiting on the service into
// the same recoverable timeout shape the local backends produce. The
// remote session stays usable for the next submission.
func (b *Backend) timeoutResult(timeout, duration time.Duration) *provider.ExecutionResult {
	b.mu.Lock()
	id := b.remoteID
	b.mu.Unlock()
	b.logger.Warn("remote execution timed out",
		slog.String("remote_id", id),
		slog.Duration("timeout", timeout),
	)
	return &provider.ExecutionResult{
		ExitCode: 124,
		Duration: duration,
		Error: &provider.ExecError{
			Kind:    provider.ErrKindTimeout,
			Message: fmt.Sprintf("execution timed out after %s", timeout),
		},
	}
}

// Cleanup deletes the remote session. A session the service no longer
// knows about is already clean.
func (b *Backend) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	id := b.remoteID
	b.remoteID = ""
	b.mu.Unlock()
	if id == "" {
		return nil
	}
	err := b.do(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
	if err != nil && !isSessionGone(err) {
		return fmt.Errorf("deleting remote session: %w", err)
	}
	return nil
}

// do issues one JSON request to the service and decodes the response.
func (b *Backend) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(b.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling sandbox service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errSessionGone
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

var errSessionGone = fmt.Errorf("remote session gone")

func isSessionGone(err error) bool {
	return err != nil && strings.Contains(err.Error(), errSessionGone.Error())
}

// mapResponse converts the wire response into the shared result shape.
func mapResponse(r *execResponse) *provider.ExecutionResult {
	res := &provider.ExecutionResult{
		Stdout:      provider.StripANSI(r.Stdout),
		Stderr:      provider.StripANSI(r.Stderr),
		ReturnValue: r.ReturnValue,
		ExitCode:    r.ExitCode,
	}
	if r.ErrorKind != "" {
		res.Error = &provider.ExecError{
			Kind:      provider.ErrorKind(r.ErrorKind),
			Message:   r.ErrorMessage,
			Traceback: r.Traceback,
		}
	}
	return res
}

var _ provider.Provider = (*Backend)(nil)

// Package engine orchestrates sandboxed execution: it vets every
// submission with the safety engine or the shell guard, serializes
// submissions per session, dispatches to the configured backend, and
// shapes the delivered output.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/audit"
	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/provider"
	"github.com/jkaninda/runbox/internal/provider/docker"
	"github.com/jkaninda/runbox/internal/provider/remote"
	"github.com/jkaninda/runbox/internal/provider/seatbelt"
	"github.com/jkaninda/runbox/internal/safety"
	"github.com/jkaninda/runbox/internal/shellguard"
	"github.com/jkaninda/runbox/internal/state"
)

// ErrSessionBusy is returned for a non-waiting submission while another
// submission in the same session is still executing.
var ErrSessionBusy = errors.New("engine: session busy")

// ErrSandboxSetup is returned when the backend cannot be provisioned or
// reached. Fatal to the session: the caller must tear it down and
// configure a fresh one.
var ErrSandboxSetup = errors.New("engine: sandbox setup failed")

// SessionOptions configure one session. Zero values inherit the
// engine-level config defaults.
type SessionOptions struct {
	Backend provider.Kind

	AuthorizedImports   []string
	AuthorizedFunctions []string
	CheckObfuscation    bool

	Shell shellguard.Policy

	// SetupCode runs as a trusted submission before the session's first
	// real submission, and again after a disruptive reconfigure.
	// Framework scaffolding only.
	SetupCode string

	Timeout      time.Duration
	AllowNetwork bool
	Workdir      string // "" = the backend's session workspace
	Mounts       []provider.Mount
	Env          map[string]string
}

// Submission is one unit of work. Exactly one of Code or Command must
// be set.
type Submission struct {
	SessionID string
	Code      string // guest source
	Command   string // raw shell command line

	// Trusted bypasses safety checks for this code submission. Only for
	// framework-constructed code — never for user- or model-supplied content.
	Trusted bool

	Timeout time.Duration // 0 = session/engine default
	Wait    bool          // block on a busy session instead of failing fast
}

type session struct {
	id        string
	opts      SessionOptions
	mu        sync.Mutex // serializes submissions
	backend   provider.Provider
	setupDone bool
	runs      int
}

// Engine is the execution front door. Safe for concurrent use;
// submissions within one session are serialized.
type Engine struct {
	cfg       *config.Config
	store     state.Store
	obs       *observability.Observability
	logger    *slog.Logger
	truncator *Truncator
	auditor   *audit.Logger // nil = auditing disabled

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	// newBackend constructs a backend for a session. Replaced in tests.
	newBackend func(kind provider.Kind, s *session) (provider.Provider, error)
}

// New creates an Engine. The observability facade may be nil.
func New(cfg *config.Config, store state.Store, obs *observability.Observability, logger *slog.Logger) (*Engine, error) {
	truncator, err := NewTruncator(cfg.Output.MaxLines, cfg.Output.MaxBytes, cfg.Output.NoticeTemplate)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		obs:       obs,
		logger:    logger,
		truncator: truncator,
		sessions:  make(map[string]*session),
	}
	e.newBackend = e.buildBackend
	return e, nil
}

// WithAudit attaches an audit logger recording every submission.
func (e *Engine) WithAudit(a *audit.Logger) *Engine {
	e.auditor = a
	return e
}

// defaultOptions derives session options from the engine config.
func (e *Engine) defaultOptions() SessionOptions {
	return SessionOptions{
		Backend:             provider.Kind(e.cfg.Sandbox.BackendName()),
		AuthorizedImports:   e.cfg.Safety.AuthorizedImports,
		AuthorizedFunctions: e.cfg.Safety.AuthorizedFunctions,
		CheckObfuscation:    e.cfg.Safety.CheckObfuscation,
		SetupCode:           e.cfg.Sandbox.SetupCode,
		Shell: shellguard.Policy{
			AdditionalSafeCommands:  e.cfg.Shell.AdditionalSafeCommands,
			AdditionalSafeOperators: e.cfg.Shell.AdditionalSafeOperators,
			Bypass:                  e.cfg.Shell.Bypass,
		},
		Timeout:      e.cfg.Sandbox.Timeout(),
		AllowNetwork: e.cfg.Sandbox.AllowNetwork,
		Env:          e.cfg.Sandbox.Env,
	}
}

// ConfigureSession creates or reconfigures a session. Reconfiguration
// is disruptive: the running backend is torn down and recreated lazily
// on the next submission. The stored snapshot is kept, but it only
// resumes if the new backend kind matches the one that produced it;
// otherwise the next run starts from an empty environment with a
// warning.
func (e *Engine) ConfigureSession(ctx context.Context, sessionID string, opts SessionOptions) error {
	if sessionID == "" {
		return fmt.Errorf("engine: session id is required")
	}
	if opts.Backend == "" {
		opts.Backend = provider.Kind(e.cfg.Sandbox.BackendName())
	}
	if opts.Timeout == 0 {
		opts.Timeout = e.cfg.Sandbox.Timeout()
	}

	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID}
		e.sessions[sessionID] = s
		if m := e.obs.MetricsOrNil(); m != nil {
			m.ActiveSessions.Inc()
		}
	}
	e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		if err := s.backend.Cleanup(ctx); err != nil {
			e.logger.Warn("backend cleanup during reconfigure failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
		s.backend = nil
	}
	s.setupDone = false
	s.opts = opts
	e.logger.Info("session configured",
		slog.String("session_id", sessionID),
		slog.String("backend", string(opts.Backend)),
	)
	return nil
}

// Submit vets and executes one submission. Rejections, guest errors,
// and timeouts come back inside the result; usage errors (unknown
// submission shape, busy session) and sandbox setup failures are Go
// errors.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*provider.ExecutionResult, error) {
	if sub.SessionID == "" {
		return nil, fmt.Errorf("engine: session id is required")
	}
	if (sub.Code == "") == (sub.Command == "") {
		return nil, fmt.Errorf("engine: exactly one of code or command must be set")
	}

	s := e.getOrCreateSession(sub.SessionID)

	if sub.Wait {
		s.mu.Lock()
	} else if !s.mu.TryLock() {
		return nil, ErrSessionBusy
	}
	defer s.mu.Unlock()

	if sub.Code != "" {
		return e.submitCode(ctx, s, sub)
	}
	return e.submitShell(ctx, s, sub)
}

func (e *Engine) submitCode(ctx context.Context, s *session, sub Submission) (*provider.ExecutionResult, error) {
	verdict := safety.Analyze(sub.Code, safety.Config{
		AuthorizedImports:   s.opts.AuthorizedImports,
		AuthorizedFunctions: s.opts.AuthorizedFunctions,
		CheckObfuscation:    s.opts.CheckObfuscation,
		Trusted:             sub.Trusted,
	})
	e.recordCheck("code", verdict.Accepted, s.id)
	if !verdict.Accepted {
		e.logger.Info("code submission rejected",
			slog.String("session_id", s.id),
			slog.String("construct", verdict.Construct),
		)
		e.recordAudit(ctx, audit.Event{
			SessionID: s.id,
			Kind:      "code",
			Accepted:  false,
			Construct: verdict.Construct,
			ErrorKind: string(provider.ErrKindSafetyRejected),
		})
		return &provider.ExecutionResult{
			Error: &provider.ExecError{Kind: provider.ErrKindSafetyRejected, Message: verdict.Reason},
		}, nil
	}

	backend, err := e.ensureBackend(s)
	if err != nil {
		return nil, e.setupFailure(ctx, s, "code", err)
	}
	if err := e.runSetupCode(ctx, s, backend); err != nil {
		return nil, e.setupFailure(ctx, s, "code", err)
	}
	res, err := backend.ExecuteCode(ctx, provider.CodeRequest{
		Source:  sub.Code,
		Timeout: e.timeoutFor(s, sub),
		Policy:  verdict.Policy,
	})
	if err != nil {
		e.logger.Error("backend execution failed",
			slog.String("session_id", s.id),
			slog.String("backend", string(backend.Kind())),
			slog.String("error", err.Error()),
		)
		return nil, e.setupFailure(ctx, s, "code", err)
	}
	if sub.Trusted {
		res.TrustedRun = true
	}
	s.runs++
	e.recordAudit(ctx, audit.Event{
		SessionID: s.id,
		Kind:      "code",
		Backend:   string(backend.Kind()),
		Accepted:  true,
		Trusted:   sub.Trusted,
		ErrorKind: resultErrorKind(res),
		Duration:  res.Duration.Milliseconds(),
	})
	return e.shape(res), nil
}

func (e *Engine) submitShell(ctx context.Context, s *session, sub Submission) (*provider.ExecutionResult, error) {
	verdict := shellguard.Validate(sub.Command, s.opts.Shell)
	e.recordCheck("shell", verdict.Accepted, s.id)
	if !verdict.Accepted {
		e.logger.Info("shell submission rejected",
			slog.String("session_id", s.id),
			slog.String("reason", verdict.Reason),
		)
		e.recordAudit(ctx, audit.Event{
			SessionID: s.id,
			Kind:      "shell",
			Accepted:  false,
			ErrorKind: string(provider.ErrKindShellRejected),
		})
		return &provider.ExecutionResult{
			Error: &provider.ExecError{Kind: provider.ErrKindShellRejected, Message: verdict.Reason},
		}, nil
	}

	backend, err := e.ensureBackend(s)
	if err != nil {
		return nil, e.setupFailure(ctx, s, "shell", err)
	}
	if err := e.runSetupCode(ctx, s, backend); err != nil {
		return nil, e.setupFailure(ctx, s, "shell", err)
	}
	res, err := backend.ExecuteShell(ctx, provider.ShellRequest{
		Tokens:  verdict.Words(),
		Timeout: e.timeoutFor(s, sub),
		Workdir: s.opts.Workdir,
	})
	if err != nil {
		e.logger.Error("backend execution failed",
			slog.String("session_id", s.id),
			slog.String("backend", string(backend.Kind())),
			slog.String("error", err.Error()),
		)
		return nil, e.setupFailure(ctx, s, "shell", err)
	}
	s.runs++
	e.recordAudit(ctx, audit.Event{
		SessionID: s.id,
		Kind:      "shell",
		Backend:   string(backend.Kind()),
		Accepted:  true,
		ErrorKind: resultErrorKind(res),
		Duration:  res.Duration.Milliseconds(),
	})
	return e.shape(res), nil
}

// Teardown releases the session's backend resources and deletes its
// environment snapshot. Unknown sessions are a no-op.
func (e *Engine) Teardown(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
		if m := e.obs.MetricsOrNil(); m != nil {
			m.ActiveSessions.Dec()
		}
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.backend != nil {
		if err := s.backend.Cleanup(ctx); err != nil {
			errs = append(errs, err)
		}
		s.backend = nil
	}
	if err := e.store.Delete(ctx, sessionID); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("session torn down", slog.String("session_id", sessionID))
	return errors.Join(errs...)
}

// Close tears down all sessions.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := e.Teardown(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) getOrCreateSession(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		s = &session{id: id, opts: e.defaultOptions()}
		e.sessions[id] = s
		if m := e.obs.MetricsOrNil(); m != nil {
			m.ActiveSessions.Inc()
		}
	}
	return s
}

// ensureBackend lazily constructs the session's backend. Must be called
// with the session lock held.
func (e *Engine) ensureBackend(s *session) (provider.Provider, error) {
	if s.backend != nil {
		return s.backend, nil
	}
	kind, err := e.resolveKind(s.opts.Backend)
	if err != nil {
		return nil, err
	}
	inner, err := e.newBackend(kind, s)
	if err != nil {
		return nil, err
	}
	var anomaly *observability.AnomalyDetector
	if e.obs != nil {
		anomaly = e.obs.Anomaly
	}
	s.backend = observability.NewInstrumentedProvider(inner, e.obs.MetricsOrNil(), e.obs.TracerOrNil(), anomaly)
	return s.backend, nil
}

// resolveKind maps "auto" to the strongest backend this host supports.
func (e *Engine) resolveKind(kind provider.Kind) (provider.Kind, error) {
	if kind == "" {
		kind = provider.Kind(e.cfg.Sandbox.BackendName())
	}
	if kind != provider.KindAuto {
		return kind, nil
	}
	switch {
	case seatbelt.Supported():
		return provider.KindSeatbelt, nil
	case docker.Supported():
		return provider.KindDocker, nil
	case e.cfg.Sandbox.Remote != nil && e.cfg.Sandbox.Remote.BaseURL != "":
		return provider.KindRemote, nil
	default:
		return "", fmt.Errorf("no supported sandbox backend on this host (need sandbox-exec, docker, or a remote service)")
	}
}

func (e *Engine) buildBackend(kind provider.Kind, s *session) (provider.Provider, error) {
	limits := provider.ResourceLimits{
		MaxCPUSeconds: e.cfg.Sandbox.MaxCPUSeconds,
		MaxMemoryMB:   e.cfg.Sandbox.MaxMemoryMB,
		CPUCores:      e.cfg.Sandbox.CPUCores,
		PIDsLimit:     e.cfg.Sandbox.PIDsLimit,
	}
	switch kind {
	case provider.KindSeatbelt:
		return seatbelt.New(seatbelt.Config{
			SessionID:      s.id,
			PythonBin:      e.cfg.Sandbox.PythonBin,
			AllowNetwork:   s.opts.AllowNetwork,
			ExtraReadDirs:  e.cfg.Sandbox.AdditionalReadDirs,
			ExtraWriteDirs: e.cfg.Sandbox.AdditionalWriteDirs,
			DefaultTimeout: s.opts.Timeout,
			Limits:         limits,
			Env:            s.opts.Env,
		}, e.store, e.logger), nil
	case provider.KindDocker:
		var image string
		if e.cfg.Sandbox.Docker != nil {
			image = e.cfg.Sandbox.Docker.Image
		}
		return docker.New(docker.Config{
			SessionID:      s.id,
			Image:          image,
			PythonBin:      e.cfg.Sandbox.PythonBin,
			DefaultTimeout: s.opts.Timeout,
			Limits:         limits,
			NetworkAllowed: s.opts.AllowNetwork,
			Mounts:         s.opts.Mounts,
			Env:            s.opts.Env,
		}, e.store, e.logger), nil
	case provider.KindRemote:
		rc := e.cfg.Sandbox.Remote
		if rc == nil || rc.BaseURL == "" {
			return nil, fmt.Errorf("remote backend requested but sandbox.remote.base_url is not configured")
		}
		return remote.New(remote.Config{
			BaseURL:        rc.BaseURL,
			APIKey:         rc.APIKey,
			Packages:       rc.Packages,
			Secrets:        rc.Secrets,
			Env:            s.opts.Env,
			SetupCode:      rc.SetupCode,
			DefaultTimeout: s.opts.Timeout,
		}, e.logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", kind)
	}
}

// runSetupCode runs the session's trusted scaffolding once per backend
// instance. Must be called with the session lock held.
func (e *Engine) runSetupCode(ctx context.Context, s *session, backend provider.Provider) error {
	if s.setupDone || s.opts.SetupCode == "" {
		return nil
	}
	res, err := backend.ExecuteCode(ctx, provider.CodeRequest{
		Source:  s.opts.SetupCode,
		Timeout: e.timeoutFor(s, Submission{}),
		Policy:  safety.Config{Trusted: true}.Policy(),
	})
	if err != nil {
		return fmt.Errorf("running session setup code: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("session setup code failed: %s", res.Error.Message)
	}
	s.setupDone = true
	e.logger.Debug("session setup code executed", slog.String("session_id", s.id))
	return nil
}

func (e *Engine) timeoutFor(s *session, sub Submission) time.Duration {
	if sub.Timeout > 0 {
		return sub.Timeout
	}
	if s.opts.Timeout > 0 {
		return s.opts.Timeout
	}
	return e.cfg.Sandbox.Timeout()
}

// shape applies output truncation to a backend result.
func (e *Engine) shape(res *provider.ExecutionResult) *provider.ExecutionResult {
	if out, truncated := e.truncator.Truncate(res.Stdout); truncated {
		res.Stdout = out
		res.Truncated = true
		if m := e.obs.MetricsOrNil(); m != nil {
			m.TruncationsTotal.WithLabelValues("stdout").Inc()
		}
	}
	if out, truncated := e.truncator.Truncate(res.Stderr); truncated {
		res.Stderr = out
		res.Truncated = true
		if m := e.obs.MetricsOrNil(); m != nil {
			m.TruncationsTotal.WithLabelValues("stderr").Inc()
		}
	}
	return res
}

func (e *Engine) recordCheck(checkType string, accepted bool, sessionID string) {
	result := "accepted"
	if !accepted {
		result = "rejected"
		if e.obs != nil {
			e.obs.Anomaly.RecordRejection(sessionID)
		}
	}
	if m := e.obs.MetricsOrNil(); m != nil {
		m.SafetyChecksTotal.WithLabelValues(checkType, result).Inc()
	}
}

func (e *Engine) recordAudit(ctx context.Context, event audit.Event) {
	if err := e.auditor.Record(ctx, event); err != nil {
		e.logger.Warn("audit record failed", slog.String("error", err.Error()))
	}
}

func resultErrorKind(res *provider.ExecutionResult) string {
	if res.Error == nil {
		return ""
	}
	return string(res.Error.Kind)
}

// setupFailure records and wraps a backend provisioning failure as a
// hard error fatal to the session.
func (e *Engine) setupFailure(ctx context.Context, s *session, kind string, err error) error {
	e.recordAudit(ctx, audit.Event{
		SessionID: s.id,
		Kind:      kind,
		Accepted:  true,
		ErrorKind: string(provider.ErrKindSandboxSetup),
	})
	return fmt.Errorf("%w: %w", ErrSandboxSetup, err)
}

// Package httpapi exposes the execution engine over HTTP.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-session rate limiting via token bucket
//   - All submissions vetted by the engine before any sandbox runs them
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/runbox/internal/engine"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/provider"
	"github.com/jkaninda/runbox/internal/ratelimit"
	"github.com/jkaninda/runbox/internal/shellguard"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKey         string // Bearer token. Empty = authentication disabled (local use).
	MaxRequestSize int64  // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	Health          *observability.Health           // Readiness probes for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config  Config
	engine  *engine.Engine
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
	group   *okapi.Group
}

// NewGateway creates an HTTP gateway in front of the engine.
func NewGateway(cfg Config, eng *engine.Engine, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		engine:  eng,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs serves interactive OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Runbox",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group, instrumented.
	g.group = g.okapi.Group("/v1",
		observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		g.authenticate,
	)

	g.group.Post("/sessions/{id}/exec", g.handleExec,
		okapi.DocSummary("Execute code or a shell command in a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Put("/sessions/{id}/config", g.handleConfigure,
		okapi.DocSummary("Create or reconfigure a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(SessionConfigRequest{}),
		okapi.DocResponse(SessionConfigResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleTeardown,
		okapi.DocSummary("Tear down a session and delete its environment snapshot"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      300 * time.Second, // executions can run for minutes
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecRequest is the JSON body for POST /v1/sessions/{id}/exec.
// Exactly one of Code or Command must be set.
type ExecRequest struct {
	Code    string `json:"code,omitempty"`    // Guest source to execute.
	Command string `json:"command,omitempty"` // Shell command line.

	Trusted        bool `json:"trusted,omitempty"` // Bypass safety checks. Framework code only.
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
	Wait           bool `json:"wait,omitempty"` // Block behind an in-flight submission instead of 409.
}

// ExecError mirrors the structured execution error in responses.
type ExecError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// ExecResponse is the JSON response for POST /v1/sessions/{id}/exec.
type ExecResponse struct {
	Stdout      string     `json:"stdout"`
	Stderr      string     `json:"stderr"`
	ReturnValue string     `json:"return_value,omitempty"`
	ExitCode    int        `json:"exit_code"`
	Truncated   bool       `json:"truncated,omitempty"`
	TrustedRun  bool       `json:"trusted_run,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	Error       *ExecError `json:"error,omitempty"`
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return c.AbortBadRequest("session id is required")
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(sessionID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if (req.Code == "") == (req.Command == "") {
		return c.AbortBadRequest("exactly one of code or command must be set")
	}

	g.logger.Info("http exec",
		slog.String("session_id", sessionID),
		slog.Bool("shell", req.Command != ""),
		slog.Bool("trusted", req.Trusted),
	)

	res, err := g.engine.Submit(c.Context(), engine.Submission{
		SessionID: sessionID,
		Code:      req.Code,
		Command:   req.Command,
		Trusted:   req.Trusted,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
		Wait:      req.Wait,
	})
	if err != nil {
		if errors.Is(err, engine.ErrSessionBusy) {
			return c.JSON(http.StatusConflict, ErrorBody{Error: "session busy"})
		}
		if errors.Is(err, engine.ErrSandboxSetup) {
			return c.JSON(http.StatusBadGateway, ErrorBody{Error: err.Error()})
		}
		return c.AbortBadRequest(err.Error())
	}

	return c.OK(execResponse(res))
}

func execResponse(res *provider.ExecutionResult) ExecResponse {
	out := ExecResponse{
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		ReturnValue: res.ReturnValue,
		ExitCode:    res.ExitCode,
		Truncated:   res.Truncated,
		TrustedRun:  res.TrustedRun,
		DurationMS:  res.Duration.Milliseconds(),
	}
	if res.Error != nil {
		out.Error = &ExecError{
			Kind:      string(res.Error.Kind),
			Message:   res.Error.Message,
			Traceback: res.Error.Traceback,
		}
	}
	return out
}

// ShellPolicyRequest extends the shell command allow-lists.
type ShellPolicyRequest struct {
	AdditionalSafeCommands  []string `json:"additional_safe_commands,omitempty"`
	AdditionalSafeOperators []string `json:"additional_safe_operators,omitempty"`
	Bypass                  bool     `json:"bypass,omitempty"`
}

// SessionConfigRequest is the JSON body for PUT /v1/sessions/{id}/config.
type SessionConfigRequest struct {
	Backend             string              `json:"backend,omitempty"` // "seatbelt", "docker", "remote", "auto".
	AuthorizedImports   []string            `json:"authorized_imports,omitempty"`
	AuthorizedFunctions []string            `json:"authorized_functions,omitempty"`
	CheckObfuscation    bool                `json:"check_obfuscation,omitempty"`
	Shell               *ShellPolicyRequest `json:"shell,omitempty"`
	SetupCode           string              `json:"setup_code,omitempty"` // Trusted scaffolding, runs once per session.
	TimeoutSeconds      int                 `json:"timeout_seconds,omitempty"`
	AllowNetwork        bool                `json:"allow_network,omitempty"`
	Workdir             string              `json:"workdir,omitempty"`
	Env                 map[string]string   `json:"env,omitempty"`
}

// SessionConfigResponse acknowledges a session configuration.
type SessionConfigResponse struct {
	SessionID string `json:"session_id"`
	Backend   string `json:"backend"`
}

func (g *Gateway) handleConfigure(c *okapi.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return c.AbortBadRequest("session id is required")
	}

	var req SessionConfigRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	opts := engine.SessionOptions{
		Backend:             provider.Kind(req.Backend),
		AuthorizedImports:   req.AuthorizedImports,
		AuthorizedFunctions: req.AuthorizedFunctions,
		CheckObfuscation:    req.CheckObfuscation,
		SetupCode:           req.SetupCode,
		Timeout:             time.Duration(req.TimeoutSeconds) * time.Second,
		AllowNetwork:        req.AllowNetwork,
		Workdir:             req.Workdir,
		Env:                 req.Env,
	}
	if req.Shell != nil {
		opts.Shell = shellguard.Policy{
			AdditionalSafeCommands:  req.Shell.AdditionalSafeCommands,
			AdditionalSafeOperators: req.Shell.AdditionalSafeOperators,
			Bypass:                  req.Shell.Bypass,
		}
	}

	if err := g.engine.ConfigureSession(c.Context(), sessionID, opts); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	g.logger.Info("http session configured",
		slog.String("session_id", sessionID),
		slog.String("backend", req.Backend),
	)
	return c.OK(SessionConfigResponse{SessionID: sessionID, Backend: string(opts.Backend)})
}

func (g *Gateway) handleTeardown(c *okapi.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return c.AbortBadRequest("session id is required")
	}

	if err := g.engine.Teardown(c.Context(), sessionID); err != nil {
		g.logger.Error("teardown failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("teardown failed")
	}
	if g.limiter != nil {
		g.limiter.Forget(sessionID)
	}
	return c.OK(okapi.M{"status": "deleted"})
}

// HealthResponse is the JSON response for the probe endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness runs all registered probes and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.Health == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	report := g.config.Health.Ready(c.Context())
	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

// --- Middleware ---

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		// No key configured: authentication disabled for local use.
		if g.config.APIKey == "" {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(g.config.APIKey)) != 1 {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

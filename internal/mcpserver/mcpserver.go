// Package mcpserver exposes the execution engine as an MCP (Model
// Context Protocol) server over stdio, so agent frameworks can call
// sandboxed execution as tools. Every tool call flows through the same
// safety and shell-guard pipeline as the HTTP gateway.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/runbox/internal/engine"
	"github.com/jkaninda/runbox/internal/provider"
)

// Server wraps the engine in an MCP stdio server.
type Server struct {
	engine *engine.Engine
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New creates an MCP server exposing execute_python and execute_shell.
func New(eng *engine.Engine, version string, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		logger: logger,
	}

	s.mcp = server.NewMCPServer(
		"runbox",
		version,
		server.WithToolCapabilities(false),
	)

	s.mcp.AddTool(mcp.NewTool("execute_python",
		mcp.WithDescription("Execute Python code in a persistent sandboxed session. "+
			"Variables, functions, and imports survive across calls with the same session_id."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier. Reuse it to keep state between calls."),
		),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Python source to execute."),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Wall-clock limit for this call. 0 = session default."),
		),
	), s.handleExecutePython)

	s.mcp.AddTool(mcp.NewTool("execute_shell",
		mcp.WithDescription("Run an allow-listed shell command in the sandbox. "+
			"Only read-oriented commands and safe operators are permitted."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier."),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Shell command line, e.g. \"ls -la | grep txt\"."),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Wall-clock limit for this call. 0 = session default."),
		),
	), s.handleExecuteShell)

	s.mcp.AddTool(mcp.NewTool("teardown_session",
		mcp.WithDescription("Tear down a session, releasing its sandbox and deleting its saved environment."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier."),
		),
	), s.handleTeardown)

	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until EOF or ctx cancel.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp, server.WithStdioContextFunc(
		func(context.Context) context.Context { return ctx },
	))
}

func (s *Server) handleExecutePython(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.engine.Submit(ctx, engine.Submission{
		SessionID: sessionID,
		Code:      code,
		Timeout:   time.Duration(req.GetFloat("timeout_seconds", 0)) * time.Second,
		Wait:      true,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResult(res), nil
}

func (s *Server) handleExecuteShell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.engine.Submit(ctx, engine.Submission{
		SessionID: sessionID,
		Command:   command,
		Timeout:   time.Duration(req.GetFloat("timeout_seconds", 0)) * time.Second,
		Wait:      true,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResult(res), nil
}

func (s *Server) handleTeardown(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.engine.Teardown(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("teardown failed: %v", err)), nil
	}
	return mcp.NewToolResultText("session torn down"), nil
}

// toolResult renders an execution result for a model consumer. Guest
// errors and rejections come back as error results with the reason, so
// the model can correct its code and retry.
func toolResult(res *provider.ExecutionResult) *mcp.CallToolResult {
	if res.Error != nil {
		switch res.Error.Kind {
		case provider.ErrKindSafetyRejected, provider.ErrKindShellRejected:
			return mcp.NewToolResultError(res.Error.Message)
		case provider.ErrKindGuestRuntime:
			msg := res.Error.Message
			if res.Error.Traceback != "" {
				msg += "\n" + res.Error.Traceback
			}
			return mcp.NewToolResultError(msg)
		case provider.ErrKindTimeout:
			return mcp.NewToolResultError("execution timed out: " + res.Error.Message)
		default:
			return mcp.NewToolResultError(string(res.Error.Kind) + ": " + res.Error.Message)
		}
	}

	payload := map[string]any{
		"stdout":    res.Stdout,
		"exit_code": res.ExitCode,
	}
	if res.Stderr != "" {
		payload["stderr"] = res.Stderr
	}
	if res.ReturnValue != "" {
		payload["return_value"] = res.ReturnValue
	}
	if res.Truncated {
		payload["truncated"] = true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultText(res.Stdout)
	}
	return mcp.NewToolResultText(string(data))
}

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/mcpserver"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve execution tools over MCP on stdio",
	Long: `Start an MCP (Model Context Protocol) server on stdin/stdout exposing
execute_python, execute_shell, and teardown_session tools. Point an MCP-capable
agent at this command to give it sandboxed code execution.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// Stdout carries the protocol; the logger already writes to stderr.
	logger := newLogger(levelFor(false))

	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mcpserver.New(sc.Engine, version, logger)
	return srv.ServeStdio(ctx)
}

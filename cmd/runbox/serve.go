package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/gateway/httpapi"
	"github.com/jkaninda/runbox/internal/ratelimit"
	"github.com/jkaninda/runbox/internal/state"
)

var (
	serveConfigPath string
	servePort       string
	serveVerbose    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP execution gateway",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `runbox --config path` and `runbox serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveVerbose, "verbose", false, "debug logging")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if serveVerbose {
		level = slog.LevelDebug
	}
	logger := newLogger(level)

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.Addr = servePort
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Readiness probes.
	if sc.Obs != nil && sc.Obs.Health != nil {
		sc.Obs.Health.Register("state", func(ctx context.Context) error {
			_, err := sc.Store.Load(ctx, "readiness-probe")
			if err != nil && !errors.Is(err, state.ErrNotFound) {
				return err
			}
			return nil
		})
	}

	var limiter *ratelimit.Limiter
	if cfg.HTTP != nil && cfg.HTTP.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.RequestsPerMinute,
			BurstSize:         cfg.HTTP.BurstSize,
		})
	}

	gwCfg := httpapi.Config{
		ListenAddr: cfg.HTTP.ListenAddr(),
		EnableDocs: cfg.HTTP != nil && cfg.HTTP.EnableDocs,
	}
	if cfg.HTTP != nil {
		gwCfg.APIKey = cfg.HTTP.APIKey
	}
	if sc.Obs != nil {
		gwCfg.Health = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			gwCfg.Metrics = sc.Obs.Metrics
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
	}
	if gwCfg.APIKey == "" {
		logger.Warn("no API key configured, gateway authentication disabled")
	}

	gw := httpapi.NewGateway(gwCfg, sc.Engine, limiter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := gw.Stop(stopCtx); err != nil {
			logger.Error("gateway stop failed", slog.String("error", err.Error()))
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

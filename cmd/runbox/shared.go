package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/runbox/internal/audit"
	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/engine"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/secrets"
	"github.com/jkaninda/runbox/internal/state"
)

// SharedComponents holds the initialized subsystems every command mode
// needs. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  state.Store
	Obs    *observability.Observability
	Engine *engine.Engine

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file, falling back to defaults when the
// default path has no file yet.
func loadConfig(path string) (*config.Config, error) {
	resolved := goutils.Env("RUNBOX_CONFIG", path)
	if _, err := os.Stat(resolved); os.IsNotExist(err) && resolved == config.DefaultConfigPath() {
		return config.Default(), nil
	}
	return config.Load(resolved)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// initShared performs the common initialization shared by all modes.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", cfg.DataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Snapshot store (file default, SQLite optional).
	store, err := newStateStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing snapshot store: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing snapshot store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("snapshot store initialized",
		slog.String("driver", cfg.State.StateDriver()),
		slog.String("path", cfg.StatePath()),
	)

	// Resolve credential references for the remote backend.
	if err := resolveRemoteSecrets(cfg, logger); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("resolving remote secrets: %w", err)
	}

	// Engine.
	eng, err := engine.New(cfg, store, obs, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing engine: %w", err)
	}
	if cfg.Audit != nil && cfg.Audit.Enabled {
		auditor, err := audit.NewLogger(cfg.AuditLogPath(), logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing audit log: %w", err)
		}
		eng.WithAudit(auditor)
		sc.addCleanup(func() {
			if err := auditor.Close(); err != nil {
				logger.Error("closing audit log", slog.String("error", err.Error()))
			}
		})
		logger.Debug("audit log initialized", slog.String("path", cfg.AuditLogPath()))
	}
	sc.Engine = eng
	sc.addCleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			logger.Error("closing engine", slog.String("error", err.Error()))
		}
	})

	return sc, nil
}

// resolveRemoteSecrets replaces credential references (env://NAME,
// vault://path#field) in the remote backend's secret map and API key
// with resolved material. Plain values pass through untouched. The
// Vault source is only available when VAULT_ADDR and VAULT_TOKEN are
// set; a vault:// reference without them fails loudly at startup.
func resolveRemoteSecrets(cfg *config.Config, logger *slog.Logger) error {
	rc := cfg.Sandbox.Remote
	if rc == nil {
		return nil
	}

	sources := []secrets.Source{secrets.NewEnvSource()}
	if vs, err := secrets.NewVaultSource(secrets.VaultConfig{}); err == nil {
		sources = append(sources, vs)
	}
	resolver := secrets.NewResolver(logger, sources...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if rc.APIKey, err = resolver.ResolveValue(ctx, rc.APIKey); err != nil {
		return err
	}
	if err := resolver.ResolveMap(ctx, rc.Secrets); err != nil {
		return err
	}
	if len(rc.Secrets) > 0 {
		logger.Debug("remote secrets resolved", slog.Int("count", len(rc.Secrets)))
	}
	return nil
}

// newStateStore builds the snapshot store selected by config.
func newStateStore(cfg *config.Config, logger *slog.Logger) (state.Store, error) {
	switch cfg.State.StateDriver() {
	case "sqlite":
		return state.OpenSQLite(cfg.StatePath(), logger)
	default:
		return state.NewFileStore(cfg.StatePath())
	}
}

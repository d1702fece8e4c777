// Package audit records every submission verdict and outcome as
// append-only JSONL, so use of the sandbox — and of the trusted escape
// hatch in particular — can be reviewed after the fact.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Event is one audited submission.
type Event struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // "code" or "shell"
	Backend   string    `json:"backend,omitempty"`
	Accepted  bool      `json:"accepted"`
	Trusted   bool      `json:"trusted,omitempty"`
	Construct string    `json:"construct,omitempty"`  // What the safety check matched.
	ErrorKind string    `json:"error_kind,omitempty"` // Execution error classification.
	Duration  int64     `json:"duration_ms,omitempty"`
}

// Logger writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can log concurrently.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewLogger(path string, logger *slog.Logger) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Logger{
		file:   f,
		logger: logger,
	}, nil
}

// Record serializes the event as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *Logger) Record(ctx context.Context, event Event) error {
	if a == nil {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("session_id", event.SessionID),
		slog.String("kind", event.Kind),
		slog.Bool("accepted", event.Accepted),
	)

	return nil
}

// Close closes the underlying file.
func (a *Logger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

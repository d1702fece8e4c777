package provider

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jkaninda/runbox/internal/state"
)

// RestoreSnapshot materializes the session's stored snapshot at path so
// the sandboxed interpreter can read it. Serialized environments are
// not portable across backend kinds (host and container interpreters
// pickle against different runtimes), so a snapshot produced by another
// backend starts the run from an empty environment, exactly like a
// corrupt envelope. The returned warning is non-empty in both cases.
func RestoreSnapshot(ctx context.Context, store state.Store, sessionID string, kind Kind, path string, mode os.FileMode) (warning string, err error) {
	snap, err := store.Load(ctx, sessionID)
	switch {
	case err == nil:
	case errors.Is(err, state.ErrNotFound):
		os.Remove(path)
		return "", nil
	case errors.Is(err, state.ErrCorrupt):
		os.Remove(path)
		return err.Error(), nil
	default:
		return "", fmt.Errorf("loading snapshot: %w", err)
	}

	if snap.Backend != "" && snap.Backend != string(kind) {
		os.Remove(path)
		return fmt.Sprintf("environment snapshot was produced by backend %q, starting from an empty environment", snap.Backend), nil
	}
	if err := os.WriteFile(path, snap.Data, mode); err != nil {
		return "", fmt.Errorf("writing state file: %w", err)
	}
	return "", nil
}

package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps one envelope file per session under a data directory.
// This is the default store: the snapshot has to cross the process
// boundary as a file anyway, so durability comes for free.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state: data directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(sessionID string) string {
	// Session IDs are generated UUIDs, but sanitize anyway so a crafted
	// ID can never escape the data directory.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, sessionID)
	return filepath.Join(s.dir, safe+".snap")
}

func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := EncodeEnvelope(snap.Backend, snap.Data)
	if err != nil {
		return err
	}
	path := s.path(snap.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, sessionID string) (*Snapshot, error) {
	path := s.path(sessionID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	backend, payload, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	info, statErr := os.Stat(path)
	updated := time.Now().UTC()
	if statErr == nil {
		updated = info.ModTime().UTC()
	}
	return &Snapshot{
		SessionID: sessionID,
		Backend:   backend,
		Data:      payload,
		UpdatedAt: updated,
	}, nil
}

func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)

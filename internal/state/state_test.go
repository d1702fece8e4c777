package state

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte("pickled environment bytes")
	data, err := EncodeEnvelope("seatbelt", payload)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	backend, got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if backend != "seatbelt" {
		t.Errorf("backend = %q, want %q", backend, "seatbelt")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestDecodeEnvelopeCorrupt(t *testing.T) {
	valid, _ := EncodeEnvelope("docker", []byte("payload"))

	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte("XXXX\x01\x00\x00\x00\x00\x00")},
		{"unknown version", append([]byte("RBX1\xff"), valid[5:]...)},
		{"truncated header", valid[:6]},
		{"truncated payload", valid[:len(valid)-3]},
		{"trailing garbage", append(append([]byte{}, valid...), 'x')},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := DecodeEnvelope(tc.data); !errors.Is(err, ErrCorrupt) {
				t.Errorf("DecodeEnvelope error = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
	}

	snap := &Snapshot{SessionID: "sess-1", Backend: "seatbelt", Data: []byte("env-v1")}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Backend != "seatbelt" || string(loaded.Data) != "env-v1" {
		t.Errorf("loaded = %q/%q, want seatbelt/env-v1", loaded.Backend, loaded.Data)
	}

	// Overwriting replaces the payload.
	snap.Data = []byte("env-v2")
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	loaded, err = store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load after overwrite: %v", err)
	}
	if string(loaded.Data) != "env-v2" {
		t.Errorf("payload after overwrite = %q, want env-v2", loaded.Data)
	}

	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after delete error = %v, want ErrNotFound", err)
	}
	// Delete is idempotent.
	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestFileStorePathTraversal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	got := store.path("../../etc/passwd")
	if filepath.Dir(got) != dir {
		t.Errorf("path escaped data dir: %s", got)
	}
}

func TestSQLiteStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"), logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
	}

	snap := &Snapshot{SessionID: "sess-db", Backend: "docker", Data: []byte("first")}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snap.Data = []byte("second")
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save upsert: %v", err)
	}

	loaded, err := store.Load(ctx, "sess-db")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(loaded.Data) != "second" {
		t.Errorf("payload = %q, want second", loaded.Data)
	}
	if loaded.Backend != "docker" {
		t.Errorf("backend = %q, want docker", loaded.Backend)
	}

	if err := store.Delete(ctx, "sess-db"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(ctx, "sess-db"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after delete error = %v, want ErrNotFound", err)
	}
}

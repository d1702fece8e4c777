package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewLogger(path, testLogger())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	events := []Event{
		{SessionID: "s1", Kind: "code", Accepted: true, Backend: "docker"},
		{SessionID: "s1", Kind: "code", Accepted: false, Construct: "os"},
		{SessionID: "s2", Kind: "shell", Accepted: true, Trusted: false},
	}
	for _, ev := range events {
		if err := a.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	defer f.Close()

	var got []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		got = append(got, ev)
	}
	if len(got) != 3 {
		t.Fatalf("logged %d events, want 3", len(got))
	}
	if got[0].Time.IsZero() {
		t.Error("timestamp not filled in")
	}
	if got[1].Construct != "os" {
		t.Errorf("construct = %q, want os", got[1].Construct)
	}
}

func TestRecordConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewLogger(path, testLogger())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer a.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Record(context.Background(), Event{SessionID: "s1", Kind: "code", Accepted: true})
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 20 {
		t.Errorf("logged %d lines, want 20", lines)
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var a *Logger
	if err := a.Record(context.Background(), Event{}); err != nil {
		t.Errorf("nil Record: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

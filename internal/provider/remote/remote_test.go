package remote

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/runbox/internal/provider"
	"github.com/jkaninda/runbox/internal/safety"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeService is a minimal in-memory sandbox service. The mutex covers
// the mutable fields: handlers run on the server goroutine while tests
// inspect and retune the service between calls.
type fakeService struct {
	t      *testing.T
	apiKey string

	mu        sync.Mutex
	created   int
	deleted   int
	execs     []execRequest
	execReply execResponse
	execDelay time.Duration
}

func (s *fakeService) setReply(reply execResponse, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execReply = reply
	s.execDelay = delay
}

func (s *fakeService) counts() (created, deleted, execs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created, s.deleted, len(s.execs)
}

func (s *fakeService) recorded() []execRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]execRequest(nil), s.execs...)
}

func (s *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.created++
		s.mu.Unlock()
		json.NewEncoder(w).Encode(createSessionResponse{ID: "rs-123"})
	})
	mux.HandleFunc("POST /v1/sessions/{id}/exec", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "rs-123" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req execRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.execs = append(s.execs, req)
		delay, reply := s.execDelay, s.execReply
		s.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		json.NewEncoder(w).Encode(reply)
	})
	mux.HandleFunc("DELETE /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.deleted++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestBackend(t *testing.T, svc *fakeService, cfg Config) *Backend {
	t.Helper()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	return New(cfg, testLogger())
}

func TestExecuteCode(t *testing.T) {
	svc := &fakeService{t: t, execReply: execResponse{Stdout: "hi\n", ExitCode: 0}}
	b := newTestBackend(t, svc, Config{})

	policy := safety.Config{}.Policy()
	res, err := b.ExecuteCode(context.Background(), provider.CodeRequest{
		Source: "print('hi')",
		Policy: policy,
	})
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	if res.Stdout != "hi\n" || res.Error != nil {
		t.Errorf("result = %+v", res)
	}
	if res.TrustedRun {
		t.Error("untrusted run reported as trusted")
	}
	created, _, _ := svc.counts()
	if created != 1 {
		t.Errorf("sessions created = %d, want 1", created)
	}
	execs := svc.recorded()
	if len(execs) != 1 || execs[0].Type != "code" {
		t.Fatalf("execs = %+v", execs)
	}
	if !execs[0].Policy.RuntimeBlocking {
		t.Error("policy lost runtime blocking in transit")
	}
}

func TestSessionReuseAndCleanup(t *testing.T) {
	svc := &fakeService{t: t}
	b := newTestBackend(t, svc, Config{})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := b.ExecuteShell(ctx, provider.ShellRequest{Tokens: []string{"ls"}}); err != nil {
			t.Fatalf("ExecuteShell: %v", err)
		}
	}
	created, _, _ := svc.counts()
	if created != 1 {
		t.Errorf("sessions created = %d, want 1 (session should be reused)", created)
	}
	if err := b.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, deleted, _ := svc.counts(); deleted != 1 {
		t.Errorf("sessions deleted = %d, want 1", deleted)
	}
	// Cleanup is idempotent: no remote call for an already-released session.
	if err := b.Cleanup(ctx); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if _, deleted, _ := svc.counts(); deleted != 1 {
		t.Errorf("sessions deleted after second cleanup = %d, want 1", deleted)
	}
}

func TestSetupCodeRunsTrustedFirst(t *testing.T) {
	svc := &fakeService{t: t}
	b := newTestBackend(t, svc, Config{SetupCode: "import cloudpickle"})

	_, err := b.ExecuteCode(context.Background(), provider.CodeRequest{
		Source: "x = 1",
		Policy: safety.Config{}.Policy(),
	})
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	execs := svc.recorded()
	if len(execs) != 2 {
		t.Fatalf("execs = %d, want setup + submission", len(execs))
	}
	setup := execs[0]
	if setup.Source != "import cloudpickle" {
		t.Errorf("first exec source = %q, want setup code", setup.Source)
	}
	if setup.Policy.RuntimeBlocking {
		t.Error("setup code ran with runtime blocking enabled")
	}
}

func TestTrustedRunSurfaced(t *testing.T) {
	svc := &fakeService{t: t}
	b := newTestBackend(t, svc, Config{})

	res, err := b.ExecuteCode(context.Background(), provider.CodeRequest{
		Source: "import os",
		Policy: safety.Config{Trusted: true}.Policy(),
	})
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	if !res.TrustedRun {
		t.Error("trusted run not surfaced in result")
	}
}

func TestGuestErrorMapped(t *testing.T) {
	svc := &fakeService{t: t, execReply: execResponse{
		ExitCode:     1,
		ErrorKind:    string(provider.ErrKindGuestRuntime),
		ErrorMessage: "ZeroDivisionError: division by zero",
		Traceback:    "Traceback (most recent call last):\n  ...\nZeroDivisionError: division by zero",
	}}
	b := newTestBackend(t, svc, Config{})

	res, err := b.ExecuteCode(context.Background(), provider.CodeRequest{
		Source: "1/0",
		Policy: safety.Config{}.Policy(),
	})
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	if res.Error == nil || res.Error.Kind != provider.ErrKindGuestRuntime {
		t.Fatalf("error = %v, want guest runtime error", res.Error)
	}
	if !strings.Contains(res.Error.Traceback, "ZeroDivisionError") {
		t.Errorf("traceback = %q", res.Error.Traceback)
	}
}

func TestTimeoutIsRecoverable(t *testing.T) {
	svc := &fakeService{t: t, execDelay: 2 * time.Second}
	b := newTestBackend(t, svc, Config{})

	ctx := context.Background()
	res, err := b.ExecuteCode(ctx, provider.CodeRequest{
		Source:  "while True: pass",
		Timeout: 200 * time.Millisecond,
		Policy:  safety.Config{}.Policy(),
	})
	if err != nil {
		t.Fatalf("timeout surfaced as hard error: %v", err)
	}
	if res.Error == nil || res.Error.Kind != provider.ErrKindTimeout {
		t.Fatalf("error = %v, want timeout kind", res.Error)
	}
	if res.ExitCode != 124 {
		t.Errorf("exit code = %d, want 124", res.ExitCode)
	}

	// The session survives: the next submission reuses it and succeeds.
	svc.setReply(execResponse{Stdout: "ok\n"}, 0)
	res, err = b.ExecuteCode(ctx, provider.CodeRequest{
		Source: "print('ok')",
		Policy: safety.Config{}.Policy(),
	})
	if err != nil {
		t.Fatalf("submission after timeout: %v", err)
	}
	if res.Stdout != "ok\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if created, _, _ := svc.counts(); created != 1 {
		t.Errorf("sessions created = %d, want 1 (timeout must not burn the session)", created)
	}
}

func TestShellTimeoutIsRecoverable(t *testing.T) {
	svc := &fakeService{t: t, execDelay: 2 * time.Second}
	b := newTestBackend(t, svc, Config{})

	res, err := b.ExecuteShell(context.Background(), provider.ShellRequest{
		Tokens:  []string{"sleep", "60"},
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("timeout surfaced as hard error: %v", err)
	}
	if res.Error == nil || res.Error.Kind != provider.ErrKindTimeout {
		t.Fatalf("error = %v, want timeout kind", res.Error)
	}
}

func TestAuthHeader(t *testing.T) {
	svc := &fakeService{t: t, apiKey: "secret-key"}
	b := newTestBackend(t, svc, Config{APIKey: "secret-key"})
	if _, err := b.ExecuteShell(context.Background(), provider.ShellRequest{Tokens: []string{"ls"}}); err != nil {
		t.Fatalf("authenticated call failed: %v", err)
	}

	unauth := newTestBackend(t, &fakeService{t: t, apiKey: "secret-key"}, Config{APIKey: "wrong"})
	if _, err := unauth.ExecuteShell(context.Background(), provider.ShellRequest{Tokens: []string{"ls"}}); err == nil {
		t.Fatal("wrong API key accepted")
	}
}

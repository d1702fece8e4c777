package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeVault is a stand-in KV v2 server holding secrets keyed by API
// path. It records the namespace header of the last request.
type fakeVault struct {
	token   string
	secrets map[string]map[string]any

	mu            sync.Mutex
	lastNamespace string
}

func (v *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	v.lastNamespace = r.Header.Get("X-Vault-Namespace")
	v.mu.Unlock()

	if r.Header.Get("X-Vault-Token") != v.token {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	data, ok := v.secrets[strings.TrimPrefix(r.URL.Path, "/v1/")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	})
}

func (v *fakeVault) namespace() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastNamespace
}

// newVaultSource starts the fake server and builds a source against it,
// clearing the VAULT_* host environment first.
func newVaultSource(t *testing.T, v *fakeVault, cfg VaultConfig) *VaultSource {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
	srv := httptest.NewServer(v)
	t.Cleanup(srv.Close)
	cfg.Address = srv.URL
	src, err := NewVaultSource(cfg)
	if err != nil {
		t.Fatalf("NewVaultSource: %v", err)
	}
	return src
}

func TestVaultFieldSelector(t *testing.T) {
	v := &fakeVault{token: "t-1", secrets: map[string]map[string]any{
		"secret/data/runbox/remote": {"api_key": "sk-123", "endpoint": "https://svc"},
	}}
	src := newVaultSource(t, v, VaultConfig{Token: "t-1"})

	got, err := src.Fetch(context.Background(), "secret/data/runbox/remote#api_key")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != "sk-123" {
		t.Errorf("got %q, want %q", got, "sk-123")
	}
}

func TestVaultWholeSecretAsJSON(t *testing.T) {
	v := &fakeVault{token: "t-1", secrets: map[string]map[string]any{
		"secret/data/runbox/db": {"user": "runbox", "pass": "s3cret"},
	}}
	src := newVaultSource(t, v, VaultConfig{Token: "t-1"})

	got, err := src.Fetch(context.Background(), "secret/data/runbox/db")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(got), &data); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if data["user"] != "runbox" || data["pass"] != "s3cret" {
		t.Errorf("data = %v", data)
	}
}

func TestVaultMissingPath(t *testing.T) {
	v := &fakeVault{token: "t-1", secrets: map[string]map[string]any{}}
	src := newVaultSource(t, v, VaultConfig{Token: "t-1"})

	_, err := src.Fetch(context.Background(), "secret/data/nothing")
	if !errors.Is(err, ErrUnresolved) {
		t.Errorf("err = %v, want ErrUnresolved", err)
	}
}

func TestVaultMissingField(t *testing.T) {
	v := &fakeVault{token: "t-1", secrets: map[string]map[string]any{
		"secret/data/app": {"user": "admin"},
	}}
	src := newVaultSource(t, v, VaultConfig{Token: "t-1"})

	_, err := src.Fetch(context.Background(), "secret/data/app#password")
	if !errors.Is(err, ErrUnresolved) {
		t.Errorf("err = %v, want ErrUnresolved", err)
	}
}

func TestVaultBadTokenIsNotUnresolved(t *testing.T) {
	v := &fakeVault{token: "good", secrets: map[string]map[string]any{
		"secret/data/app": {"k": "v"},
	}}
	src := newVaultSource(t, v, VaultConfig{Token: "bad"})

	_, err := src.Fetch(context.Background(), "secret/data/app#k")
	if err == nil {
		t.Fatal("expected error for denied access")
	}
	// An auth failure must not look like a missing secret: callers
	// would silently fall through instead of fixing the token.
	if errors.Is(err, ErrUnresolved) {
		t.Errorf("auth failure reported as ErrUnresolved: %v", err)
	}
}

func TestVaultEmptyPath(t *testing.T) {
	v := &fakeVault{token: "t-1"}
	src := newVaultSource(t, v, VaultConfig{Token: "t-1"})

	if _, err := src.Fetch(context.Background(), ""); !errors.Is(err, ErrUnresolved) {
		t.Errorf("err = %v, want ErrUnresolved", err)
	}
	if _, err := src.Fetch(context.Background(), "#field"); !errors.Is(err, ErrUnresolved) {
		t.Errorf("bare selector err = %v, want ErrUnresolved", err)
	}
}

func TestVaultEnvOverridesConfig(t *testing.T) {
	v := &fakeVault{token: "env-token", secrets: map[string]map[string]any{
		"secret/data/app": {"k": "v"},
	}}
	srv := httptest.NewServer(v)
	t.Cleanup(srv.Close)
	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_NAMESPACE", "")

	src, err := NewVaultSource(VaultConfig{
		Address: "http://overridden.invalid:8200",
		Token:   "config-token",
	})
	if err != nil {
		t.Fatalf("NewVaultSource: %v", err)
	}
	got, err := src.Fetch(context.Background(), "secret/data/app#k")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != "v" {
		t.Errorf("got %q, want %q", got, "v")
	}
}

func TestVaultNamespaceHeader(t *testing.T) {
	v := &fakeVault{token: "t-1", secrets: map[string]map[string]any{
		"secret/data/app": {"k": "v"},
	}}
	src := newVaultSource(t, v, VaultConfig{Token: "t-1", Namespace: "admin/team-a"})

	if _, err := src.Fetch(context.Background(), "secret/data/app#k"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := v.namespace(); got != "admin/team-a" {
		t.Errorf("namespace header = %q, want %q", got, "admin/team-a")
	}
}

func TestVaultNamespaceEnvWins(t *testing.T) {
	v := &fakeVault{token: "t-1", secrets: map[string]map[string]any{
		"secret/data/app": {"k": "v"},
	}}
	srv := httptest.NewServer(v)
	t.Cleanup(srv.Close)
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "env-namespace")

	src, err := NewVaultSource(VaultConfig{
		Address:   srv.URL,
		Token:     "t-1",
		Namespace: "config-namespace",
	})
	if err != nil {
		t.Fatalf("NewVaultSource: %v", err)
	}
	if _, err := src.Fetch(context.Background(), "secret/data/app#k"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := v.namespace(); got != "env-namespace" {
		t.Errorf("namespace header = %q, want %q", got, "env-namespace")
	}
}

func TestVaultConfigValidation(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")

	if _, err := NewVaultSource(VaultConfig{Token: "t"}); err == nil {
		t.Error("missing address accepted")
	}
	if _, err := NewVaultSource(VaultConfig{Address: "http://localhost:8200"}); err == nil {
		t.Error("missing token accepted")
	}
}

func TestResolverWithVaultSource(t *testing.T) {
	v := &fakeVault{token: "t-1", secrets: map[string]map[string]any{
		"secret/data/runbox/remote": {"api_key": "sk-123"},
	}}
	src := newVaultSource(t, v, VaultConfig{Token: "t-1"})
	r := NewResolver(nil, NewEnvSource(), src)

	got, err := r.ResolveValue(context.Background(), "vault://secret/data/runbox/remote#api_key")
	if err != nil {
		t.Fatalf("ResolveValue: %v", err)
	}
	if got != "sk-123" {
		t.Errorf("got %q, want %q", got, "sk-123")
	}
}

package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const vaultDefaultTimeout = 5 * time.Second

// VaultConfig configures the Vault source. Every field can be left
// zero and supplied through the standard VAULT_* environment variables
// instead; explicit env vars win over config values.
type VaultConfig struct {
	Address       string        // Vault server URL (VAULT_ADDR).
	Token         string        // Token for X-Vault-Token (VAULT_TOKEN).
	Namespace     string        // Enterprise namespace (VAULT_NAMESPACE).
	Timeout       time.Duration // HTTP timeout, default 5s.
	TLSSkipVerify bool
}

// VaultSource serves vault:// references from HashiCorp Vault KV v2.
// The part after the scheme is the full KV v2 API path with an
// optional field selector:
//
//	vault://secret/data/runbox/remote#api_key
//
// Without a selector the whole data map is returned as JSON.
type VaultSource struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultSource builds a Vault source, folding VAULT_ADDR, VAULT_TOKEN
// and VAULT_NAMESPACE over the config. Address and token are required.
func NewVaultSource(cfg VaultConfig) (*VaultSource, error) {
	address := cfg.Address
	if env := os.Getenv("VAULT_ADDR"); env != "" {
		address = env
	}
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set Address or VAULT_ADDR)")
	}
	token := cfg.Token
	if env := os.Getenv("VAULT_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set Token or VAULT_TOKEN)")
	}
	namespace := cfg.Namespace
	if env := os.Getenv("VAULT_NAMESPACE"); env != "" {
		namespace = env
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = vaultDefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &VaultSource{
		address:   strings.TrimRight(address, "/"),
		token:     token,
		namespace: namespace,
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (s *VaultSource) Scheme() string { return "vault" }

func (s *VaultSource) Fetch(ctx context.Context, ref string) (string, error) {
	path, field, _ := strings.Cut(ref, "#")
	if path == "" {
		return "", fmt.Errorf("%w: empty vault path", ErrUnresolved)
	}

	data, err := s.read(ctx, path)
	if err != nil {
		return "", err
	}

	if field == "" {
		// Whole secret: hand back the data map as JSON.
		raw, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("encoding vault data: %w", err)
		}
		return string(raw), nil
	}

	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q not present at vault path %q", ErrUnresolved, field, path)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("vault field %q at path %q is not a string", field, path)
	}
	return str, nil
}

// read fetches one KV v2 secret and unwraps the response envelope
// ({"data": {"data": {...}, "metadata": {...}}}).
func (s *VaultSource) read(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", s.token)
	if s.namespace != "" {
		req.Header.Set("X-Vault-Namespace", s.namespace)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: no secret at vault path %q", ErrUnresolved, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault denied access to %q (check token policy)", path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("vault server error %d for path %q", resp.StatusCode, path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding vault response: %w", err)
	}
	if envelope.Data.Data == nil {
		return nil, fmt.Errorf("%w: vault path %q holds no data", ErrUnresolved, path)
	}
	return envelope.Data.Data, nil
}

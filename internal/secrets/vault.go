package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
)

// VaultScheme is the scheme of HashiCorp Vault references.
const VaultScheme = "vault"

// VaultConfig configures a VaultBackend. Address, Token and Namespace are
// overridden by VAULT_ADDR, VAULT_TOKEN and VAULT_NAMESPACE.
type VaultConfig struct {
	Address       string
	Token         string
	Namespace     string
	Timeout       time.Duration // Default: 5s.
	TLSSkipVerify bool
}

// VaultBackend reads credentials from a Vault KV v2 engine. References name
// the full API path and a field: "vault://secret/data/kodo#openai". The field
// may be omitted when the secret holds exactly one key.
type VaultBackend struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultBackend validates cfg and returns a backend.
func NewVaultBackend(cfg VaultConfig) (*VaultBackend, error) {
	address := strings.TrimRight(goutils.Env("VAULT_ADDR", cfg.Address), "/")
	if address == "" {
		return nil, errors.New("vault address is required (set secrets.vault.address or VAULT_ADDR)")
	}
	token := goutils.Env("VAULT_TOKEN", cfg.Token)
	if token == "" {
		return nil, errors.New("vault token is required (set secrets.vault.token or VAULT_TOKEN)")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &VaultBackend{
		address:   address,
		token:     token,
		namespace: goutils.Env("VAULT_NAMESPACE", cfg.Namespace),
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (v *VaultBackend) Scheme() string { return VaultScheme }

func (v *VaultBackend) Lookup(ctx context.Context, ref string) (string, error) {
	path, field, _ := strings.Cut(ref, "#")
	if path == "" {
		return "", fmt.Errorf("%w: empty vault path", ErrNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+"/v1/"+path, nil)
	if err != nil {
		return "", fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)
	if v.namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.namespace)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading vault response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: vault path %q not found", ErrNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("vault access denied for path %q", path)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("parsing vault response: %w", err)
	}
	data := envelope.Data.Data
	if len(data) == 0 {
		return "", fmt.Errorf("%w: vault path %q holds no data", ErrNotFound, path)
	}

	if field == "" {
		if len(data) != 1 {
			return "", fmt.Errorf("vault path %q holds %d keys; select one with #field", path, len(data))
		}
		for k := range data {
			field = k
		}
	}
	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q not found in vault path %q", ErrNotFound, field, path)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("vault field %q in path %q is not a string", field, path)
	}
	return s, nil
}

package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VaultOptions configures a VaultProvider.
type VaultOptions struct {
	Address   string
	Token     string
	Namespace string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// VaultProvider reads string fields from HashiCorp Vault KV v2.
// References look like vault://secret/data/tripwire/smtp#password; the field
// selector is required because channel credentials are single values.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultProvider validates opts and returns a provider.
func NewVaultProvider(opts VaultOptions) (*VaultProvider, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &VaultProvider{
		address:   strings.TrimRight(opts.Address, "/"),
		token:     opts.Token,
		namespace: opts.Namespace,
		client:    &http.Client{Timeout: timeout, Transport: opts.Transport},
	}, nil
}

func (p *VaultProvider) Scheme() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (string, error) {
	path, field, _ := strings.Cut(ref, "#")
	if path == "" || field == "" {
		return "", fmt.Errorf("%w: vault reference needs path#field", ErrSecretNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return "", fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: vault path %q", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("vault denied access to %q", path)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("vault returned %d for %q", resp.StatusCode, path)
	}

	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return "", fmt.Errorf("decoding vault response: %w", err)
	}

	val, ok := envelope.Data.Data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q in vault path %q", ErrSecretNotFound, field, path)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("vault field %q in %q is not a string", field, path)
	}
	return s, nil
}

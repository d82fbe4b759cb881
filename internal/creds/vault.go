package creds

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"copytrade-engine/internal/exchange"
	"copytrade-engine/internal/logging"
)

// VaultConfig holds Vault connection settings
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// VaultResolver reads exchange credentials from a Vault KV v2 mount. The
// secret at {mount}/data/exchanges/{kind} holds a JSON list of accounts.
type VaultResolver struct {
	client *api.Client
	config VaultConfig
	logger *logging.Logger

	mu    sync.RWMutex
	cache map[exchange.Kind][]exchange.Credentials
}

// NewVaultResolver creates a Vault-backed credential resolver.
func NewVaultResolver(cfg VaultConfig, logger *logging.Logger) (*VaultResolver, error) {
	if logger == nil {
		logger = logging.Default()
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &VaultResolver{
		client: client,
		config: cfg,
		logger: logger.WithComponent("vault"),
		cache:  make(map[exchange.Kind][]exchange.Credentials),
	}, nil
}

func (r *VaultResolver) secretPath(kind exchange.Kind) string {
	mount := r.config.MountPath
	if mount == "" {
		mount = "secret"
	}
	return fmt.Sprintf("%s/data/exchanges/%s", mount, kind)
}

// Resolve returns credential sets from Vault, cached after the first read
func (r *VaultResolver) Resolve(ctx context.Context, kind exchange.Kind) ([]exchange.Credentials, error) {
	r.mu.RLock()
	if cached, ok := r.cache[kind]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	secret, err := r.client.Logical().ReadWithContext(ctx, r.secretPath(kind))
	if err != nil {
		return nil, fmt.Errorf("reading vault secret for %s: %w", kind, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no vault secret for %s", kind)
	}

	// KV v2 wraps the payload in a "data" field
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected vault secret shape for %s", kind)
	}

	accounts, ok := data["accounts"].([]interface{})
	if !ok {
		// Single-account secret stored flat
		creds := credentialsFromMap(data)
		if creds.APIKey == "" && creds.PrivateKey == "" {
			return nil, fmt.Errorf("no accounts in vault secret for %s", kind)
		}
		result := []exchange.Credentials{creds}
		r.storeCache(kind, result)
		return result, nil
	}

	var result []exchange.Credentials
	for _, raw := range accounts {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		result = append(result, credentialsFromMap(m))
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no accounts in vault secret for %s", kind)
	}

	r.storeCache(kind, result)
	r.logger.Info("Loaded credentials from Vault", "exchange", string(kind), "accounts", len(result))
	return result, nil
}

func (r *VaultResolver) storeCache(kind exchange.Kind, creds []exchange.Credentials) {
	r.mu.Lock()
	r.cache[kind] = creds
	r.mu.Unlock()
}

func credentialsFromMap(m map[string]interface{}) exchange.Credentials {
	str := func(key string) string {
		if v, ok := m[key].(string); ok {
			return v
		}
		return ""
	}
	return exchange.Credentials{
		Label:         str("label"),
		APIKey:        str("api_key"),
		APISecret:     str("api_secret"),
		WalletAddress: str("wallet_address"),
		PrivateKey:    str("private_key"),
	}
}

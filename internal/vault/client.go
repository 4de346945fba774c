// Package vault retrieves broker API credentials from HashiCorp Vault.
// When Vault is disabled the client serves credentials injected via
// environment configuration, so development setups need no Vault at all.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Credentials holds broker API credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Broker    string `json:"broker"`
}

// Config holds Vault connection settings
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	TLSEnabled bool
	CACert     string
}

// Client wraps the HashiCorp Vault client with a read-through cache
type Client struct {
	client *api.Client
	config Config

	mu    sync.RWMutex
	cache map[string]*Credentials // broker -> credentials
}

// NewClient creates a Vault client. With cfg.Enabled false the client
// only serves credentials seeded via Seed.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*Credentials),
	}
	if !cfg.Enabled {
		return c, nil
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

	c.client = client
	return c, nil
}

// Seed injects credentials directly into the cache, used when Vault is
// disabled and credentials come from the environment
func (c *Client) Seed(creds Credentials) {
	c.mu.Lock()
	c.cache[creds.Broker] = &creds
	c.mu.Unlock()
}

// GetCredentials retrieves broker credentials, preferring the cache
func (c *Client) GetCredentials(ctx context.Context, broker string) (*Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[broker]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credentials for %s not found and vault is disabled", broker)
	}

	path := c.secretPath(broker)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials at %s", path)
	}

	// KV v2 wraps the payload in a "data" field.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	creds := &Credentials{Broker: broker}
	if v, ok := data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := data["api_secret"].(string); ok {
		creds.APISecret = v
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("incomplete credentials at %s", path)
	}

	c.mu.Lock()
	c.cache[broker] = creds
	c.mu.Unlock()
	return creds, nil
}

// StoreCredentials writes broker credentials to Vault
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	if !c.config.Enabled {
		c.Seed(creds)
		return nil
	}

	path := c.secretPath(creds.Broker)
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"api_secret": creds.APISecret,
			"broker":     creds.Broker,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, path, payload); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[creds.Broker] = &creds
	c.mu.Unlock()
	return nil
}

func (c *Client) secretPath(broker string) string {
	mount := c.config.MountPath
	if mount == "" {
		mount = "secret"
	}
	return fmt.Sprintf("%s/data/brokers/%s", mount, broker)
}

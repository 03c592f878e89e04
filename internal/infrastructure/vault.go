package infrastructure

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"github.com/architeacher/txtransport/internal/config"
	"github.com/architeacher/txtransport/internal/ports"
)

var _ ports.SecretsRepository = (*VaultRepository)(nil)

// VaultRepository serves config.Loader from a Vault KV mount.
type VaultRepository struct {
	client *api.Client
}

// NewVaultClient builds an unauthenticated Vault client; config.Loader
// authenticates it.
func NewVaultClient(cfg config.SecretStorageConfig) (*api.Client, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	vaultConfig.Timeout = cfg.Timeout

	if cfg.TLSSkipVerify {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{Insecure: true}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	// Dev mode Vault has no namespaces.
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return client, nil
}

func NewVaultRepository(client *api.Client) *VaultRepository {
	return &VaultRepository{client: client}
}

func (r *VaultRepository) SetToken(v string) {
	r.client.SetToken(v)
}

func (r *VaultRepository) GetSecrets(ctx context.Context, path string) (*api.Secret, error) {
	return r.client.Logical().ReadWithContext(ctx, path)
}

func (r *VaultRepository) WriteWithContext(ctx context.Context, path string, data map[string]any) (*api.Secret, error) {
	return r.client.Logical().WriteWithContext(ctx, path, data)
}

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/kelseyhightower/envconfig"

	"github.com/architeacher/txtransport/internal/ports"
)

// Loader overlays secrets kept in Vault onto a ServiceConfig.
type Loader struct {
	secretsRepo ports.SecretsRepository
	retryDelay  time.Duration
}

func NewLoader(secretsRepo ports.SecretsRepository) *Loader {
	return &Loader{
		secretsRepo: secretsRepo,
		retryDelay:  time.Second,
	}
}

// Init config from environment variables.
func Init() (*ServiceConfig, error) {
	cfg := &ServiceConfig{}

	err := envconfig.Process("", cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to parse service configuration: %w", err)
	}

	if len(ServiceVersion) != 0 {
		cfg.AppConfig.ServiceVersion = ServiceVersion
	}

	if len(CommitSHA) != 0 {
		cfg.AppConfig.CommitSHA = CommitSHA
	}

	return cfg, nil
}

// Load authenticates against Vault, applies the KV v2 secret stored under
// apps/data/<mount path> to cfg and returns the secret's version.
func (l *Loader) Load(ctx context.Context, cfg *ServiceConfig) (uint, error) {
	if !cfg.SecretStorage.Enabled {
		return 0, fmt.Errorf("secret storage is not enabled")
	}

	if err := l.authenticate(ctx, cfg.SecretStorage); err != nil {
		return 0, fmt.Errorf("failed to authenticate with Vault: %w", err)
	}

	secret, err := l.readWithRetry(ctx, cfg.SecretStorage)
	if err != nil {
		return 0, fmt.Errorf("failed to load secrets from Vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return 0, nil
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return 0, fmt.Errorf("invalid secret format at apps/data/%s, missing 'data' key", cfg.SecretStorage.MountPath)
	}

	for key, value := range data {
		if s, ok := value.(string); ok && s != "" {
			applySecret(cfg, key, s)
		}
	}

	metadata, _ := secret.Data["metadata"].(map[string]any)

	return secretVersion(metadata)
}

// DumpConfig writes cfg as indented JSON. Fields tagged omitempty with empty
// values are left out.
func DumpConfig(w io.Writer, cfg *ServiceConfig) error {
	configJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	_, err = fmt.Fprintf(w, "%s\n", configJSON)

	return err
}

func (l *Loader) authenticate(ctx context.Context, cfg SecretStorageConfig) error {
	switch strings.ToLower(cfg.AuthMethod) {
	case "token":
		if cfg.Token == "" {
			return fmt.Errorf("token is required for token auth method")
		}

		l.secretsRepo.SetToken(cfg.Token)

		return nil

	case "approle":
		if cfg.RoleID == "" || cfg.SecretID == "" {
			return fmt.Errorf("role_id and secret_id are required for approle auth method")
		}

		resp, err := l.secretsRepo.WriteWithContext(ctx, "auth/approle/login", map[string]any{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return fmt.Errorf("failed to authenticate via approle: %w", err)
		}

		if resp == nil || resp.Auth == nil {
			return fmt.Errorf("no auth info returned from Vault")
		}

		l.secretsRepo.SetToken(resp.Auth.ClientToken)

		return nil

	default:
		return fmt.Errorf("unsupported auth method: %s", cfg.AuthMethod)
	}
}

func (l *Loader) readWithRetry(ctx context.Context, cfg SecretStorageConfig) (*api.Secret, error) {
	path := "apps/data/" + cfg.MountPath

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var (
		secret *api.Secret
		err    error
	)

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		secret, err = l.secretsRepo.GetSecrets(ctx, path)
		if err == nil {
			return secret, nil
		}

		if attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to read from path %s: %w", path, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * l.retryDelay):
		}
	}

	return nil, fmt.Errorf("failed to read from path %s after %d retries: %w", path, cfg.MaxRetries, err)
}

func secretVersion(metadata map[string]any) (uint, error) {
	if metadata == nil {
		return 0, nil
	}

	currentVersion, ok := metadata["version"]
	if !ok {
		return 0, nil
	}

	switch v := currentVersion.(type) {
	case float64:
		return uint(v), nil
	case int:
		return uint(v), nil
	case json.Number:
		version, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("failed to parse version: %w", err)
		}

		return uint(version), nil
	default:
		return 0, fmt.Errorf("unexpected version type: %T", currentVersion)
	}
}

// applySecret maps a flat Vault key onto the setting it overrides. Unknown
// keys are ignored.
func applySecret(cfg *ServiceConfig, key, value string) {
	switch key {
	case "POSTGRES_USERNAME":
		cfg.Storage.Username = value
	case "POSTGRES_PASSWORD":
		cfg.Storage.Password = value
	case "POSTGRES_HOST":
		cfg.Storage.Host = value
	case "POSTGRES_DATABASE":
		cfg.Storage.Database = value

	case "KEYDB_PASSWORD":
		cfg.Cache.Password = value
	case "KEYDB_ADDR":
		cfg.Cache.Addr = value

	case "RABBITMQ_USERNAME":
		cfg.Queue.Username = value
	case "RABBITMQ_PASSWORD":
		cfg.Queue.Password = value
	case "RABBITMQ_HOST":
		cfg.Queue.Host = value
	}
}

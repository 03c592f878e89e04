package config

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	t.Setenv("APP_ENVIRONMENT", "sandbox")
	t.Setenv("APP_SERVICE_VERSION", "1.0.0")
	t.Setenv("APP_COMMIT_SHA", "1234xwz")
	t.Setenv("LOGGING_LEVEL", "debug")
	t.Setenv("POSTGRES_PASSWORD", "test.Secret")
	t.Setenv("RABBITMQ_USERNAME", "john.doe")
	t.Setenv("KEYDB_PASSWORD", "insecure.password")
	t.Setenv("TRANSPORT_BACKEND", "rabbitmq")
	t.Setenv("TRANSPORT_INPUT_QUEUE", "orders")
	t.Setenv("TRANSPORT_RECEIVE_TIMEOUT", "2s")
	t.Setenv("TRANSPORT_HEADER_CODEC", "cbor")

	cfg, err := Init()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "sandbox", cfg.AppConfig.Env)
	assert.Equal(t, "txtransport", cfg.AppConfig.ServiceName)
	assert.Equal(t, "1.0.0", cfg.AppConfig.ServiceVersion)
	assert.Equal(t, "1234xwz", cfg.AppConfig.CommitSHA)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "test.Secret", cfg.Storage.Password)
	assert.Equal(t, "john.doe", cfg.Queue.Username)
	assert.Equal(t, "insecure.password", cfg.Cache.Password)

	assert.Equal(t, BackendRabbitMQ, cfg.Transport.Backend)
	assert.Equal(t, "orders", cfg.Transport.InputQueue)
	assert.Equal(t, 2*time.Second, cfg.Transport.ReceiveTimeout)
	assert.Equal(t, "cbor", cfg.Transport.HeaderCodec)
	assert.Equal(t, 1.6, cfg.Backoff.Multiplier)
	assert.Equal(t, uint32(10), cfg.CircuitBreaker.ConsecutiveFailures)
}

func TestStorageConfig_DSN(t *testing.T) {
	t.Parallel()

	cfg := StorageConfig{
		Host:           "db",
		Port:           5432,
		Database:       "txtransport",
		Username:       "app",
		Password:       "p@ss word",
		SSLMode:        "disable",
		ConnectTimeout: 10 * time.Second,
	}

	assert.Equal(t, "postgres://app:p%40ss%20word@db:5432/txtransport?connect_timeout=10&sslmode=disable", cfg.DSN())
}

func kvSecret(version any, data map[string]any) *api.Secret {
	return &api.Secret{
		Data: map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": version},
		},
	}
}

func TestLoader_Load(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		storage         SecretStorageConfig
		setup           func(*MockSecretsRepository)
		expectedVersion uint
		expectedErr     string
	}{
		{
			name:    "token auth applies secrets",
			storage: SecretStorageConfig{Enabled: true, AuthMethod: "token", Token: "root", MountPath: "txtransport"},
			setup: func(m *MockSecretsRepository) {
				m.On("SetToken", "root").Once()
				m.On("GetSecrets", mock.Anything, "apps/data/txtransport").
					Return(kvSecret(float64(3), map[string]any{
						"POSTGRES_PASSWORD": "from-vault",
						"RABBITMQ_HOST":     "broker",
						"UNRELATED":         "ignored",
					}), nil).Once()
			},
			expectedVersion: 3,
		},
		{
			name: "approle auth uses returned token",
			storage: SecretStorageConfig{
				Enabled: true, AuthMethod: "approle", RoleID: "role", SecretID: "secret", MountPath: "txtransport",
			},
			setup: func(m *MockSecretsRepository) {
				m.On("WriteWithContext", mock.Anything, "auth/approle/login", map[string]any{
					"role_id":   "role",
					"secret_id": "secret",
				}).Return(&api.Secret{Auth: &api.SecretAuth{ClientToken: "issued"}}, nil).Once()
				m.On("SetToken", "issued").Once()
				m.On("GetSecrets", mock.Anything, "apps/data/txtransport").
					Return(kvSecret(float64(1), map[string]any{"POSTGRES_PASSWORD": "from-vault"}), nil).Once()
			},
			expectedVersion: 1,
		},
		{
			name:        "disabled storage",
			storage:     SecretStorageConfig{Enabled: false},
			setup:       func(*MockSecretsRepository) {},
			expectedErr: "secret storage is not enabled",
		},
		{
			name:        "missing token",
			storage:     SecretStorageConfig{Enabled: true, AuthMethod: "token"},
			setup:       func(*MockSecretsRepository) {},
			expectedErr: "token is required",
		},
		{
			name:        "unsupported method",
			storage:     SecretStorageConfig{Enabled: true, AuthMethod: "kerberos"},
			setup:       func(*MockSecretsRepository) {},
			expectedErr: "unsupported auth method",
		},
		{
			name:    "read retries then fails",
			storage: SecretStorageConfig{Enabled: true, AuthMethod: "token", Token: "root", MountPath: "txtransport", MaxRetries: 2},
			setup: func(m *MockSecretsRepository) {
				m.On("SetToken", "root").Once()
				m.On("GetSecrets", mock.Anything, "apps/data/txtransport").
					Return(nil, errors.New("vault sealed")).Times(3)
			},
			expectedErr: "after 2 retries: vault sealed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := &MockSecretsRepository{}
			tt.setup(repo)

			loader := NewLoader(repo)
			loader.retryDelay = time.Millisecond

			cfg := &ServiceConfig{SecretStorage: tt.storage}

			version, err := loader.Load(context.Background(), cfg)
			if tt.expectedErr != "" {
				require.ErrorContains(t, err, tt.expectedErr)
				repo.AssertExpectations(t)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectedVersion, version)
			assert.Equal(t, "from-vault", cfg.Storage.Password)
			repo.AssertExpectations(t)
		})
	}
}

func TestDumpConfig_OmitsEmptySecrets(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, DumpConfig(&buf, &ServiceConfig{Transport: TransportConfig{Backend: BackendRedis}}))
	assert.Contains(t, buf.String(), `"backend": "redis"`)
	assert.NotContains(t, buf.String(), `"password"`)
}

// Mock implementations for testing

type MockSecretsRepository struct {
	mock.Mock
}

func (m *MockSecretsRepository) SetToken(v string) {
	m.Called(v)
}

func (m *MockSecretsRepository) GetSecrets(ctx context.Context, path string) (*api.Secret, error) {
	args := m.Called(ctx, path)
	if s := args.Get(0); s != nil {
		return s.(*api.Secret), args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockSecretsRepository) WriteWithContext(ctx context.Context, path string, data map[string]any) (*api.Secret, error) {
	args := m.Called(ctx, path, data)
	if s := args.Get(0); s != nil {
		return s.(*api.Secret), args.Error(1)
	}

	return nil, args.Error(1)
}

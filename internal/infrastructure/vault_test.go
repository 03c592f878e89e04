package infrastructure

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/txtransport/internal/config"
)

func TestVaultRepository_LoadsConfig(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/apps/data/txtransport" || r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": {
				"data": {"POSTGRES_PASSWORD": "from-vault", "KEYDB_ADDR": "keydb:6380"},
				"metadata": {"version": 4}
			}
		}`))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.ServiceConfig{
		SecretStorage: config.SecretStorageConfig{
			Enabled:    true,
			Address:    srv.URL,
			AuthMethod: "token",
			Token:      "root",
			MountPath:  "txtransport",
		},
	}

	client, err := NewVaultClient(cfg.SecretStorage)
	require.NoError(t, err)

	version, err := config.NewLoader(NewVaultRepository(client)).Load(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, uint(4), version)
	assert.Equal(t, "from-vault", cfg.Storage.Password)
	assert.Equal(t, "keydb:6380", cfg.Cache.Addr)
}

func TestNewVaultClient_Namespace(t *testing.T) {
	t.Parallel()

	client, err := NewVaultClient(config.SecretStorageConfig{
		Address:       "https://vault.internal:8200",
		Namespace:     "team-a",
		TLSSkipVerify: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "https://vault.internal:8200", client.Address())
	assert.Equal(t, "team-a", client.Namespace())
}

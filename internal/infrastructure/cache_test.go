package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/txtransport/internal/config"
)

func TestNewRedisClient(t *testing.T) {
	t.Parallel()

	t.Run("connects and pings", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)

		client, err := NewRedisClient(context.Background(), config.CacheConfig{
			Addr:        mr.Addr(),
			PoolSize:    2,
			DialTimeout: time.Second,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })

		require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
		mr.CheckGet(t, "k", "v")
	})

	t.Run("fails when the server is gone", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := NewRedisClient(context.Background(), config.CacheConfig{
			Addr:        addr,
			DialTimeout: 200 * time.Millisecond,
			MaxRetries:  -1,
		})
		require.ErrorContains(t, err, "failed to ping keydb at "+addr)
	})
}

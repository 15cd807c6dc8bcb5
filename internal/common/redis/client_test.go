package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/common/configtypes"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewClient(&configtypes.RedisConfig{Addr: "localhost:1"}, nil)
	assert.Error(t, err)
}

func TestClient_SetGetDel(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", time.Minute))

	got, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	exists, err := client.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, client.Del(ctx, "k"))

	got, err = client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got, "missing key reads as empty string")
}

func TestClient_Hashes(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, "h", "lease-0", "req-1", "lease-1", ""))

	all, err := client.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"lease-0": "req-1", "lease-1": ""}, all)

	require.NoError(t, client.HDel(ctx, "h", "lease-0"))
	all, err = client.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClient_Expire(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0))
	require.NoError(t, client.Expire(ctx, "k", time.Second))

	mr.FastForward(2 * time.Second)

	exists, err := client.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

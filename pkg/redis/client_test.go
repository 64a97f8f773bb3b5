package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestSetNXHonoursExistingKeyAndTTL(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	ok, err := client.SetNX(ctx, "vf:test", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "vf:test", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = client.SetNX(ctx, "vf:test", "c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteIfValueOnlyRemovesOwnedKey(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	require.NoError(t, client.Set(ctx, "vf:lock:cron", "owner-a", time.Minute))

	deleted, err := client.DeleteIfValue(ctx, "vf:lock:cron", "owner-b")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = client.DeleteIfValue(ctx, "vf:lock:cron", "owner-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = client.Get(ctx, "vf:lock:cron")
	assert.ErrorIs(t, err, redis.Nil)
}

func TestExpireIfValueRequiresOwnership(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	_, err := client.SetNX(ctx, "vf:lock:cron", "owner-a", time.Minute)
	require.NoError(t, err)

	ok, err := client.ExpireIfValue(ctx, "vf:lock:cron", "owner-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("vf:lock:cron"))

	ok, err = client.ExpireIfValue(ctx, "vf:lock:cron", "owner-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, mr.TTL("vf:lock:cron"))
}

func TestKeyBuilders(t *testing.T) {
	c := &Client{}
	assert.Equal(t, "vf:idempotency:custody-webhook:n-1", c.IdempotencyKey("custody-webhook", "n-1"))
	assert.Equal(t, "vf:lock:cron-worker:prod", c.LockKey("cron-worker:prod"))
	assert.Equal(t, "vf:idempotency:scope", c.IdempotencyKey("scope", " "))
}

func TestUninitializedClientErrors(t *testing.T) {
	c := &Client{}
	_, err := c.SetNX(context.Background(), "k", "v", time.Second)
	assert.ErrorIs(t, err, errNotInitialized)
	assert.NoError(t, c.Close())
}

func TestOptionsFromConfigRequiresURL(t *testing.T) {
	_, err := optionsFromConfig(configWithURL(""))
	assert.Error(t, err)

	opts, err := optionsFromConfig(configWithURL("redis://localhost:6379/2"))
	require.NoError(t, err)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 10, opts.PoolSize)
}

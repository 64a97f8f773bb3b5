package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/vaultflow-backend/pkg/redis"
)

func newGuard(t *testing.T, ttl time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	guard, err := NewGuard(client, ttl, "custody-webhook")
	require.NoError(t, err)
	return guard, mr
}

func TestCheckAndMarkDetectsDuplicates(t *testing.T) {
	ctx := context.Background()
	guard, mr := newGuard(t, time.Hour)

	seen, err := guard.CheckAndMark(ctx, "notif-1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.True(t, mr.Exists("vf:idempotency:custody-webhook:notif-1"))

	seen, err = guard.CheckAndMark(ctx, "notif-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestReleaseAllowsRedelivery(t *testing.T) {
	ctx := context.Background()
	guard, _ := newGuard(t, time.Hour)

	_, err := guard.CheckAndMark(ctx, "notif-2")
	require.NoError(t, err)
	require.NoError(t, guard.Release(ctx, "notif-2"))

	seen, err := guard.CheckAndMark(ctx, "notif-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMarksExpire(t *testing.T) {
	ctx := context.Background()
	guard, mr := newGuard(t, 30*time.Second)

	_, err := guard.CheckAndMark(ctx, "swap:tx-1")
	require.NoError(t, err)
	mr.FastForward(time.Minute)

	seen, err := guard.CheckAndMark(ctx, "swap:tx-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestGuardValidation(t *testing.T) {
	_, err := NewGuard(nil, time.Second, "scope")
	assert.Error(t, err)

	guard, _ := newGuard(t, time.Second)
	_, err = guard.CheckAndMark(context.Background(), " ")
	assert.Error(t, err)
}

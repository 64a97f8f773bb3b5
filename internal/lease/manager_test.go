package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:lease_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.ConversionJob{}))
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return conn
}

func seedJob(t *testing.T, conn *gorm.DB, id string, status enums.JobStatus) {
	t.Helper()
	require.NoError(t, conn.Create(&models.ConversionJob{
		ID:           id,
		Kind:         enums.JobKindSwap,
		OwnerID:      "owner-1",
		DepositID:    "dep-1",
		WalletID:     "wallet-1",
		Network:      "BASE",
		SourceSymbol: "WETH",
		SourceAmount: "1",
		Status:       status,
	}).Error)
}

func TestTryAcquireExcludesUntilExpiry(t *testing.T) {
	conn := newTestDB(t)
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	mgr := NewManager(conn, WithClock(clock.Now))
	ctx := context.Background()
	seedJob(t, conn, "swap:dep-1", enums.JobStatusQueued)

	ok, err := mgr.TryAcquire(ctx, "swap:dep-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mgr.TryAcquire(ctx, "swap:dep-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be re-entered")

	clock.Advance(61 * time.Second)
	ok, err = mgr.TryAcquire(ctx, "swap:dep-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")
}

func TestReleaseIsIdempotent(t *testing.T) {
	conn := newTestDB(t)
	mgr := NewManager(conn)
	ctx := context.Background()
	seedJob(t, conn, "swap:dep-1", enums.JobStatusSwapReady)

	ok, err := mgr.TryAcquire(ctx, "swap:dep-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, mgr.Release(ctx, "swap:dep-1"))
	require.NoError(t, mgr.Release(ctx, "swap:dep-1"))
	require.NoError(t, mgr.Release(ctx, "swap:missing"))

	var job models.ConversionJob
	require.NoError(t, conn.First(&job, "id = ?", "swap:dep-1").Error)
	assert.Nil(t, job.LeaseExpiresAt)

	ok, err = mgr.TryAcquire(ctx, "swap:dep-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryAcquireSkipsTerminalAndUnknownJobs(t *testing.T) {
	conn := newTestDB(t)
	mgr := NewManager(conn)
	ctx := context.Background()
	seedJob(t, conn, "swap:done", enums.JobStatusCompleted)
	seedJob(t, conn, "swap:failed", enums.JobStatusFailed)

	for _, id := range []string{"swap:done", "swap:failed", "swap:missing"} {
		ok, err := mgr.TryAcquire(ctx, id, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}
}

func TestTryAcquireValidation(t *testing.T) {
	mgr := NewManager(newTestDB(t))
	_, err := mgr.TryAcquire(context.Background(), "", time.Minute)
	assert.Error(t, err)
	_, err = mgr.TryAcquire(context.Background(), "swap:x", 0)
	assert.Error(t, err)
}

func TestTryAcquireConcurrentCallersSingleWinner(t *testing.T) {
	conn := newTestDB(t)
	mgr := NewManager(conn)
	seedJob(t, conn, "swap:dep-1", enums.JobStatusQueued)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := mgr.TryAcquire(context.Background(), "swap:dep-1", time.Minute)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&wins))
}

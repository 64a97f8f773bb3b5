package custodywebhook

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

func newTestFailures(t *testing.T) *FailureRepository {
	t.Helper()
	dsn := "file:failures_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.NotificationFailure{}))
	return NewFailureRepository(conn)
}

func newTestRedriver(t *testing.T, env *testEnv, maxAttempts int) *Redriver {
	t.Helper()
	r, err := NewRedriver(RedriverParams{
		Failures:    env.failures,
		Owners:      env.owners,
		Reconciler:  env.reconciler,
		MaxAttempts: maxAttempts,
		Logger:      logger.New(logger.Options{ServiceName: "redrive-test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return r
}

func TestParkedNotificationRedrivenOnceWalletIsKnown(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	body := notificationBody(t, "n-20", "transactions.inbound", "unknown", fixedNow)
	outcome, err := env.svc.HandleNotification(ctx, body, env.sign(t, body), "key-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome)

	redriver := newTestRedriver(t, env, 0)
	recovered, err := redriver.RedriveFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
	parked, err := env.failures.ListDue(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, 2, parked[0].AttemptCount)

	env.owners.registered["unknown"] = "owner-late"
	recovered, err = redriver.RedriveFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	require.Len(t, env.reconciler.calls, 1)
	assert.Equal(t, "tx-n-20", env.reconciler.calls[0].ID)
	assert.Equal(t, []string{"owner-late"}, env.reconciler.owners)

	parked, err = env.failures.ListDue(ctx, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func TestRedriverStopsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.reconciler.err = errors.New("db down")
	body := notificationBody(t, "n-21", "transactions.inbound", "w-1", fixedNow)
	_, err := env.svc.HandleNotification(ctx, body, env.sign(t, body), "key-1")
	require.NoError(t, err)

	redriver := newTestRedriver(t, env, 2)
	for i := 0; i < 3; i++ {
		_, err := redriver.RedriveFailed(ctx)
		require.NoError(t, err)
	}
	// one delivery plus one redrive reach the cap
	assert.Len(t, env.reconciler.calls, 2)

	var row models.NotificationFailure
	require.NoError(t, env.failures.db.Where("id = ?", "n-21").First(&row).Error)
	assert.Equal(t, 2, row.AttemptCount)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, "db down", *row.ErrorMessage)
}

func TestMalformedTransactionIsNotParked(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	body := []byte(`{"notificationId":"n-22","notificationType":"transactions.inbound","notification":{"id":""},"timestamp":"` +
		fixedNow.Format(time.RFC3339) + `"}`)

	outcome, err := env.svc.HandleNotification(ctx, body, env.sign(t, body), "key-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	parked, err := env.failures.ListDue(ctx, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, parked)
}

func TestRecordTruncatesLongErrors(t *testing.T) {
	ctx := context.Background()
	repo := newTestFailures(t)
	n := Notification{NotificationID: "n-23", NotificationType: "transactions.inbound", Timestamp: fixedNow}
	require.NoError(t, repo.Record(ctx, n, errors.New(strings.Repeat("x", 5000))))

	rows, err := repo.ListDue(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Len(t, *rows[0].ErrorMessage, maxFailureErrorLen)
}

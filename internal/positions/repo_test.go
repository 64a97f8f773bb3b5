package positions

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := "file:positions_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.LiquidityPosition{}))
	return NewRepository(conn)
}

func TestCreatePendingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	created, err := repo.CreatePending(ctx, "owner", "base", "mint-1")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = repo.CreatePending(ctx, "owner", "base", "mint-1")
	require.NoError(t, err)
	assert.False(t, created)

	pending, err := repo.ListPendingMint(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "BASE", pending[0].Network)
}

func TestAttachTokenIDActivatesOnce(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	_, err := repo.CreatePending(ctx, "owner", "base", "mint-2")
	require.NoError(t, err)

	ok, err := repo.AttachTokenID(ctx, "mint-2", "4242", "0xhash")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AttachTokenID(ctx, "mint-2", "9999", "")
	require.NoError(t, err)
	assert.False(t, ok)

	position, err := repo.GetByMintTx(ctx, "mint-2")
	require.NoError(t, err)
	assert.Equal(t, enums.PositionStatusActive, position.Status)
	require.NotNil(t, position.TokenID)
	assert.Equal(t, "4242", *position.TokenID)
}

func TestMarkFailedAndMissing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	_, err := repo.CreatePending(ctx, "owner", "base", "mint-3")
	require.NoError(t, err)

	ok, err := repo.MarkFailed(ctx, "mint-3")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AttachTokenID(ctx, "unknown", "1", "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.GetByMintTx(ctx, "unknown")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

package balances

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/vaultflow-backend/internal/wallets"
	"github.com/angelmondragon/vaultflow-backend/pkg/config"
	"github.com/angelmondragon/vaultflow-backend/pkg/custody"
	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

const testCatalog = `
settlement:
  network: BASE
  symbol: USDC
networks:
  - name: BASE
    chainId: 8453
    settlementToken: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
  - name: ARB
    chainId: 42161
    settlementToken: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
`

type fakeCustody struct {
	byWallet map[string][]custody.TokenBalance
	err      error
}

func (f *fakeCustody) GetWalletBalances(_ context.Context, walletID string) ([]custody.TokenBalance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byWallet[walletID], nil
}

func newTestService(t *testing.T, fetcher *fakeCustody) *Service {
	t.Helper()
	dsn := "file:balances_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.Wallet{}, &models.OwnerBalance{}))

	repo := wallets.NewRepository(conn)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &models.Wallet{ID: "w-base", OwnerID: "owner", Network: "BASE", Address: "0x1"}))
	require.NoError(t, repo.Create(ctx, &models.Wallet{ID: "w-arb", OwnerID: "owner", Network: "ARB", Address: "0x2"}))

	catalog, err := config.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	svc, err := NewService(conn, repo, fetcher, catalog)
	require.NoError(t, err)
	return svc
}

func TestRecomputeSumsSettlementAssetAcrossWallets(t *testing.T) {
	fetcher := &fakeCustody{byWallet: map[string][]custody.TokenBalance{
		"w-base": {
			{Token: custody.Token{Blockchain: "BASE", TokenAddress: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", Symbol: "USDC"}, Amount: "10.25"},
			{Token: custody.Token{Blockchain: "BASE", Symbol: "ETH", IsNative: true}, Amount: "1.5"},
		},
		"w-arb": {
			{Token: custody.Token{Blockchain: "ARB", TokenAddress: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Symbol: "USDC"}, Amount: "0.75"},
		},
	}}
	svc := newTestService(t, fetcher)
	ctx := context.Background()

	require.NoError(t, svc.Recompute(ctx, "owner"))
	got, err := svc.Get(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, "11", got.Amount)
	assert.Equal(t, "USDC", got.Symbol)

	fetcher.byWallet["w-arb"][0].Amount = "1"
	require.NoError(t, svc.Recompute(ctx, "owner"))
	got, err = svc.Get(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, "11.25", got.Amount)
}

func TestRecomputePropagatesCustodyErrors(t *testing.T) {
	svc := newTestService(t, &fakeCustody{err: pkgerrors.New(pkgerrors.CodeDependency, "custody down")})
	err := svc.Recompute(context.Background(), "owner")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	_, err = svc.Get(context.Background(), "owner")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRecomputeRejectsBadAmounts(t *testing.T) {
	svc := newTestService(t, &fakeCustody{byWallet: map[string][]custody.TokenBalance{
		"w-base": {{Token: custody.Token{Blockchain: "BASE", Symbol: "USDC"}, Amount: "ten"}},
	}})
	err := svc.Recompute(context.Background(), "owner")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
	assert.ErrorContains(t, err, `sum wallet balances: parse amount "ten"`)
}

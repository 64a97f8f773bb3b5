package balances

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/vaultflow-backend/pkg/config"
	"github.com/angelmondragon/vaultflow-backend/pkg/custody"
	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
	"github.com/angelmondragon/vaultflow-backend/pkg/units"
)

type walletLister interface {
	ListByOwner(ctx context.Context, ownerID string) ([]models.Wallet, error)
}

type balanceFetcher interface {
	GetWalletBalances(ctx context.Context, walletID string) ([]custody.TokenBalance, error)
}

// Service recomputes an owner's aggregate settlement-asset balance across all
// of their custody wallets.
type Service struct {
	db       *gorm.DB
	wallets  walletLister
	balances balanceFetcher
	catalog  *config.Catalog
	now      func() time.Time
}

func NewService(db *gorm.DB, wallets walletLister, balances balanceFetcher, catalog *config.Catalog) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	if wallets == nil {
		return nil, fmt.Errorf("wallet lister required")
	}
	if balances == nil {
		return nil, fmt.Errorf("balance fetcher required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("asset catalog required")
	}
	return &Service{db: db, wallets: wallets, balances: balances, catalog: catalog, now: time.Now}, nil
}

// Recompute sums settlement-asset holdings and stores the total in owner_balances.
func (s *Service) Recompute(ctx context.Context, ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "owner id is required")
	}
	wallets, err := s.wallets.ListByOwner(ctx, ownerID)
	if err != nil {
		return err
	}

	amounts := make([]string, 0, len(wallets))
	for _, wallet := range wallets {
		held, err := s.balances.GetWalletBalances(ctx, wallet.ID)
		if err != nil {
			return err
		}
		for _, b := range held {
			network := b.Token.Blockchain
			if network == "" {
				network = wallet.Network
			}
			if s.catalog.IsSettlementAsset(network, b.Token.TokenAddress, b.Token.Symbol) {
				amounts = append(amounts, b.Amount)
			}
		}
	}
	total, err := units.Sum(amounts...)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum wallet balances")
	}

	row := models.OwnerBalance{
		OwnerID:   ownerID,
		Symbol:    s.catalog.SettlementSymbol(),
		Amount:    total.String(),
		UpdatedAt: s.now().UTC(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"symbol", "amount", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return pkgerrors.FromDB(err, "store owner balance")
	}
	return nil
}

// Get returns the last recomputed balance for the owner.
func (s *Service) Get(ctx context.Context, ownerID string) (*models.OwnerBalance, error) {
	var row models.OwnerBalance
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "balance not computed")
		}
		return nil, pkgerrors.FromDB(err, "load owner balance")
	}
	return &row, nil
}

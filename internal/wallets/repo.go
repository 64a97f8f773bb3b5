package wallets

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

// Repository resolves custody wallets to owners and on-chain addresses.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, walletID string) (*models.Wallet, error) {
	if strings.TrimSpace(walletID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "wallet id is required")
	}
	var wallet models.Wallet
	if err := r.db.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "wallet not found")
		}
		return nil, pkgerrors.FromDB(err, "load wallet")
	}
	return &wallet, nil
}

// Address returns the on-chain address of a custody wallet.
func (r *Repository) Address(ctx context.Context, walletID string) (string, error) {
	wallet, err := r.Get(ctx, walletID)
	if err != nil {
		return "", err
	}
	if wallet.Address == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "wallet has no address")
	}
	return wallet.Address, nil
}

// OwnerOf returns the owner a webhook for walletID belongs to.
func (r *Repository) OwnerOf(ctx context.Context, walletID string) (string, error) {
	wallet, err := r.Get(ctx, walletID)
	if err != nil {
		return "", err
	}
	return wallet.OwnerID, nil
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]models.Wallet, error) {
	var wallets []models.Wallet
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("network ASC").Find(&wallets).Error; err != nil {
		return nil, pkgerrors.FromDB(err, "list wallets")
	}
	return wallets, nil
}

// Create registers a wallet; used by provisioning and tests.
func (r *Repository) Create(ctx context.Context, wallet *models.Wallet) error {
	if wallet == nil || wallet.ID == "" || wallet.OwnerID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "wallet id and owner are required")
	}
	wallet.Network = strings.ToUpper(strings.TrimSpace(wallet.Network))
	if err := r.db.WithContext(ctx).Create(wallet).Error; err != nil {
		return pkgerrors.FromDB(err, "create wallet")
	}
	return nil
}

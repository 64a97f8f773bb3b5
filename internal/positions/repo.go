package positions

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

// Repository tracks liquidity positions from mint submission until the minted
// token id is known. A position is revisited by status instead of being waited on.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// CreatePending records a submitted mint. Repeated calls for the same custody
// transaction are no-ops.
func (r *Repository) CreatePending(ctx context.Context, ownerID, network, mintTxID string) (bool, error) {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(mintTxID) == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "owner and mint transaction are required")
	}
	position := &models.LiquidityPosition{
		ID:       "position:" + mintTxID,
		OwnerID:  ownerID,
		Network:  strings.ToUpper(strings.TrimSpace(network)),
		MintTxID: mintTxID,
		Status:   enums.PositionStatusPendingMint,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "mint_tx_id"}}, DoNothing: true}).
		Create(position)
	if res.Error != nil {
		return false, pkgerrors.FromDB(res.Error, "create pending position")
	}
	return res.RowsAffected == 1, nil
}

// AttachTokenID sets the minted id on the pending position for mintTxID.
// It reports false when no pending position references the transaction.
func (r *Repository) AttachTokenID(ctx context.Context, mintTxID, tokenID, txHash string) (bool, error) {
	if strings.TrimSpace(mintTxID) == "" || strings.TrimSpace(tokenID) == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "mint transaction and token id are required")
	}
	updates := map[string]any{
		"token_id":   tokenID,
		"status":     enums.PositionStatusActive,
		"updated_at": r.now().UTC(),
	}
	if txHash != "" {
		updates["tx_hash"] = txHash
	}
	res := r.db.WithContext(ctx).
		Model(&models.LiquidityPosition{}).
		Where("mint_tx_id = ? AND status = ?", mintTxID, enums.PositionStatusPendingMint).
		Updates(updates)
	if res.Error != nil {
		return false, pkgerrors.FromDB(res.Error, "attach position token id")
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed closes a pending position whose mint transaction failed.
func (r *Repository) MarkFailed(ctx context.Context, mintTxID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.LiquidityPosition{}).
		Where("mint_tx_id = ? AND status = ?", mintTxID, enums.PositionStatusPendingMint).
		Updates(map[string]any{
			"status":     enums.PositionStatusFailed,
			"updated_at": r.now().UTC(),
		})
	if res.Error != nil {
		return false, pkgerrors.FromDB(res.Error, "mark position failed")
	}
	return res.RowsAffected == 1, nil
}

// ListPendingMint returns positions still waiting for a token id, oldest first.
func (r *Repository) ListPendingMint(ctx context.Context, limit int) ([]models.LiquidityPosition, error) {
	q := r.db.WithContext(ctx).Where("status = ?", enums.PositionStatusPendingMint).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var positions []models.LiquidityPosition
	if err := q.Find(&positions).Error; err != nil {
		return nil, pkgerrors.FromDB(err, "list pending positions")
	}
	return positions, nil
}

func (r *Repository) GetByMintTx(ctx context.Context, mintTxID string) (*models.LiquidityPosition, error) {
	var position models.LiquidityPosition
	err := r.db.WithContext(ctx).Where("mint_tx_id = ?", mintTxID).First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "position not found")
		}
		return nil, pkgerrors.FromDB(err, "load position")
	}
	return &position, nil
}

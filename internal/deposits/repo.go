package deposits

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

// Repository stores the last observed state of inbound custody transactions.
// Rows are keyed by the custody transaction id, so webhook and poller
// observations of the same transfer merge into one row.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Upsert inserts the deposit on first sight and merges later observations.
// Empty fields never overwrite and a terminal state never regresses. Upsert
// never settles a deposit; see MarkSettled.
func (r *Repository) Upsert(ctx context.Context, deposit *models.Deposit) (*models.Deposit, error) {
	if deposit == nil || strings.TrimSpace(deposit.ID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "deposit id is required")
	}
	if deposit.OwnerID == "" || deposit.WalletID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "deposit owner and wallet are required")
	}
	deposit.Network = strings.ToUpper(strings.TrimSpace(deposit.Network))
	deposit.Settled = false

	var out *models.Deposit
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := *deposit
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).Create(&fresh)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			out = &fresh
			return nil
		}

		var existing models.Deposit
		if err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).Where("id = ?", deposit.ID).First(&existing).Error; err != nil {
			return err
		}
		mergeDeposit(&existing, deposit)
		existing.UpdatedAt = r.now().UTC()
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		out = &existing
		return nil
	})
	if err != nil {
		return nil, pkgerrors.FromDB(err, "upsert deposit")
	}
	return out, nil
}

func mergeDeposit(existing, incoming *models.Deposit) {
	setIfPresent(&existing.Network, incoming.Network)
	setIfPresent(&existing.TokenID, incoming.TokenID)
	setIfPresent(&existing.TokenAddress, incoming.TokenAddress)
	setIfPresent(&existing.Symbol, incoming.Symbol)
	setIfPresent(&existing.Amount, incoming.Amount)
	if incoming.Decimals > 0 {
		existing.Decimals = incoming.Decimals
	}
	if incoming.TxHash != nil && *incoming.TxHash != "" {
		existing.TxHash = incoming.TxHash
	}
	current := enums.NormalizeTxState(existing.State)
	next := enums.NormalizeTxState(incoming.State)
	if incoming.State != "" && (!current.IsTerminal() || next.IsTerminal()) {
		existing.State = incoming.State
	}
}

func setIfPresent(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Deposit, error) {
	var deposit models.Deposit
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&deposit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "deposit not found")
		}
		return nil, pkgerrors.FromDB(err, "load deposit")
	}
	return &deposit, nil
}

// MarkSettled records that a terminal deposit and everything it triggers have
// been applied. Until then the transaction poller keeps replaying it.
func (r *Repository) MarkSettled(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.Deposit{}).
		Where("id = ?", id).
		Updates(map[string]any{"settled": true, "updated_at": r.now().UTC()})
	if res.Error != nil {
		return pkgerrors.FromDB(res.Error, "mark deposit settled")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "deposit not found")
	}
	return nil
}

// ListUnsettled returns deposits not yet fully applied, oldest first. That
// covers non-terminal custody states and terminal deposits whose downstream
// work failed.
func (r *Repository) ListUnsettled(ctx context.Context, limit int) ([]models.Deposit, error) {
	q := r.db.WithContext(ctx).Where("settled = ?", false).Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var deposits []models.Deposit
	if err := q.Find(&deposits).Error; err != nil {
		return nil, pkgerrors.FromDB(err, "list unsettled deposits")
	}
	return deposits, nil
}

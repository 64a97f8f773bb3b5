package ledger

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
)

// Repository manages persistence for ledger transactions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	InsertIfAbsent(ctx context.Context, entry *models.LedgerTransaction) (bool, error)
	FindByID(ctx context.Context, id string) (*models.LedgerTransaction, error)
	FindByIDForUpdate(ctx context.Context, id string) (*models.LedgerTransaction, error)
	Update(ctx context.Context, entry *models.LedgerTransaction) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.LedgerTransaction, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// InsertIfAbsent reports whether the row was created; an existing id is left untouched.
func (r *repository) InsertIfAbsent(ctx context.Context, entry *models.LedgerTransaction) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindByID returns gorm.ErrRecordNotFound when the id is unknown.
func (r *repository) FindByID(ctx context.Context, id string) (*models.LedgerTransaction, error) {
	var entry models.LedgerTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindByIDForUpdate row-locks the entry until the surrounding transaction
// ends, so concurrent merges of one id apply one after another.
func (r *repository) FindByIDForUpdate(ctx context.Context, id string) (*models.LedgerTransaction, error) {
	var entry models.LedgerTransaction
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("id = ?", id).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) Update(ctx context.Context, entry *models.LedgerTransaction) error {
	res := r.db.WithContext(ctx).
		Model(&models.LedgerTransaction{}).
		Where("id = ?", entry.ID).
		Updates(map[string]any{
			"owner_id":            entry.OwnerID,
			"kind":                entry.Kind,
			"status":              entry.Status,
			"amount":              entry.Amount,
			"symbol":              entry.Symbol,
			"network":             entry.Network,
			"source_network":      entry.SourceNetwork,
			"destination_network": entry.DestinationNetwork,
			"tx_hash":             entry.TxHash,
			"related_id":          entry.RelatedID,
			"metadata":            entry.Metadata,
			"updated_at":          entry.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.LedgerTransaction, error) {
	q := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.LedgerTransaction
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

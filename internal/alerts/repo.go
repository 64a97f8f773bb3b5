package alerts

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

// Repository manages low-balance alerts raised for owners.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Raise records a pending alert for the owner on network.
func (r *Repository) Raise(ctx context.Context, ownerID, network string) (*models.BalanceAlert, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner id is required")
	}
	alert := &models.BalanceAlert{
		ID:      ownerID + ":" + strings.ToUpper(strings.TrimSpace(network)) + ":" + r.now().UTC().Format("20060102T150405.000000000"),
		OwnerID: ownerID,
		Network: strings.ToUpper(strings.TrimSpace(network)),
		Status:  enums.AlertStatusPending,
	}
	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		return nil, pkgerrors.FromDB(err, "raise balance alert")
	}
	return alert, nil
}

// ClearPending marks every pending alert for the owner as cleared and returns how many changed.
func (r *Repository) ClearPending(ctx context.Context, ownerID string) (int64, error) {
	if strings.TrimSpace(ownerID) == "" {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "owner id is required")
	}
	now := r.now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.BalanceAlert{}).
		Where("owner_id = ? AND status = ?", ownerID, enums.AlertStatusPending).
		Updates(map[string]any{
			"status":     enums.AlertStatusCleared,
			"cleared_at": now,
		})
	if res.Error != nil {
		return 0, pkgerrors.FromDB(res.Error, "clear balance alerts")
	}
	return res.RowsAffected, nil
}

func (r *Repository) ListPending(ctx context.Context, ownerID string) ([]models.BalanceAlert, error) {
	var alerts []models.BalanceAlert
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND status = ?", ownerID, enums.AlertStatusPending).
		Order("created_at ASC").
		Find(&alerts).Error; err != nil {
		return nil, pkgerrors.FromDB(err, "list balance alerts")
	}
	return alerts, nil
}

package custodywebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

const (
	maxFailureErrorLen  = 1024
	defaultMaxAttempts  = 20
	defaultRedriveBatch = 50
)

// FailureRepository stores notifications that were acknowledged but could not
// be applied.
type FailureRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewFailureRepository(db *gorm.DB) *FailureRepository {
	return &FailureRepository{db: db, now: time.Now}
}

// Record parks n, or bumps its attempt count when it is already parked.
func (r *FailureRepository) Record(ctx context.Context, n Notification, cause error) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode failed notification")
	}
	msg := truncateFailure(cause.Error())
	now := r.now().UTC()
	row := models.NotificationFailure{
		ID:               n.NotificationID,
		NotificationType: n.NotificationType,
		Payload:          payload,
		ErrorMessage:     &msg,
		AttemptCount:     1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"attempt_count": gorm.Expr("notification_failures.attempt_count + 1"),
			"error_message": msg,
			"updated_at":    now,
		}),
	}).Create(&row).Error
	if err != nil {
		return pkgerrors.FromDB(err, "record failed notification")
	}
	return nil
}

// ListDue returns parked notifications below maxAttempts, least recently tried first.
func (r *FailureRepository) ListDue(ctx context.Context, maxAttempts, limit int) ([]models.NotificationFailure, error) {
	var rows []models.NotificationFailure
	err := r.db.WithContext(ctx).
		Where("attempt_count < ?", maxAttempts).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.FromDB(err, "list failed notifications")
	}
	return rows, nil
}

func (r *FailureRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.NotificationFailure{}).Error; err != nil {
		return pkgerrors.FromDB(err, "delete failed notification")
	}
	return nil
}

func truncateFailure(message string) string {
	if len(message) <= maxFailureErrorLen {
		return message
	}
	return message[:maxFailureErrorLen]
}

type failureStore interface {
	Record(ctx context.Context, n Notification, cause error) error
	ListDue(ctx context.Context, maxAttempts, limit int) ([]models.NotificationFailure, error)
	Delete(ctx context.Context, id string) error
}

type RedriverParams struct {
	Failures    failureStore
	Owners      ownerResolver
	Reconciler  transactionHandler
	MaxAttempts int
	BatchSize   int
	Logger      *logger.Logger
}

// Redriver replays parked notifications through the same owner resolution and
// reconciliation the webhook uses. The replay window does not apply.
type Redriver struct {
	applier
	failures    failureStore
	maxAttempts int
	batch       int
	logg        *logger.Logger
}

func NewRedriver(params RedriverParams) (*Redriver, error) {
	switch {
	case params.Failures == nil:
		return nil, fmt.Errorf("failure store required")
	case params.Owners == nil:
		return nil, fmt.Errorf("owner resolver required")
	case params.Reconciler == nil:
		return nil, fmt.Errorf("reconciler required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultRedriveBatch
	}
	return &Redriver{
		applier:     newApplier(params.Owners, params.Reconciler),
		failures:    params.Failures,
		maxAttempts: maxAttempts,
		batch:       batch,
		logg:        params.Logger,
	}, nil
}

// RedriveFailed retries one batch of parked notifications and returns how many
// were applied. Rows that fail again stay parked with a higher attempt count.
func (r *Redriver) RedriveFailed(ctx context.Context) (int, error) {
	rows, err := r.failures.ListDue(ctx, r.maxAttempts, r.batch)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		rowCtx := r.logg.WithFields(ctx, map[string]any{
			"notification_id": row.ID,
			"attempt":         row.AttemptCount + 1,
		})
		var n Notification
		if err := json.Unmarshal(row.Payload, &n); err != nil {
			r.logg.Error(rowCtx, "parked notification is not decodable; dropping", err)
			if derr := r.failures.Delete(rowCtx, row.ID); derr != nil {
				return recovered, derr
			}
			continue
		}
		if err := r.apply(rowCtx, n); err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
				r.logg.Error(rowCtx, "parked notification is invalid; dropping", err)
				if derr := r.failures.Delete(rowCtx, row.ID); derr != nil {
					return recovered, derr
				}
				continue
			}
			r.logg.Warn(rowCtx, "parked notification failed again")
			if rerr := r.failures.Record(rowCtx, n, err); rerr != nil {
				return recovered, rerr
			}
			continue
		}
		if err := r.failures.Delete(rowCtx, row.ID); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

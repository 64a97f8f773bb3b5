package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

// ID builds the deterministic job id for a triggering deposit, e.g. swap:<depositTxId>.
func ID(kind enums.JobKind, depositID string) string {
	return fmt.Sprintf("%s:%s", kind, strings.TrimSpace(depositID))
}

// Store persists conversion jobs. Rows are never deleted.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// WithTx returns a store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	if tx == nil {
		return s
	}
	return &Store{db: tx, now: s.now}
}

// CreateIfAbsent inserts job unless its id already exists. The first caller wins.
func (s *Store) CreateIfAbsent(ctx context.Context, job *models.ConversionJob) (bool, error) {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "job id is required")
	}
	if !job.Kind.IsValid() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid job kind %q", job.Kind))
	}
	if job.OwnerID == "" || job.DepositID == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "job owner and deposit are required")
	}
	if job.Status == "" {
		job.Status = enums.JobStatusQueued
	}
	if job.Status != enums.JobStatusQueued {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "jobs must be created QUEUED")
	}
	job.LeaseExpiresAt = nil

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(job)
	if res.Error != nil {
		return false, pkgerrors.FromDB(res.Error, "insert conversion job")
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.ConversionJob, error) {
	var job models.ConversionJob
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "job not found")
		}
		return nil, pkgerrors.FromDB(err, "load conversion job")
	}
	return &job, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.ConversionJob{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, pkgerrors.FromDB(err, "check conversion job")
	}
	return count > 0, nil
}

// ListNonTerminal returns up to limit jobs that still have work to do, oldest update first.
func (s *Store) ListNonTerminal(ctx context.Context, limit int) ([]models.ConversionJob, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ?", enums.NonTerminalJobStatuses()).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.ConversionJob
	if err := q.Find(&out).Error; err != nil {
		return nil, pkgerrors.FromDB(err, "list conversion jobs")
	}
	return out, nil
}

func (s *Store) ListByDeposit(ctx context.Context, depositID string) ([]models.ConversionJob, error) {
	var out []models.ConversionJob
	if err := s.db.WithContext(ctx).Where("deposit_id = ?", depositID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, pkgerrors.FromDB(err, "list deposit jobs")
	}
	return out, nil
}

// Save persists the mutable fields of job. The write only lands while the job's
// lease is unexpired; otherwise it fails with LEASE_LOST and nothing changes.
func (s *Store) Save(ctx context.Context, job *models.ConversionJob) error {
	if job == nil || job.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "job id is required")
	}
	now := s.now().UTC()
	job.UpdatedAt = now

	res := s.db.WithContext(ctx).
		Model(&models.ConversionJob{}).
		Where("id = ? AND lease_expires_at IS NOT NULL AND lease_expires_at > ?", job.ID, now).
		Updates(map[string]any{
			"route":            job.Route,
			"approval_address": job.ApprovalAddress,
			"approval_tx_id":   job.ApprovalTxID,
			"execute_tx_id":    job.ExecuteTxID,
			"last_tx_state":    job.LastTxState,
			"tx_hash":          job.TxHash,
			"status":           job.Status,
			"error":            job.Error,
			"step_failures":    job.StepFailures,
			"completed_at":     job.CompletedAt,
			"updated_at":       now,
		})
	if res.Error != nil {
		return pkgerrors.FromDB(res.Error, "save conversion job")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeLeaseLost, fmt.Sprintf("lease on job %s is not held", job.ID))
	}
	return nil
}

package lease

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

// Manager grants anonymous, exclusive, non-reentrant leases on conversion jobs.
// A lease is the job's lease_expires_at column; holding one is the only permission
// to mutate the job.
type Manager struct {
	db  *gorm.DB
	now func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(db *gorm.DB, opts ...Option) *Manager {
	m := &Manager{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// TryAcquire sets the lease when none is held or the held one has expired.
// The check and the write are one conditional UPDATE, so two callers can never
// both observe the job as unlocked.
func (m *Manager) TryAcquire(ctx context.Context, jobID string, duration time.Duration) (bool, error) {
	if jobID == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "job id is required")
	}
	if duration <= 0 {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "lease duration must be positive")
	}
	now := m.now().UTC()
	expires := now.Add(duration)

	res := m.db.WithContext(ctx).
		Model(&models.ConversionJob{}).
		Where("id = ?", jobID).
		Where("status NOT IN ?", []enums.JobStatus{enums.JobStatusCompleted, enums.JobStatusFailed}).
		Where("(lease_expires_at IS NULL OR lease_expires_at <= ?)", now).
		UpdateColumn("lease_expires_at", expires)
	if res.Error != nil {
		return false, pkgerrors.FromDB(res.Error, "acquire job lease")
	}
	return res.RowsAffected == 1, nil
}

// Release clears the lease regardless of holder. Releasing an unleased or
// unknown job is a no-op.
func (m *Manager) Release(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}
	res := m.db.WithContext(ctx).
		Model(&models.ConversionJob{}).
		Where("id = ?", jobID).
		UpdateColumn("lease_expires_at", nil)
	if res.Error != nil {
		return pkgerrors.FromDB(res.Error, "release job lease")
	}
	return nil
}

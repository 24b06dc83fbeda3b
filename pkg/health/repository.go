package health

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrVersionConflict = errors.New("health row modified concurrently")

type Status string

const (
	StatusHealthy          Status = "healthy"
	StatusDegraded         Status = "degraded"
	StatusIssuesAuth       Status = "issues_auth"
	StatusIssuesQuota      Status = "issues_quota"
	StatusIssuesConfig     Status = "issues_config"
	StatusIssuesPermission Status = "issues_permission"
	StatusSuspended        Status = "suspended"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitHalfOpen CircuitState = "half_open"
	CircuitOpen     CircuitState = "open"
)

// HealthModel is the reliability row for one destination account. It is never
// deleted while the account exists. Version backs the compare-and-swap update
// path: two concurrent failure reports must both land.
type HealthModel struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID            uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Status               Status    `gorm:"size:32;index"`
	PreviousStatus       Status    `gorm:"size:32"`
	StatusChangedAt      time.Time
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalSuccesses       int64
	TotalFailures        int64
	SuccessRate          float64
	CircuitState         CircuitState `gorm:"size:16"`
	CircuitOpenedAt      *time.Time
	CircuitFailures      int
	LastErrorCode        string `gorm:"size:64"`
	LastErrorMessage     string
	LastErrorAt          *time.Time
	NextRetryAt          *time.Time
	RetryCount           int
	MaxRetries           int
	LastCheckedAt        *time.Time `gorm:"index"`
	NextCheckAt          *time.Time
	AutoRecoveryAttempts int
	Details              datatypes.JSONMap `gorm:"type:jsonb"`
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (HealthModel) TableName() string {
	return "channel_health"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&HealthModel{})
}

func (r *Repository) Get(ctx context.Context, accountID uuid.UUID) (*HealthModel, error) {
	var h HealthModel
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *Repository) GetOrCreate(ctx context.Context, accountID uuid.UUID) (*HealthModel, error) {
	h, err := r.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if h != nil {
		return h, nil
	}

	now := time.Now().UTC()
	fresh := HealthModel{
		ID:              uuid.New(),
		AccountID:       accountID,
		Status:          StatusHealthy,
		PreviousStatus:  StatusHealthy,
		StatusChangedAt: now,
		CircuitState:    CircuitClosed,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.db.WithContext(ctx).Create(&fresh).Error; err != nil {
		// Lost a create race; the row exists now.
		if existing, getErr := r.Get(ctx, accountID); getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return &fresh, nil
}

// UpdateCAS persists h only if its version is unchanged in the database,
// bumping the version on success.
func (r *Repository) UpdateCAS(ctx context.Context, h *HealthModel) error {
	h.UpdatedAt = time.Now().UTC()
	currentVersion := h.Version
	h.Version = currentVersion + 1

	result := r.db.WithContext(ctx).
		Model(&HealthModel{}).
		Where("id = ? AND version = ?", h.ID, currentVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(h)
	if result.Error != nil {
		h.Version = currentVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		h.Version = currentVersion
		return ErrVersionConflict
	}
	return nil
}

// ListUnhealthy returns non-healthy accounts for the recovery prober,
// least recently checked first.
func (r *Repository) ListUnhealthy(ctx context.Context, limit int) ([]HealthModel, error) {
	var rows []HealthModel
	err := r.db.WithContext(ctx).
		Where("status <> ?", StatusHealthy).
		Order("last_checked_at ASC NULLS FIRST").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

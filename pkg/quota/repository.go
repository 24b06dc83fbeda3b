package quota

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// UsageModel is the daily quota row for one destination account. The day key
// is the calendar date in the account's operating timezone; a missing row for
// today means full fresh capacity.
type UsageModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID    uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_quota_account_day"`
	Day          string    `gorm:"size:10;uniqueIndex:idx_quota_account_day"`
	QuotaUsed    int64
	QuotaLimit   int64
	UploadsCount int
	Paused       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (UsageModel) TableName() string {
	return "quota_usage"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&UsageModel{})
}

func (r *Repository) GetForDay(ctx context.Context, accountID uuid.UUID, day string) (*UsageModel, error) {
	var usage UsageModel
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND day = ?", accountID, day).
		First(&usage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

// Increment charges one upload atomically. Concurrent charges for the same
// account and day must both be reflected, so the update goes through a single
// upsert with SQL-side arithmetic instead of read-modify-write.
func (r *Repository) Increment(ctx context.Context, accountID uuid.UUID, day string, cost, limit int64) error {
	now := time.Now().UTC()
	usage := UsageModel{
		ID:           uuid.New(),
		AccountID:    accountID,
		Day:          day,
		QuotaUsed:    cost,
		QuotaLimit:   limit,
		UploadsCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"quota_used":    gorm.Expr("quota_usage.quota_used + ?", cost),
			"uploads_count": gorm.Expr("quota_usage.uploads_count + 1"),
			"updated_at":    now,
		}),
	}).Create(&usage).Error
}

// SetPaused flips the manual kill switch for an account's current day,
// creating the row if the account has not uploaded yet today.
func (r *Repository) SetPaused(ctx context.Context, accountID uuid.UUID, day string, paused bool, limit int64) error {
	now := time.Now().UTC()
	usage := UsageModel{
		ID:         uuid.New(),
		AccountID:  accountID,
		Day:        day,
		QuotaLimit: limit,
		Paused:     paused,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"paused":     paused,
			"updated_at": now,
		}),
	}).Create(&usage).Error
}

package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusUploading  QueueStatus = "uploading"
	QueueStatusPublished  QueueStatus = "published"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// ScheduleModel is created and edited by the dashboard; the engine reads it.
// Exactly one of DestinationAccountID and PoolID is set.
type ScheduleModel struct {
	ID                   uuid.UUID                   `gorm:"type:uuid;primaryKey"`
	UserID               uuid.UUID                   `gorm:"type:uuid;index"`
	SourceAccountID      uuid.UUID                   `gorm:"type:uuid;index"`
	DestinationAccountID *uuid.UUID                  `gorm:"type:uuid"`
	PoolID               *uuid.UUID                  `gorm:"type:uuid"`
	PublishTimes         datatypes.JSONSlice[string] `gorm:"type:jsonb"` // "HH:MM" local wall-clock
	Timezone             string                      `gorm:"size:64"`
	Active               bool                        `gorm:"index"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (ScheduleModel) TableName() string {
	return "schedules"
}

// VideoModel references scraped source content. The published flag is set by
// the upload executor and observed by the picker.
type VideoModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID          uuid.UUID `gorm:"type:uuid;index"`
	SourceAccountID uuid.UUID `gorm:"type:uuid;index"`
	ExternalID      string    `gorm:"size:128;index"`
	Title           string
	URL             string
	Published       bool `gorm:"index"`
	ScrapedAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (VideoModel) TableName() string {
	return "source_videos"
}

type QueueItemModel struct {
	ID              uuid.UUID   `gorm:"type:uuid;primaryKey"`
	UserID          uuid.UUID   `gorm:"type:uuid;index"`
	VideoID         uuid.UUID   `gorm:"type:uuid;index"`
	AccountID       uuid.UUID   `gorm:"type:uuid;index"`
	ScheduleID      *uuid.UUID  `gorm:"type:uuid;index"`
	Status          QueueStatus `gorm:"size:16;index"`
	RetryCount      int
	MaxRetries      int
	ErrorMessage    string
	ProgressPhase   string `gorm:"size:32"`
	ProgressPercent int
	QuotaCharged    bool
	ContentID       string `gorm:"size:128"`
	ContentURL      string
	NextAttemptAt   *time.Time
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (QueueItemModel) TableName() string {
	return "publish_queue"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&ScheduleModel{}, &VideoModel{}, &QueueItemModel{})
}

func (r *Repository) ListActiveSchedules(ctx context.Context) ([]ScheduleModel, error) {
	var schedules []ScheduleModel
	err := r.db.WithContext(ctx).Where("active = ?", true).Find(&schedules).Error
	return schedules, err
}

// ListUnpublishedVideos returns the oldest unpublished videos for a source
// account, bounding the picker's walk.
func (r *Repository) ListUnpublishedVideos(ctx context.Context, sourceAccountID uuid.UUID, limit int) ([]VideoModel, error) {
	var videos []VideoModel
	err := r.db.WithContext(ctx).
		Where("source_account_id = ? AND published = ?", sourceAccountID, false).
		Order("scraped_at ASC").
		Limit(limit).
		Find(&videos).Error
	return videos, err
}

// ActiveQueueItemForVideo returns a queue entry that makes the video
// ineligible for picking: anything in flight, plus published. Uploading is
// treated like processing here so a transfer in progress is never duplicated.
func (r *Repository) ActiveQueueItemForVideo(ctx context.Context, videoID uuid.UUID) (*QueueItemModel, error) {
	var item QueueItemModel
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND status IN ?", videoID, []QueueStatus{
			QueueStatusQueued, QueueStatusProcessing, QueueStatusUploading, QueueStatusPublished,
		}).
		Order("created_at DESC").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *Repository) MarkVideoPublished(ctx context.Context, videoID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&VideoModel{}).
		Where("id = ?", videoID).
		Updates(map[string]interface{}{"published": true, "updated_at": time.Now().UTC()}).Error
}

func (r *Repository) CreateQueueItem(ctx context.Context, item *QueueItemModel) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *Repository) GetQueueItem(ctx context.Context, id uuid.UUID) (*QueueItemModel, error) {
	var item QueueItemModel
	err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *Repository) UpdateQueueItem(ctx context.Context, item *QueueItemModel) error {
	item.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(item).Error
}

// MarkQuotaCharged flips the per-item quota marker exactly once. The caller
// charges the ledger only when this returns true, which keeps retried outcome
// reports from double-charging.
func (r *Repository) MarkQuotaCharged(ctx context.Context, id uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&QueueItemModel{}).
		Where("id = ? AND quota_charged = ?", id, false).
		Updates(map[string]interface{}{"quota_charged": true, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

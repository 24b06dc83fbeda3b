package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/reelrelay/engine/pkg/channel"
	"github.com/reelrelay/engine/pkg/common/logger"
)

var ErrOwnershipViolation = errors.New("ownership validation failed")

// QueueStore is the writer's persistence surface; satisfied by *Repository.
type QueueStore interface {
	CreateQueueItem(ctx context.Context, item *QueueItemModel) error
}

// OwnerDirectory resolves account owners for the three-way ownership check;
// satisfied by *channel.Repository.
type OwnerDirectory interface {
	GetSourceAccount(ctx context.Context, id uuid.UUID) (*channel.SourceAccountModel, error)
}

// Writer inserts publish queue items. The selected destination account may
// differ from the schedule's configured one when pool rotation chose an
// alternate; ownership is re-validated across all three entities regardless.
type Writer struct {
	queue      QueueStore
	dir        OwnerDirectory
	maxRetries int
}

func NewWriter(queue QueueStore, dir OwnerDirectory, maxRetries int) *Writer {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Writer{queue: queue, dir: dir, maxRetries: maxRetries}
}

// Enqueue validates ownership and inserts one queued item. Violations are
// hard failures: they are never retried with corrected data.
func (w *Writer) Enqueue(ctx context.Context, schedule *ScheduleModel, video *VideoModel, account *channel.AccountModel) (*QueueItemModel, error) {
	if video.UserID != schedule.UserID {
		return nil, fmt.Errorf("%w: video %s owned by %s, schedule %s owned by %s",
			ErrOwnershipViolation, video.ID, video.UserID, schedule.ID, schedule.UserID)
	}
	if account.UserID != schedule.UserID {
		return nil, fmt.Errorf("%w: destination account %s owned by %s, schedule %s owned by %s",
			ErrOwnershipViolation, account.ID, account.UserID, schedule.ID, schedule.UserID)
	}

	source, err := w.dir.GetSourceAccount(ctx, schedule.SourceAccountID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: source account %s not found", ErrOwnershipViolation, schedule.SourceAccountID)
	}
	if source.UserID != schedule.UserID {
		return nil, fmt.Errorf("%w: source account %s owned by %s, schedule %s owned by %s",
			ErrOwnershipViolation, source.ID, source.UserID, schedule.ID, schedule.UserID)
	}

	now := time.Now().UTC()
	scheduleID := schedule.ID
	item := &QueueItemModel{
		ID:            uuid.New(),
		UserID:        schedule.UserID,
		VideoID:       video.ID,
		AccountID:     account.ID,
		ScheduleID:    &scheduleID,
		Status:        QueueStatusQueued,
		MaxRetries:    w.maxRetries,
		ProgressPhase: "queued",
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := w.queue.CreateQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("insert queue item for video %s: %w", video.ID, err)
	}

	logger.WithFields(map[string]interface{}{
		"queue_item_id": item.ID,
		"schedule_id":   schedule.ID,
		"video_id":      video.ID,
		"account_id":    account.ID,
	}).Info("queued video for publishing")

	return item, nil
}

package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/reelrelay/engine/pkg/common/logger"
	"github.com/reelrelay/engine/pkg/common/models"
)

var ErrNoEligibleVideo = errors.New("no eligible video")

// VideoStore is the picker's persistence surface; satisfied by *Repository.
type VideoStore interface {
	ListUnpublishedVideos(ctx context.Context, sourceAccountID uuid.UUID, limit int) ([]VideoModel, error)
	ActiveQueueItemForVideo(ctx context.Context, videoID uuid.UUID) (*QueueItemModel, error)
	MarkVideoPublished(ctx context.Context, videoID uuid.UUID) error
}

// EventPublisher emits engine events; satisfied by the kafka producer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

// Picker selects the next source video a schedule should publish.
type Picker struct {
	store     VideoStore
	batchSize int
	events    EventPublisher
}

func NewPicker(store VideoStore, batchSize int, events EventPublisher) *Picker {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Picker{store: store, batchSize: batchSize, events: events}
}

// Pick walks the oldest unpublished videos for the schedule's source account
// and returns the first one that is not already queued, in flight or
// published, and whose owner matches the schedule owner.
func (p *Picker) Pick(ctx context.Context, schedule *ScheduleModel) (*VideoModel, error) {
	videos, err := p.store.ListUnpublishedVideos(ctx, schedule.SourceAccountID, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list videos for schedule %s: %w", schedule.ID, err)
	}

	for i := range videos {
		video := &videos[i]

		item, err := p.store.ActiveQueueItemForVideo(ctx, video.ID)
		if err != nil {
			return nil, err
		}
		if item != nil {
			if item.Status == QueueStatusPublished && !video.Published {
				// The executor published this video but the flag update was
				// lost; heal it so the picker stops revisiting the video.
				if err := p.store.MarkVideoPublished(ctx, video.ID); err != nil {
					logger.WithError(err).WithField("video_id", video.ID).Warn("failed to backfill published flag")
				}
			}
			continue
		}

		if video.UserID != schedule.UserID {
			// Ownership mismatch is a security-relevant anomaly, never
			// silently corrected.
			logger.WithFields(map[string]interface{}{
				"schedule_id":    schedule.ID,
				"video_id":       video.ID,
				"schedule_owner": schedule.UserID,
				"video_owner":    video.UserID,
			}).Warn("ownership mismatch between video and schedule")
			p.publishAnomaly(ctx, schedule, video)
			continue
		}

		return video, nil
	}

	return nil, ErrNoEligibleVideo
}

func (p *Picker) publishAnomaly(ctx context.Context, schedule *ScheduleModel, video *VideoModel) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishEvent(ctx, models.EventOwnershipAnomaly, "video-picker", map[string]interface{}{
		"schedule_id":    schedule.ID.String(),
		"video_id":       video.ID.String(),
		"schedule_owner": schedule.UserID.String(),
		"video_owner":    video.UserID.String(),
	}); err != nil {
		logger.WithError(err).Warn("failed to publish ownership anomaly event")
	}
}

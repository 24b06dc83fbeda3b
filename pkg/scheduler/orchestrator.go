package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/reelrelay/engine/pkg/channel"
	"github.com/reelrelay/engine/pkg/common/clock"
	"github.com/reelrelay/engine/pkg/common/logger"
	"github.com/reelrelay/engine/pkg/common/models"
)

// Per-schedule tick outcomes.
const (
	OutcomeQueued         = "queued"
	OutcomeSkippedNotTime = "skipped_not_time"
	OutcomeSkippedQuota   = "skipped_quota"
	OutcomeSkippedNoVideo = "skipped_no_video"
	OutcomeError          = "error"
)

const maxConcurrentSchedules = 8

type ScheduleStore interface {
	ListActiveSchedules(ctx context.Context) ([]ScheduleModel, error)
}

type ChannelSelector interface {
	SelectDirect(ctx context.Context, accountID uuid.UUID) (*channel.Selection, error)
	SelectFromPool(ctx context.Context, poolID, ownerID uuid.UUID) (*channel.Selection, error)
}

type VideoPicker interface {
	Pick(ctx context.Context, schedule *ScheduleModel) (*VideoModel, error)
}

type QueueWriter interface {
	Enqueue(ctx context.Context, schedule *ScheduleModel, video *VideoModel, account *channel.AccountModel) (*QueueItemModel, error)
}

// Orchestrator runs one scheduling pass per tick: for every active schedule,
// trigger evaluation, channel selection, video picking and queue insertion.
// Schedules are processed independently; one schedule's failure never aborts
// the rest of the batch.
type Orchestrator struct {
	schedules ScheduleStore
	evaluator *Evaluator
	selector  ChannelSelector
	picker    VideoPicker
	writer    QueueWriter
	events    EventPublisher
	clock     clock.Clock
}

func NewOrchestrator(schedules ScheduleStore, evaluator *Evaluator, selector ChannelSelector,
	picker VideoPicker, writer QueueWriter, events EventPublisher, clk clock.Clock) *Orchestrator {
	return &Orchestrator{
		schedules: schedules,
		evaluator: evaluator,
		selector:  selector,
		picker:    picker,
		writer:    writer,
		events:    events,
		clock:     clk,
	}
}

// Tick is the engine's entry point, invoked by an external cron or the
// built-in ticker.
func (o *Orchestrator) Tick(ctx context.Context) (models.TickSummary, error) {
	started := o.clock.Now()

	schedules, err := o.schedules.ListActiveSchedules(ctx)
	if err != nil {
		return models.TickSummary{}, fmt.Errorf("list active schedules: %w", err)
	}

	results := make([]models.TickResult, len(schedules))
	sem := make(chan struct{}, maxConcurrentSchedules)
	var wg sync.WaitGroup

	for i := range schedules {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = o.processSchedule(ctx, &schedules[idx])
		}(i)
	}
	wg.Wait()

	summary := models.TickSummary{
		StartedAt: started,
		Duration:  o.clock.Now().Sub(started).String(),
		Schedules: len(schedules),
		Results:   results,
	}
	for _, result := range results {
		switch result.Outcome {
		case OutcomeQueued:
			summary.Queued++
		case OutcomeError:
			summary.Errors++
		default:
			summary.Skipped++
		}
	}

	logger.WithFields(map[string]interface{}{
		"schedules": summary.Schedules,
		"queued":    summary.Queued,
		"skipped":   summary.Skipped,
		"errors":    summary.Errors,
		"duration":  summary.Duration,
	}).Info("scheduler tick complete")

	return summary, nil
}

func (o *Orchestrator) processSchedule(ctx context.Context, schedule *ScheduleModel) (result models.TickResult) {
	result = models.TickResult{ScheduleID: schedule.ID}
	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeError
			result.Reason = fmt.Sprintf("panic: %v", r)
			logger.WithField("schedule_id", schedule.ID).Errorf("schedule processing panicked: %v", r)
		}
	}()

	fire, err := o.evaluator.ShouldFire(schedule.PublishTimes, schedule.Timezone)
	if err != nil {
		return o.errorResult(ctx, schedule, err)
	}
	if !fire {
		result.Outcome = OutcomeSkippedNotTime
		result.Reason = "current minute does not match any publish time"
		logger.WithField("schedule_id", schedule.ID).Debug("schedule not due")
		return result
	}

	selection, err := o.selectChannel(ctx, schedule)
	if err != nil {
		if isAvailabilitySkip(err) {
			result.Outcome = OutcomeSkippedQuota
			result.Reason = err.Error()
			o.publishSkip(ctx, schedule, result)
			return result
		}
		return o.errorResult(ctx, schedule, err)
	}
	result.AccountID = selection.Account.ID

	video, err := o.picker.Pick(ctx, schedule)
	if err != nil {
		if errors.Is(err, ErrNoEligibleVideo) {
			result.Outcome = OutcomeSkippedNoVideo
			result.Reason = "no eligible unpublished video"
			o.publishSkip(ctx, schedule, result)
			return result
		}
		return o.errorResult(ctx, schedule, err)
	}
	result.VideoID = video.ID

	item, err := o.writer.Enqueue(ctx, schedule, video, selection.Account)
	if err != nil {
		if errors.Is(err, ErrOwnershipViolation) {
			logger.WithError(err).WithField("schedule_id", schedule.ID).Error("ownership validation failed at enqueue")
		}
		return o.errorResult(ctx, schedule, err)
	}

	result.Outcome = OutcomeQueued
	result.Reason = selection.Reason
	result.QueueItem = item.ID
	o.publish(ctx, models.EventScheduleQueued, map[string]interface{}{
		"schedule_id":   schedule.ID.String(),
		"queue_item_id": item.ID.String(),
		"video_id":      video.ID.String(),
		"account_id":    selection.Account.ID.String(),
		"reason":        selection.Reason,
	})
	return result
}

func (o *Orchestrator) selectChannel(ctx context.Context, schedule *ScheduleModel) (*channel.Selection, error) {
	switch {
	case schedule.DestinationAccountID != nil && schedule.PoolID != nil:
		return nil, fmt.Errorf("schedule %s has both a direct account and a pool", schedule.ID)
	case schedule.DestinationAccountID != nil:
		return o.selector.SelectDirect(ctx, *schedule.DestinationAccountID)
	case schedule.PoolID != nil:
		return o.selector.SelectFromPool(ctx, *schedule.PoolID, schedule.UserID)
	default:
		return nil, fmt.Errorf("schedule %s has no destination", schedule.ID)
	}
}

func isAvailabilitySkip(err error) bool {
	return errors.Is(err, channel.ErrAccountUnavailable) ||
		errors.Is(err, channel.ErrPoolExhausted) ||
		errors.Is(err, channel.ErrPoolInactive)
}

func (o *Orchestrator) errorResult(ctx context.Context, schedule *ScheduleModel, err error) models.TickResult {
	logger.WithError(err).WithField("schedule_id", schedule.ID).Error("schedule processing failed")
	result := models.TickResult{
		ScheduleID: schedule.ID,
		Outcome:    OutcomeError,
		Reason:     err.Error(),
	}
	o.publish(ctx, models.EventScheduleError, map[string]interface{}{
		"schedule_id": schedule.ID.String(),
		"error":       err.Error(),
	})
	return result
}

func (o *Orchestrator) publishSkip(ctx context.Context, schedule *ScheduleModel, result models.TickResult) {
	logger.WithFields(map[string]interface{}{
		"schedule_id": schedule.ID,
		"outcome":     result.Outcome,
		"reason":      result.Reason,
	}).Info("schedule skipped")
	o.publish(ctx, models.EventScheduleSkipped, map[string]interface{}{
		"schedule_id": schedule.ID.String(),
		"outcome":     result.Outcome,
		"reason":      result.Reason,
	})
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishEvent(ctx, eventType, "scheduler", data); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("failed to publish scheduler event")
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/reelrelay/engine/pkg/channel"
	"github.com/reelrelay/engine/pkg/common/clock"
	"github.com/reelrelay/engine/pkg/common/logger"
	"github.com/reelrelay/engine/pkg/common/models"
	"github.com/reelrelay/engine/pkg/errclass"
)

var ErrQueueItemNotFound = errors.New("queue item not found")

// OutcomeStore is the persistence surface for outcome handling; satisfied by
// *Repository.
type OutcomeStore interface {
	GetQueueItem(ctx context.Context, id uuid.UUID) (*QueueItemModel, error)
	UpdateQueueItem(ctx context.Context, item *QueueItemModel) error
	MarkQuotaCharged(ctx context.Context, id uuid.UUID) (bool, error)
	MarkVideoPublished(ctx context.Context, videoID uuid.UUID) error
}

type AccountLookup interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*channel.AccountModel, error)
}

type QuotaCharger interface {
	Charge(ctx context.Context, accountID uuid.UUID, loc *time.Location) error
}

type HealthRecorder interface {
	RecordSuccess(ctx context.Context, accountID uuid.UUID) error
	RecordFailure(ctx context.Context, accountID uuid.UUID, classified errclass.ClassifiedError) error
}

// OutcomeService applies upload results reported by the external upload
// executor: queue item state, video published flag, quota charge and channel
// health all move together, driven by one classification.
type OutcomeService struct {
	store      OutcomeStore
	accounts   AccountLookup
	quota      QuotaCharger
	health     HealthRecorder
	classifier *errclass.Classifier
	clock      clock.Clock
	events     EventPublisher
}

func NewOutcomeService(store OutcomeStore, accounts AccountLookup, quotaCharger QuotaCharger,
	healthRecorder HealthRecorder, classifier *errclass.Classifier, clk clock.Clock, events EventPublisher) *OutcomeService {
	return &OutcomeService{
		store:      store,
		accounts:   accounts,
		quota:      quotaCharger,
		health:     healthRecorder,
		classifier: classifier,
		clock:      clk,
		events:     events,
	}
}

func (s *OutcomeService) Record(ctx context.Context, req models.UploadOutcomeRequest) error {
	item, err := s.store.GetQueueItem(ctx, req.QueueItemID)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("%w: %s", ErrQueueItemNotFound, req.QueueItemID)
	}

	account, err := s.accounts.GetAccount(ctx, item.AccountID)
	if err != nil {
		return err
	}

	if req.Success {
		return s.recordSuccess(ctx, item, account, req)
	}
	return s.recordFailure(ctx, item, account, req)
}

func (s *OutcomeService) recordSuccess(ctx context.Context, item *QueueItemModel, account *channel.AccountModel, req models.UploadOutcomeRequest) error {
	item.Status = QueueStatusPublished
	item.ContentID = req.ContentID
	item.ContentURL = req.ContentURL
	item.ErrorMessage = ""
	item.ProgressPhase = "published"
	item.ProgressPercent = 100
	item.NextAttemptAt = nil
	if err := s.store.UpdateQueueItem(ctx, item); err != nil {
		return err
	}

	if err := s.store.MarkVideoPublished(ctx, item.VideoID); err != nil {
		logger.WithError(err).WithField("video_id", item.VideoID).Warn("failed to set published flag")
	}

	s.chargeQuota(ctx, item, account)

	if account != nil {
		if err := s.health.RecordSuccess(ctx, account.ID); err != nil {
			logger.WithError(err).WithField("account_id", account.ID).Warn("failed to record health success")
		}
	}

	s.publish(ctx, models.EventUploadSucceeded, map[string]interface{}{
		"queue_item_id": item.ID.String(),
		"video_id":      item.VideoID.String(),
		"account_id":    item.AccountID.String(),
		"content_id":    req.ContentID,
	})
	return nil
}

func (s *OutcomeService) recordFailure(ctx context.Context, item *QueueItemModel, account *channel.AccountModel, req models.UploadOutcomeRequest) error {
	classified := s.classifier.Classify(errclass.Signal{
		Code:        req.ErrorCode,
		Message:     req.ErrorReason,
		Description: req.ErrorDetail,
		HTTPStatus:  req.HTTPStatus,
	})

	item.ErrorMessage = classified.Detail

	maxRetries := item.MaxRetries
	if classified.MaxRetries < maxRetries {
		maxRetries = classified.MaxRetries
	}
	retry := classified.Retryable && item.RetryCount < maxRetries

	if retry {
		item.RetryCount++
		item.Status = QueueStatusQueued
		item.ProgressPhase = "retry_pending"
		item.ProgressPercent = 0
		nextAttempt := s.clock.Now().UTC().Add(classified.RetryDelay)
		item.NextAttemptAt = &nextAttempt
	} else {
		item.Status = QueueStatusFailed
		item.ProgressPhase = "failed"
		item.NextAttemptAt = nil
	}
	if err := s.store.UpdateQueueItem(ctx, item); err != nil {
		return err
	}

	s.chargeQuota(ctx, item, account)

	if account != nil {
		if err := s.health.RecordFailure(ctx, account.ID, classified); err != nil {
			logger.WithError(err).WithField("account_id", account.ID).Warn("failed to record health failure")
		}
	}

	logger.WithFields(map[string]interface{}{
		"queue_item_id": item.ID,
		"account_id":    item.AccountID,
		"error_code":    classified.Code,
		"category":      string(classified.Category),
		"retry":         retry,
		"retry_count":   item.RetryCount,
	}).Warn("upload failed")

	s.publish(ctx, models.EventUploadFailed, map[string]interface{}{
		"queue_item_id": item.ID.String(),
		"account_id":    item.AccountID.String(),
		"error_code":    classified.Code,
		"category":      string(classified.Category),
		"severity":      string(classified.Severity),
		"retry":         retry,
	})
	return nil
}

// chargeQuota charges the ledger at most once per queue item. Every real
// upload attempt consumes provider quota whether or not it succeeded.
func (s *OutcomeService) chargeQuota(ctx context.Context, item *QueueItemModel, account *channel.AccountModel) {
	if account == nil {
		logger.WithField("queue_item_id", item.ID).Warn("outcome for unknown account, quota not charged")
		return
	}

	charged, err := s.store.MarkQuotaCharged(ctx, item.ID)
	if err != nil {
		logger.WithError(err).WithField("queue_item_id", item.ID).Warn("failed to mark quota charged")
		return
	}
	if !charged {
		return
	}
	if err := s.quota.Charge(ctx, account.ID, account.Location()); err != nil {
		logger.WithError(err).WithField("account_id", account.ID).Warn("failed to charge quota ledger")
	}
}

func (s *OutcomeService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishEvent(ctx, eventType, "upload-outcome", data); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("failed to publish outcome event")
	}
}

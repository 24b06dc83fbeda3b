package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/reelrelay/engine/pkg/common/clock"
	"github.com/reelrelay/engine/pkg/common/logger"
	"github.com/reelrelay/engine/pkg/common/models"
	"github.com/reelrelay/engine/pkg/errclass"
	"gorm.io/datatypes"
)

const casAttempts = 5

// Store is the persistence surface the state machine needs; satisfied by
// *Repository.
type Store interface {
	GetOrCreate(ctx context.Context, accountID uuid.UUID) (*HealthModel, error)
	Get(ctx context.Context, accountID uuid.UUID) (*HealthModel, error)
	UpdateCAS(ctx context.Context, h *HealthModel) error
	ListUnhealthy(ctx context.Context, limit int) ([]HealthModel, error)
}

// EventPublisher emits engine events; satisfied by the kafka producer.
// A nil publisher disables events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

// Service is the per-account reliability tracker with a circuit breaker.
// All mutations go through a compare-and-swap retry loop so concurrent
// upload outcomes for the same account are both reflected.
type Service struct {
	store            Store
	clock            clock.Clock
	failureThreshold int
	cooldown         time.Duration
	events           EventPublisher
}

func NewService(store Store, clk clock.Clock, failureThreshold int, cooldown time.Duration, events EventPublisher) *Service {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &Service{
		store:            store,
		clock:            clk,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		events:           events,
	}
}

func (s *Service) update(ctx context.Context, accountID uuid.UUID, mutate func(h *HealthModel)) (*HealthModel, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		h, err := s.store.GetOrCreate(ctx, accountID)
		if err != nil {
			return nil, err
		}
		mutate(h)
		if err := s.store.UpdateCAS(ctx, h); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return h, nil
	}
	return nil, fmt.Errorf("health update for account %s: %w", accountID, lastErr)
}

// RecordSuccess clears error state and moves the account toward healthy,
// closing the circuit.
func (s *Service) RecordSuccess(ctx context.Context, accountID uuid.UUID) error {
	now := s.clock.Now().UTC()
	var changedFrom Status

	h, err := s.update(ctx, accountID, func(h *HealthModel) {
		changedFrom = h.Status
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0
		h.TotalSuccesses++
		h.SuccessRate = successRate(h.TotalSuccesses, h.TotalFailures)
		h.CircuitState = CircuitClosed
		h.CircuitOpenedAt = nil
		h.CircuitFailures = 0
		h.LastErrorCode = ""
		h.LastErrorMessage = ""
		h.LastErrorAt = nil
		h.NextRetryAt = nil
		h.RetryCount = 0
		h.Details = nil
		setStatus(h, StatusHealthy, now)
	})
	if err != nil {
		return err
	}

	if changedFrom != StatusHealthy {
		s.publish(ctx, models.EventChannelStateChanged, map[string]interface{}{
			"account_id": accountID.String(),
			"from":       string(changedFrom),
			"to":         string(h.Status),
		})
	}
	return nil
}

// RecordFailure applies a classified failure: counters, user-facing status,
// retry schedule and circuit transition are all derived from the same
// classification.
func (s *Service) RecordFailure(ctx context.Context, accountID uuid.UUID, classified errclass.ClassifiedError) error {
	now := s.clock.Now().UTC()
	var changedFrom Status
	var opened bool

	h, err := s.update(ctx, accountID, func(h *HealthModel) {
		changedFrom = h.Status
		opened = false

		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0
		h.TotalFailures++
		h.SuccessRate = successRate(h.TotalSuccesses, h.TotalFailures)
		h.CircuitFailures++

		h.LastErrorCode = classified.Code
		h.LastErrorMessage = classified.Detail
		errAt := now
		h.LastErrorAt = &errAt
		h.MaxRetries = classified.MaxRetries
		if classified.Retryable {
			retryAt := now.Add(classified.RetryDelay)
			h.NextRetryAt = &retryAt
		} else {
			h.NextRetryAt = nil
		}
		h.Details = datatypes.JSONMap{
			"category":  string(classified.Category),
			"severity":  string(classified.Severity),
			"action":    string(classified.Action),
			"message":   classified.Message,
			"help_link": classified.HelpLink,
		}

		setStatus(h, statusFor(classified), now)

		switch h.CircuitState {
		case CircuitHalfOpen:
			// A failed probe reopens the circuit and restarts the cooldown.
			h.CircuitState = CircuitOpen
			openedAt := now
			h.CircuitOpenedAt = &openedAt
			opened = true
		case CircuitClosed:
			if h.ConsecutiveFailures >= s.failureThreshold {
				h.CircuitState = CircuitOpen
				openedAt := now
				h.CircuitOpenedAt = &openedAt
				opened = true
			}
		}
	})
	if err != nil {
		return err
	}

	if opened {
		logger.WithFields(map[string]interface{}{
			"account_id":           accountID,
			"consecutive_failures": h.ConsecutiveFailures,
			"error_code":           classified.Code,
		}).Warn("circuit opened for channel")
	}
	if changedFrom != h.Status {
		s.publish(ctx, models.EventChannelStateChanged, map[string]interface{}{
			"account_id": accountID.String(),
			"from":       string(changedFrom),
			"to":         string(h.Status),
			"error_code": classified.Code,
			"category":   string(classified.Category),
		})
	}
	return nil
}

// ProbeDecision is the prober's gate for one account.
type ProbeDecision struct {
	Allowed      bool
	CooldownEnds time.Time
	Health       *HealthModel
}

// BeginProbe decides whether a recovery probe may run now. While the circuit
// is open and the cooldown has not elapsed, probing is denied. Once it
// elapses, the circuit moves to half-open and a single probe is allowed.
func (s *Service) BeginProbe(ctx context.Context, accountID uuid.UUID) (ProbeDecision, error) {
	now := s.clock.Now().UTC()

	h, err := s.store.GetOrCreate(ctx, accountID)
	if err != nil {
		return ProbeDecision{}, err
	}

	if h.CircuitState == CircuitOpen && h.CircuitOpenedAt != nil {
		cooldownEnds := h.CircuitOpenedAt.Add(s.cooldown)
		if now.Before(cooldownEnds) {
			return ProbeDecision{Allowed: false, CooldownEnds: cooldownEnds, Health: h}, nil
		}
	}

	updated, err := s.update(ctx, accountID, func(h *HealthModel) {
		if h.CircuitState == CircuitOpen {
			h.CircuitState = CircuitHalfOpen
		}
		checkedAt := now
		h.LastCheckedAt = &checkedAt
		h.AutoRecoveryAttempts++
	})
	if err != nil {
		return ProbeDecision{}, err
	}
	return ProbeDecision{Allowed: true, Health: updated}, nil
}

// MarkRecovered records a successful recovery probe: healthy status, closed
// circuit, zeroed counters.
func (s *Service) MarkRecovered(ctx context.Context, accountID uuid.UUID) error {
	if err := s.RecordSuccess(ctx, accountID); err != nil {
		return err
	}
	s.publish(ctx, models.EventChannelRecovered, map[string]interface{}{
		"account_id": accountID.String(),
	})
	return nil
}

// ResetQuotaStatus clears issues_quota once the account-local day has rolled
// past the day the quota error was recorded. This is scheduled recovery, not
// probed recovery: quota refills at the provider's daily reset on its own.
func (s *Service) ResetQuotaStatus(ctx context.Context, accountID uuid.UUID, loc *time.Location) (bool, error) {
	h, err := s.store.Get(ctx, accountID)
	if err != nil || h == nil {
		return false, err
	}
	if h.Status != StatusIssuesQuota || h.LastErrorAt == nil {
		return false, nil
	}

	now := s.clock.Now().In(loc)
	errDay := h.LastErrorAt.In(loc).Format("2006-01-02")
	if now.Format("2006-01-02") == errDay {
		return false, nil
	}

	if err := s.RecordSuccess(ctx, accountID); err != nil {
		return false, err
	}
	return true, nil
}

// IsSelectable reports whether the selector may route uploads to this account.
// A missing row counts as healthy.
func (s *Service) IsSelectable(ctx context.Context, accountID uuid.UUID) (bool, error) {
	h, err := s.store.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	if h == nil {
		return true, nil
	}
	if h.Status == StatusSuspended {
		return false, nil
	}
	return h.CircuitState == CircuitClosed, nil
}

func (s *Service) ListUnhealthy(ctx context.Context, limit int) ([]HealthModel, error) {
	return s.store.ListUnhealthy(ctx, limit)
}

// Report assembles the dashboard-facing view of one account's health.
func (s *Service) Report(ctx context.Context, accountID uuid.UUID) (models.ChannelStatusReport, error) {
	h, err := s.store.GetOrCreate(ctx, accountID)
	if err != nil {
		return models.ChannelStatusReport{}, err
	}

	report := models.ChannelStatusReport{
		AccountID:        accountID,
		Status:           string(h.Status),
		Summary:          "Channel is healthy.",
		SuccessRate:      h.SuccessRate,
		TotalSuccesses:   h.TotalSuccesses,
		TotalFailures:    h.TotalFailures,
		ConsecutiveFails: h.ConsecutiveFailures,
		CircuitState:     string(h.CircuitState),
		LastErrorCode:    h.LastErrorCode,
		LastErrorAt:      h.LastErrorAt,
	}

	if h.Status == StatusHealthy {
		return report, nil
	}

	if h.Details != nil {
		if v, ok := h.Details["severity"].(string); ok {
			report.Severity = v
		}
		if v, ok := h.Details["action"].(string); ok {
			report.PrimaryAction = v
		}
		if v, ok := h.Details["message"].(string); ok && v != "" {
			report.Summary = v
		}
		if v, ok := h.Details["help_link"].(string); ok && v != "" {
			report.HelpLinks = append(report.HelpLinks, v)
		}
	}
	if report.Summary == "Channel is healthy." {
		report.Summary = "Channel has issues and needs attention."
	}
	if h.NextRetryAt != nil {
		report.EstimatedRecovery = h.NextRetryAt
	}
	return report, nil
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishEvent(ctx, eventType, "channel-health", data); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("failed to publish health event")
	}
}

func setStatus(h *HealthModel, next Status, now time.Time) {
	if h.Status == next {
		return
	}
	h.PreviousStatus = h.Status
	h.Status = next
	h.StatusChangedAt = now
}

func statusFor(classified errclass.ClassifiedError) Status {
	switch classified.Category {
	case errclass.CategoryAuth:
		return StatusIssuesAuth
	case errclass.CategoryConfig:
		return StatusIssuesConfig
	case errclass.CategoryQuota:
		return StatusIssuesQuota
	case errclass.CategoryPermission:
		return StatusIssuesPermission
	case errclass.CategoryRateLimit, errclass.CategoryPlatformDown, errclass.CategoryNetwork:
		return StatusDegraded
	default:
		// unclassified failures surface as an auth issue needing a human
		return StatusIssuesAuth
	}
}

func successRate(successes, failures int64) float64 {
	total := successes + failures
	if total == 0 {
		return 0
	}
	return float64(successes) / float64(total)
}

package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/reelrelay/engine/pkg/common/clock"
)

// Store is the persistence surface the ledger needs; satisfied by *Repository.
type Store interface {
	GetForDay(ctx context.Context, accountID uuid.UUID, day string) (*UsageModel, error)
	Increment(ctx context.Context, accountID uuid.UUID, day string, cost, limit int64) error
	SetPaused(ctx context.Context, accountID uuid.UUID, day string, paused bool, limit int64) error
}

// Availability is the ledger's answer for one account right now.
type Availability struct {
	Available        bool
	UploadsRemaining int
	UploadsToday     int
	Paused           bool
	Reason           string
}

// Service is the per-account, per-day upload capacity ledger. Capacity and
// per-upload cost share the same unit.
type Service struct {
	store Store
	limit int64
	cost  int64
	clock clock.Clock
}

func NewService(store Store, dailyLimit, uploadCost int64, clk clock.Clock) *Service {
	if uploadCost <= 0 {
		uploadCost = 1
	}
	return &Service{store: store, limit: dailyLimit, cost: uploadCost, clock: clk}
}

// DayKey returns the ledger day for the given account-local timezone. Quota
// resets follow the account's operating timezone, not UTC.
func (s *Service) DayKey(loc *time.Location) string {
	return s.clock.Now().In(loc).Format("2006-01-02")
}

// Availability reports whether the account can take another upload today.
// A missing row means a fresh day with full capacity.
func (s *Service) Availability(ctx context.Context, accountID uuid.UUID, loc *time.Location) (Availability, error) {
	usage, err := s.store.GetForDay(ctx, accountID, s.DayKey(loc))
	if err != nil {
		return Availability{}, fmt.Errorf("quota lookup for account %s: %w", accountID, err)
	}

	if usage == nil {
		return Availability{
			Available:        true,
			UploadsRemaining: int(s.limit / s.cost),
			Reason:           "fresh daily capacity",
		}, nil
	}

	if usage.Paused {
		return Availability{
			Paused:       true,
			UploadsToday: usage.UploadsCount,
			Reason:       "account manually paused",
		}, nil
	}

	limit := usage.QuotaLimit
	if limit <= 0 {
		limit = s.limit
	}
	remaining := (limit - usage.QuotaUsed) / s.cost
	if remaining < 0 {
		remaining = 0
	}

	avail := Availability{
		Available:        remaining > 0,
		UploadsRemaining: int(remaining),
		UploadsToday:     usage.UploadsCount,
	}
	if remaining > 0 {
		avail.Reason = fmt.Sprintf("%d uploads remaining today", remaining)
	} else {
		avail.Reason = "daily quota exhausted"
	}
	return avail, nil
}

// Charge records one upload against today's capacity. Idempotence per queue
// item is enforced by the caller via the item's quota-charged marker; the
// ledger itself only guarantees the increment is atomic.
func (s *Service) Charge(ctx context.Context, accountID uuid.UUID, loc *time.Location) error {
	if err := s.store.Increment(ctx, accountID, s.DayKey(loc), s.cost, s.limit); err != nil {
		return fmt.Errorf("quota charge for account %s: %w", accountID, err)
	}
	return nil
}

// Pause flips the manual kill switch for today.
func (s *Service) Pause(ctx context.Context, accountID uuid.UUID, loc *time.Location, paused bool) error {
	return s.store.SetPaused(ctx, accountID, s.DayKey(loc), paused, s.limit)
}

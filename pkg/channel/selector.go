package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/reelrelay/engine/pkg/common/logger"
	"github.com/reelrelay/engine/pkg/quota"
)

var (
	ErrAccountUnavailable = errors.New("destination account unavailable")
	ErrPoolInactive       = errors.New("channel pool inactive")
	ErrPoolExhausted      = errors.New("channel pool exhausted")
	ErrAccountNotFound    = errors.New("destination account not found")
	ErrPoolNotFound       = errors.New("channel pool not found")
)

// Directory is the account/pool lookup surface; satisfied by *Repository.
type Directory interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*AccountModel, error)
	GetPool(ctx context.Context, id uuid.UUID) (*PoolModel, error)
	ListPoolMembers(ctx context.Context, poolID uuid.UUID) ([]PoolMemberModel, error)
}

type QuotaChecker interface {
	Availability(ctx context.Context, accountID uuid.UUID, loc *time.Location) (quota.Availability, error)
}

type HealthChecker interface {
	IsSelectable(ctx context.Context, accountID uuid.UUID) (bool, error)
}

// Selection is the selector's answer: one account plus a human-readable
// reason for observability.
type Selection struct {
	Account      *AccountModel
	Availability quota.Availability
	Reason       string
}

// Selector picks one destination account for a schedule, either directly or
// by rotating over a pool. Direct mode is gated by the quota ledger alone;
// pool mode is gated by quota and channel health.
type Selector struct {
	dir    Directory
	quota  QuotaChecker
	health HealthChecker
}

func NewSelector(dir Directory, quotaChecker QuotaChecker, healthChecker HealthChecker) *Selector {
	return &Selector{dir: dir, quota: quotaChecker, health: healthChecker}
}

// SelectDirect resolves the single statically assigned account.
func (s *Selector) SelectDirect(ctx context.Context, accountID uuid.UUID) (*Selection, error) {
	account, err := s.dir.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	if !account.Connected {
		return nil, fmt.Errorf("%w: account %s is disconnected", ErrAccountUnavailable, accountID)
	}

	avail, err := s.quota.Availability(ctx, account.ID, account.Location())
	if err != nil {
		return nil, err
	}
	if avail.Paused {
		return nil, fmt.Errorf("%w: %s", ErrAccountUnavailable, avail.Reason)
	}
	if !avail.Available {
		return nil, fmt.Errorf("%w: %s", ErrAccountUnavailable, avail.Reason)
	}

	return &Selection{
		Account:      account,
		Availability: avail,
		Reason:       fmt.Sprintf("direct assignment: %s", avail.Reason),
	}, nil
}

type candidate struct {
	member  PoolMemberModel
	account *AccountModel
	avail   quota.Availability
}

// SelectFromPool rotates across pool members under the pool's strategy.
// ownerID guards against cross-user pool membership.
func (s *Selector) SelectFromPool(ctx context.Context, poolID, ownerID uuid.UUID) (*Selection, error) {
	pool, err := s.dir.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, ErrPoolNotFound
	}
	if !pool.Active {
		return nil, ErrPoolInactive
	}

	members, err := s.dir.ListPoolMembers(ctx, poolID)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	for _, member := range members {
		account, err := s.dir.GetAccount(ctx, member.AccountID)
		if err != nil {
			return nil, err
		}
		if account == nil || !account.Connected {
			continue
		}
		if account.UserID != ownerID {
			logger.WithFields(map[string]interface{}{
				"pool_id":    poolID,
				"account_id": member.AccountID,
				"owner_id":   ownerID,
			}).Warn("pool member owned by different user, skipping")
			continue
		}

		healthy, err := s.health.IsSelectable(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		if !healthy {
			continue
		}

		avail, err := s.quota.Availability(ctx, account.ID, account.Location())
		if err != nil {
			return nil, err
		}
		if avail.Paused || !avail.Available {
			continue
		}

		candidates = append(candidates, candidate{member: member, account: account, avail: avail})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: pool %s has no eligible member", ErrPoolExhausted, poolID)
	}

	switch pool.RotationStrategy {
	case StrategyPriority:
		return pickByPriority(candidates), nil
	case StrategyRoundRobin:
		return pickRoundRobin(candidates), nil
	default:
		return pickByQuota(candidates), nil
	}
}

// pickByQuota selects the candidate with the most remaining capacity,
// breaking ties by priority rank.
func pickByQuota(candidates []candidate) *Selection {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].avail.UploadsRemaining != candidates[j].avail.UploadsRemaining {
			return candidates[i].avail.UploadsRemaining > candidates[j].avail.UploadsRemaining
		}
		return candidates[i].member.Priority < candidates[j].member.Priority
	})
	best := candidates[0]
	return &Selection{
		Account:      best.account,
		Availability: best.avail,
		Reason: fmt.Sprintf("quota_based rotation: %q has the most capacity (%d uploads remaining)",
			best.account.Title, best.avail.UploadsRemaining),
	}
}

// pickByPriority prefers primary members by rank; fallback-only members are
// used only when no primary member survived filtering.
func pickByPriority(candidates []candidate) *Selection {
	pool := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.member.FallbackOnly {
			pool = append(pool, c)
		}
	}
	fallback := len(pool) == 0
	if fallback {
		pool = candidates
	}

	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].member.Priority < pool[j].member.Priority
	})
	best := pool[0]

	reason := fmt.Sprintf("priority rotation: %q is the highest-ranked available channel (rank %d)",
		best.account.Title, best.member.Priority)
	if fallback {
		reason = fmt.Sprintf("priority rotation: all primary channels unavailable, using fallback %q (rank %d)",
			best.account.Title, best.member.Priority)
	}
	return &Selection{Account: best.account, Availability: best.avail, Reason: reason}
}

// pickRoundRobin selects the candidate with the fewest uploads recorded
// today, breaking ties by priority rank.
func pickRoundRobin(candidates []candidate) *Selection {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].avail.UploadsToday != candidates[j].avail.UploadsToday {
			return candidates[i].avail.UploadsToday < candidates[j].avail.UploadsToday
		}
		return candidates[i].member.Priority < candidates[j].member.Priority
	})
	best := candidates[0]
	return &Selection{
		Account:      best.account,
		Availability: best.avail,
		Reason: fmt.Sprintf("round_robin rotation: %q has the fewest uploads today (%d)",
			best.account.Title, best.avail.UploadsToday),
	}
}

package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reelrelay/engine/pkg/channel"
	"github.com/reelrelay/engine/pkg/common/clock"
	"github.com/reelrelay/engine/pkg/common/logger"
	"github.com/reelrelay/engine/pkg/common/models"
	"github.com/reelrelay/engine/pkg/errclass"
	"github.com/reelrelay/engine/pkg/health"
	"golang.org/x/oauth2"
)

const maxConcurrentProbes = 5

// AccountStore is the account surface the prober needs; satisfied by
// *channel.Repository.
type AccountStore interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*channel.AccountModel, error)
	ListExpiringTokens(ctx context.Context, before time.Time, limit int) ([]channel.AccountModel, error)
	UpdateToken(ctx context.Context, accountID uuid.UUID, accessToken string, expiry time.Time) error
}

// HealthService is the slice of the health state machine the prober drives;
// satisfied by *health.Service.
type HealthService interface {
	ListUnhealthy(ctx context.Context, limit int) ([]health.HealthModel, error)
	BeginProbe(ctx context.Context, accountID uuid.UUID) (health.ProbeDecision, error)
	RecordFailure(ctx context.Context, accountID uuid.UUID, classified errclass.ClassifiedError) error
	MarkRecovered(ctx context.Context, accountID uuid.UUID) error
	ResetQuotaStatus(ctx context.Context, accountID uuid.UUID, loc *time.Location) (bool, error)
}

type Refresher interface {
	Refresh(ctx context.Context, account *channel.AccountModel) (*oauth2.Token, error)
}

type CapabilityChecker interface {
	Check(ctx context.Context, accessToken string) error
}

// Prober drives automatic recovery: it walks degraded accounts on its own
// cadence, refreshing credentials and probing capability, and proactively
// refreshes tokens nearing expiry for healthy accounts.
type Prober struct {
	accounts      AccountStore
	health        HealthService
	refresher     Refresher
	probe         CapabilityChecker
	classifier    *errclass.Classifier
	clock         clock.Clock
	batchSize     int
	budget        time.Duration
	refreshWindow time.Duration
}

func NewProber(accounts AccountStore, healthSvc HealthService, refresher Refresher,
	probe CapabilityChecker, classifier *errclass.Classifier, clk clock.Clock,
	batchSize int, budget, refreshWindow time.Duration) *Prober {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Prober{
		accounts:      accounts,
		health:        healthSvc,
		refresher:     refresher,
		probe:         probe,
		classifier:    classifier,
		clock:         clk,
		batchSize:     batchSize,
		budget:        budget,
		refreshWindow: refreshWindow,
	}
}

type probeResult struct {
	recovered bool
	skipped   bool
	failed    bool
}

// ProbeTick is the prober's entry point. The whole batch runs under a
// wall-clock budget so one slow account cannot starve the rest.
func (p *Prober) ProbeTick(ctx context.Context) (models.ProbeSummary, error) {
	started := p.clock.Now()
	if p.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.budget)
		defer cancel()
	}

	rows, err := p.health.ListUnhealthy(ctx, p.batchSize)
	if err != nil {
		return models.ProbeSummary{}, err
	}

	results := make([]probeResult, len(rows))
	sem := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup

	for i := range rows {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = p.probeAccount(ctx, &rows[idx])
		}(i)
	}
	wg.Wait()

	summary := models.ProbeSummary{
		StartedAt: started,
		Checked:   len(rows),
	}
	for _, r := range results {
		switch {
		case r.recovered:
			summary.Recovered++
		case r.skipped:
			summary.Skipped++
		case r.failed:
			summary.Failed++
		}
	}

	summary.Refreshed = p.refreshExpiringTokens(ctx)
	summary.Duration = p.clock.Now().Sub(started).String()

	logger.WithFields(map[string]interface{}{
		"checked":   summary.Checked,
		"recovered": summary.Recovered,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
		"refreshed": summary.Refreshed,
		"duration":  summary.Duration,
	}).Info("recovery probe tick complete")

	return summary, nil
}

func (p *Prober) probeAccount(ctx context.Context, row *health.HealthModel) probeResult {
	accountID := row.AccountID
	log := logger.WithField("account_id", accountID)

	account, err := p.accounts.GetAccount(ctx, accountID)
	if err != nil || account == nil {
		log.WithError(err).Warn("health row references missing account")
		return probeResult{skipped: true}
	}

	// Quota issues recover on the provider's daily reset schedule, no probe
	// needed.
	if row.Status == health.StatusIssuesQuota {
		reset, err := p.health.ResetQuotaStatus(ctx, accountID, account.Location())
		if err != nil {
			log.WithError(err).Warn("quota status reset failed")
			return probeResult{failed: true}
		}
		if reset {
			log.Info("quota status cleared at daily reset")
			return probeResult{recovered: true}
		}
	}

	decision, err := p.health.BeginProbe(ctx, accountID)
	if err != nil {
		log.WithError(err).Warn("probe gate failed")
		return probeResult{failed: true}
	}
	if !decision.Allowed {
		log.WithField("cooldown_ends", decision.CooldownEnds).Info("circuit open, probe deferred")
		return probeResult{skipped: true}
	}

	token, err := p.refresher.Refresh(ctx, account)
	if err != nil {
		classified := p.classifier.Classify(SignalFromRefreshError(err))
		log.WithError(err).WithField("category", string(classified.Category)).Warn("credential refresh failed")
		if recErr := p.health.RecordFailure(ctx, accountID, classified); recErr != nil {
			log.WithError(recErr).Warn("failed to record refresh failure")
		}
		return probeResult{failed: true}
	}
	if err := p.accounts.UpdateToken(ctx, accountID, token.AccessToken, token.Expiry); err != nil {
		log.WithError(err).Warn("failed to store refreshed token")
	}

	if err := p.probe.Check(ctx, token.AccessToken); err != nil {
		classified := p.classifier.Classify(signalFromProbeError(err))
		log.WithError(err).WithField("category", string(classified.Category)).Warn("capability probe failed")
		if recErr := p.health.RecordFailure(ctx, accountID, classified); recErr != nil {
			log.WithError(recErr).Warn("failed to record probe failure")
		}
		return probeResult{failed: true}
	}

	if err := p.health.MarkRecovered(ctx, accountID); err != nil {
		log.WithError(err).Warn("failed to mark account recovered")
		return probeResult{failed: true}
	}
	log.Info("account recovered")
	return probeResult{recovered: true}
}

// refreshExpiringTokens pre-empts future auth failures by refreshing tokens
// that expire soon, without touching health state.
func (p *Prober) refreshExpiringTokens(ctx context.Context) int {
	cutoff := p.clock.Now().Add(p.refreshWindow)
	accounts, err := p.accounts.ListExpiringTokens(ctx, cutoff, p.batchSize)
	if err != nil {
		logger.WithError(err).Warn("failed to list expiring tokens")
		return 0
	}

	refreshed := 0
	for i := range accounts {
		account := &accounts[i]
		token, err := p.refresher.Refresh(ctx, account)
		if err != nil {
			logger.WithError(err).WithField("account_id", account.ID).Warn("proactive token refresh failed")
			continue
		}
		if err := p.accounts.UpdateToken(ctx, account.ID, token.AccessToken, token.Expiry); err != nil {
			logger.WithError(err).WithField("account_id", account.ID).Warn("failed to store refreshed token")
			continue
		}
		refreshed++
	}
	return refreshed
}

func signalFromProbeError(err error) errclass.Signal {
	var probeErr *ProbeError
	if errors.As(err, &probeErr) {
		return probeErr.Signal()
	}
	return errclass.Signal{Message: err.Error()}
}

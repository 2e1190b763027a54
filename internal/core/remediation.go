package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RemediationReport summarises one remediation pass
type RemediationReport struct {
	Evaluated int
	Paused    []string
	Failed    int
}

// Remediator pauses accounts whose recent spam placement rate is too high
type Remediator struct {
	accounts  AccountRepository
	ledger    MessageLedger
	scorer    *Scorer
	lifecycle *LifecycleService
	clock     Clock
	logger    *zap.Logger
	cfg       RemediationConfig
}

// RemediationConfig holds the pause threshold and its trailing window
type RemediationConfig struct {
	SpamThreshold float64
	Lookback      time.Duration
}

// NewRemediator creates a new Remediator
func NewRemediator(
	repos Repositories,
	scorer *Scorer,
	lifecycle *LifecycleService,
	clock Clock,
	logger *zap.Logger,
	cfg RemediationConfig,
) *Remediator {
	return &Remediator{
		accounts:  repos.Accounts,
		ledger:    repos.Ledger,
		scorer:    scorer,
		lifecycle: lifecycle,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run evaluates every in-progress account. A failure on one account is
// logged and does not stop the others.
func (r *Remediator) Run(ctx context.Context) (*RemediationReport, error) {
	accounts, err := r.accounts.ListAccounts(ctx, AccountFilter{WarmupStatus: WarmupInProgress})
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress accounts: %w", err)
	}

	report := &RemediationReport{}
	for _, account := range accounts {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Evaluated++
		paused, err := r.Evaluate(ctx, account.ID)
		if err != nil {
			report.Failed++
			r.logger.Error("Remediation failed", zap.String("account_id", account.ID), zap.Error(err))
			continue
		}
		if paused {
			report.Paused = append(report.Paused, account.ID)
		}
	}
	return report, nil
}

// Evaluate refreshes the account's reputation and pauses it when the spam
// rate of the trailing window exceeds the threshold.
func (r *Remediator) Evaluate(ctx context.Context, accountID string) (bool, error) {
	if r.scorer != nil {
		if _, _, err := r.scorer.Score(ctx, accountID); err != nil {
			r.logger.Warn("Failed to refresh reputation", zap.String("account_id", accountID), zap.Error(err))
		}
	}

	since := r.clock.Now().Add(-r.cfg.Lookback)
	stats, err := r.ledger.WarmupStats(ctx, accountID, since)
	if err != nil {
		return false, fmt.Errorf("failed to aggregate warmup stats: %w", err)
	}
	if stats.Sent == 0 {
		return false, nil
	}

	spamRate := float64(stats.Spam) / float64(stats.Sent)
	if spamRate <= r.cfg.SpamThreshold {
		return false, nil
	}

	reason := fmt.Sprintf("spam rate %.1f%% over the last %d days exceeds %.1f%%",
		spamRate*100, int(r.cfg.Lookback.Hours()/24), r.cfg.SpamThreshold*100)
	if err := r.lifecycle.Pause(ctx, accountID, reason); err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			return false, nil
		}
		return false, fmt.Errorf("failed to pause account: %w", err)
	}

	r.logger.Warn("Warmup auto-paused",
		zap.String("account_id", accountID),
		zap.Int("sent", stats.Sent),
		zap.Int("spam", stats.Spam),
		zap.Float64("spam_rate", spamRate))
	return true, nil
}

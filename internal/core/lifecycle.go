package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// WarmupOverview is the status view of one account's warmup
type WarmupOverview struct {
	AccountID    string          `json:"account_id"`
	Address      string          `json:"address"`
	Status       WarmupStatus    `json:"status"`
	Settings     *WarmupSettings `json:"settings,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	PauseReason  string          `json:"pause_reason,omitempty"`
	Reputation   int             `json:"reputation"`
	ReputationAt *time.Time      `json:"reputation_at,omitempty"`
	SentToday    int             `json:"sent_today"`
	AllowedToday int             `json:"allowed_today"`
	Pending      int             `json:"pending"`
	NextSendAt   *time.Time      `json:"next_send_at,omitempty"`
	Stats        WarmupStats     `json:"stats"`
}

// LifecycleService implements the start/pause/resume/stop state machine
type LifecycleService struct {
	accounts  AccountRepository
	ledger    MessageLedger
	scheduler *Scheduler
	tasks     *TaskRegistry
	verifier  DomainVerifier
	defaults  WarmupSettings
	clock     Clock
	logger    *zap.Logger
	locks     *keyedMutex
}

// NewLifecycleService creates a new LifecycleService. defaults are applied
// to accounts that have no warmup settings yet.
func NewLifecycleService(
	repos Repositories,
	scheduler *Scheduler,
	tasks *TaskRegistry,
	verifier DomainVerifier,
	defaults WarmupSettings,
	clock Clock,
	logger *zap.Logger,
) *LifecycleService {
	return &LifecycleService{
		accounts:  repos.Accounts,
		ledger:    repos.Ledger,
		scheduler: scheduler,
		tasks:     tasks,
		verifier:  verifier,
		defaults:  defaults,
		clock:     clock,
		logger:    logger,
		locks:     newKeyedMutex(),
	}
}

// Start begins warming up an account. It needs at least one other active
// account of the same owner and an MX record on the sending domain, and runs
// the scheduler once when the state change is stored.
func (l *LifecycleService) Start(ctx context.Context, accountID string) error {
	account, err := l.load(ctx, accountID)
	if err != nil {
		return err
	}
	if account.WarmupStatus != WarmupNotStarted {
		return &InvalidStateTransitionError{Action: "start", From: account.WarmupStatus}
	}
	if err := l.checkPreconditions(ctx, account); err != nil {
		return err
	}

	unlock := l.locks.lock(accountID)
	account, err = l.load(ctx, accountID)
	if err != nil {
		unlock()
		return err
	}
	if account.WarmupStatus != WarmupNotStarted {
		unlock()
		return &InvalidStateTransitionError{Action: "start", From: account.WarmupStatus}
	}

	settings := l.defaults.Clone()
	if account.WarmupSettings != nil {
		settings = account.WarmupSettings.Clone()
	}
	settings.Enabled = true
	if err := settings.Validate(); err != nil {
		unlock()
		return &PreconditionFailedError{Reason: fmt.Sprintf("invalid warmup settings: %v", err)}
	}

	now := l.clock.Now()
	err = l.accounts.UpdateWarmupState(ctx, accountID, WarmupState{
		Status:    WarmupInProgress,
		Settings:  &settings,
		StartedAt: &now,
	})
	unlock()
	if err != nil {
		return fmt.Errorf("failed to store warmup state: %w", err)
	}

	l.logger.Info("Warmup started", zap.String("account_id", accountID), zap.String("address", account.Address))
	l.kick(ctx, accountID)
	return nil
}

// Pause stops future sends of an in-progress warmup. Sends already in
// flight are not aborted.
func (l *LifecycleService) Pause(ctx context.Context, accountID, reason string) error {
	unlock := l.locks.lock(accountID)
	defer unlock()

	account, err := l.load(ctx, accountID)
	if err != nil {
		return err
	}
	if account.WarmupStatus != WarmupInProgress {
		return &InvalidStateTransitionError{Action: "pause", From: account.WarmupStatus}
	}

	if err := l.accounts.UpdateWarmupState(ctx, accountID, WarmupState{
		Status:      WarmupPaused,
		Settings:    account.WarmupSettings,
		StartedAt:   account.WarmupStartedAt,
		PauseReason: reason,
	}); err != nil {
		return fmt.Errorf("failed to store warmup state: %w", err)
	}

	cancelled := l.tasks.Cancel(accountID)
	l.logger.Info("Warmup paused",
		zap.String("account_id", accountID),
		zap.String("reason", reason),
		zap.Int("cancelled_tasks", cancelled))
	return nil
}

// Resume continues a paused warmup and schedules the rest of today's budget
func (l *LifecycleService) Resume(ctx context.Context, accountID string) error {
	unlock := l.locks.lock(accountID)
	account, err := l.load(ctx, accountID)
	if err != nil {
		unlock()
		return err
	}
	if account.WarmupStatus != WarmupPaused {
		unlock()
		return &InvalidStateTransitionError{Action: "resume", From: account.WarmupStatus}
	}

	err = l.accounts.UpdateWarmupState(ctx, accountID, WarmupState{
		Status:    WarmupInProgress,
		Settings:  account.WarmupSettings,
		StartedAt: account.WarmupStartedAt,
	})
	unlock()
	if err != nil {
		return fmt.Errorf("failed to store warmup state: %w", err)
	}

	l.logger.Info("Warmup resumed", zap.String("account_id", accountID))
	l.kick(ctx, accountID)
	return nil
}

// Stop returns a running or paused warmup to not-started. Settings are kept
// for a later start.
func (l *LifecycleService) Stop(ctx context.Context, accountID string) error {
	unlock := l.locks.lock(accountID)
	defer unlock()

	account, err := l.load(ctx, accountID)
	if err != nil {
		return err
	}
	if account.WarmupStatus != WarmupInProgress && account.WarmupStatus != WarmupPaused {
		return &InvalidStateTransitionError{Action: "stop", From: account.WarmupStatus}
	}

	if err := l.accounts.UpdateWarmupState(ctx, accountID, WarmupState{
		Status:   WarmupNotStarted,
		Settings: account.WarmupSettings,
	}); err != nil {
		return fmt.Errorf("failed to store warmup state: %w", err)
	}

	cancelled := l.tasks.Cancel(accountID)
	l.logger.Info("Warmup stopped",
		zap.String("account_id", accountID),
		zap.Int("cancelled_tasks", cancelled))
	return nil
}

// Status reports the current warmup state of an account
func (l *LifecycleService) Status(ctx context.Context, accountID string) (*WarmupOverview, error) {
	account, err := l.load(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	stats, err := l.ledger.WarmupStats(ctx, accountID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate warmup stats: %w", err)
	}

	overview := &WarmupOverview{
		AccountID:    account.ID,
		Address:      account.Address,
		Status:       account.WarmupStatus,
		Settings:     account.WarmupSettings,
		StartedAt:    account.WarmupStartedAt,
		PauseReason:  account.PauseReason,
		Reputation:   account.Reputation,
		ReputationAt: account.ReputationAt,
		SentToday:    account.SentToday(DayKey(now)),
		Pending:      l.tasks.Pending(accountID),
		NextSendAt:   l.tasks.NextDue(accountID),
		Stats:        stats,
	}
	if account.WarmupSettings != nil {
		first, err := l.ledger.FirstWarmupSentAt(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to read first warmup timestamp: %w", err)
		}
		overview.AllowedToday = AllowedToday(*account.WarmupSettings, first, now)
	}
	return overview, nil
}

func (l *LifecycleService) load(ctx context.Context, accountID string) (*SenderAccount, error) {
	account, err := l.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	if account.WarmupStatus == "" {
		account.WarmupStatus = WarmupNotStarted
	}
	return account, nil
}

func (l *LifecycleService) checkPreconditions(ctx context.Context, account *SenderAccount) error {
	accounts, err := l.accounts.ListAccounts(ctx, AccountFilter{OwnerID: account.OwnerID, ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("failed to list peer accounts: %w", err)
	}
	peers := 0
	for _, a := range accounts {
		if a.ID != account.ID {
			peers++
		}
	}
	if peers == 0 {
		return &PreconditionFailedError{Reason: "no other active sender account under the same owner"}
	}

	domain := account.Domain()
	if domain == "" {
		return &PreconditionFailedError{Reason: fmt.Sprintf("invalid sender address %q", account.Address)}
	}
	check, err := l.verifier.VerifyDomain(ctx, domain)
	if err != nil {
		return &PreconditionFailedError{Reason: fmt.Sprintf("domain verification for %s failed: %v", domain, err)}
	}
	if !check.HasMX {
		return &PreconditionFailedError{Reason: fmt.Sprintf("domain %s has no MX record", domain)}
	}
	return nil
}

// kick runs one scheduling pass after a state change; failures only log
func (l *LifecycleService) kick(ctx context.Context, accountID string) {
	if l.scheduler == nil {
		return
	}
	if _, err := l.scheduler.Schedule(ctx, accountID); err != nil {
		l.logger.Warn("Initial scheduling pass failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

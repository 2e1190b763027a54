package core

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Engine bundles the warmup components behind the operations the driver
// and the control surface call
type Engine struct {
	Accounts   AccountRepository
	Ledger     MessageLedger
	Campaigns  CampaignRepository
	Dispatcher *Dispatcher
	Scheduler  *Scheduler
	Sync       *InboxSyncService
	Scorer     *Scorer
	Lifecycle  *LifecycleService
	Remediator *Remediator
	Tracker    *Tracker
	Tasks      *TaskRegistry
	Verifier   DomainVerifier
	Clock      Clock
	logger     *zap.Logger
}

// EngineParts are the collaborators an Engine is assembled from
type EngineParts struct {
	Repositories Repositories
	Sender       MailSender
	Mailbox      Mailbox
	Classifier   MessageClassifier
	Analyzer     ReplyAnalyzer
	Suppression  SuppressionList
	Verifier     DomainVerifier
	Content      ContentGenerator
	Tasks        *TaskRegistry
	Clock        Clock
	Defaults     WarmupSettings
	Dispatch     DispatcherConfig
	Schedule     SchedulerConfig
	Sync         SyncConfig
	Remediation  RemediationConfig
}

// NewEngine wires the components together
func NewEngine(p EngineParts, logger *zap.Logger) *Engine {
	repos := p.Repositories
	tasks := p.Tasks
	if tasks == nil {
		tasks = NewTaskRegistry(logger)
	}
	if p.Clock != nil {
		tasks.setClock(p.Clock)
	}
	content := p.Content
	if content == nil {
		content = NewTemplateContent()
	}
	classifier := p.Classifier
	if classifier == nil {
		classifier = NewHeuristicClassifier()
	}

	dispatcher := NewDispatcher(repos, p.Sender, p.Suppression, p.Clock, logger, p.Dispatch)
	scheduler := NewScheduler(repos, dispatcher, tasks, content, p.Clock, logger, p.Schedule)
	scorer := NewScorer(repos, p.Clock, logger)
	lifecycle := NewLifecycleService(repos, scheduler, tasks, p.Verifier, p.Defaults, p.Clock, logger)

	return &Engine{
		Accounts:   repos.Accounts,
		Ledger:     repos.Ledger,
		Campaigns:  repos.Campaigns,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Sync:       NewInboxSyncService(repos, p.Mailbox, classifier, scheduler, p.Analyzer, p.Suppression, p.Clock, logger, p.Sync),
		Scorer:     scorer,
		Lifecycle:  lifecycle,
		Remediator: NewRemediator(repos, scorer, lifecycle, p.Clock, logger, p.Remediation),
		Tracker:    NewTracker(repos, p.Clock, logger),
		Tasks:      tasks,
		Verifier:   p.Verifier,
		Clock:      p.Clock,
		logger:     logger,
	}
}

// ResetDailyCounters zeroes every daily counter not reset today. Calling it
// again on the same day changes nothing.
func (e *Engine) ResetDailyCounters(ctx context.Context) (int64, error) {
	today := DayKey(e.Clock.Now())
	n, err := e.Accounts.ResetDailyCounters(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", err)
	}
	if n > 0 {
		e.logger.Info("Reset daily counters", zap.String("day", today), zap.Int64("accounts", n))
	}
	return n, nil
}

// CheckDomain verifies the DNS setup of a sending domain
func (e *Engine) CheckDomain(ctx context.Context, domain string) (*DomainCheck, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" || strings.Contains(domain, "@") {
		return nil, &PreconditionFailedError{Reason: fmt.Sprintf("invalid domain %q", domain)}
	}
	return e.Verifier.VerifyDomain(ctx, domain)
}

// Logs returns the most recent ledger entries of an account
func (e *Engine) Logs(ctx context.Context, accountID string, limit int) ([]*OutboundLogEntry, error) {
	if _, err := e.Accounts.GetAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	return e.Ledger.ListOutbound(ctx, OutboundFilter{AccountID: accountID, Limit: limit})
}

// Shutdown drops every pending delayed send
func (e *Engine) Shutdown() {
	e.Tasks.CancelAll()
}

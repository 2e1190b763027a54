package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"
)

// sendTimeout bounds sends fired from timers
const sendTimeout = 2 * time.Minute

// SchedulerConfig tunes the Scheduler
type SchedulerConfig struct {
	// ReplyJitter is the maximum random delay added on top of replyDelayMinutes
	ReplyJitter time.Duration
}

// ScheduleResult summarises one scheduling pass for an account
type ScheduleResult struct {
	Skipped   string
	Allowed   int
	SentToday int
	Pending   int
	Budget    int
	SentNow   bool
	Scheduled int
	Dropped   int
}

// Scheduler decides when today's warmup sends of an account fire
type Scheduler struct {
	accounts   AccountRepository
	ledger     MessageLedger
	dispatcher *Dispatcher
	tasks      *TaskRegistry
	content    ContentGenerator
	clock      Clock
	logger     *zap.Logger
	cfg        SchedulerConfig
	inflight   *inflightSet
}

// NewScheduler creates a new Scheduler
func NewScheduler(
	repos Repositories,
	dispatcher *Dispatcher,
	tasks *TaskRegistry,
	content ContentGenerator,
	clock Clock,
	logger *zap.Logger,
	cfg SchedulerConfig,
) *Scheduler {
	return &Scheduler{
		accounts:   repos.Accounts,
		ledger:     repos.Ledger,
		dispatcher: dispatcher,
		tasks:      tasks,
		content:    content,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
		inflight:   newInflightSet(),
	}
}

// Schedule computes the remaining warmup budget of an account for today,
// sends one message right away and spreads the rest over the working window.
// A pass already running for the same account makes this call a no-op.
func (s *Scheduler) Schedule(ctx context.Context, accountID string) (*ScheduleResult, error) {
	if !s.inflight.tryAcquire(accountID) {
		return &ScheduleResult{Skipped: "scheduling already in progress"}, nil
	}
	defer s.inflight.release(accountID)

	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	now := s.clock.Now()
	if reason := skipReason(account, now); reason != "" {
		s.logger.Debug("Skipping warmup scheduling",
			zap.String("account_id", accountID),
			zap.String("reason", reason))
		return &ScheduleResult{Skipped: reason}, nil
	}
	settings := account.WarmupSettings.Clone()

	first, err := s.ledger.FirstWarmupSentAt(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read first warmup timestamp: %w", err)
	}
	sentToday, err := s.ledger.CountWarmupSentSince(ctx, accountID, StartOfDay(now))
	if err != nil {
		return nil, fmt.Errorf("failed to count today's warmup sends: %w", err)
	}

	result := &ScheduleResult{
		Allowed:   AllowedToday(settings, first, now),
		SentToday: sentToday,
		Pending:   s.tasks.Pending(accountID),
	}
	result.Budget = result.Allowed - result.SentToday - result.Pending
	if account.DailyLimit > 0 {
		capLeft := account.DailyLimit - account.SentToday(DayKey(now)) - result.Pending
		if capLeft < result.Budget {
			result.Budget = capLeft
		}
	}
	if result.Budget <= 0 {
		result.Skipped = "daily budget reached"
		return result, nil
	}

	peers, err := s.peers(ctx, account)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		s.logger.Warn("No active peer accounts, dropping warmup sends",
			zap.String("account_id", accountID),
			zap.Int("dropped", result.Budget))
		result.Dropped = result.Budget
		return result, nil
	}

	result.SentNow = s.sendWarmup(ctx, account, peers) == nil

	rest := result.Budget - 1
	if rest > 0 {
		delays := planDelays(now, settings, rest)
		for _, delay := range delays {
			s.tasks.Schedule(accountID, delay, func() { s.fire(accountID) })
		}
		result.Scheduled = len(delays)
		result.Dropped = rest - len(delays)
	}

	s.logger.Info("Scheduled warmup sends",
		zap.String("account_id", accountID),
		zap.Int("allowed", result.Allowed),
		zap.Int("sent_today", result.SentToday),
		zap.Int("budget", result.Budget),
		zap.Bool("sent_now", result.SentNow),
		zap.Int("scheduled", result.Scheduled),
		zap.Int("dropped", result.Dropped))

	return result, nil
}

// QueueReply arms a threaded reply from replier to parent after the
// configured reply delay. Returns false when the settings forbid a reply.
func (s *Scheduler) QueueReply(replier *SenderAccount, parent *WarmupMessage) bool {
	settings := replier.WarmupSettings
	if settings == nil || !settings.AutoReply {
		return false
	}
	if settings.MaxThreadLength > 0 && parent.Depth >= settings.MaxThreadLength {
		return false
	}

	delay := time.Duration(settings.ReplyDelayMinutes) * time.Minute
	if s.cfg.ReplyJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(s.cfg.ReplyJitter)))
	}

	replierID, parentID := replier.ID, parent.ID
	s.tasks.Schedule(replierID, delay, func() { s.fireReply(replierID, parentID) })
	return true
}

// fire runs one delayed warmup send after re-validating the account
func (s *Scheduler) fire(accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	account, ok := s.liveAccount(ctx, accountID)
	if !ok {
		return
	}
	peers, err := s.peers(ctx, account)
	if err != nil {
		s.logger.Error("Failed to list peer accounts", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	if len(peers) == 0 {
		s.logger.Warn("No active peer accounts, dropping warmup send", zap.String("account_id", accountID))
		return
	}
	_ = s.sendWarmup(ctx, account, peers)
}

// fireReply sends a queued reply after re-validating the account
func (s *Scheduler) fireReply(accountID, parentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	account, ok := s.liveAccount(ctx, accountID)
	if !ok {
		return
	}

	parent, err := s.ledger.FindWarmup(ctx, parentID)
	if err != nil {
		s.logger.Warn("Parent warmup message not found", zap.String("warmup_id", parentID), zap.Error(err))
		return
	}
	original, err := s.accounts.GetAccount(ctx, parent.FromAccountID)
	if err != nil {
		s.logger.Warn("Original sender not found", zap.String("account_id", parent.FromAccountID), zap.Error(err))
		return
	}

	subject, body := s.content.ComposeReply(account, parent)
	_, err = s.dispatcher.Send(ctx, account, SendRequest{
		To:         original.Address,
		Subject:    subject,
		Body:       body,
		Kind:       KindReply,
		InReplyTo:  parent.ProviderMessageID,
		References: []string{parent.ProviderMessageID},
		Warmup: &WarmupLink{
			ToAccountID:     original.ID,
			ParentMessageID: parent.ID,
			ThreadID:        parent.ThreadID,
			Depth:           parent.Depth + 1,
		},
	})
	if err != nil {
		s.logSendError(accountID, err)
		return
	}

	if _, err := s.ledger.AdvanceWarmup(ctx, parent.ID, WarmupReplied, s.clock.Now()); err != nil {
		s.logger.Warn("Failed to mark warmup message replied", zap.String("warmup_id", parent.ID), zap.Error(err))
	}
}

// liveAccount reloads an account and checks it may still send warmup mail
func (s *Scheduler) liveAccount(ctx context.Context, accountID string) (*SenderAccount, bool) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		s.logger.Warn("Dropping task for unknown account", zap.String("account_id", accountID), zap.Error(err))
		return nil, false
	}
	if !account.IsActive || account.WarmupStatus != WarmupInProgress ||
		account.WarmupSettings == nil || !account.WarmupSettings.Enabled {
		s.logger.Debug("Dropping task, warmup no longer running",
			zap.String("account_id", accountID),
			zap.String("status", string(account.WarmupStatus)))
		return nil, false
	}
	return account, true
}

func (s *Scheduler) sendWarmup(ctx context.Context, account *SenderAccount, peers []*SenderAccount) error {
	peer := peers[rand.IntN(len(peers))]
	subject, body := s.content.Compose(account, peer)

	_, err := s.dispatcher.Send(ctx, account, SendRequest{
		To:      peer.Address,
		Subject: subject,
		Body:    body,
		Kind:    KindWarmup,
		Warmup:  &WarmupLink{ToAccountID: peer.ID},
	})
	if err != nil {
		s.logSendError(account.ID, err)
	}
	return err
}

func (s *Scheduler) logSendError(accountID string, err error) {
	if errors.Is(err, ErrRateLimitExceeded) {
		s.logger.Debug("Daily limit reached, skipping send", zap.String("account_id", accountID))
		return
	}
	s.logger.Warn("Warmup send failed", zap.String("account_id", accountID), zap.Error(err))
}

// peers lists the other active accounts of the same owner
func (s *Scheduler) peers(ctx context.Context, account *SenderAccount) ([]*SenderAccount, error) {
	accounts, err := s.accounts.ListAccounts(ctx, AccountFilter{OwnerID: account.OwnerID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list peer accounts: %w", err)
	}
	peers := make([]*SenderAccount, 0, len(accounts))
	for _, a := range accounts {
		if a.ID != account.ID {
			peers = append(peers, a)
		}
	}
	return peers, nil
}

// skipReason returns why an account is not eligible for scheduling now, or ""
func skipReason(account *SenderAccount, now time.Time) string {
	switch {
	case account.WarmupStatus != WarmupInProgress:
		return "warmup not in progress"
	case !account.IsActive:
		return "account inactive"
	case account.WarmupSettings == nil || !account.WarmupSettings.Enabled:
		return "warmup disabled"
	case !account.WarmupSettings.IsWorkingDay(now.Weekday()):
		return "not a working day"
	case !account.WarmupSettings.InWindow(now):
		return "outside warmup window"
	}
	return ""
}

// planDelays spreads n sends over the rest of the working day. The window is
// cut into hour slots starting at now, each holding at most ThrottlePerHour
// sends; the first slot already carries the immediate send. Every send goes to
// the least loaded open slot. Sends that do not fit are left for a later pass.
func planDelays(now time.Time, settings WarmupSettings, n int) []time.Duration {
	end := settings.WorkEnd.On(now)
	if n <= 0 || !end.After(now) {
		return nil
	}
	window := end.Sub(now)

	limit := settings.ThrottlePerHour
	if limit <= 0 {
		limit = n + 1
	}

	slots := int(math.Ceil(window.Hours()))
	load := make([]int, slots)
	load[0] = 1

	delays := make([]time.Duration, 0, n)
	for len(delays) < n {
		slot, ties := -1, 0
		for i, l := range load {
			switch {
			case l >= limit:
				continue
			case slot < 0 || l < load[slot]:
				slot, ties = i, 1
			case l == load[slot]:
				ties++
				if rand.IntN(ties) == 0 {
					slot = i
				}
			}
		}
		if slot < 0 {
			break
		}
		load[slot]++

		slotStart := time.Duration(slot) * time.Hour
		slotLen := window - slotStart
		if slotLen > time.Hour {
			slotLen = time.Hour
		}
		delays = append(delays, slotStart+time.Duration(rand.Int64N(int64(slotLen))))
	}

	sort.Slice(delays, func(i, j int) bool { return delays[i] < delays[j] })
	return delays
}

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SyncConfig controls which folders are pulled and how far back
type SyncConfig struct {
	Folder          string
	SpamFolder      string
	ArchiveFolder   string
	Lookback        time.Duration
	BatchSize       int
	StaleAfter      time.Duration
	IntentThreshold float64
}

// SyncResult summarises one sync pass
type SyncResult struct {
	Skipped        bool
	Processed      int
	RepliesFound   int
	BouncesFound   int
	WarmupOpened   int
	SpamPlacements int
	Unclassified   int
}

// InboxSyncService pulls remote mail and feeds it back into engine state
type InboxSyncService struct {
	repos      Repositories
	mailbox    Mailbox
	classifier MessageClassifier
	scheduler  *Scheduler
	analyzer   ReplyAnalyzer
	suppressed SuppressionList
	clock      Clock
	logger     *zap.Logger
	cfg        SyncConfig
}

// NewInboxSyncService creates a new InboxSyncService. analyzer and
// suppressed may be nil.
func NewInboxSyncService(
	repos Repositories,
	mailbox Mailbox,
	classifier MessageClassifier,
	scheduler *Scheduler,
	analyzer ReplyAnalyzer,
	suppressed SuppressionList,
	clock Clock,
	logger *zap.Logger,
	cfg SyncConfig,
) *InboxSyncService {
	return &InboxSyncService{
		repos:      repos,
		mailbox:    mailbox,
		classifier: classifier,
		scheduler:  scheduler,
		analyzer:   analyzer,
		suppressed: suppressed,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
}

// Sync processes new mail of one account. A sync already running for the
// account makes this call return a skipped result. Progress made before a
// failure is kept and the cursor is left in the error state.
func (s *InboxSyncService) Sync(ctx context.Context, accountID string) (*SyncResult, error) {
	account, err := s.repos.Accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	cursor, acquired, err := s.repos.Cursors.TryBeginSync(ctx, accountID, s.clock.Now(), s.cfg.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sync: %w", err)
	}
	if !acquired {
		s.logger.Debug("Sync already running, skipping", zap.String("account_id", accountID))
		return &SyncResult{Skipped: true}, nil
	}

	result := &SyncResult{}
	runErr := s.run(ctx, account, cursor, result)

	cursor.TotalProcessed += result.Processed
	cursor.TotalRepliesFound += result.RepliesFound
	cursor.TotalBouncesFound += result.BouncesFound
	cursor.SyncStartedAt = nil
	if runErr != nil {
		cursor.SyncStatus = SyncError
		cursor.LastError = runErr.Error()
	} else {
		finished := s.clock.Now()
		cursor.SyncStatus = SyncIdle
		cursor.LastError = ""
		cursor.LastSyncAt = &finished
	}

	if err := s.repos.Cursors.SaveCursor(context.WithoutCancel(ctx), cursor); err != nil {
		s.logger.Error("Failed to save sync cursor", zap.String("account_id", accountID), zap.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("failed to save sync cursor: %w", err)
		}
	}

	if runErr != nil {
		s.logger.Warn("Inbox sync failed",
			zap.String("account_id", accountID),
			zap.Int("processed", result.Processed),
			zap.Error(runErr))
		return result, runErr
	}

	s.logger.Info("Inbox sync finished",
		zap.String("account_id", accountID),
		zap.Int("processed", result.Processed),
		zap.Int("replies", result.RepliesFound),
		zap.Int("bounces", result.BouncesFound),
		zap.Int("warmup_opened", result.WarmupOpened),
		zap.Int("spam_placements", result.SpamPlacements))
	return result, nil
}

func (s *InboxSyncService) run(ctx context.Context, account *SenderAccount, cursor *InboxSyncCursor, result *SyncResult) error {
	session, err := s.mailbox.Open(ctx, account.Credentials)
	if err != nil {
		return &TransportError{Op: "open mailbox", Err: err}
	}
	defer func() {
		if err := session.Close(); err != nil {
			s.logger.Debug("Failed to close mailbox session", zap.String("account_id", account.ID), zap.Error(err))
		}
	}()

	if err := s.syncFolder(ctx, session, account, cursor, false, result); err != nil {
		return err
	}
	if s.cfg.SpamFolder != "" {
		return s.syncFolder(ctx, session, account, cursor, true, result)
	}
	return nil
}

func (s *InboxSyncService) syncFolder(
	ctx context.Context,
	session MailboxSession,
	account *SenderAccount,
	cursor *InboxSyncCursor,
	spam bool,
	result *SyncResult,
) error {
	folder, after, validity := s.cfg.Folder, &cursor.LastProcessedCursor, &cursor.CursorValidity
	if spam {
		folder, after, validity = s.cfg.SpamFolder, &cursor.SpamCursor, &cursor.SpamCursorValidity
	}

	current, err := session.Select(ctx, folder)
	if err != nil {
		if spam {
			s.logger.Warn("Spam folder not available",
				zap.String("account_id", account.ID),
				zap.String("folder", folder),
				zap.Error(err))
			return nil
		}
		return &TransportError{Op: "select " + folder, Err: err}
	}
	if *validity != current {
		if *validity != 0 {
			s.logger.Info("Folder UIDVALIDITY changed, restarting from lookback window",
				zap.String("account_id", account.ID),
				zap.String("folder", folder))
		}
		*after = 0
		*validity = current
	}

	var since time.Time
	if *after == 0 {
		since = s.clock.Now().Add(-s.cfg.Lookback)
	}

	messages, err := session.FetchAfter(ctx, *after, since, s.cfg.BatchSize)
	if err != nil {
		return &TransportError{Op: "fetch " + folder, Err: err}
	}

	for _, msg := range messages {
		if msg.UID <= *after {
			continue
		}
		if err := s.process(ctx, session, account, msg, spam, result); err != nil {
			if !errors.Is(err, ErrClassification) {
				return fmt.Errorf("failed to process message uid %d in %s: %w", msg.UID, folder, err)
			}
			s.logger.Warn("Skipping unclassifiable message",
				zap.String("account_id", account.ID),
				zap.Uint32("uid", msg.UID),
				zap.Error(err))
			result.Unclassified++
		}
		*after = msg.UID
		result.Processed++
	}
	return nil
}

// process classifies one message and applies its side effects once
func (s *InboxSyncService) process(
	ctx context.Context,
	session MailboxSession,
	account *SenderAccount,
	msg *InboundMessage,
	spam bool,
	result *SyncResult,
) error {
	ledger := s.repos.Ledger

	if msg.MessageID != "" {
		seen, err := ledger.HasInbound(ctx, account.ID, msg.MessageID)
		if err != nil {
			return fmt.Errorf("failed to check inbound ledger: %w", err)
		}
		if seen {
			return nil
		}
	}

	var originals []*OutboundLogEntry
	if ids := msg.ThreadIDs(); len(ids) > 0 {
		found, err := ledger.FindOutboundByProviderIDs(ctx, account.ID, ids)
		if err != nil {
			return fmt.Errorf("failed to look up originals: %w", err)
		}
		originals = found
	}

	verdict, err := s.classifier.Classify(ctx, ClassifyInput{
		Message:      msg,
		InSpamFolder: spam,
		Originals:    originals,
	})
	if err != nil {
		return err
	}

	switch verdict.Kind {
	case MessageReply:
		counted, err := s.applyReply(ctx, account, msg, originals)
		if counted {
			result.RepliesFound++
		}
		if err != nil {
			return err
		}
	case MessageBounce:
		counted, err := s.applyBounce(ctx, account, verdict.BouncedAddress)
		if counted {
			result.BouncesFound++
		}
		if err != nil {
			return err
		}
	}

	if verdict.WarmupID != "" {
		if err := s.applyWarmup(ctx, session, account, msg, verdict.WarmupID, spam, result); err != nil {
			return err
		}
	}

	if msg.MessageID != "" {
		if err := ledger.RecordInbound(ctx, account.ID, msg.MessageID, s.clock.Now()); err != nil {
			return fmt.Errorf("failed to record inbound message: %w", err)
		}
	}
	return nil
}

// applyReply marks the replied-to entry and its lead. It reports whether the
// entry moved to replied in this call, even when a later step fails. Every
// step is idempotent, so an entry already replied is completed again after a
// pass that failed midway.
func (s *InboxSyncService) applyReply(ctx context.Context, account *SenderAccount, msg *InboundMessage, originals []*OutboundLogEntry) (bool, error) {
	var entry *OutboundLogEntry
	for _, e := range originals {
		if e.Status == OutboundBounced || e.Status == OutboundFailed {
			continue
		}
		if entry == nil || e.SentAt.After(entry.SentAt) {
			entry = e
		}
	}
	if entry == nil {
		return false, nil
	}

	now := s.clock.Now()
	advanced, err := s.repos.Ledger.AdvanceOutbound(ctx, entry.ID, OutboundReplied, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry replied: %w", err)
	}
	if !advanced && entry.Status != OutboundReplied {
		return false, nil
	}

	if entry.Kind == KindWarmup || entry.Kind == KindReply {
		if wm, err := s.repos.Ledger.FindWarmupByProviderID(ctx, entry.ProviderMessageID); err == nil {
			if _, err := s.repos.Ledger.AdvanceWarmup(ctx, wm.ID, WarmupReplied, now); err != nil {
				return advanced, fmt.Errorf("failed to mark warmup message replied: %w", err)
			}
		} else if !errors.Is(err, ErrNotFound) {
			return advanced, fmt.Errorf("failed to look up warmup message: %w", err)
		}
	}

	if entry.CampaignID != "" {
		if _, err := s.repos.Campaigns.IncrementCounter(ctx, entry.CampaignID, CounterReplied, entry.ID); err != nil {
			return advanced, fmt.Errorf("failed to increment replied counter: %w", err)
		}
	}

	lead, err := s.resolveLead(ctx, account.OwnerID, ExtractAddress(msg.From), entry.LeadID)
	if err != nil {
		return advanced, err
	}
	leadMoved := false
	if lead != nil {
		if leadMoved, err = s.repos.Leads.UpdateLeadStatus(ctx, lead.ID, LeadReplied, now); err != nil {
			return advanced, fmt.Errorf("failed to mark lead replied: %w", err)
		}
		if advanced || leadMoved {
			s.analyzeIntent(ctx, lead, msg)
		}
	}

	if advanced || leadMoved {
		s.logger.Info("Reply detected",
			zap.String("account_id", account.ID),
			zap.String("entry_id", entry.ID),
			zap.String("from", msg.From))
	}
	return advanced, nil
}

// applyBounce marks the bounced entry and lead. It reports whether a new
// bounce was recorded, even when a later step fails. Like applyReply it
// completes a bounce that an earlier failed pass left half applied.
func (s *InboxSyncService) applyBounce(ctx context.Context, account *SenderAccount, address string) (bool, error) {
	if address == "" {
		s.logger.Warn("Bounce without recoverable recipient", zap.String("account_id", account.ID))
		return false, nil
	}

	entry, err := s.repos.Ledger.FindLatestOutboundTo(ctx, account.ID, address)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("failed to look up bounced entry: %w", err)
	}
	if errors.Is(err, ErrNotFound) {
		entry = nil
	}

	leadID := ""
	if entry != nil {
		leadID = entry.LeadID
	}
	lead, err := s.resolveLead(ctx, account.OwnerID, address, leadID)
	if err != nil {
		return false, err
	}
	if entry == nil && lead == nil {
		return false, nil
	}

	now := s.clock.Now()
	counted := false
	// Bounces without a ledger entry are counted once per lead
	var sourceID string
	if entry != nil {
		sourceID = entry.ID
		advanced, err := s.repos.Ledger.AdvanceOutbound(ctx, entry.ID, OutboundBounced, now)
		if err != nil {
			return false, fmt.Errorf("failed to mark entry bounced: %w", err)
		}
		if !advanced && entry.Status != OutboundBounced {
			return false, nil
		}
		counted = advanced
		if entry.CampaignID != "" {
			if _, err := s.repos.Campaigns.IncrementCounter(ctx, entry.CampaignID, CounterBounced, entry.ID); err != nil {
				return counted, fmt.Errorf("failed to increment bounced counter: %w", err)
			}
		}
	} else {
		sourceID = lead.ID
	}

	if lead != nil {
		if _, err := s.repos.Leads.UpdateLeadStatus(ctx, lead.ID, LeadBounced, now); err != nil {
			return counted, fmt.Errorf("failed to mark lead bounced: %w", err)
		}
		leadCounted, err := s.repos.Leads.IncrementLeadBounce(ctx, lead.ID, sourceID)
		if err != nil {
			return counted, fmt.Errorf("failed to increment lead bounce count: %w", err)
		}
		if entry == nil {
			counted = leadCounted
		}
	}

	if counted {
		s.logger.Info("Bounce detected",
			zap.String("account_id", account.ID),
			zap.String("address", address))
	}
	return counted, nil
}

// applyWarmup records where a peer's warmup message landed in this mailbox
func (s *InboxSyncService) applyWarmup(
	ctx context.Context,
	session MailboxSession,
	account *SenderAccount,
	msg *InboundMessage,
	warmupID string,
	spam bool,
	result *SyncResult,
) error {
	wm, err := s.repos.Ledger.FindWarmup(ctx, warmupID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up warmup message: %w", err)
	}
	if wm.ToAccountID != account.ID {
		return nil
	}

	now := s.clock.Now()
	if spam {
		advanced, err := s.repos.Ledger.AdvanceWarmup(ctx, wm.ID, WarmupSpam, now)
		if err != nil {
			return fmt.Errorf("failed to mark warmup message spam: %w", err)
		}
		if advanced || wm.Status == WarmupSpam {
			counted, err := s.repos.Cursors.IncrementSpamPlacement(ctx, wm.FromAccountID, wm.ID)
			if err != nil {
				return fmt.Errorf("failed to count spam placement: %w", err)
			}
			if counted {
				result.SpamPlacements++
			}
			advanced = counted
		}
		if err := session.Move(ctx, msg.UID, s.cfg.Folder); err != nil {
			s.logger.Warn("Failed to rescue warmup message from spam",
				zap.String("account_id", account.ID),
				zap.Uint32("uid", msg.UID),
				zap.Error(err))
		}
		if advanced {
			s.queueReply(account, wm)
		}
		return nil
	}

	advanced, err := s.repos.Ledger.AdvanceWarmup(ctx, wm.ID, WarmupOpened, now)
	if err != nil {
		return fmt.Errorf("failed to mark warmup message opened: %w", err)
	}
	if err := session.MarkSeen(ctx, msg.UID); err != nil {
		s.logger.Warn("Failed to flag warmup message seen", zap.Uint32("uid", msg.UID), zap.Error(err))
	}
	if advanced {
		result.WarmupOpened++
		s.queueReply(account, wm)
	}

	if account.WarmupSettings != nil && account.WarmupSettings.AutoArchive && s.cfg.ArchiveFolder != "" {
		if err := session.Move(ctx, msg.UID, s.cfg.ArchiveFolder); err != nil {
			s.logger.Warn("Failed to archive warmup message", zap.Uint32("uid", msg.UID), zap.Error(err))
		}
	}
	return nil
}

func (s *InboxSyncService) queueReply(account *SenderAccount, wm *WarmupMessage) {
	if s.scheduler == nil || account.WarmupStatus != WarmupInProgress {
		return
	}
	if s.scheduler.QueueReply(account, wm) {
		s.logger.Debug("Queued warmup reply",
			zap.String("account_id", account.ID),
			zap.String("parent_id", wm.ID))
	}
}

// resolveLead finds a lead by address, falling back to the id on the ledger entry
func (s *InboxSyncService) resolveLead(ctx context.Context, ownerID, address, leadID string) (*Lead, error) {
	lead, err := s.repos.Leads.FindLeadByEmail(ctx, ownerID, address)
	if err == nil {
		return lead, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to look up lead: %w", err)
	}
	if leadID == "" {
		return nil, nil
	}

	lead, err = s.repos.Leads.GetLead(ctx, leadID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lead %s: %w", leadID, err)
	}
	return lead, nil
}

// analyzeIntent moves a campaign lead further when its reply intent is clear
func (s *InboxSyncService) analyzeIntent(ctx context.Context, lead *Lead, msg *InboundMessage) {
	if s.analyzer == nil || lead.CampaignID == "" {
		return
	}

	intent, err := s.analyzer.AnalyzeReply(ctx, msg)
	if err != nil {
		s.logger.Warn("Reply intent analysis failed", zap.String("lead_id", lead.ID), zap.Error(err))
		return
	}
	if intent.Confidence < s.cfg.IntentThreshold {
		return
	}

	var next LeadStatus
	switch intent.Intent {
	case IntentInterested:
		next = LeadInterested
	case IntentUnsubscribe:
		next = LeadUnsubscribed
		if s.suppressed != nil {
			s.suppressed.Add(lead.Email)
		}
	default:
		return
	}

	if _, err := s.repos.Leads.UpdateLeadStatus(ctx, lead.ID, next, s.clock.Now()); err != nil {
		s.logger.Warn("Failed to apply reply intent", zap.String("lead_id", lead.ID), zap.Error(err))
		return
	}
	s.logger.Info("Applied reply intent",
		zap.String("lead_id", lead.ID),
		zap.String("intent", intent.Intent),
		zap.Float64("confidence", intent.Confidence),
		zap.String("model", intent.ModelUsed))
}

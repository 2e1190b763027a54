package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mikey/warmup-engine/internal/core"
	"go.uber.org/zap"
)

var _ core.Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of core.Store
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*core.SenderAccount
	outbound  map[string]*core.OutboundLogEntry
	warmup    map[string]*core.WarmupMessage
	inbound   map[string]time.Time
	cursors   map[string]*core.InboxSyncCursor
	leads     map[string]*core.Lead
	campaigns map[string]*core.CampaignStats
	counted   map[string]struct{}
	logger    *zap.Logger
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*core.SenderAccount),
		outbound:  make(map[string]*core.OutboundLogEntry),
		warmup:    make(map[string]*core.WarmupMessage),
		inbound:   make(map[string]time.Time),
		cursors:   make(map[string]*core.InboxSyncCursor),
		leads:     make(map[string]*core.Lead),
		campaigns: make(map[string]*core.CampaignStats),
		counted:   make(map[string]struct{}),
		logger:    logger,
	}
}

// GetAccount retrieves an account by id
func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*core.SenderAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, core.ErrNotFound)
	}
	return cloneAccount(a), nil
}

// ListAccounts returns the accounts matching filter, oldest first
func (s *MemoryStore) ListAccounts(ctx context.Context, filter core.AccountFilter) ([]*core.SenderAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.SenderAccount
	for _, a := range s.accounts {
		if filter.OwnerID != "" && a.OwnerID != filter.OwnerID {
			continue
		}
		if filter.WarmupStatus != "" && a.WarmupStatus != filter.WarmupStatus {
			continue
		}
		if filter.ActiveOnly && !a.IsActive {
			continue
		}
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateAccount stores a new account
func (s *MemoryStore) CreateAccount(ctx context.Context, account *core.SenderAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("account %s already exists", account.ID)
	}
	a := cloneAccount(account)
	if a.WarmupStatus == "" {
		a.WarmupStatus = core.WarmupNotStarted
	}
	s.accounts[a.ID] = a
	return nil
}

// UpdateWarmupState stores the lifecycle fields of an account
func (s *MemoryStore) UpdateWarmupState(ctx context.Context, id string, state core.WarmupState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, core.ErrNotFound)
	}
	a.WarmupStatus = state.Status
	a.WarmupSettings = cloneSettings(state.Settings)
	a.WarmupStartedAt = cloneTime(state.StartedAt)
	a.PauseReason = state.PauseReason
	return nil
}

// UpdateReputation stores a reputation score
func (s *MemoryStore) UpdateReputation(ctx context.Context, id string, score int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, core.ErrNotFound)
	}
	a.Reputation = score
	a.ReputationAt = &at
	return nil
}

// IncrementSentToday bumps the daily counter, resetting it on a new day
func (s *MemoryStore) IncrementSentToday(ctx context.Context, id string, today string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return 0, fmt.Errorf("account %s: %w", id, core.ErrNotFound)
	}
	if a.LastResetDate != today {
		a.EmailsSentToday = 0
		a.LastResetDate = today
	}
	if a.DailyLimit > 0 && a.EmailsSentToday >= a.DailyLimit {
		return a.EmailsSentToday, fmt.Errorf("account %s: %w", id, core.ErrRateLimitExceeded)
	}
	a.EmailsSentToday++
	return a.EmailsSentToday, nil
}

// ReleaseSentToday gives back a slot taken today
func (s *MemoryStore) ReleaseSentToday(ctx context.Context, id string, today string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, core.ErrNotFound)
	}
	if a.LastResetDate == today && a.EmailsSentToday > 0 {
		a.EmailsSentToday--
	}
	return nil
}

// ResetDailyCounters zeroes counters not reset today
func (s *MemoryStore) ResetDailyCounters(ctx context.Context, today string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, a := range s.accounts {
		if a.LastResetDate == today {
			continue
		}
		a.EmailsSentToday = 0
		a.LastResetDate = today
		n++
	}
	return n, nil
}

// InsertOutbound appends a ledger entry
func (s *MemoryStore) InsertOutbound(ctx context.Context, entry *core.OutboundLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.outbound[entry.ID]; exists {
		return fmt.Errorf("outbound entry %s already exists", entry.ID)
	}
	e := *entry
	s.outbound[e.ID] = &e
	return nil
}

// FindOutboundByProviderIDs returns entries of an account sent with one of the given ids
func (s *MemoryStore) FindOutboundByProviderIDs(ctx context.Context, accountID string, providerIDs []string) ([]*core.OutboundLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(providerIDs))
	for _, id := range providerIDs {
		wanted[id] = true
	}

	var out []*core.OutboundLogEntry
	for _, e := range s.outbound {
		if e.AccountID == accountID && e.ProviderMessageID != "" && wanted[e.ProviderMessageID] {
			c := *e
			out = append(out, &c)
		}
	}
	sortEntries(out)
	return out, nil
}

// FindLatestOutboundTo returns the newest non-failed entry of an account sent to address
func (s *MemoryStore) FindLatestOutboundTo(ctx context.Context, accountID, address string) (*core.OutboundLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	address = strings.ToLower(address)
	var latest *core.OutboundLogEntry
	for _, e := range s.outbound {
		if e.AccountID != accountID || e.ToAddress != address || e.Status == core.OutboundFailed {
			continue
		}
		if latest == nil || e.SentAt.After(latest.SentAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("outbound entry to %s: %w", address, core.ErrNotFound)
	}
	c := *latest
	return &c, nil
}

// FindOutboundByTrackingID returns the entry carrying a tracking id
func (s *MemoryStore) FindOutboundByTrackingID(ctx context.Context, trackingID string) (*core.OutboundLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if trackingID != "" {
		for _, e := range s.outbound {
			if e.TrackingID == trackingID {
				c := *e
				return &c, nil
			}
		}
	}
	return nil, fmt.Errorf("tracking id %s: %w", trackingID, core.ErrNotFound)
}

// ListOutbound returns ledger entries, newest first
func (s *MemoryStore) ListOutbound(ctx context.Context, filter core.OutboundFilter) ([]*core.OutboundLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.OutboundLogEntry
	for _, e := range s.outbound {
		if filter.AccountID != "" && e.AccountID != filter.AccountID {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sortEntries(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AdvanceOutbound moves an entry forward in the funnel
func (s *MemoryStore) AdvanceOutbound(ctx context.Context, id string, to core.OutboundStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbound[id]
	if !ok {
		return false, fmt.Errorf("outbound entry %s: %w", id, core.ErrNotFound)
	}
	if !e.Status.CanAdvanceTo(to) {
		return false, nil
	}
	e.Status = to
	switch to {
	case core.OutboundOpened:
		e.OpenedAt = &at
	case core.OutboundClicked:
		e.ClickedAt = &at
	case core.OutboundReplied:
		e.RepliedAt = &at
	case core.OutboundBounced:
		e.BouncedAt = &at
	}
	return true, nil
}

// InsertWarmup appends a warmup message
func (s *MemoryStore) InsertWarmup(ctx context.Context, msg *core.WarmupMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.warmup[msg.ID]; exists {
		return fmt.Errorf("warmup message %s already exists", msg.ID)
	}
	m := *msg
	s.warmup[m.ID] = &m
	return nil
}

// FindWarmup retrieves a warmup message by id
func (s *MemoryStore) FindWarmup(ctx context.Context, id string) (*core.WarmupMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.warmup[id]
	if !ok {
		return nil, fmt.Errorf("warmup message %s: %w", id, core.ErrNotFound)
	}
	c := *m
	return &c, nil
}

// FindWarmupByProviderID retrieves a warmup message by its provider message id
func (s *MemoryStore) FindWarmupByProviderID(ctx context.Context, providerID string) (*core.WarmupMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if providerID != "" {
		for _, m := range s.warmup {
			if m.ProviderMessageID == providerID {
				c := *m
				return &c, nil
			}
		}
	}
	return nil, fmt.Errorf("warmup message with provider id %s: %w", providerID, core.ErrNotFound)
}

// AdvanceWarmup moves a warmup message to a later placement state
func (s *MemoryStore) AdvanceWarmup(ctx context.Context, id string, to core.WarmupMessageStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.warmup[id]
	if !ok {
		return false, fmt.Errorf("warmup message %s: %w", id, core.ErrNotFound)
	}
	if !m.Status.CanAdvanceTo(to) {
		return false, nil
	}
	m.Status = to
	switch to {
	case core.WarmupOpened:
		m.OpenedAt = &at
	case core.WarmupReplied:
		m.RepliedAt = &at
	case core.WarmupSpam:
		m.SpamAt = &at
	}
	return true, nil
}

// CountWarmupSentSince counts warmup messages sent by an account since a time
func (s *MemoryStore) CountWarmupSentSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.warmup {
		if m.FromAccountID == accountID && !m.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// FirstWarmupSentAt returns when an account sent its first warmup message
func (s *MemoryStore) FirstWarmupSentAt(ctx context.Context, accountID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var first *time.Time
	for _, m := range s.warmup {
		if m.FromAccountID != accountID {
			continue
		}
		if first == nil || m.SentAt.Before(*first) {
			t := m.SentAt
			first = &t
		}
	}
	return first, nil
}

// WarmupStats aggregates the warmup messages sent by an account since a time
func (s *MemoryStore) WarmupStats(ctx context.Context, accountID string, since time.Time) (core.WarmupStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats core.WarmupStats
	for _, m := range s.warmup {
		if m.FromAccountID != accountID || m.SentAt.Before(since) {
			continue
		}
		stats.Sent++
		if m.OpenedAt != nil || m.RepliedAt != nil {
			stats.Opened++
		}
		if m.RepliedAt != nil {
			stats.Replied++
		}
		if m.SpamAt != nil {
			stats.Spam++
		}
	}
	return stats, nil
}

// HasInbound reports whether a remote message was already applied
func (s *MemoryStore) HasInbound(ctx context.Context, accountID, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.inbound[inboundKey(accountID, messageID)]
	return ok, nil
}

// RecordInbound remembers an applied remote message
func (s *MemoryStore) RecordInbound(ctx context.Context, accountID, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inboundKey(accountID, messageID)
	if _, ok := s.inbound[key]; !ok {
		s.inbound[key] = at
	}
	return nil
}

// GetCursor retrieves the sync cursor of an account
func (s *MemoryStore) GetCursor(ctx context.Context, accountID string) (*core.InboxSyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cursors[accountID]
	if !ok {
		return nil, fmt.Errorf("sync cursor %s: %w", accountID, core.ErrNotFound)
	}
	return cloneCursor(c), nil
}

// TryBeginSync moves the cursor to syncing unless a fresh sync holds it
func (s *MemoryStore) TryBeginSync(ctx context.Context, accountID string, now time.Time, staleAfter time.Duration) (*core.InboxSyncCursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cursorLocked(accountID)
	if c.SyncStatus == core.SyncSyncing && !isStale(c.SyncStartedAt, now, staleAfter) {
		return cloneCursor(c), false, nil
	}
	if c.SyncStatus == core.SyncSyncing {
		s.logger.Warn("Taking over stale sync", zap.String("account_id", accountID))
	}
	c.SyncStatus = core.SyncSyncing
	c.SyncStartedAt = &now
	return cloneCursor(c), true, nil
}

// SaveCursor stores sync progress. The spam placement count is left alone.
func (s *MemoryStore) SaveCursor(ctx context.Context, cursor *core.InboxSyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cursorLocked(cursor.AccountID)
	spam := c.SpamPlacementCount
	*c = *cloneCursor(cursor)
	c.SpamPlacementCount = spam
	return nil
}

// IncrementSpamPlacement counts the spam placement of one warmup message
func (s *MemoryStore) IncrementSpamPlacement(ctx context.Context, accountID, warmupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.countOnceLocked(accountID, "spam", warmupID) {
		return false, nil
	}
	s.cursorLocked(accountID).SpamPlacementCount++
	return true, nil
}

func (s *MemoryStore) cursorLocked(accountID string) *core.InboxSyncCursor {
	c, ok := s.cursors[accountID]
	if !ok {
		c = &core.InboxSyncCursor{AccountID: accountID, SyncStatus: core.SyncIdle}
		s.cursors[accountID] = c
	}
	return c
}

// CreateLead stores a lead
func (s *MemoryStore) CreateLead(ctx context.Context, lead *core.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := *lead
	l.Email = strings.ToLower(l.Email)
	if l.Status == "" {
		l.Status = core.LeadNew
	}
	s.leads[l.ID] = &l
	return nil
}

// GetLead retrieves a lead by id
func (s *MemoryStore) GetLead(ctx context.Context, id string) (*core.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.leads[id]
	if !ok {
		return nil, fmt.Errorf("lead %s: %w", id, core.ErrNotFound)
	}
	c := *l
	return &c, nil
}

// FindLeadByEmail returns the most recently updated lead of an owner with the given address
func (s *MemoryStore) FindLeadByEmail(ctx context.Context, ownerID, email string) (*core.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.ToLower(email)
	var found *core.Lead
	for _, l := range s.leads {
		if l.OwnerID != ownerID || l.Email != email {
			continue
		}
		if found == nil || l.UpdatedAt.After(found.UpdatedAt) {
			found = l
		}
	}
	if found == nil {
		return nil, fmt.Errorf("lead %s: %w", email, core.ErrNotFound)
	}
	c := *found
	return &c, nil
}

// UpdateLeadStatus moves a lead forward
func (s *MemoryStore) UpdateLeadStatus(ctx context.Context, id string, status core.LeadStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leads[id]
	if !ok {
		return false, fmt.Errorf("lead %s: %w", id, core.ErrNotFound)
	}
	if !l.Status.CanAdvanceTo(status) {
		return false, nil
	}
	l.Status = status
	l.UpdatedAt = at
	return true, nil
}

// IncrementLeadBounce counts one bounce for a lead
func (s *MemoryStore) IncrementLeadBounce(ctx context.Context, id, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leads[id]
	if !ok {
		return false, fmt.Errorf("lead %s: %w", id, core.ErrNotFound)
	}
	if !s.countOnceLocked(id, "bounce", sourceID) {
		return false, nil
	}
	l.BounceCount++
	return true, nil
}

// IncrementCounter bumps an aggregate counter of a campaign
func (s *MemoryStore) IncrementCounter(ctx context.Context, campaignID string, counter core.CampaignCounter, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch counter {
	case core.CounterOpened, core.CounterReplied, core.CounterBounced:
	default:
		return false, fmt.Errorf("unknown campaign counter %q", counter)
	}
	if !s.countOnceLocked(campaignID, string(counter), sourceID) {
		return false, nil
	}

	c, ok := s.campaigns[campaignID]
	if !ok {
		c = &core.CampaignStats{CampaignID: campaignID}
		s.campaigns[campaignID] = c
	}
	switch counter {
	case core.CounterOpened:
		c.Opened++
	case core.CounterReplied:
		c.Replied++
	case core.CounterBounced:
		c.Bounced++
	}
	return true, nil
}

// countOnceLocked records sourceID against a counter of target. Returns false
// when it was already recorded.
func (s *MemoryStore) countOnceLocked(target, counter, sourceID string) bool {
	key := target + "\x00" + counter + "\x00" + sourceID
	if _, ok := s.counted[key]; ok {
		return false
	}
	s.counted[key] = struct{}{}
	return true
}

// GetCampaignStats returns the aggregate counters of a campaign
func (s *MemoryStore) GetCampaignStats(ctx context.Context, campaignID string) (*core.CampaignStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, core.ErrNotFound)
	}
	stats := *c
	return &stats, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

func inboundKey(accountID, messageID string) string {
	return accountID + "\x00" + core.NormalizeMessageID(messageID)
}

func isStale(startedAt *time.Time, now time.Time, staleAfter time.Duration) bool {
	if startedAt == nil {
		return true
	}
	return staleAfter > 0 && now.Sub(*startedAt) >= staleAfter
}

func sortEntries(entries []*core.OutboundLogEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SentAt.After(entries[j].SentAt)
	})
}

func cloneAccount(a *core.SenderAccount) *core.SenderAccount {
	c := *a
	c.WarmupSettings = cloneSettings(a.WarmupSettings)
	c.WarmupStartedAt = cloneTime(a.WarmupStartedAt)
	c.ReputationAt = cloneTime(a.ReputationAt)
	return &c
}

func cloneSettings(s *core.WarmupSettings) *core.WarmupSettings {
	if s == nil {
		return nil
	}
	c := s.Clone()
	return &c
}

func cloneCursor(c *core.InboxSyncCursor) *core.InboxSyncCursor {
	out := *c
	out.LastSyncAt = cloneTime(c.LastSyncAt)
	out.SyncStartedAt = cloneTime(c.SyncStartedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

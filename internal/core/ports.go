package core

import (
	"context"
	"time"
)

// AccountRepository gives the core narrow access to sender accounts
type AccountRepository interface {
	GetAccount(ctx context.Context, id string) (*SenderAccount, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]*SenderAccount, error)

	// CreateAccount stores a provisioned account
	CreateAccount(ctx context.Context, account *SenderAccount) error

	// UpdateWarmupState persists the lifecycle-owned fields of an account
	UpdateWarmupState(ctx context.Context, id string, state WarmupState) error

	// UpdateReputation stores a freshly computed score
	UpdateReputation(ctx context.Context, id string, score int, at time.Time) error

	// IncrementSentToday atomically bumps the daily counter, resetting it first
	// when the stored reset date is not today. A counter already at a positive
	// daily limit is left alone and ErrRateLimitExceeded is returned.
	// Returns the new count.
	IncrementSentToday(ctx context.Context, id string, today string) (int, error)

	// ReleaseSentToday gives back a slot taken today by a send that failed
	ReleaseSentToday(ctx context.Context, id string, today string) error

	// ResetDailyCounters zeroes every counter whose reset date is not today
	ResetDailyCounters(ctx context.Context, today string) (int64, error)
}

// OutboundLedger is the sent-email log
type OutboundLedger interface {
	InsertOutbound(ctx context.Context, entry *OutboundLogEntry) error
	FindOutboundByProviderIDs(ctx context.Context, accountID string, providerIDs []string) ([]*OutboundLogEntry, error)
	FindLatestOutboundTo(ctx context.Context, accountID, address string) (*OutboundLogEntry, error)
	FindOutboundByTrackingID(ctx context.Context, trackingID string) (*OutboundLogEntry, error)
	ListOutbound(ctx context.Context, filter OutboundFilter) ([]*OutboundLogEntry, error)

	// AdvanceOutbound moves an entry forward in the funnel, stamping the
	// matching timestamp. Returns false when the move is not allowed.
	AdvanceOutbound(ctx context.Context, id string, to OutboundStatus, at time.Time) (bool, error)
}

// WarmupLedger is the warmup-message log
type WarmupLedger interface {
	InsertWarmup(ctx context.Context, msg *WarmupMessage) error
	FindWarmup(ctx context.Context, id string) (*WarmupMessage, error)
	FindWarmupByProviderID(ctx context.Context, providerID string) (*WarmupMessage, error)
	AdvanceWarmup(ctx context.Context, id string, to WarmupMessageStatus, at time.Time) (bool, error)
	CountWarmupSentSince(ctx context.Context, accountID string, since time.Time) (int, error)
	FirstWarmupSentAt(ctx context.Context, accountID string) (*time.Time, error)
	WarmupStats(ctx context.Context, accountID string, since time.Time) (WarmupStats, error)
}

// InboundLedger remembers which remote messages were already applied
type InboundLedger interface {
	HasInbound(ctx context.Context, accountID, messageID string) (bool, error)
	RecordInbound(ctx context.Context, accountID, messageID string, at time.Time) error
}

// MessageLedger is the durable audit trail of the engine
type MessageLedger interface {
	OutboundLedger
	WarmupLedger
	InboundLedger
}

// CursorRepository stores per-account inbox sync cursors
type CursorRepository interface {
	GetCursor(ctx context.Context, accountID string) (*InboxSyncCursor, error)

	// TryBeginSync atomically moves the cursor to syncing, creating it on first
	// use. A syncing cursor older than staleAfter may be taken over.
	TryBeginSync(ctx context.Context, accountID string, now time.Time, staleAfter time.Duration) (*InboxSyncCursor, bool, error)

	SaveCursor(ctx context.Context, cursor *InboxSyncCursor) error

	// IncrementSpamPlacement counts the spam placement of one warmup message.
	// Returns false when warmupID was already counted.
	IncrementSpamPlacement(ctx context.Context, accountID, warmupID string) (bool, error)
}

// LeadRepository gives the core narrow access to external leads
type LeadRepository interface {
	GetLead(ctx context.Context, id string) (*Lead, error)
	FindLeadByEmail(ctx context.Context, ownerID, email string) (*Lead, error)

	// UpdateLeadStatus moves a lead forward; returns false if it would go backwards
	UpdateLeadStatus(ctx context.Context, id string, status LeadStatus, at time.Time) (bool, error)

	// IncrementLeadBounce counts one bounce for a lead, at most once per
	// sourceID. Returns false when sourceID was already counted.
	IncrementLeadBounce(ctx context.Context, id, sourceID string) (bool, error)
}

// CampaignRepository gives the core narrow access to campaign aggregates
type CampaignRepository interface {
	// IncrementCounter bumps a campaign counter, at most once per counter and
	// sourceID. Returns false when sourceID was already counted.
	IncrementCounter(ctx context.Context, campaignID string, counter CampaignCounter, sourceID string) (bool, error)
	GetCampaignStats(ctx context.Context, campaignID string) (*CampaignStats, error)
}

// Store is implemented by storage backends providing every repository
type Store interface {
	AccountRepository
	MessageLedger
	CursorRepository
	LeadRepository
	CampaignRepository
}

// Repositories bundles the repositories the engine services depend on
type Repositories struct {
	Accounts  AccountRepository
	Ledger    MessageLedger
	Cursors   CursorRepository
	Leads     LeadRepository
	Campaigns CampaignRepository
}

// NewRepositories exposes a single store through every repository interface
func NewRepositories(s Store) Repositories {
	return Repositories{
		Accounts:  s,
		Ledger:    s,
		Cursors:   s,
		Leads:     s,
		Campaigns: s,
	}
}

// OutgoingMail is a fully composed message handed to the transport
type OutgoingMail struct {
	From    string
	To      string
	Subject string
	HTML    string
	Headers map[string]string
}

// MailSender is the outbound half of the mail transport
type MailSender interface {
	// Send delivers the message and returns the provider message id
	Send(ctx context.Context, creds Credentials, mail *OutgoingMail) (string, error)
}

// Mailbox is the retrieval half of the mail transport
type Mailbox interface {
	Open(ctx context.Context, creds Credentials) (MailboxSession, error)
}

// MailboxSession is an authenticated connection to a remote mailbox
type MailboxSession interface {
	// Select opens a folder and returns its UIDVALIDITY
	Select(ctx context.Context, folder string) (uint32, error)

	// FetchAfter lists messages of the selected folder with a UID greater than
	// afterUID (or received since the given time when afterUID is zero), in
	// increasing UID order, at most limit of them
	FetchAfter(ctx context.Context, afterUID uint32, since time.Time, limit int) ([]*InboundMessage, error)

	MarkSeen(ctx context.Context, uid uint32) error
	Move(ctx context.Context, uid uint32, dest string) error
	Close() error
}

// DomainVerifier checks the DNS setup of a sending domain
type DomainVerifier interface {
	VerifyDomain(ctx context.Context, domain string) (*DomainCheck, error)
}

// MessageKind is the classification outcome for an inbound message
type MessageKind string

const (
	MessageReply         MessageKind = "reply"
	MessageBounce        MessageKind = "bounce"
	MessageSpamPlacement MessageKind = "spam-placement"
	MessageWarmup        MessageKind = "warmup"
	MessageOrdinary      MessageKind = "ordinary"
)

// ClassifyInput is everything a classifier may look at for one message
type ClassifyInput struct {
	Message *InboundMessage

	// InSpamFolder is set when the message was found in the spam folder
	InSpamFolder bool

	// Originals are ledger entries of this account referenced by the message
	Originals []*OutboundLogEntry
}

// Classification is the verdict of a MessageClassifier
type Classification struct {
	Kind           MessageKind
	BouncedAddress string
	WarmupID       string
}

// MessageClassifier decides what an inbound message means for the engine
type MessageClassifier interface {
	Classify(ctx context.Context, in ClassifyInput) (Classification, error)
}

// Intent values returned by reply analyzers
const (
	IntentInterested    = "interested"
	IntentNotInterested = "not_interested"
	IntentUnsubscribe   = "unsubscribe"
	IntentNeutral       = "neutral"
)

// ReplyIntent is the analyzed intent of a campaign reply
type ReplyIntent struct {
	Intent      string
	Confidence  float64
	Explanation string
	ModelUsed   string
	AnalyzedAt  time.Time
}

// ReplyAnalyzer classifies the intent of a lead's reply
type ReplyAnalyzer interface {
	AnalyzeReply(ctx context.Context, msg *InboundMessage) (*ReplyIntent, error)
}

// SuppressionList holds recipients that must not be contacted by campaigns
type SuppressionList interface {
	IsSuppressed(address string) bool
	Add(address string)
}

// ContentGenerator composes warmup message content
type ContentGenerator interface {
	Compose(from, to *SenderAccount) (subject, body string)
	ComposeReply(from *SenderAccount, parent *WarmupMessage) (subject, body string)
}

// Clock supplies the current time in the engine's timezone
type Clock interface {
	Now() time.Time
}

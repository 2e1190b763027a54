package core

import (
	"fmt"
	"strings"
	"time"
)

// WarmupStatus is the lifecycle state of an account's warmup
type WarmupStatus string

const (
	WarmupNotStarted WarmupStatus = "not-started"
	WarmupInProgress WarmupStatus = "in-progress"
	WarmupPaused     WarmupStatus = "paused"
)

// TimeOfDay is a wall-clock time in HH:MM form
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses an "HH:MM" string
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustTimeOfDay parses an "HH:MM" string and panics on error
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// On returns this time of day on the calendar date of day, in day's location
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MarshalText implements encoding.TextMarshaler
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// WarmupSettings controls volume, pacing and behaviour of an account's warmup
type WarmupSettings struct {
	Enabled           bool           `json:"enabled"`
	DailyStartVolume  int            `json:"daily_start_volume"`
	MaxDailyVolume    int            `json:"max_daily_volume"`
	RampUpDays        int            `json:"ramp_up_days"`
	ThrottlePerHour   int            `json:"throttle_per_hour"`
	WorkingDays       []time.Weekday `json:"working_days"`
	WorkStart         TimeOfDay      `json:"work_start"`
	WorkEnd           TimeOfDay      `json:"work_end"`
	AutoReply         bool           `json:"auto_reply"`
	AutoArchive       bool           `json:"auto_archive"`
	ReplyDelayMinutes int            `json:"reply_delay_minutes"`
	MaxThreadLength   int            `json:"max_thread_length"`
	WarmupWindowStart TimeOfDay      `json:"warmup_window_start"`
	WarmupWindowEnd   TimeOfDay      `json:"warmup_window_end"`
}

// IsWorkingDay reports whether warmup sends are allowed on the given weekday
func (s WarmupSettings) IsWorkingDay(day time.Weekday) bool {
	for _, d := range s.WorkingDays {
		if d == day {
			return true
		}
	}
	return false
}

// InWindow reports whether now lies inside the warmup window of its calendar day
func (s WarmupSettings) InWindow(now time.Time) bool {
	start := s.WarmupWindowStart.On(now)
	end := s.WarmupWindowEnd.On(now)
	return !now.Before(start) && !now.After(end)
}

// Validate checks the settings for internally inconsistent values
func (s WarmupSettings) Validate() error {
	switch {
	case s.DailyStartVolume < 0:
		return fmt.Errorf("daily start volume must not be negative")
	case s.MaxDailyVolume < s.DailyStartVolume:
		return fmt.Errorf("max daily volume %d is below start volume %d", s.MaxDailyVolume, s.DailyStartVolume)
	case s.RampUpDays < 0:
		return fmt.Errorf("ramp-up days must not be negative")
	case s.ThrottlePerHour <= 0:
		return fmt.Errorf("throttle per hour must be positive")
	}
	return nil
}

// Clone returns a deep copy of the settings
func (s WarmupSettings) Clone() WarmupSettings {
	out := s
	out.WorkingDays = append([]time.Weekday(nil), s.WorkingDays...)
	return out
}

// ParseWeekday maps "mon", "monday" and the like onto a time.Weekday
func ParseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if key == name || key == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// Credentials holds the transport settings of a sender mailbox
type Credentials struct {
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseTLS   bool   `json:"use_tls"`
}

// SenderAccount is a mailbox identity that sends warmup and campaign mail
type SenderAccount struct {
	ID              string
	OwnerID         string
	Address         string
	Credentials     Credentials
	IsActive        bool
	DailyLimit      int
	EmailsSentToday int
	LastResetDate   string
	Reputation      int
	ReputationAt    *time.Time
	WarmupStatus    WarmupStatus
	WarmupSettings  *WarmupSettings
	WarmupStartedAt *time.Time
	PauseReason     string
	CreatedAt       time.Time
}

// Domain returns the domain part of the account address
func (a *SenderAccount) Domain() string {
	return DomainOf(a.Address)
}

// SentToday returns the daily counter as of the given calendar day
func (a *SenderAccount) SentToday(today string) int {
	if a.LastResetDate != today {
		return 0
	}
	return a.EmailsSentToday
}

// WarmupState is the subset of account fields owned by the lifecycle
type WarmupState struct {
	Status      WarmupStatus
	Settings    *WarmupSettings
	StartedAt   *time.Time
	PauseReason string
}

// AccountFilter narrows account listings
type AccountFilter struct {
	OwnerID      string
	WarmupStatus WarmupStatus
	ActiveOnly   bool
}

// WarmupMessageStatus is the placement/engagement state of a warmup message
type WarmupMessageStatus string

const (
	WarmupSent    WarmupMessageStatus = "sent"
	WarmupOpened  WarmupMessageStatus = "opened"
	WarmupReplied WarmupMessageStatus = "replied"
	WarmupSpam    WarmupMessageStatus = "spam"
)

// CanAdvanceTo reports whether a warmup message may move from s to next
func (s WarmupMessageStatus) CanAdvanceTo(next WarmupMessageStatus) bool {
	switch next {
	case WarmupOpened, WarmupSpam:
		return s == WarmupSent
	case WarmupReplied:
		return s == WarmupSent || s == WarmupOpened || s == WarmupSpam
	}
	return false
}

// WarmupPredecessors lists the statuses from which next is reachable
func WarmupPredecessors(next WarmupMessageStatus) []WarmupMessageStatus {
	var out []WarmupMessageStatus
	for _, s := range []WarmupMessageStatus{WarmupSent, WarmupOpened, WarmupReplied, WarmupSpam} {
		if s.CanAdvanceTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// WarmupMessage is a message exchanged between two accounts of the same owner
type WarmupMessage struct {
	ID                string
	OwnerID           string
	FromAccountID     string
	ToAccountID       string
	Subject           string
	Body              string
	SentAt            time.Time
	Status            WarmupMessageStatus
	IsReply           bool
	ParentMessageID   string
	ThreadID          string
	Depth             int
	ProviderMessageID string
	OpenedAt          *time.Time
	RepliedAt         *time.Time
	SpamAt            *time.Time
}

// WarmupStats aggregates warmup messages sent by one account. A message
// counts as spam once it was seen in a spam folder, even after a later reply.
type WarmupStats struct {
	Sent    int
	Opened  int
	Replied int
	Spam    int
}

// OutboundKind distinguishes the purpose of an outbound send
type OutboundKind string

const (
	KindCampaign OutboundKind = "campaign"
	KindWarmup   OutboundKind = "warmup"
	KindReply    OutboundKind = "reply"
)

// OutboundStatus is the delivery funnel position of an outbound send
type OutboundStatus string

const (
	OutboundSent      OutboundStatus = "sent"
	OutboundDelivered OutboundStatus = "delivered"
	OutboundOpened    OutboundStatus = "opened"
	OutboundClicked   OutboundStatus = "clicked"
	OutboundReplied   OutboundStatus = "replied"
	OutboundBounced   OutboundStatus = "bounced"
	OutboundFailed    OutboundStatus = "failed"
)

var funnelRank = map[OutboundStatus]int{
	OutboundSent:      1,
	OutboundDelivered: 2,
	OutboundOpened:    3,
	OutboundClicked:   4,
	OutboundReplied:   5,
}

// CanAdvanceTo reports whether an outbound entry may move from s to next.
// Failed and bounced are terminal; bounced is reachable from any other state.
func (s OutboundStatus) CanAdvanceTo(next OutboundStatus) bool {
	if s == OutboundFailed || s == OutboundBounced {
		return false
	}
	if next == OutboundBounced {
		return true
	}
	from, ok1 := funnelRank[s]
	to, ok2 := funnelRank[next]
	return ok1 && ok2 && to > from
}

// OutboundPredecessors lists the statuses from which next is reachable
func OutboundPredecessors(next OutboundStatus) []OutboundStatus {
	var out []OutboundStatus
	for _, s := range []OutboundStatus{OutboundSent, OutboundDelivered, OutboundOpened, OutboundClicked, OutboundReplied} {
		if s.CanAdvanceTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// OutboundLogEntry is the audit row written for every send attempt
type OutboundLogEntry struct {
	ID                string
	OwnerID           string
	CampaignID        string
	LeadID            string
	AccountID         string
	Kind              OutboundKind
	ToAddress         string
	Subject           string
	Status            OutboundStatus
	ErrorMessage      string
	SentAt            time.Time
	OpenedAt          *time.Time
	ClickedAt         *time.Time
	RepliedAt         *time.Time
	BouncedAt         *time.Time
	ProviderMessageID string
	TrackingID        string
}

// OutboundFilter narrows ledger listings
type OutboundFilter struct {
	AccountID string
	Kind      OutboundKind
	Limit     int
}

// SyncStatus is the state of an account's inbox sync
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// InboxSyncCursor tracks inbox sync progress for one account
type InboxSyncCursor struct {
	AccountID           string
	LastProcessedCursor uint32
	CursorValidity      uint32
	SpamCursor          uint32
	SpamCursorValidity  uint32
	LastSyncAt          *time.Time
	SyncStartedAt       *time.Time
	SyncStatus          SyncStatus
	TotalProcessed      int
	TotalRepliesFound   int
	TotalBouncesFound   int
	SpamPlacementCount  int
	LastError           string
}

// LeadStatus is the outreach state of an external lead
type LeadStatus string

const (
	LeadNew          LeadStatus = "new"
	LeadContacted    LeadStatus = "contacted"
	LeadReplied      LeadStatus = "replied"
	LeadInterested   LeadStatus = "interested"
	LeadBounced      LeadStatus = "bounced"
	LeadUnsubscribed LeadStatus = "unsubscribed"
)

var leadRank = map[LeadStatus]int{
	LeadNew:          0,
	LeadContacted:    1,
	LeadReplied:      2,
	LeadInterested:   3,
	LeadBounced:      4,
	LeadUnsubscribed: 4,
}

// CanAdvanceTo reports whether a lead may move forward from s to next
func (s LeadStatus) CanAdvanceTo(next LeadStatus) bool {
	if s == LeadBounced || s == LeadUnsubscribed {
		return false
	}
	from, ok1 := leadRank[s]
	to, ok2 := leadRank[next]
	return ok1 && ok2 && to > from
}

// Lead is an external outreach recipient referenced by campaign sends
type Lead struct {
	ID          string
	OwnerID     string
	CampaignID  string
	Email       string
	Status      LeadStatus
	BounceCount int
	UpdatedAt   time.Time
}

// CampaignCounter names an aggregate counter on a campaign
type CampaignCounter string

const (
	CounterOpened  CampaignCounter = "opened"
	CounterReplied CampaignCounter = "replied"
	CounterBounced CampaignCounter = "bounced"
)

// CampaignStats holds the aggregate counters of a campaign
type CampaignStats struct {
	CampaignID string
	Opened     int
	Replied    int
	Bounced    int
}

// InboundMessage is a message pulled from a remote mailbox
type InboundMessage struct {
	UID        uint32
	MessageID  string
	From       string
	To         []string
	Subject    string
	Date       time.Time
	InReplyTo  string
	References []string
	Headers    map[string]string
	Body       string
}

// Header returns a header value by canonical name
func (m *InboundMessage) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// ThreadIDs returns the message ids this message refers to
func (m *InboundMessage) ThreadIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range append([]string{m.InReplyTo}, m.References...) {
		id = NormalizeMessageID(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// DomainCheck is the result of verifying a sending domain's DNS records
type DomainCheck struct {
	Domain    string    `json:"domain"`
	MXRecords []string  `json:"mx_records"`
	HasMX     bool      `json:"has_mx"`
	HasSPF    bool      `json:"has_spf"`
	HasDMARC  bool      `json:"has_dmarc"`
	CheckedAt time.Time `json:"checked_at"`
}

// DomainOf returns the lower-cased domain of an address, or "" if malformed
func DomainOf(address string) string {
	address = ExtractAddress(address)
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// ExtractAddress strips a display name and angle brackets from an address
func ExtractAddress(s string) string {
	s = strings.TrimSpace(s)
	if lt := strings.LastIndex(s, "<"); lt >= 0 {
		if gt := strings.Index(s[lt:], ">"); gt > 0 {
			s = s[lt+1 : lt+gt]
		}
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeMessageID strips whitespace and angle brackets from a Message-ID
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

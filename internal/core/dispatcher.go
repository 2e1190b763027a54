package core

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Header names used on outbound mail
const (
	HeaderWarmupID        = "X-Warmup-Id"
	HeaderListUnsubscribe = "List-Unsubscribe"
	HeaderInReplyTo       = "In-Reply-To"
	HeaderReferences      = "References"
)

// DispatcherConfig controls headers added by the Dispatcher
type DispatcherConfig struct {
	TrackingEnabled bool
	TrackingBaseURL string
}

// SendRequest describes one outbound message
type SendRequest struct {
	To         string
	Subject    string
	Body       string
	Kind       OutboundKind
	CampaignID string
	LeadID     string

	// InReplyTo and References thread the message under earlier ones
	InReplyTo  string
	References []string

	// Warmup links the send to a peer account; required for warmup sends and
	// replies exchanged between accounts
	Warmup *WarmupLink
}

// WarmupLink carries the warmup bookkeeping of a send
type WarmupLink struct {
	ToAccountID     string
	ParentMessageID string
	ThreadID        string
	Depth           int
}

// SendResult is returned for a successful send
type SendResult struct {
	ProviderMessageID string
	LogEntryID        string
	WarmupMessageID   string
	TrackingID        string
}

// Dispatcher wraps the outbound transport and keeps the audit trail
type Dispatcher struct {
	accounts   AccountRepository
	ledger     MessageLedger
	leads      LeadRepository
	sender     MailSender
	suppressed SuppressionList
	clock      Clock
	logger     *zap.Logger
	cfg        DispatcherConfig
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(
	repos Repositories,
	sender MailSender,
	suppressed SuppressionList,
	clock Clock,
	logger *zap.Logger,
	cfg DispatcherConfig,
) *Dispatcher {
	return &Dispatcher{
		accounts:   repos.Accounts,
		ledger:     repos.Ledger,
		leads:      repos.Leads,
		sender:     sender,
		suppressed: suppressed,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
}

// Send delivers a message from account and records the attempt.
// Transport failures come back as *TransportError; a reached daily cap comes
// back as ErrRateLimitExceeded without touching the ledger.
func (d *Dispatcher) Send(ctx context.Context, account *SenderAccount, req SendRequest) (*SendResult, error) {
	now := d.clock.Now()
	today := DayKey(now)

	current, err := d.accounts.GetAccount(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", account.ID, err)
	}
	if current.DailyLimit > 0 && current.SentToday(today) >= current.DailyLimit {
		return nil, ErrRateLimitExceeded
	}

	entry := &OutboundLogEntry{
		ID:         uuid.NewString(),
		OwnerID:    current.OwnerID,
		CampaignID: req.CampaignID,
		LeadID:     req.LeadID,
		AccountID:  current.ID,
		Kind:       req.Kind,
		ToAddress:  ExtractAddress(req.To),
		Subject:    req.Subject,
		SentAt:     now,
	}

	if req.Kind == KindCampaign {
		if reason := d.blocked(ctx, entry.ToAddress, req.LeadID); reason != "" {
			entry.Status = OutboundFailed
			entry.ErrorMessage = reason
			d.writeLog(ctx, entry)
			return nil, &TransportError{Op: "send", Err: fmt.Errorf("recipient %s: %s", entry.ToAddress, reason)}
		}
	}

	// The slot is taken before the send so concurrent callers cannot overrun the cap
	if _, err := d.accounts.IncrementSentToday(ctx, current.ID, today); err != nil {
		if errors.Is(err, ErrRateLimitExceeded) {
			return nil, ErrRateLimitExceeded
		}
		return nil, fmt.Errorf("failed to reserve daily slot for %s: %w", current.ID, err)
	}

	mail, trackingID, warmupID := d.compose(current, req)
	entry.TrackingID = trackingID

	providerID, sendErr := d.sender.Send(ctx, current.Credentials, mail)
	if sendErr != nil {
		entry.Status = OutboundFailed
		entry.ErrorMessage = sendErr.Error()
		d.writeLog(ctx, entry)

		if err := d.accounts.ReleaseSentToday(ctx, current.ID, today); err != nil {
			d.logger.Warn("Failed to release daily slot",
				zap.String("account_id", current.ID),
				zap.Error(err))
		}

		d.logger.Warn("Send failed",
			zap.String("account_id", current.ID),
			zap.String("to", entry.ToAddress),
			zap.String("kind", string(req.Kind)),
			zap.Error(sendErr))
		return nil, &TransportError{Op: "send", Err: sendErr}
	}

	entry.Status = OutboundSent
	entry.ProviderMessageID = NormalizeMessageID(providerID)
	d.writeLog(ctx, entry)

	result := &SendResult{
		ProviderMessageID: entry.ProviderMessageID,
		LogEntryID:        entry.ID,
		TrackingID:        trackingID,
	}

	if req.Warmup != nil {
		msg := &WarmupMessage{
			ID:                warmupID,
			OwnerID:           current.OwnerID,
			FromAccountID:     current.ID,
			ToAccountID:       req.Warmup.ToAccountID,
			Subject:           req.Subject,
			Body:              req.Body,
			SentAt:            now,
			Status:            WarmupSent,
			IsReply:           req.Warmup.ParentMessageID != "",
			ParentMessageID:   req.Warmup.ParentMessageID,
			ThreadID:          req.Warmup.ThreadID,
			Depth:             req.Warmup.Depth,
			ProviderMessageID: entry.ProviderMessageID,
		}
		if msg.ThreadID == "" {
			msg.ThreadID = msg.ID
		}
		if msg.Depth == 0 {
			msg.Depth = 1
		}
		if err := d.ledger.InsertWarmup(ctx, msg); err != nil {
			d.logger.Warn("Failed to record warmup message",
				zap.String("account_id", current.ID),
				zap.String("warmup_id", msg.ID),
				zap.Error(err))
		}
		result.WarmupMessageID = msg.ID
	}

	d.logger.Debug("Message sent",
		zap.String("account_id", current.ID),
		zap.String("to", entry.ToAddress),
		zap.String("kind", string(req.Kind)),
		zap.String("provider_message_id", entry.ProviderMessageID))

	return result, nil
}

// blocked returns why a campaign recipient must not be mailed, or ""
func (d *Dispatcher) blocked(ctx context.Context, address, leadID string) string {
	if d.suppressed != nil && d.suppressed.IsSuppressed(address) {
		return "recipient is suppressed"
	}
	if leadID == "" || d.leads == nil {
		return ""
	}
	lead, err := d.leads.GetLead(ctx, leadID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.logger.Warn("Failed to load lead",
				zap.String("lead_id", leadID),
				zap.Error(err))
		}
		return ""
	}
	switch lead.Status {
	case LeadUnsubscribed:
		return "lead has unsubscribed"
	case LeadBounced:
		return "lead has bounced"
	}
	return ""
}

// writeLog records an attempt; failures are logged and never surfaced
func (d *Dispatcher) writeLog(ctx context.Context, entry *OutboundLogEntry) {
	if err := d.ledger.InsertOutbound(ctx, entry); err != nil {
		d.logger.Warn("Failed to write outbound log entry",
			zap.String("account_id", entry.AccountID),
			zap.String("status", string(entry.Status)),
			zap.Error(err))
	}
}

// compose builds the wire message and returns it with its tracking and warmup ids
func (d *Dispatcher) compose(account *SenderAccount, req SendRequest) (*OutgoingMail, string, string) {
	headers := map[string]string{
		HeaderListUnsubscribe: listUnsubscribe(account),
	}

	var warmupID string
	if req.Warmup != nil {
		warmupID = uuid.NewString()
		headers[HeaderWarmupID] = warmupID
	}
	if req.InReplyTo != "" {
		headers[HeaderInReplyTo] = "<" + NormalizeMessageID(req.InReplyTo) + ">"
	}
	if len(req.References) > 0 {
		refs := make([]string, 0, len(req.References))
		for _, ref := range req.References {
			if id := NormalizeMessageID(ref); id != "" {
				refs = append(refs, "<"+id+">")
			}
		}
		headers[HeaderReferences] = strings.Join(refs, " ")
	}

	body := req.Body
	var trackingID string
	if req.Kind == KindCampaign && d.cfg.TrackingEnabled && d.cfg.TrackingBaseURL != "" {
		trackingID = uuid.NewString()
		body += trackingPixel(d.cfg.TrackingBaseURL, trackingID)
	}

	return &OutgoingMail{
		From:    account.Address,
		To:      req.To,
		Subject: req.Subject,
		HTML:    body,
		Headers: headers,
	}, trackingID, warmupID
}

// listUnsubscribe derives the List-Unsubscribe value from the sender's domain
func listUnsubscribe(account *SenderAccount) string {
	domain := account.Domain()
	return fmt.Sprintf("<mailto:unsubscribe@%s?subject=unsubscribe>", domain)
}

func trackingPixel(baseURL, trackingID string) string {
	src := strings.TrimRight(baseURL, "/") + "/t/" + trackingID + ".gif"
	return fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`, html.EscapeString(src))
}

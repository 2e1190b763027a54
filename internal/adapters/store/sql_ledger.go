package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/warmup-engine/internal/core"
)

const outboundColumns = `id, owner_id, campaign_id, lead_id, account_id, kind, to_address,
	subject, status, error_message, sent_at, opened_at, clicked_at, replied_at, bounced_at,
	provider_message_id, tracking_id`

const warmupColumns = `id, owner_id, from_account_id, to_account_id, subject, body, sent_at,
	status, is_reply, parent_message_id, thread_id, depth, provider_message_id,
	opened_at, replied_at, spam_at`

func scanOutbound(row rowScanner) (*core.OutboundLogEntry, error) {
	var (
		e                                       core.OutboundLogEntry
		kind, status                            string
		sentAt                                  int64
		openedAt, clickedAt, repliedAt, bounced sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.OwnerID, &e.CampaignID, &e.LeadID, &e.AccountID, &kind, &e.ToAddress,
		&e.Subject, &status, &e.ErrorMessage, &sentAt, &openedAt, &clickedAt, &repliedAt, &bounced,
		&e.ProviderMessageID, &e.TrackingID); err != nil {
		return nil, err
	}
	e.Kind = core.OutboundKind(kind)
	e.Status = core.OutboundStatus(status)
	e.SentAt = fromMillis(sentAt)
	e.OpenedAt = fromNullMillis(openedAt)
	e.ClickedAt = fromNullMillis(clickedAt)
	e.RepliedAt = fromNullMillis(repliedAt)
	e.BouncedAt = fromNullMillis(bounced)
	return &e, nil
}

func scanWarmup(row rowScanner) (*core.WarmupMessage, error) {
	var (
		m                           core.WarmupMessage
		status                      string
		sentAt                      int64
		openedAt, repliedAt, spamAt sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.OwnerID, &m.FromAccountID, &m.ToAccountID, &m.Subject, &m.Body, &sentAt,
		&status, &m.IsReply, &m.ParentMessageID, &m.ThreadID, &m.Depth, &m.ProviderMessageID,
		&openedAt, &repliedAt, &spamAt); err != nil {
		return nil, err
	}
	m.Status = core.WarmupMessageStatus(status)
	m.SentAt = fromMillis(sentAt)
	m.OpenedAt = fromNullMillis(openedAt)
	m.RepliedAt = fromNullMillis(repliedAt)
	m.SpamAt = fromNullMillis(spamAt)
	return &m, nil
}

func (s *SQLStore) queryOutbound(ctx context.Context, q string, args ...any) ([]*core.OutboundLogEntry, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbound log: %w", err)
	}
	defer rows.Close()

	var out []*core.OutboundLogEntry
	for rows.Next() {
		e, err := scanOutbound(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbound entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertOutbound appends a ledger entry
func (s *SQLStore) InsertOutbound(ctx context.Context, e *core.OutboundLogEntry) error {
	_, err := s.exec(ctx, "INSERT INTO outbound_log ("+outboundColumns+") VALUES ("+placeholders(17)+")",
		e.ID, e.OwnerID, e.CampaignID, e.LeadID, e.AccountID, string(e.Kind), strings.ToLower(e.ToAddress),
		e.Subject, string(e.Status), e.ErrorMessage, toMillis(e.SentAt), toNullMillis(e.OpenedAt),
		toNullMillis(e.ClickedAt), toNullMillis(e.RepliedAt), toNullMillis(e.BouncedAt),
		e.ProviderMessageID, e.TrackingID)
	if err != nil {
		return fmt.Errorf("failed to insert outbound entry: %w", err)
	}
	return nil
}

// FindOutboundByProviderIDs returns entries of an account sent with one of the given ids
func (s *SQLStore) FindOutboundByProviderIDs(ctx context.Context, accountID string, providerIDs []string) ([]*core.OutboundLogEntry, error) {
	if len(providerIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(providerIDs)+1)
	args = append(args, accountID)
	for _, id := range providerIDs {
		args = append(args, id)
	}
	return s.queryOutbound(ctx, "SELECT "+outboundColumns+" FROM outbound_log WHERE account_id = ? AND provider_message_id IN ("+
		placeholders(len(providerIDs))+") ORDER BY sent_at DESC", args...)
}

// FindLatestOutboundTo returns the newest non-failed entry of an account sent to address
func (s *SQLStore) FindLatestOutboundTo(ctx context.Context, accountID, address string) (*core.OutboundLogEntry, error) {
	e, err := scanOutbound(s.queryRow(ctx, "SELECT "+outboundColumns+` FROM outbound_log
		WHERE account_id = ? AND to_address = ? AND status <> ?
		ORDER BY sent_at DESC LIMIT 1`, accountID, strings.ToLower(address), string(core.OutboundFailed)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbound entry to %s: %w", address, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outbound entry: %w", err)
	}
	return e, nil
}

// FindOutboundByTrackingID returns the entry carrying a tracking id
func (s *SQLStore) FindOutboundByTrackingID(ctx context.Context, trackingID string) (*core.OutboundLogEntry, error) {
	if trackingID == "" {
		return nil, fmt.Errorf("empty tracking id: %w", core.ErrNotFound)
	}
	e, err := scanOutbound(s.queryRow(ctx, "SELECT "+outboundColumns+" FROM outbound_log WHERE tracking_id = ?", trackingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tracking id %s: %w", trackingID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outbound entry: %w", err)
	}
	return e, nil
}

// ListOutbound returns ledger entries, newest first
func (s *SQLStore) ListOutbound(ctx context.Context, filter core.OutboundFilter) ([]*core.OutboundLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}

	q := "SELECT " + outboundColumns + " FROM outbound_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY sent_at DESC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryOutbound(ctx, q, args...)
}

var outboundStampColumn = map[core.OutboundStatus]string{
	core.OutboundOpened:  "opened_at",
	core.OutboundClicked: "clicked_at",
	core.OutboundReplied: "replied_at",
	core.OutboundBounced: "bounced_at",
}

// AdvanceOutbound moves an entry forward in the funnel. The allowed source
// states are part of the update so that concurrent callers advance it once.
func (s *SQLStore) AdvanceOutbound(ctx context.Context, id string, to core.OutboundStatus, at time.Time) (bool, error) {
	from := core.OutboundPredecessors(to)
	if len(from) == 0 {
		return false, nil
	}

	set := "status = ?"
	args := []any{string(to)}
	if col, ok := outboundStampColumn[to]; ok {
		set += ", " + col + " = ?"
		args = append(args, toMillis(at))
	}
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.exec(ctx, "UPDATE outbound_log SET "+set+" WHERE id = ? AND status IN ("+placeholders(len(from))+")", args...)
	if err != nil {
		return false, fmt.Errorf("failed to advance outbound entry: %w", err)
	}
	return s.advanced(ctx, res, "outbound_log", id)
}

// InsertWarmup appends a warmup message
func (s *SQLStore) InsertWarmup(ctx context.Context, m *core.WarmupMessage) error {
	_, err := s.exec(ctx, "INSERT INTO warmup_messages ("+warmupColumns+") VALUES ("+placeholders(16)+")",
		m.ID, m.OwnerID, m.FromAccountID, m.ToAccountID, m.Subject, m.Body, toMillis(m.SentAt),
		string(m.Status), m.IsReply, m.ParentMessageID, m.ThreadID, m.Depth, m.ProviderMessageID,
		toNullMillis(m.OpenedAt), toNullMillis(m.RepliedAt), toNullMillis(m.SpamAt))
	if err != nil {
		return fmt.Errorf("failed to insert warmup message: %w", err)
	}
	return nil
}

// FindWarmup retrieves a warmup message by id
func (s *SQLStore) FindWarmup(ctx context.Context, id string) (*core.WarmupMessage, error) {
	m, err := scanWarmup(s.queryRow(ctx, "SELECT "+warmupColumns+" FROM warmup_messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("warmup message %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query warmup message: %w", err)
	}
	return m, nil
}

// FindWarmupByProviderID retrieves a warmup message by its provider message id
func (s *SQLStore) FindWarmupByProviderID(ctx context.Context, providerID string) (*core.WarmupMessage, error) {
	if providerID == "" {
		return nil, fmt.Errorf("empty provider id: %w", core.ErrNotFound)
	}
	m, err := scanWarmup(s.queryRow(ctx, "SELECT "+warmupColumns+" FROM warmup_messages WHERE provider_message_id = ?", providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("warmup message with provider id %s: %w", providerID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query warmup message: %w", err)
	}
	return m, nil
}

var warmupStampColumn = map[core.WarmupMessageStatus]string{
	core.WarmupOpened:  "opened_at",
	core.WarmupReplied: "replied_at",
	core.WarmupSpam:    "spam_at",
}

// AdvanceWarmup moves a warmup message to a later placement state
func (s *SQLStore) AdvanceWarmup(ctx context.Context, id string, to core.WarmupMessageStatus, at time.Time) (bool, error) {
	from := core.WarmupPredecessors(to)
	col, ok := warmupStampColumn[to]
	if len(from) == 0 || !ok {
		return false, nil
	}

	args := []any{string(to), toMillis(at), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.exec(ctx, "UPDATE warmup_messages SET status = ?, "+col+" = ? WHERE id = ? AND status IN ("+
		placeholders(len(from))+")", args...)
	if err != nil {
		return false, fmt.Errorf("failed to advance warmup message: %w", err)
	}
	return s.advanced(ctx, res, "warmup_messages", id)
}

// CountWarmupSentSince counts warmup messages sent by an account since a time
func (s *SQLStore) CountWarmupSentSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := s.queryRow(ctx, "SELECT COUNT(*) FROM warmup_messages WHERE from_account_id = ? AND sent_at >= ?",
		accountID, toMillis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count warmup messages: %w", err)
	}
	return n, nil
}

// FirstWarmupSentAt returns when an account sent its first warmup message
func (s *SQLStore) FirstWarmupSentAt(ctx context.Context, accountID string) (*time.Time, error) {
	var first sql.NullInt64
	err := s.queryRow(ctx, "SELECT MIN(sent_at) FROM warmup_messages WHERE from_account_id = ?", accountID).Scan(&first)
	if err != nil {
		return nil, fmt.Errorf("failed to query first warmup message: %w", err)
	}
	return fromNullMillis(first), nil
}

// WarmupStats aggregates the warmup messages sent by an account since a time
func (s *SQLStore) WarmupStats(ctx context.Context, accountID string, since time.Time) (core.WarmupStats, error) {
	var (
		stats                 core.WarmupStats
		opened, replied, spam sql.NullInt64
	)
	sinceMillis := int64(0)
	if !since.IsZero() {
		sinceMillis = toMillis(since)
	}
	err := s.queryRow(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN opened_at IS NOT NULL OR replied_at IS NOT NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN replied_at IS NOT NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN spam_at IS NOT NULL THEN 1 ELSE 0 END)
		FROM warmup_messages
		WHERE from_account_id = ? AND sent_at >= ?
	`, accountID, sinceMillis).Scan(&stats.Sent, &opened, &replied, &spam)
	if err != nil {
		return core.WarmupStats{}, fmt.Errorf("failed to aggregate warmup messages: %w", err)
	}
	stats.Opened = int(opened.Int64)
	stats.Replied = int(replied.Int64)
	stats.Spam = int(spam.Int64)
	return stats, nil
}

// HasInbound reports whether a remote message was already applied
func (s *SQLStore) HasInbound(ctx context.Context, accountID, messageID string) (bool, error) {
	var one int
	err := s.queryRow(ctx, "SELECT 1 FROM inbound_messages WHERE account_id = ? AND message_id = ?",
		accountID, core.NormalizeMessageID(messageID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query inbound ledger: %w", err)
	}
	return true, nil
}

// RecordInbound remembers an applied remote message
func (s *SQLStore) RecordInbound(ctx context.Context, accountID, messageID string, at time.Time) error {
	_, err := s.exec(ctx, s.insertIgnore("inbound_messages", "account_id", "message_id", "processed_at"),
		accountID, core.NormalizeMessageID(messageID), toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to record inbound message: %w", err)
	}
	return nil
}

// advanced reports whether a guarded status update changed its row
func (s *SQLStore) advanced(ctx context.Context, res sql.Result, table, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	found, err := s.exists(ctx, table, "id", id)
	if err != nil {
		return false, fmt.Errorf("failed to check %s row: %w", table, err)
	}
	if !found {
		return false, fmt.Errorf("%s %s: %w", table, id, core.ErrNotFound)
	}
	return false, nil
}

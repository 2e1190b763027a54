package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/warmup-engine/internal/core"
	"go.uber.org/zap"
)

const cursorColumns = `account_id, last_processed_cursor, cursor_validity, spam_cursor,
	spam_cursor_validity, last_sync_at, sync_started_at, sync_status, total_processed,
	total_replies_found, total_bounces_found, spam_placement_count, last_error`

func scanCursor(row rowScanner) (*core.InboxSyncCursor, error) {
	var (
		c                                  core.InboxSyncCursor
		last, validity, spam, spamValidity int64
		lastSync, started                  sql.NullInt64
		status                             string
	)
	if err := row.Scan(&c.AccountID, &last, &validity, &spam, &spamValidity, &lastSync, &started,
		&status, &c.TotalProcessed, &c.TotalRepliesFound, &c.TotalBouncesFound,
		&c.SpamPlacementCount, &c.LastError); err != nil {
		return nil, err
	}
	c.LastProcessedCursor = uint32(last)
	c.CursorValidity = uint32(validity)
	c.SpamCursor = uint32(spam)
	c.SpamCursorValidity = uint32(spamValidity)
	c.LastSyncAt = fromNullMillis(lastSync)
	c.SyncStartedAt = fromNullMillis(started)
	c.SyncStatus = core.SyncStatus(status)
	return &c, nil
}

// GetCursor retrieves the sync cursor of an account
func (s *SQLStore) GetCursor(ctx context.Context, accountID string) (*core.InboxSyncCursor, error) {
	c, err := scanCursor(s.queryRow(ctx, "SELECT "+cursorColumns+" FROM sync_cursors WHERE account_id = ?", accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync cursor %s: %w", accountID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sync cursor: %w", err)
	}
	return c, nil
}

// ensureCursor creates an idle cursor for an account if none exists
func (s *SQLStore) ensureCursor(ctx context.Context, accountID string) error {
	_, err := s.exec(ctx, s.insertIgnore("sync_cursors", strings.Split(compactColumns(cursorColumns), ", ")...),
		accountID, 0, 0, 0, 0, nil, nil, string(core.SyncIdle), 0, 0, 0, 0, "")
	if err != nil {
		return fmt.Errorf("failed to create sync cursor: %w", err)
	}
	return nil
}

// TryBeginSync moves the cursor to syncing unless a fresh sync holds it.
// The check and the claim are one conditional update.
func (s *SQLStore) TryBeginSync(ctx context.Context, accountID string, now time.Time, staleAfter time.Duration) (*core.InboxSyncCursor, bool, error) {
	if err := s.ensureCursor(ctx, accountID); err != nil {
		return nil, false, err
	}

	cond := "sync_status <> ? OR sync_started_at IS NULL"
	args := []any{string(core.SyncSyncing), toMillis(now), accountID, string(core.SyncSyncing)}
	if staleAfter > 0 {
		cond += " OR sync_started_at <= ?"
		args = append(args, toMillis(now.Add(-staleAfter)))
	}

	res, err := s.exec(ctx, "UPDATE sync_cursors SET sync_status = ?, sync_started_at = ? WHERE account_id = ? AND ("+cond+")", args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim sync cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	c, err := s.GetCursor(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return c, false, nil
	}
	return c, true, nil
}

// SaveCursor stores sync progress. The spam placement count is left alone.
func (s *SQLStore) SaveCursor(ctx context.Context, c *core.InboxSyncCursor) error {
	if err := s.ensureCursor(ctx, c.AccountID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `
		UPDATE sync_cursors SET
			last_processed_cursor = ?, cursor_validity = ?, spam_cursor = ?, spam_cursor_validity = ?,
			last_sync_at = ?, sync_started_at = ?, sync_status = ?, total_processed = ?,
			total_replies_found = ?, total_bounces_found = ?, last_error = ?
		WHERE account_id = ?
	`, int64(c.LastProcessedCursor), int64(c.CursorValidity), int64(c.SpamCursor), int64(c.SpamCursorValidity),
		toNullMillis(c.LastSyncAt), toNullMillis(c.SyncStartedAt), string(c.SyncStatus), c.TotalProcessed,
		c.TotalRepliesFound, c.TotalBouncesFound, c.LastError, c.AccountID)
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// IncrementSpamPlacement counts the spam placement of one warmup message
func (s *SQLStore) IncrementSpamPlacement(ctx context.Context, accountID, warmupID string) (bool, error) {
	if err := s.ensureCursor(ctx, accountID); err != nil {
		return false, err
	}
	counted, err := s.incrementOnce(ctx, accountID, "spam", warmupID, countedUpdate{
		query: "UPDATE sync_cursors SET spam_placement_count = spam_placement_count + 1 WHERE account_id = ?",
		args:  []any{accountID},
	})
	if err != nil {
		return false, err
	}
	if counted {
		s.logger.Debug("Counted spam placement", zap.String("account_id", accountID), zap.String("warmup_id", warmupID))
	}
	return counted, nil
}

const leadColumns = "id, owner_id, campaign_id, email, status, bounce_count, updated_at"

func scanLead(row rowScanner) (*core.Lead, error) {
	var (
		l         core.Lead
		status    string
		updatedAt int64
	)
	if err := row.Scan(&l.ID, &l.OwnerID, &l.CampaignID, &l.Email, &status, &l.BounceCount, &updatedAt); err != nil {
		return nil, err
	}
	l.Status = core.LeadStatus(status)
	l.UpdatedAt = fromMillis(updatedAt)
	return &l, nil
}

// CreateLead stores a lead
func (s *SQLStore) CreateLead(ctx context.Context, l *core.Lead) error {
	status := l.Status
	if status == "" {
		status = core.LeadNew
	}
	updatedAt := l.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.exec(ctx, "INSERT INTO leads ("+leadColumns+") VALUES ("+placeholders(7)+")",
		l.ID, l.OwnerID, l.CampaignID, strings.ToLower(l.Email), string(status), l.BounceCount, toMillis(updatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert lead: %w", err)
	}
	return nil
}

// GetLead retrieves a lead by id
func (s *SQLStore) GetLead(ctx context.Context, id string) (*core.Lead, error) {
	l, err := scanLead(s.queryRow(ctx, "SELECT "+leadColumns+" FROM leads WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lead %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lead: %w", err)
	}
	return l, nil
}

// FindLeadByEmail returns the most recently updated lead of an owner with the given address
func (s *SQLStore) FindLeadByEmail(ctx context.Context, ownerID, email string) (*core.Lead, error) {
	l, err := scanLead(s.queryRow(ctx, "SELECT "+leadColumns+` FROM leads
		WHERE owner_id = ? AND email = ? ORDER BY updated_at DESC LIMIT 1`, ownerID, strings.ToLower(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lead %s: %w", email, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lead: %w", err)
	}
	return l, nil
}

// UpdateLeadStatus moves a lead forward. The lead is read and written in one
// transaction so that a concurrent move cannot be overwritten.
func (s *SQLStore) UpdateLeadStatus(ctx context.Context, id string, status core.LeadStatus, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, s.rebind("SELECT status FROM leads WHERE id = ?"), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("lead %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to query lead status: %w", err)
	}
	if !core.LeadStatus(current).CanAdvanceTo(status) {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, s.rebind("UPDATE leads SET status = ?, updated_at = ? WHERE id = ? AND status = ?"),
		string(status), toMillis(at), id, current)
	if err != nil {
		return false, fmt.Errorf("failed to update lead status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lead status: %w", err)
	}
	return n > 0, nil
}

// IncrementLeadBounce counts one bounce for a lead
func (s *SQLStore) IncrementLeadBounce(ctx context.Context, id, sourceID string) (bool, error) {
	found, err := s.exists(ctx, "leads", "id", id)
	if err != nil {
		return false, fmt.Errorf("failed to check lead row: %w", err)
	}
	if !found {
		return false, fmt.Errorf("lead %s: %w", id, core.ErrNotFound)
	}
	return s.incrementOnce(ctx, id, "bounce", sourceID, countedUpdate{
		query: "UPDATE leads SET bounce_count = bounce_count + 1 WHERE id = ?",
		args:  []any{id},
	})
}

var campaignCounterColumn = map[core.CampaignCounter]string{
	core.CounterOpened:  "opened",
	core.CounterReplied: "replied",
	core.CounterBounced: "bounced",
}

// IncrementCounter bumps an aggregate counter of a campaign
func (s *SQLStore) IncrementCounter(ctx context.Context, campaignID string, counter core.CampaignCounter, sourceID string) (bool, error) {
	col, ok := campaignCounterColumn[counter]
	if !ok {
		return false, fmt.Errorf("unknown campaign counter %q", counter)
	}
	return s.incrementOnce(ctx, campaignID, string(counter), sourceID,
		countedUpdate{
			query: s.insertIgnore("campaign_stats", "campaign_id", "opened", "replied", "bounced"),
			args:  []any{campaignID, 0, 0, 0},
		},
		countedUpdate{
			query: "UPDATE campaign_stats SET " + col + " = " + col + " + 1 WHERE campaign_id = ?",
			args:  []any{campaignID},
		})
}

// GetCampaignStats returns the aggregate counters of a campaign
func (s *SQLStore) GetCampaignStats(ctx context.Context, campaignID string) (*core.CampaignStats, error) {
	var c core.CampaignStats
	err := s.queryRow(ctx, "SELECT campaign_id, opened, replied, bounced FROM campaign_stats WHERE campaign_id = ?",
		campaignID).Scan(&c.CampaignID, &c.Opened, &c.Replied, &c.Bounced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign stats: %w", err)
	}
	return &c, nil
}

// compactColumns flattens a multi-line column list
func compactColumns(cols string) string {
	return strings.Join(strings.Fields(cols), " ")
}

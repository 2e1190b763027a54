package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/warmup-engine/internal/core"
)

const accountColumns = `id, owner_id, address, credentials, is_active, daily_limit,
	emails_sent_today, last_reset_date, reputation, reputation_at, warmup_status,
	warmup_settings, warmup_started_at, pause_reason, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*core.SenderAccount, error) {
	var (
		a            core.SenderAccount
		creds        string
		settings     sql.NullString
		status       string
		reputationAt sql.NullInt64
		startedAt    sql.NullInt64
		createdAt    int64
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Address, &creds, &a.IsActive, &a.DailyLimit,
		&a.EmailsSentToday, &a.LastResetDate, &a.Reputation, &reputationAt, &status,
		&settings, &startedAt, &a.PauseReason, &createdAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(creds), &a.Credentials); err != nil {
		return nil, fmt.Errorf("failed to decode credentials of account %s: %w", a.ID, err)
	}
	if settings.Valid && settings.String != "" {
		var ws core.WarmupSettings
		if err := json.Unmarshal([]byte(settings.String), &ws); err != nil {
			return nil, fmt.Errorf("failed to decode warmup settings of account %s: %w", a.ID, err)
		}
		a.WarmupSettings = &ws
	}
	a.WarmupStatus = core.WarmupStatus(status)
	a.ReputationAt = fromNullMillis(reputationAt)
	a.WarmupStartedAt = fromNullMillis(startedAt)
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

func encodeSettings(settings *core.WarmupSettings) (sql.NullString, error) {
	if settings == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode warmup settings: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// GetAccount retrieves an account by id
func (s *SQLStore) GetAccount(ctx context.Context, id string) (*core.SenderAccount, error) {
	a, err := scanAccount(s.queryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	return a, nil
}

// ListAccounts returns the accounts matching filter, oldest first
func (s *SQLStore) ListAccounts(ctx context.Context, filter core.AccountFilter) ([]*core.SenderAccount, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.WarmupStatus != "" {
		where = append(where, "warmup_status = ?")
		args = append(args, string(filter.WarmupStatus))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = ?")
		args = append(args, true)
	}

	q := "SELECT " + accountColumns + " FROM accounts"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*core.SenderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAccount stores a new account
func (s *SQLStore) CreateAccount(ctx context.Context, a *core.SenderAccount) error {
	creds, err := json.Marshal(a.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	settings, err := encodeSettings(a.WarmupSettings)
	if err != nil {
		return err
	}
	status := a.WarmupStatus
	if status == "" {
		status = core.WarmupNotStarted
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.exec(ctx, "INSERT INTO accounts ("+accountColumns+") VALUES ("+placeholders(15)+")",
		a.ID, a.OwnerID, strings.ToLower(a.Address), string(creds), a.IsActive, a.DailyLimit,
		a.EmailsSentToday, a.LastResetDate, a.Reputation, toNullMillis(a.ReputationAt), string(status),
		settings, toNullMillis(a.WarmupStartedAt), a.PauseReason, toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// UpdateWarmupState stores the lifecycle fields of an account
func (s *SQLStore) UpdateWarmupState(ctx context.Context, id string, state core.WarmupState) error {
	settings, err := encodeSettings(state.Settings)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
		UPDATE accounts
		SET warmup_status = ?, warmup_settings = ?, warmup_started_at = ?, pause_reason = ?
		WHERE id = ?
	`, string(state.Status), settings, toNullMillis(state.StartedAt), state.PauseReason, id)
	if err != nil {
		return fmt.Errorf("failed to update warmup state: %w", err)
	}
	return s.requireRow(ctx, res, "accounts", "id", id)
}

// UpdateReputation stores a reputation score
func (s *SQLStore) UpdateReputation(ctx context.Context, id string, score int, at time.Time) error {
	res, err := s.exec(ctx, "UPDATE accounts SET reputation = ?, reputation_at = ? WHERE id = ?",
		score, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to update reputation: %w", err)
	}
	return s.requireRow(ctx, res, "accounts", "id", id)
}

// IncrementSentToday bumps the daily counter, resetting it on a new day.
// The cap check and the bump are one conditional update.
func (s *SQLStore) IncrementSentToday(ctx context.Context, id string, today string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE accounts
		SET emails_sent_today = CASE WHEN last_reset_date = ? THEN emails_sent_today + 1 ELSE 1 END,
			last_reset_date = ?
		WHERE id = ?
			AND (daily_limit <= 0 OR last_reset_date <> ? OR emails_sent_today < daily_limit)
	`), today, today, id, today)
	if err != nil {
		return 0, fmt.Errorf("failed to increment daily counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx, s.rebind("SELECT emails_sent_today FROM accounts WHERE id = ?"), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily counter: %w", err)
	}
	if n == 0 {
		return count, fmt.Errorf("account %s: %w", id, core.ErrRateLimitExceeded)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit daily counter: %w", err)
	}
	return count, nil
}

// ReleaseSentToday gives back a slot taken today
func (s *SQLStore) ReleaseSentToday(ctx context.Context, id string, today string) error {
	_, err := s.exec(ctx, `
		UPDATE accounts SET emails_sent_today = emails_sent_today - 1
		WHERE id = ? AND last_reset_date = ? AND emails_sent_today > 0
	`, id, today)
	if err != nil {
		return fmt.Errorf("failed to release daily counter: %w", err)
	}
	return nil
}

// ResetDailyCounters zeroes counters not reset today
func (s *SQLStore) ResetDailyCounters(ctx context.Context, today string) (int64, error) {
	res, err := s.exec(ctx, `
		UPDATE accounts SET emails_sent_today = 0, last_reset_date = ?
		WHERE last_reset_date <> ?
	`, today, today)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset accounts: %w", err)
	}
	return n, nil
}

// requireRow turns an update that touched no row into ErrNotFound when the row is missing
func (s *SQLStore) requireRow(ctx context.Context, res sql.Result, table, column, id string) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return nil
	}
	// MySQL reports zero affected rows when the values did not change
	found, err := s.exists(ctx, table, column, id)
	if err != nil {
		return fmt.Errorf("failed to check %s row: %w", table, err)
	}
	if !found {
		return fmt.Errorf("%s %s: %w", strings.TrimSuffix(table, "s"), id, core.ErrNotFound)
	}
	return nil
}

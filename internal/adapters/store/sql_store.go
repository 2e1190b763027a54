package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mikey/warmup-engine/internal/core"
	"go.uber.org/zap"
)

// Dialect names a supported SQL backend
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite3", nil
	case DialectMySQL:
		return "mysql", nil
	case DialectPostgres:
		return "pgx", nil
	}
	return "", fmt.Errorf("unsupported SQL dialect: %s", d)
}

var _ core.Store = (*SQLStore)(nil)

// SQLStore is a database/sql implementation of core.Store
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// NewSQLStore opens the database and creates the schema if needed
func NewSQLStore(dialect Dialect, dsn string, logger *zap.Logger) (*SQLStore, error) {
	driver, err := dialect.driverName()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQL store ready", zap.String("dialect", string(dialect)))
	return s, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close %s database: %w", s.dialect, err)
	}
	return nil
}

type tableDef struct {
	name    string
	columns string
	indexes [][2]string
}

var schema = []tableDef{
	{
		name: "accounts",
		columns: `
			id {{key}} PRIMARY KEY,
			owner_id {{key}} NOT NULL,
			address {{addr}} NOT NULL,
			credentials TEXT NOT NULL,
			is_active BOOLEAN NOT NULL,
			daily_limit INTEGER NOT NULL,
			emails_sent_today INTEGER NOT NULL,
			last_reset_date VARCHAR(10) NOT NULL,
			reputation INTEGER NOT NULL,
			reputation_at BIGINT NULL,
			warmup_status VARCHAR(16) NOT NULL,
			warmup_settings TEXT NULL,
			warmup_started_at BIGINT NULL,
			pause_reason TEXT NOT NULL,
			created_at BIGINT NOT NULL`,
		indexes: [][2]string{
			{"idx_accounts_owner", "owner_id"},
			{"idx_accounts_status", "warmup_status"},
		},
	},
	{
		name: "outbound_log",
		columns: `
			id {{key}} PRIMARY KEY,
			owner_id {{key}} NOT NULL,
			campaign_id {{key}} NOT NULL,
			lead_id {{key}} NOT NULL,
			account_id {{key}} NOT NULL,
			kind VARCHAR(16) NOT NULL,
			to_address {{addr}} NOT NULL,
			subject TEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			error_message TEXT NOT NULL,
			sent_at BIGINT NOT NULL,
			opened_at BIGINT NULL,
			clicked_at BIGINT NULL,
			replied_at BIGINT NULL,
			bounced_at BIGINT NULL,
			provider_message_id {{msgid}} NOT NULL,
			tracking_id {{key}} NOT NULL`,
		indexes: [][2]string{
			{"idx_outbound_provider", "account_id, provider_message_id"},
			{"idx_outbound_recipient", "account_id, to_address, sent_at"},
			{"idx_outbound_tracking", "tracking_id"},
		},
	},
	{
		name: "warmup_messages",
		columns: `
			id {{key}} PRIMARY KEY,
			owner_id {{key}} NOT NULL,
			from_account_id {{key}} NOT NULL,
			to_account_id {{key}} NOT NULL,
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			sent_at BIGINT NOT NULL,
			status VARCHAR(16) NOT NULL,
			is_reply BOOLEAN NOT NULL,
			parent_message_id {{key}} NOT NULL,
			thread_id {{key}} NOT NULL,
			depth INTEGER NOT NULL,
			provider_message_id {{msgid}} NOT NULL,
			opened_at BIGINT NULL,
			replied_at BIGINT NULL,
			spam_at BIGINT NULL`,
		indexes: [][2]string{
			{"idx_warmup_sender", "from_account_id, sent_at"},
			{"idx_warmup_provider", "provider_message_id"},
		},
	},
	{
		name: "inbound_messages",
		columns: `
			account_id {{key}} NOT NULL,
			message_id {{msgid}} NOT NULL,
			processed_at BIGINT NOT NULL,
			PRIMARY KEY (account_id, message_id)`,
	},
	{
		name: "sync_cursors",
		columns: `
			account_id {{key}} PRIMARY KEY,
			last_processed_cursor BIGINT NOT NULL,
			cursor_validity BIGINT NOT NULL,
			spam_cursor BIGINT NOT NULL,
			spam_cursor_validity BIGINT NOT NULL,
			last_sync_at BIGINT NULL,
			sync_started_at BIGINT NULL,
			sync_status VARCHAR(16) NOT NULL,
			total_processed INTEGER NOT NULL,
			total_replies_found INTEGER NOT NULL,
			total_bounces_found INTEGER NOT NULL,
			spam_placement_count INTEGER NOT NULL,
			last_error TEXT NOT NULL`,
	},
	{
		name: "leads",
		columns: `
			id {{key}} PRIMARY KEY,
			owner_id {{key}} NOT NULL,
			campaign_id {{key}} NOT NULL,
			email {{addr}} NOT NULL,
			status VARCHAR(16) NOT NULL,
			bounce_count INTEGER NOT NULL,
			updated_at BIGINT NOT NULL`,
		indexes: [][2]string{
			{"idx_leads_email", "owner_id, email"},
		},
	},
	{
		name: "campaign_stats",
		columns: `
			campaign_id {{key}} PRIMARY KEY,
			opened INTEGER NOT NULL,
			replied INTEGER NOT NULL,
			bounced INTEGER NOT NULL`,
	},
	{
		name: "applied_increments",
		columns: `
			target_id {{key}} NOT NULL,
			counter VARCHAR(16) NOT NULL,
			source_id {{key}} NOT NULL,
			PRIMARY KEY (target_id, counter, source_id)`,
	},
}

// migrate creates tables and indexes if they don't exist
func (s *SQLStore) migrate(ctx context.Context) error {
	types := map[string]string{"{{key}}": "TEXT", "{{addr}}": "TEXT", "{{msgid}}": "TEXT"}
	if s.dialect == DialectMySQL {
		types = map[string]string{"{{key}}": "VARCHAR(64)", "{{addr}}": "VARCHAR(320)", "{{msgid}}": "VARCHAR(255)"}
	}

	for _, t := range schema {
		columns := t.columns
		for token, typ := range types {
			columns = strings.ReplaceAll(columns, token, typ)
		}

		// MySQL has no CREATE INDEX IF NOT EXISTS, so its indexes go inline
		if s.dialect == DialectMySQL {
			for _, idx := range t.indexes {
				columns += fmt.Sprintf(",\n\t\t\tINDEX %s (%s)", idx[0], idx[1])
			}
		}

		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s\n\t\t)", t.name, columns)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}

		if s.dialect == DialectMySQL {
			continue
		}
		for _, idx := range t.indexes {
			stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", idx[0], t.name, idx[1])
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index %s: %w", idx[0], err)
			}
		}
	}
	return nil
}

// rebind rewrites ? placeholders into the dialect's form
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// insertIgnore builds an INSERT that does nothing when the key already exists
func (s *SQLStore) insertIgnore(table string, columns ...string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	cols := strings.Join(columns, ", ")
	switch s.dialect {
	case DialectSQLite:
		return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", table, cols, marks)
	case DialectMySQL:
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, cols, marks)
	default:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, cols, marks)
	}
}

// countedUpdate is a statement applied together with its increment marker
type countedUpdate struct {
	query string
	args  []any
}

// incrementOnce records sourceID against a counter of target and runs the
// updates in the same transaction. Returns false, changing nothing, when
// sourceID was already recorded.
func (s *SQLStore) incrementOnce(ctx context.Context, target, counter, sourceID string, updates ...countedUpdate) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(s.insertIgnore("applied_increments", "target_id", "counter", "source_id")),
		target, counter, sourceID)
	if err != nil {
		return false, fmt.Errorf("failed to record %s increment: %w", counter, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, s.rebind(u.query), u.args...); err != nil {
			return false, fmt.Errorf("failed to apply %s increment: %w", counter, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit %s increment: %w", counter, err)
	}
	return true, nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// exists reports whether a row with the given id is present in table
func (s *SQLStore) exists(ctx context.Context, table, column, id string) (bool, error) {
	var one int
	err := s.queryRow(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", table, column), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// placeholders returns "?, ?, ?" for n values
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

package intents

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/intentgate/pkg/models"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Dialect selects the SQL flavour a SQLStore speaks.
type Dialect string

const (
	DialectCockroach Dialect = "cockroach"
	DialectSQLite    Dialect = "sqlite"
)

// sqliteTimeLayout is fixed width so that text comparison in SQLite orders
// instants correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const intentColumns = `id, session_id, action_type, tool_name, arguments, payload_hash, preview_text, status, created_at, expires_at, executing_at, executed_at, notes`

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// CockroachConfig holds configuration for CockroachDB connection.
type CockroachConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns default configuration.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store on CockroachDB/Postgres or SQLite. Every status
// change is a single UPDATE guarded by the expected current status.
type SQLStore struct {
	builder
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect, opts Options) *SQLStore {
	return &SQLStore{builder: newBuilder(opts), db: db, dialect: dialect}
}

// NewCockroachStoreFromDSN creates a new Cockroach-backed intent store. The
// schema is managed by Migrator.
func NewCockroachStoreFromDSN(dsn string, config *CockroachConfig, opts Options) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewSQLStore(db, DialectCockroach, opts), nil
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// applies the schema.
func NewSQLiteStore(path string, opts Options) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection also keeps the pragmas
	// below in effect for every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return NewSQLStore(db, DialectSQLite, opts), nil
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new pending intent unless a live one with the same
// session and payload hash exists. A live intent is pending or executing;
// the partial unique index on (session_id, payload_hash) covers both states
// so concurrent duplicates converge and a failed execution can roll back.
func (s *SQLStore) Create(ctx context.Context, req CreateRequest) (*models.PendingIntent, error) {
	intent, canonical, err := s.build(req)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		existing, err := s.findLive(ctx, intent.SessionID, intent.PayloadHash)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if !s.policy.IsExpired(existing, intent.CreatedAt) {
				return existing, nil
			}
			if _, err := s.TryTransition(ctx, expiredTransition(existing.ID, intent.CreatedAt, "superseded by new request")); err != nil {
				return nil, err
			}
		}

		inserted, err := s.insert(ctx, intent, canonical)
		if err != nil {
			return nil, err
		}
		if inserted {
			return intent, nil
		}
	}
	return nil, fmt.Errorf("create intent: duplicate for session %s did not settle", intent.SessionID)
}

func (s *SQLStore) insert(ctx context.Context, intent *models.PendingIntent, canonical []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO pending_intents (`+intentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT DO NOTHING
	`),
		intent.ID,
		intent.SessionID,
		string(intent.ActionType),
		intent.ToolName,
		string(canonical),
		intent.PayloadHash,
		intent.PreviewText,
		string(intent.Status),
		s.timeArg(intent.CreatedAt),
		s.timeArg(intent.ExpiresAt),
		nil,
		nil,
		intent.Notes,
	)
	if err != nil {
		return false, fmt.Errorf("create intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create intent: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLStore) findLive(ctx context.Context, sessionID, payloadHash string) (*models.PendingIntent, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+intentColumns+`
		FROM pending_intents
		WHERE session_id = $1 AND payload_hash = $2 AND status IN ($3, $4)
	`), sessionID, payloadHash, string(models.IntentPending), string(models.IntentExecuting))
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find live intent: %w", err)
	}
	return intent, nil
}

// ListPending returns the session's pending intents in creation order.
func (s *SQLStore) ListPending(ctx context.Context, sessionID string) ([]*models.PendingIntent, error) {
	return s.list(ctx, "list pending intents", `
		SELECT `+intentColumns+`
		FROM pending_intents
		WHERE session_id = $1 AND status = $2
		ORDER BY created_at, id
	`, sessionID, string(models.IntentPending))
}

// Get returns an intent by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.PendingIntent, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+intentColumns+`
		FROM pending_intents WHERE id = $1
	`), id)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get intent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return intent, nil
}

// TryTransition issues one conditional UPDATE and reports whether it
// changed a row.
func (s *SQLStore) TryTransition(ctx context.Context, t Transition) (bool, error) {
	if err := t.validate(); err != nil {
		return false, err
	}
	t = s.stamp(t)

	sets := []string{"status = $1", "notes = notes || $2"}
	args := []any{string(t.To), noteLine(t)}
	switch t.To {
	case models.IntentExecuting:
		args = append(args, s.timeArg(t.At))
		sets = append(sets, fmt.Sprintf("executing_at = $%d", len(args)))
	case models.IntentPending:
		sets = append(sets, "executing_at = NULL")
	case models.IntentExecuted:
		args = append(args, s.timeArg(t.At))
		sets = append(sets, fmt.Sprintf("executed_at = $%d", len(args)))
	}
	args = append(args, t.ID, string(t.From))
	query := fmt.Sprintf(
		"UPDATE pending_intents SET %s WHERE id = $%d AND status = $%d",
		strings.Join(sets, ", "), len(args)-1, len(args),
	)

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("transition intent %s %s->%s: %w", t.ID, t.From, t.To, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition intent %s: %w", t.ID, err)
	}
	return affected == 1, nil
}

// MarkCancelled moves a pending intent to cancelled.
func (s *SQLStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return s.TryTransition(ctx, Transition{ID: id, From: models.IntentPending, To: models.IntentCancelled, Note: "cancelled by user"})
}

// SweepExpired expires every pending row with expires_at <= now. Stored
// times sit on a microsecond grid, so truncating now keeps the comparison
// identical to ExpiryPolicy.IsExpired.
func (s *SQLStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC().Truncate(time.Microsecond)
	line := noteLine(expiredTransition("", now, "ttl elapsed"))
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pending_intents
		SET status = $1, notes = notes || $2
		WHERE status = $3 AND expires_at <= $4
	`), string(models.IntentExpired), line, string(models.IntentPending), s.timeArg(now))
	if err != nil {
		return 0, fmt.Errorf("sweep expired intents: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep expired intents: %w", err)
	}
	return int(affected), nil
}

// ListStuck returns intents that have been executing for at least olderThan.
func (s *SQLStore) ListStuck(ctx context.Context, olderThan time.Duration, now time.Time) ([]*models.PendingIntent, error) {
	cutoff := now.Add(-olderThan).UTC().Truncate(time.Microsecond)
	return s.list(ctx, "list stuck intents", `
		SELECT `+intentColumns+`
		FROM pending_intents
		WHERE status = $1 AND executing_at <= $2
		ORDER BY executing_at, id
	`, string(models.IntentExecuting), s.timeArg(cutoff))
}

func (s *SQLStore) list(ctx context.Context, op, query string, args ...any) ([]*models.PendingIntent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.PendingIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// q rewrites $N placeholders to ?N for SQLite.
func (s *SQLStore) q(query string) string {
	if s.dialect == DialectSQLite {
		return placeholderPattern.ReplaceAllString(query, "?${1}")
	}
	return query
}

func (s *SQLStore) timeArg(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

type intentScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row intentScanner) (*models.PendingIntent, error) {
	var (
		intent     models.PendingIntent
		actionType string
		status     string
		arguments  []byte
		createdAt  dbTime
		expiresAt  dbTime
		executing  dbTime
		executed   dbTime
	)
	if err := row.Scan(
		&intent.ID,
		&intent.SessionID,
		&actionType,
		&intent.ToolName,
		&arguments,
		&intent.PayloadHash,
		&intent.PreviewText,
		&status,
		&createdAt,
		&expiresAt,
		&executing,
		&executed,
		&intent.Notes,
	); err != nil {
		return nil, err
	}
	args, err := decodeArguments(arguments)
	if err != nil {
		return nil, err
	}
	intent.Arguments = args
	intent.ActionType = models.ActionType(actionType)
	intent.Status = models.IntentStatus(status)
	intent.CreatedAt = createdAt.Time
	intent.ExpiresAt = expiresAt.Time
	intent.ExecutingAt = executing.ptr()
	intent.ExecutedAt = executed.ptr()
	return &intent, nil
}

// dbTime scans timestamps stored natively (Cockroach) or as text (SQLite).
type dbTime struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("parse time %q", s)
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

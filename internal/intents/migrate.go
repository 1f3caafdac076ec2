package intents

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema change for the Cockroach dialect.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration records when a migration ran.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies the embedded migrations to a Cockroach/Postgres database.
// SQLite databases get their schema when NewSQLiteStore opens them.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a migrator backed by db.
func NewMigrator(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

// Migrations returns the embedded migrations in apply order.
func (m *Migrator) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

func (m *Migrator) ensureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS intent_schema_migrations (
			id STRING PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create intent_schema_migrations: %w", err)
	}
	return nil
}

// Up applies pending migrations. If steps <= 0, all of them.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	_, pending, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	var applied []string
	for _, migration := range pending {
		if strings.TrimSpace(migration.UpSQL) == "" {
			return applied, fmt.Errorf("missing up migration for %s", migration.ID)
		}
		err := m.inTx(ctx, migration.UpSQL, `INSERT INTO intent_schema_migrations (id) VALUES ($1)`, migration.ID)
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", migration.ID, err)
		}
		applied = append(applied, migration.ID)
	}
	return applied, nil
}

// Down rolls back the last steps applied migrations (at least one).
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	applied, _, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > len(applied) {
		steps = len(applied)
	}

	var rolled []string
	for i := len(applied) - 1; i >= len(applied)-steps; i-- {
		id := applied[i].ID
		migration, ok := m.byID(id)
		if !ok {
			return rolled, fmt.Errorf("migration %s not found", id)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return rolled, fmt.Errorf("missing down migration for %s", id)
		}
		if err := m.inTx(ctx, migration.DownSQL, `DELETE FROM intent_schema_migrations WHERE id = $1`, id); err != nil {
			return rolled, fmt.Errorf("rollback migration %s: %w", id, err)
		}
		rolled = append(rolled, id)
	}
	return rolled, nil
}

// Status returns applied and pending migrations.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.ensureSchema(ctx); err != nil {
		return nil, nil, err
	}
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM intent_schema_migrations ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query intent_schema_migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	seen := map[string]bool{}
	for rows.Next() {
		var entry AppliedMigration
		if err := rows.Scan(&entry.ID, &entry.AppliedAt); err != nil {
			return nil, nil, fmt.Errorf("scan intent_schema_migrations: %w", err)
		}
		applied = append(applied, entry)
		seen[entry.ID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("intent_schema_migrations: %w", err)
	}

	var pending []Migration
	for _, migration := range m.migrations {
		if !seen[migration.ID] {
			pending = append(pending, migration)
		}
	}
	return applied, pending, nil
}

func (m *Migrator) inTx(ctx context.Context, script, record, id string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, record, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *Migrator) byID(id string) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.ID == id {
			return migration, true
		}
	}
	return Migration{}, false
}

func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byID := map[string]*Migration{}
	for _, p := range paths {
		base := path.Base(p)
		var id string
		var up bool
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			id, up = strings.TrimSuffix(base, ".up.sql"), true
		case strings.HasSuffix(base, ".down.sql"):
			id = strings.TrimSuffix(base, ".down.sql")
		default:
			continue
		}
		data, err := migrationsFS.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", p, err)
		}
		entry := byID[id]
		if entry == nil {
			entry = &Migration{ID: id}
			byID[id] = entry
		}
		if up {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	migrations := make([]Migration, 0, len(byID))
	for _, entry := range byID {
		migrations = append(migrations, *entry)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ID < migrations[j].ID })
	return migrations, nil
}

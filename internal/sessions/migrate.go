package sessions

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations
var migrationsFS embed.FS

// Migration is one embedded schema change.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is a migration recorded in schema_migrations.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies the embedded migrations for one dialect.
type Migrator struct {
	db         *sql.DB
	dialect    dialect
	migrations []Migration
}

// NewMigrator loads the migrations for driver.
func NewMigrator(db *sql.DB, driver string) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	migrations, err := loadMigrations(d.migrations)
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, dialect: d, migrations: migrations}, nil
}

// EnsureSchema creates the schema_migrations table.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	id TEXT PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Up applies pending migrations in order, at most steps when steps > 0.
// Each migration runs in its own transaction.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedIDs(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, migration := range m.migrations {
		if !applied[migration.ID] {
			pending = append(pending, migration)
		}
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	var done []string
	for _, migration := range pending {
		if strings.TrimSpace(migration.UpSQL) == "" {
			return done, fmt.Errorf("missing up migration for %s", migration.ID)
		}
		record := m.dialect.rebind(`INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`)
		if err := m.inTx(ctx, migration.UpSQL, record, migration.ID, time.Now().UTC()); err != nil {
			return done, fmt.Errorf("apply migration %s: %w", migration.ID, err)
		}
		done = append(done, migration.ID)
	}
	return done, nil
}

// Down rolls back the last steps applied migrations (at least one).
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedList(ctx)
	if err != nil {
		return nil, err
	}
	if steps > len(applied) {
		steps = len(applied)
	}

	var rolled []string
	for i := len(applied) - 1; i >= len(applied)-steps; i-- {
		migration, ok := m.byID(applied[i].ID)
		if !ok {
			return rolled, fmt.Errorf("migration %s not found", applied[i].ID)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return rolled, fmt.Errorf("missing down migration for %s", migration.ID)
		}
		record := m.dialect.rebind(`DELETE FROM schema_migrations WHERE id = ?`)
		if err := m.inTx(ctx, migration.DownSQL, record, migration.ID); err != nil {
			return rolled, fmt.Errorf("rollback migration %s: %w", migration.ID, err)
		}
		rolled = append(rolled, migration.ID)
	}
	return rolled, nil
}

// Status returns applied and pending migrations.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.appliedList(ctx)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool, len(applied))
	for _, entry := range applied {
		seen[entry.ID] = true
	}
	var pending []Migration
	for _, migration := range m.migrations {
		if !seen[migration.ID] {
			pending = append(pending, migration)
		}
	}
	return applied, pending, nil
}

func (m *Migrator) inTx(ctx context.Context, script, record string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) appliedIDs(ctx context.Context) (map[string]bool, error) {
	list, err := m.appliedList(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(list))
	for _, entry := range list {
		ids[entry.ID] = true
	}
	return ids, nil
}

func (m *Migrator) appliedList(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var entry AppliedMigration
		if err := rows.Scan(&entry.ID, &entry.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied = append(applied, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema_migrations: %w", err)
	}
	return applied, nil
}

func (m *Migrator) byID(id string) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.ID == id {
			return migration, true
		}
	}
	return Migration{}, false
}

// splitStatements splits a script on semicolons. Migrations hold no
// string literals containing semicolons.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func loadMigrations(dir string) ([]Migration, error) {
	root := "migrations/" + dir
	paths, err := fs.Glob(migrationsFS, root+"/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	entries := map[string]*Migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, root+"/")
		var suffix string
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			suffix = ".up.sql"
		case strings.HasSuffix(base, ".down.sql"):
			suffix = ".down.sql"
		default:
			continue
		}
		id := strings.TrimSuffix(base, suffix)
		entry := entries[id]
		if entry == nil {
			entry = &Migration{ID: id}
			entries[id] = entry
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		if suffix == ".up.sql" {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	migrations := make([]Migration, 0, len(ids))
	for _, id := range ids {
		migrations = append(migrations, *entries[id])
	}
	return migrations, nil
}

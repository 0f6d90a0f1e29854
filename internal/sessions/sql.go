package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/partner/pkg/models"

	_ "github.com/lib/pq"           // postgres
	_ "github.com/mattn/go-sqlite3" // sqlite3 (cgo)
	_ "modernc.org/sqlite"          // sqlite (pure Go)
)

// SQLConfig configures an SQLStore.
type SQLConfig struct {
	// Driver is one of sqlite, sqlite3 or postgres.
	Driver string

	// DSN is the driver data source, a file path for the sqlite drivers.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// ConnectTimeout bounds the initial ping and migrations.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// SQLStore persists conversations in one table through database/sql.
// Messages, selection and todos are stored as JSON text.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// OpenSQLStore opens the database, verifies the connection and applies
// pending migrations.
func OpenSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, errors.New("dsn is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.migrations == "sqlite" {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrator, err := NewMigrator(db, d.driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	applied, err := migrator.Up(ctx, 0)
	if err != nil {
		db.Close()
		return nil, err
	}

	store := NewSQLStore(db, d.driver, cfg.Logger)
	if len(applied) > 0 {
		store.logger.Info("applied session migrations", "driver", d.driver, "migrations", applied)
	}
	return store, nil
}

// NewSQLStore wraps an open database without migrating it.
func NewSQLStore(db *sql.DB, driver string, logger *slog.Logger) *SQLStore {
	d, err := lookupDialect(driver)
	if err != nil {
		d = dialects["sqlite"]
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, dialect: d, logger: logger.With("component", "sessions")}
}

// DB exposes the underlying database.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Migrator returns a migrator for the store's database and dialect.
func (s *SQLStore) Migrator() (*Migrator, error) {
	return NewMigrator(s.db, s.dialect.driver)
}

func (s *SQLStore) Save(ctx context.Context, conv *models.Conversation) error {
	if err := validate(conv); err != nil {
		return err
	}
	messages, err := json.Marshal(nonNilMessages(conv.Messages))
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	todos, err := json.Marshal(nonNilTodos(conv.Todos))
	if err != nil {
		return fmt.Errorf("failed to marshal todos: %w", err)
	}
	var selection any
	if conv.Selection != nil {
		data, err := json.Marshal(conv.Selection)
		if err != nil {
			return fmt.Errorf("failed to marshal selection: %w", err)
		}
		selection = string(data)
	}

	now := time.Now().UTC()
	created, updated := conv.CreatedAt, conv.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	_, err = s.db.ExecContext(ctx, s.dialect.upsert(),
		conv.ID, conv.Title, string(messages), len(conv.Messages), selection, string(todos),
		created.UTC(), updated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT id, title, messages, selection, todos, created_at, updated_at FROM conversations WHERE id = ?`), id)

	var (
		conv      models.Conversation
		messages  string
		selection sql.NullString
		todos     string
	)
	err := row.Scan(&conv.ID, &conv.Title, &messages, &selection, &todos, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(messages), &conv.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	if err := json.Unmarshal([]byte(todos), &conv.Todos); err != nil {
		return nil, fmt.Errorf("failed to unmarshal todos: %w", err)
	}
	if selection.Valid && selection.String != "" {
		conv.Selection = &models.ToolSelection{}
		if err := json.Unmarshal([]byte(selection.String), conv.Selection); err != nil {
			return nil, fmt.Errorf("failed to unmarshal selection: %w", err)
		}
	}
	return &conv, nil
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]models.ConversationSummary, error) {
	query := `SELECT id, title, message_count, created_at, updated_at FROM conversations ORDER BY updated_at DESC, id`
	var args []any
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 && s.dialect.migrations == "sqlite" {
		// SQLite requires LIMIT before OFFSET.
		query += ` LIMIT -1`
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := []models.ConversationSummary{}
	for rows.Next() {
		var sum models.ConversationSummary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.MessageCount, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nonNilMessages(msgs []*models.Message) []*models.Message {
	if msgs == nil {
		return []*models.Message{}
	}
	return msgs
}

func nonNilTodos(todos []models.TodoItem) []models.TodoItem {
	if todos == nil {
		return []models.TodoItem{}
	}
	return todos
}

package sessions

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/haasonsaas/partner/pkg/models"
)

func setupMockDB(t *testing.T, driver string) (sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return mock, NewSQLStore(db, driver, nil)
}

func TestDialectRebind(t *testing.T) {
	pg, _ := lookupDialect("postgres")
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite, _ := lookupDialect("SQLite")
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
	if _, err := lookupDialect("oracle"); err == nil {
		t.Error("unknown dialect accepted")
	}
}

func TestSQLStore_Save(t *testing.T) {
	tests := []struct {
		name      string
		driver    string
		conv      *models.Conversation
		setupMock func(sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name:   "postgres upsert",
			driver: "postgres",
			conv: &models.Conversation{
				ID:        "c1",
				Title:     "Refactor parser",
				Messages:  []*models.Message{{ID: "m1", Role: models.RoleUser, Content: "hi"}},
				Selection: &models.ToolSelection{Names: []string{"readFile"}},
			},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversations")).
					WithArgs("c1", "Refactor parser", sqlmock.AnyArg(), 1, sqlmock.AnyArg(), "[]", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name:   "sqlite without selection",
			driver: "sqlite",
			conv:   &models.Conversation{ID: "c2"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE")).
					WithArgs("c2", "", "[]", 0, nil, "[]", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name:      "missing id",
			driver:    "sqlite",
			conv:      &models.Conversation{},
			setupMock: func(sqlmock.Sqlmock) {},
			wantErr:   true,
		},
		{
			name:   "database error",
			driver: "sqlite",
			conv:   &models.Conversation{ID: "c3"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO conversations").WillReturnError(errors.New("disk full"))
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := setupMockDB(t, tt.driver)
			tt.setupMock(mock)
			err := store.Save(context.Background(), tt.conv)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Save() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_Get(t *testing.T) {
	mock, store := setupMockDB(t, "postgres")
	now := time.Now().UTC()
	cols := []string{"id", "title", "messages", "selection", "todos", "created_at", "updated_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM conversations WHERE id = $1")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"c1", "t",
			`[{"id":"m1","role":"user","content":"hi","created_at":"2026-01-01T00:00:00Z"}]`,
			`{"names":["readFile"],"updated_at":"2026-01-01T00:00:00Z"}`,
			`[{"id":1,"text":"x","done":true}]`,
			now, now,
		))
	conv, err := store.Get(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Content != "hi" {
		t.Errorf("messages = %+v", conv.Messages)
	}
	if conv.Selection == nil || conv.Selection.Names[0] != "readFile" {
		t.Errorf("selection = %+v", conv.Selection)
	}
	if len(conv.Todos) != 1 || !conv.Todos[0].Done {
		t.Errorf("todos = %+v", conv.Todos)
	}

	mock.ExpectQuery("FROM conversations").WithArgs("missing").WillReturnError(sql.ErrNoRows)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_List(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		opts   ListOptions
		query  string
		args   []any
	}{
		{"no paging", "sqlite", ListOptions{}, "ORDER BY updated_at DESC, id", nil},
		{"postgres page", "postgres", ListOptions{Limit: 10, Offset: 20}, "LIMIT $1 OFFSET $2", []any{10, 20}},
		{"sqlite offset only", "sqlite", ListOptions{Offset: 5}, "LIMIT -1 OFFSET ?", []any{5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := setupMockDB(t, tt.driver)
			now := time.Now()
			rows := sqlmock.NewRows([]string{"id", "title", "message_count", "created_at", "updated_at"}).
				AddRow("c1", "one", 4, now, now)
			expect := mock.ExpectQuery(regexp.QuoteMeta(tt.query))
			if tt.args != nil {
				args := make([]driver.Value, len(tt.args))
				for i, a := range tt.args {
					args[i] = a
				}
				expect = expect.WithArgs(args...)
			}
			expect.WillReturnRows(rows)

			got, err := store.List(context.Background(), tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].MessageCount != 4 {
				t.Errorf("got = %+v", got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_Delete(t *testing.T) {
	mock, store := setupMockDB(t, "sqlite")
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM conversations WHERE id = ?")).
		WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM conversations").
		WithArgs("c2").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Delete(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(context.Background(), "c2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete missing = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSQLStore(ctx, SQLConfig{Driver: "sqlite", DSN: path})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		conv := conversation(id, base.Add(time.Duration(i)*time.Minute), "one", "two")
		conv.CreatedAt = base
		if err := store.Save(ctx, conv); err != nil {
			t.Fatal(err)
		}
	}
	updated := conversation("a", base.Add(time.Hour), "one", "two", "three")
	updated.Title = "renamed"
	updated.Selection = &models.ToolSelection{Names: []string{"readFile", "grep"}, Reason: "model"}
	if err := store.Save(ctx, updated); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "renamed" || len(got.Messages) != 3 || got.Selection == nil || len(got.Selection.Names) != 2 {
		t.Errorf("got = %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("created_at changed on upsert: %v", got.CreatedAt)
	}

	list, err := store.List(ctx, ListOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[0].MessageCount != 3 || list[1].ID != "c" {
		t.Errorf("list = %+v", list)
	}

	if err := store.Delete(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get deleted = %v", err)
	}

	// Reopening must not reapply migrations.
	store.Close()
	reopened, err := OpenSQLStore(ctx, SQLConfig{Driver: "sqlite", DSN: path})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	migrator, _ := NewMigrator(reopened.DB(), "sqlite")
	applied, pending, err := migrator.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 || len(pending) != 0 {
		t.Errorf("applied %v pending %v", applied, pending)
	}
}

func TestMigratorDownThenUp(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLStore(ctx, SQLConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "sessions.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	m, err := store.Migrator()
	if err != nil {
		t.Fatal(err)
	}

	rolled, err := m.Down(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(rolled) != 1 {
		t.Fatalf("rolled = %v", rolled)
	}
	applied, pending, err := m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 || len(pending) != 1 {
		t.Errorf("after down: applied %v pending %v", applied, pending)
	}
	if _, err := store.List(ctx, ListOptions{}); err == nil {
		t.Error("conversations table should be gone after rolling back")
	}

	if rolled, err := m.Down(ctx, 1); err != nil || len(rolled) != 0 {
		t.Errorf("down with nothing applied = %v, %v", rolled, err)
	}
	if done, err := m.Up(ctx, 0); err != nil || len(done) != 1 {
		t.Fatalf("up = %v, %v", done, err)
	}
	if _, err := store.List(ctx, ListOptions{}); err != nil {
		t.Errorf("list after up: %v", err)
	}
}

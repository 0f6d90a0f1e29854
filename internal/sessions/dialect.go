package sessions

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the SQL differences between supported drivers.
type dialect struct {
	// driver is the database/sql driver name.
	driver string

	// migrations is the directory under migrations/ holding the schema.
	migrations string

	// numbered reports whether placeholders are $1, $2 rather than ?.
	numbered bool
}

var dialects = map[string]dialect{
	"sqlite":   {driver: "sqlite", migrations: "sqlite"},
	"sqlite3":  {driver: "sqlite3", migrations: "sqlite"},
	"postgres": {driver: "postgres", migrations: "postgres", numbered: true},
}

func lookupDialect(driver string) (dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(driver))]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported session driver %q", driver)
	}
	return d, nil
}

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
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

// upsert is the insert-or-replace statement for conversations. Both
// dialects accept ON CONFLICT; created_at is kept from the first insert.
func (d dialect) upsert() string {
	return d.rebind(`INSERT INTO conversations (id, title, messages, message_count, selection, todos, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	title = excluded.title,
	messages = excluded.messages,
	message_count = excluded.message_count,
	selection = excluded.selection,
	todos = excluded.todos,
	updated_at = excluded.updated_at`)
}

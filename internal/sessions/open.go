package sessions

import (
	"context"
	"log/slog"
	"strings"
)

// Open returns the store for driver: "memory" (or empty) for MemoryStore,
// otherwise an SQLStore.
func Open(ctx context.Context, cfg SQLConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	default:
		if cfg.Logger == nil {
			cfg.Logger = slog.Default()
		}
		return OpenSQLStore(ctx, cfg)
	}
}

package storage

import (
	"context"
	"errors"
	"strings"

	logx "greetd/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

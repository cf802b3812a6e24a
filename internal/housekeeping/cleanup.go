// Package housekeeping removes rows that no longer serve the pipeline.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"greetd/internal/storage"
	logx "greetd/pkg/logx"
)

type Config struct {
	// EntryRetention applies to sent, failed and cancelled queue entries.
	EntryRetention time.Duration
	LogRetention   time.Duration
}

func (c Config) withDefaults() Config {
	if c.EntryRetention <= 0 {
		c.EntryRetention = 30 * 24 * time.Hour
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 90 * 24 * time.Hour
	}
	return c
}

// Store is the subset of storage the cleanup job touches.
type Store interface {
	PurgeEntries(ctx context.Context, before time.Time) (int64, error)
	PurgeLogs(ctx context.Context, before time.Time) (int64, error)
}

type Result struct {
	Entries int64
	Logs    int64
}

// Cleanup deletes terminal queue entries and delivery logs older than their
// retention. Both purges run even when the first one fails.
func Cleanup(ctx context.Context, st Store, cfg Config, now time.Time, log logx.Logger) (Result, error) {
	cfg = cfg.withDefaults()
	var res Result
	var errs []error

	n, err := st.PurgeEntries(ctx, now.Add(-cfg.EntryRetention))
	if err != nil {
		errs = append(errs, fmt.Errorf("purge queue entries: %w", err))
	}
	res.Entries = n

	n, err = st.PurgeLogs(ctx, now.Add(-cfg.LogRetention))
	if err != nil {
		errs = append(errs, fmt.Errorf("purge delivery logs: %w", err))
	}
	res.Logs = n

	if res.Entries > 0 || res.Logs > 0 {
		log.Info("housekeeping purged rows", logx.Int64("queue_entries", res.Entries), logx.Int64("delivery_logs", res.Logs))
	}
	return res, errors.Join(errs...)
}

var _ Store = (storage.Store)(nil)

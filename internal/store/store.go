// Package store keeps the history of finished jobs in SQLite or
// PostgreSQL.
package store

import (
	"context"
	"fmt"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
)

// History archives jobs that left the queue in a terminal state.
type History interface {
	// Archive inserts r, replacing an earlier entry for the same job.
	Archive(ctx context.Context, r *Record) error
	Get(ctx context.Context, jobID uint64) (*Record, error)
	// List returns entries newest first.
	List(ctx context.Context, f domain.ListFilter) ([]*Record, error)
	Delete(ctx context.Context, jobID uint64) error
	// FindFingerprint returns the newest done job with fingerprint fp.
	FindFingerprint(ctx context.Context, fp string) (uint64, bool, error)
	// LastJobID is the highest archived job id, or 0.
	LastJobID(ctx context.Context) (uint64, error)
	Close() error
}

// Open connects the backend selected by cfg.Driver and migrates it.
func Open(ctx context.Context, cfg config.HistoryConfig, log *logger.Logger) (History, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLite(cfg.SQLitePath, log)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN, log)
	}
	return nil, fmt.Errorf("history: unknown driver %q", cfg.Driver)
}

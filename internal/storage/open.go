// Package storage opens the configured persistence backends.
package storage

import (
	"context"
	"fmt"

	"github.com/blackmichael/post-heatmap/internal/config"
	"github.com/blackmichael/post-heatmap/internal/domain"
	"github.com/blackmichael/post-heatmap/internal/postgres"
	"github.com/blackmichael/post-heatmap/internal/sqlite"
)

// Open opens the named backend and makes sure its schema exists.
func Open(ctx context.Context, cfg *config.Config, backend string) (domain.Store, error) {
	switch backend {
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.BackendPostgres:
		repo, err := postgres.NewRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("create postgres repository: %w", err)
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

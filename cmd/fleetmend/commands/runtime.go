package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fleetmend/fleetmend/pkg/config"
	"github.com/fleetmend/fleetmend/pkg/queue"
	"github.com/fleetmend/fleetmend/pkg/stores"
)

// runtime bundles the collaborators every command needs: configuration, the
// SQLite store, and the job queue layered on top of it.
type runtime struct {
	cfg   *config.Config
	store *stores.SQLiteStore
	queue *queue.Queue
}

// newRuntime loads the config file, opens the store, runs migrations, and
// builds the queue. Callers must Close it.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	q := queue.New(store.DB(), queue.Options{
		LeaseDuration: cfg.Queue.LeaseDuration,
		ResultTTL:     cfg.Queue.ResultTTL,
	})

	return &runtime{
		cfg:   cfg,
		store: store,
		queue: q,
	}, nil
}

// Close releases the runtime's resources.
func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close store")
	}
}

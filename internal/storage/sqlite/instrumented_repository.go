package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/game_downloader/internal/telemetry"
	"github.com/italolelis/game_downloader/internal/transfer"
)

// InstrumentedSettingsRepository wraps SettingsRepository with telemetry.
type InstrumentedSettingsRepository struct {
	repo      *SettingsRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedSettingsRepository creates a new instrumented settings repository.
func NewInstrumentedSettingsRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedSettingsRepository {
	return &InstrumentedSettingsRepository{
		repo:      NewSettingsRepository(dbConn),
		telemetry: tel,
	}
}

// LoadQueueConfig retrieves the queue configuration with telemetry.
func (r *InstrumentedSettingsRepository) LoadQueueConfig(ctx context.Context) (transfer.QueueConfig, error) {
	var result transfer.QueueConfig

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "load_queue_config", func(ctx context.Context) error {
		result, err = r.repo.LoadQueueConfig(ctx)

		return err
	})

	if instrumentedErr != nil {
		return result, instrumentedErr
	}

	return result, nil
}

// SaveQueueConfig stores the queue configuration with telemetry.
func (r *InstrumentedSettingsRepository) SaveQueueConfig(ctx context.Context, cfg transfer.QueueConfig) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_queue_config", func(ctx context.Context) error {
		return r.repo.SaveQueueConfig(ctx, cfg)
	})
}

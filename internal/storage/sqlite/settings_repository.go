package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/game_downloader/internal/storage"
	"github.com/italolelis/game_downloader/internal/transfer"
)

const queueConfigKey = "queue_config"

type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(dbConn *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: dbConn}
}

// Get returns the raw JSON value stored under key.
func (r *SettingsRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value string

	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrSettingNotFound
	}

	if err != nil {
		return nil, err
	}

	return []byte(value), nil
}

// Set upserts the JSON value stored under key.
func (r *SettingsRepository) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, string(value), time.Now().Format(time.RFC3339))

	return err
}

func (r *SettingsRepository) LoadQueueConfig(ctx context.Context) (transfer.QueueConfig, error) {
	var cfg transfer.QueueConfig

	raw, err := r.Get(ctx, queueConfigKey)
	if err != nil {
		return cfg, err
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode queue config: %w", err)
	}

	return cfg, nil
}

func (r *SettingsRepository) SaveQueueConfig(ctx context.Context, cfg transfer.QueueConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode queue config: %w", err)
	}

	return r.Set(ctx, queueConfigKey, raw)
}

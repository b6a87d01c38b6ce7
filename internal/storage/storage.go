package storage

import (
	"context"
	"errors"

	"github.com/italolelis/game_downloader/internal/transfer"
)

// ErrSettingNotFound is returned when a key was never written.
var ErrSettingNotFound = errors.New("setting not found")

// SettingsStore is the get/update contract for durable settings.
// Only the queue configuration is persisted; the item registry lives in memory.
type SettingsStore interface {
	LoadQueueConfig(ctx context.Context) (transfer.QueueConfig, error)
	SaveQueueConfig(ctx context.Context, cfg transfer.QueueConfig) error
}

// ResolveQueueConfig returns the persisted queue configuration, or fallback
// when nothing has been saved yet.
func ResolveQueueConfig(ctx context.Context, store SettingsStore, fallback transfer.QueueConfig) (transfer.QueueConfig, error) {
	cfg, err := store.LoadQueueConfig(ctx)
	if errors.Is(err, ErrSettingNotFound) {
		return fallback, nil
	}

	if err != nil {
		return fallback, err
	}

	if cfg.MaxConcurrentDownloads < 1 {
		cfg.MaxConcurrentDownloads = fallback.MaxConcurrentDownloads
	}

	return cfg, nil
}

package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/games")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/games", cfg.DownloadDir)
	assert.Equal(t, "/games", cfg.TorrentDataDir)
	assert.Equal(t, 3, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.HTTPInactivityTimeout)
	assert.Equal(t, 2*time.Second, cfg.TorrentPollInterval)
	assert.Equal(t, time.Minute, cfg.CachingPollInterval)
	assert.Equal(t, "127.0.0.1:9095", cfg.Web.BindAddress)
	assert.Equal(t, "game_downloader", cfg.Telemetry.ServiceName)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/games")
	t.Setenv("TORRENT_DATA_DIR", "/seeds")
	t.Setenv("MAX_CONCURRENT_DOWNLOADS", "1")
	t.Setenv("RETRY_DELAY", "250ms")
	t.Setenv("WEB_BIND_ADDRESS", "0.0.0.0:8080")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/seeds", cfg.TorrentDataDir)
	assert.Equal(t, "0.0.0.0:8080", cfg.Web.BindAddress)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)

	qc := cfg.QueueConfig()
	assert.Equal(t, 1, qc.MaxConcurrentDownloads)
	assert.Equal(t, 250*time.Millisecond, qc.RetryDelay)
}

func TestLoadConfig_MissingDownloadDir(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_RejectsZeroConcurrency(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/games")
	t.Setenv("MAX_CONCURRENT_DOWNLOADS", "0")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/italolelis/game_downloader/internal/transfer"
)

// Config struct for environment variables.
type Config struct {
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile           string `envconfig:"LOG_FILE"`
	LogFileMaxSizeMB  int    `envconfig:"LOG_FILE_MAX_SIZE_MB" default:"50"`
	LogFileMaxBackups int    `envconfig:"LOG_FILE_MAX_BACKUPS" default:"3"`

	DownloadDir    string `envconfig:"DOWNLOAD_DIR" required:"true"`
	TorrentDataDir string `envconfig:"TORRENT_DATA_DIR"`
	DBPath         string `envconfig:"DB_PATH" default:"settings.db"`

	MaxConcurrentDownloads int           `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"3"`
	MaxRetries             int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryDelay             time.Duration `envconfig:"RETRY_DELAY" default:"1s"`
	PersistQueue           bool          `envconfig:"PERSIST_QUEUE" default:"false"`

	HTTPInactivityTimeout time.Duration `envconfig:"HTTP_INACTIVITY_TIMEOUT" default:"30s"`
	TorrentPollInterval   time.Duration `envconfig:"TORRENT_POLL_INTERVAL" default:"2s"`
	CachingPollInterval   time.Duration `envconfig:"CACHING_POLL_INTERVAL" default:"60s"`

	TorrentMaxDownloadRate int `envconfig:"TORRENT_MAX_DOWNLOAD_RATE" default:"0"`
	TorrentMaxUploadRate   int `envconfig:"TORRENT_MAX_UPLOAD_RATE" default:"0"`
	TorrentListenPort      int `envconfig:"TORRENT_LISTEN_PORT" default:"0"`

	DebridProvider    string `envconfig:"DEBRID_PROVIDER"`
	PutioToken        string `envconfig:"PUTIO_TOKEN"`
	PutioFolder       string `envconfig:"PUTIO_FOLDER" default:"game_downloader"`
	RealDebridToken   string `envconfig:"REALDEBRID_TOKEN"`
	RealDebridBaseURL string `envconfig:"REALDEBRID_BASE_URL" default:"https://api.real-debrid.com/rest/1.0"`

	KeepFinishedFor   time.Duration `envconfig:"KEEP_FINISHED_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"game_downloader"`
		OTLPEndpoint string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9095"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.DownloadDir == "" {
		return nil, fmt.Errorf("DOWNLOAD_DIR must not be empty")
	}

	if cfg.TorrentDataDir == "" {
		cfg.TorrentDataDir = cfg.DownloadDir
	}

	if cfg.MaxConcurrentDownloads < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be at least 1, got %d", cfg.MaxConcurrentDownloads)
	}

	return &cfg, nil
}

// QueueConfig returns the queue settings sourced from the environment.
// Values persisted in the settings store take precedence at startup.
func (c *Config) QueueConfig() transfer.QueueConfig {
	return transfer.QueueConfig{
		MaxConcurrentDownloads: c.MaxConcurrentDownloads,
		MaxRetries:             c.MaxRetries,
		RetryDelay:             c.RetryDelay,
		PersistQueue:           c.PersistQueue,
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

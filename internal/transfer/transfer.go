package transfer

import (
	"encoding/json"
	"net/url"
	"path"
	"strings"
	"time"
)

// Type is the transport used to acquire an item.
type Type string

const (
	TypeHTTP    Type = "http"
	TypeTorrent Type = "torrent"
)

func (t Type) Valid() bool {
	return t == TypeHTTP || t == TypeTorrent
}

type Status string

const (
	StatusNone        Status = ""
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusSeeding     Status = "seeding"
)

// IsTerminal reports whether no automatic transition leaves the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusSeeding
}

// IsFinished reports whether the item will never transfer bytes again without a user action.
func (s Status) IsFinished() bool {
	return s.IsTerminal() || s == StatusFailed
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists the tiers in admission order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// UnknownETA is reported as TimeRemaining when throughput is zero.
const UnknownETA int64 = -1

// Item is one requested transfer.
type Item struct {
	ID              string         `json:"id"`
	URL             string         `json:"url"`
	Type            Type           `json:"type"`
	Name            string         `json:"name"`
	DestinationPath string         `json:"destinationPath"`
	Status          Status         `json:"status"`
	Progress        float64        `json:"progress"`      // 0-100
	Downloaded      int64          `json:"downloaded"`    // bytes
	Speed           float64        `json:"speed"`         // bytes/sec
	Size            int64          `json:"size"`          // bytes, 0 until known
	TimeRemaining   int64          `json:"timeRemaining"` // seconds, -1 if unknown
	UploadSpeed     float64        `json:"uploadSpeed,omitempty"`
	Uploaded        int64          `json:"uploaded,omitempty"`
	Peers           int            `json:"peers,omitempty"`
	Priority        Priority       `json:"priority"`
	Paused          bool           `json:"paused"`
	Error           string         `json:"error,omitempty"`
	Created         time.Time      `json:"created"`
	Started         *time.Time     `json:"started,omitempty"`
	Completed       *time.Time     `json:"completed,omitempty"`
	GameData        map[string]any `json:"gameData,omitempty"`
}

// AddOptions is the payload accepted by the queue's Add operation.
type AddOptions struct {
	URL       string         `json:"url"`
	Type      Type           `json:"type"`
	Name      string         `json:"name,omitempty"`
	Path      string         `json:"path,omitempty"`
	Priority  Priority       `json:"priority,omitempty"`
	AutoStart *bool          `json:"autoStart,omitempty"`
	GameData  map[string]any `json:"gameData,omitempty"`
}

// ShouldAutoStart defaults to true when AutoStart is unset.
func (o AddOptions) ShouldAutoStart() bool {
	return o.AutoStart == nil || *o.AutoStart
}

// DisplayName returns the explicit name or one derived from the URL.
func (o AddOptions) DisplayName() string {
	if o.Name != "" {
		return o.Name
	}

	if strings.HasPrefix(o.URL, "magnet:") {
		if u, err := url.Parse(o.URL); err == nil {
			if dn := u.Query().Get("dn"); dn != "" {
				return dn
			}
		}

		return "torrent"
	}

	if u, err := url.Parse(o.URL); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}

	return "download"
}

// QueueConfig is the durable queue configuration.
type QueueConfig struct {
	MaxConcurrentDownloads int           `json:"maxConcurrentDownloads"`
	MaxRetries             int           `json:"maxRetries"`
	RetryDelay             time.Duration `json:"-"`
	PersistQueue           bool          `json:"persistQueue"`
}

// MarshalJSON writes the retry delay as retryDelayMs.
func (c QueueConfig) MarshalJSON() ([]byte, error) {
	type plain QueueConfig

	return json.Marshal(struct {
		plain
		RetryDelayMs int64 `json:"retryDelayMs"`
	}{plain: plain(c), RetryDelayMs: c.RetryDelay.Milliseconds()})
}

func (c *QueueConfig) UnmarshalJSON(data []byte) error {
	type plain QueueConfig

	aux := struct {
		*plain
		RetryDelayMs *int64 `json:"retryDelayMs"`
	}{plain: (*plain)(c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.RetryDelayMs != nil {
		c.RetryDelay = time.Duration(*aux.RetryDelayMs) * time.Millisecond
	}

	return nil
}

// DefaultQueueConfig mirrors the defaults used when nothing is persisted.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxConcurrentDownloads: 3,
		MaxRetries:             3,
		RetryDelay:             time.Second,
	}
}

// QueueConfigPatch carries a partial update; nil fields are left untouched.
type QueueConfigPatch struct {
	MaxConcurrentDownloads *int           `json:"maxConcurrentDownloads,omitempty"`
	MaxRetries             *int           `json:"maxRetries,omitempty"`
	RetryDelay             *time.Duration `json:"-"`
	PersistQueue           *bool          `json:"persistQueue,omitempty"`
}

// UnmarshalJSON reads the retry delay from retryDelayMs.
func (p *QueueConfigPatch) UnmarshalJSON(data []byte) error {
	type plain QueueConfigPatch

	aux := struct {
		*plain
		RetryDelayMs *int64 `json:"retryDelayMs"`
	}{plain: (*plain)(p)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.RetryDelayMs != nil {
		delay := time.Duration(*aux.RetryDelayMs) * time.Millisecond
		p.RetryDelay = &delay
	}

	return nil
}

// Apply merges the patch into cfg and returns the result.
func (p QueueConfigPatch) Apply(cfg QueueConfig) QueueConfig {
	if p.MaxConcurrentDownloads != nil && *p.MaxConcurrentDownloads > 0 {
		cfg.MaxConcurrentDownloads = *p.MaxConcurrentDownloads
	}

	if p.MaxRetries != nil && *p.MaxRetries >= 0 {
		cfg.MaxRetries = *p.MaxRetries
	}

	if p.RetryDelay != nil && *p.RetryDelay >= 0 {
		cfg.RetryDelay = *p.RetryDelay
	}

	if p.PersistQueue != nil {
		cfg.PersistQueue = *p.PersistQueue
	}

	return cfg
}

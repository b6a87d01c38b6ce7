package debrid

import (
	"context"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/transfer"
)

const DefaultPollInterval = 60 * time.Second

// Resolver is the part of Manager a monitor polls.
type Resolver interface {
	Download(ctx context.Context, source string, kind Kind) (*Result, error)
}

// Enqueuer admits resolved downloads into the queue.
type Enqueuer interface {
	Add(ctx context.Context, opts transfer.AddOptions) (string, error)
}

type EventType string

const (
	EventCachingProgress EventType = "caching-progress"
	EventMovedToQueue    EventType = "moved-to-queue"
	EventCachingFailed   EventType = "caching-failed"
)

// MonitorEvent is emitted by a monitor; the registry owning it reacts to
// EventMovedToQueue by dropping the entry.
type MonitorEvent struct {
	Type       EventType `json:"type"`
	CachingID  string    `json:"cachingId"`
	DownloadID string    `json:"downloadId,omitempty"`
	Stats      Stats     `json:"stats"`
}

// Stats is the UI-facing snapshot of a caching request.
type Stats struct {
	Progress  float64 `json:"progress"`
	TotalSize int64   `json:"totalSize"`
	Speed     float64 `json:"speed"` // bytes/sec
	IsCaching bool    `json:"isCaching"`
	Title     string  `json:"title"`
	Error     string  `json:"error,omitempty"`
}

// Monitor polls the provider for one caching request until it is ready,
// then hands the rewritten payload to the queue and retires.
type Monitor struct {
	id       string
	opts     transfer.AddOptions
	source   string
	kind     Kind
	resolver Resolver
	queue    Enqueuer
	interval time.Duration
	emit     func(MonitorEvent)
	now      func() time.Time

	mu        sync.Mutex
	stats     Stats
	lastBytes float64
	lastAt    time.Time
	cancel    context.CancelFunc
	finished  bool
}

func newMonitor(id string, opts transfer.AddOptions, resolver Resolver, queue Enqueuer, interval time.Duration, emit func(MonitorEvent)) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Monitor{
		id:       id,
		opts:     opts,
		source:   opts.URL,
		kind:     KindFor(opts.Type),
		resolver: resolver,
		queue:    queue,
		interval: interval,
		emit:     emit,
		now:      time.Now,
		stats:    Stats{IsCaching: true, Title: opts.DisplayName()},
	}
}

// Start begins polling on the monitor's interval. ctx bounds its lifetime.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	m.lastAt = m.now()
	m.mu.Unlock()

	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("caching monitor panic",
				"operation", "poll_provider",
				"panic", r,
				"stack", string(debug.Stack()))

			if ctx.Err() == nil {
				logger.Info("restarting caching monitor after panic", "operation", "poll_provider")
				go m.run(ctx)
			}
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("caching monitor shutdown", "operation", "poll_provider", "reason", "context_cancelled")

			return
		case <-ticker.C:
			if done := m.check(ctx); done {
				return
			}
		}
	}
}

// check polls once and reports whether the monitor is done.
func (m *Monitor) check(ctx context.Context) bool {
	logger := logctx.LoggerFromContext(ctx)

	res, err := m.resolver.Download(ctx, m.source, m.kind)
	if err != nil {
		logger.WarnContext(ctx, "caching poll failed, will retry", "err", err)

		return false
	}

	if res.IsCaching {
		m.emit(MonitorEvent{Type: EventCachingProgress, CachingID: m.id, Stats: m.update(res)})

		return false
	}

	if ctx.Err() != nil {
		return true
	}

	m.Stop()

	// the poll context is cancelled by Stop; the hand-off must still go through
	ctx = context.WithoutCancel(ctx)

	opts := m.opts
	opts.URL = res.URL
	opts.Type = transfer.TypeHTTP

	if opts.Name == "" && res.Title != "" {
		opts.Name = res.Title
	}

	id, err := m.queue.Add(ctx, opts)
	if err != nil {
		logger.ErrorContext(ctx, "failed to queue resolved download", "err", err)

		m.mu.Lock()
		m.finished = true
		m.stats.IsCaching = false
		m.stats.Error = err.Error()
		stats := m.stats
		m.mu.Unlock()

		m.emit(MonitorEvent{Type: EventCachingFailed, CachingID: m.id, Stats: stats})

		return true
	}

	m.mu.Lock()
	m.finished = true
	m.stats.IsCaching = false
	m.stats.Progress = 100
	m.stats.Speed = 0
	stats := m.stats
	m.mu.Unlock()

	logger.InfoContext(ctx, "caching finished, moved to queue", "download_id", id, "size", humanize.Bytes(uint64(max(stats.TotalSize, 0))))

	m.emit(MonitorEvent{Type: EventMovedToQueue, CachingID: m.id, DownloadID: id, Stats: stats})

	return true
}

// update stores the provider snapshot and derives speed from size×progress deltas.
func (m *Monitor) update(res *Result) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if res.FileSize > 0 {
		m.stats.TotalSize = res.FileSize
	}

	if res.Title != "" {
		m.stats.Title = res.Title
	}

	m.stats.Progress = math.Min(math.Max(res.Progress, 0), 100)

	bytes := float64(m.stats.TotalSize) * m.stats.Progress / 100
	if elapsed := now.Sub(m.lastAt).Seconds(); elapsed > 0 && m.lastBytes > 0 {
		m.stats.Speed = math.Max((bytes-m.lastBytes)/elapsed, 0)
	}

	m.lastBytes = bytes
	m.lastAt = now

	return m.stats
}

// Stop halts polling. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stats
}

// Options returns the original add payload.
func (m *Monitor) Options() transfer.AddOptions {
	return m.opts
}

func (m *Monitor) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.finished
}

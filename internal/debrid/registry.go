package debrid

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/telemetry"
	"github.com/italolelis/game_downloader/internal/transfer"
)

// Entry is one outstanding caching request.
type Entry struct {
	ID    string        `json:"id"`
	URL   string        `json:"url"`
	Type  transfer.Type `json:"type"`
	Stats Stats         `json:"stats"`
}

// Outcome tells the caller where an added download went: straight into the
// queue, or into the caching registry.
type Outcome struct {
	DownloadID string `json:"downloadId,omitempty"`
	CachingID  string `json:"cachingId,omitempty"`
	IsCaching  bool   `json:"isCaching"`
	Stats      *Stats `json:"stats,omitempty"`
}

type RegistryOption func(*Registry)

// WithPollInterval overrides the provider polling interval of new monitors.
func WithPollInterval(interval time.Duration) RegistryOption {
	return func(r *Registry) { r.interval = interval }
}

// WithRegistryTelemetry tracks the number of outstanding caching requests.
func WithRegistryTelemetry(tel *telemetry.Telemetry) RegistryOption {
	return func(r *Registry) { r.tel = tel }
}

// WithEventListener registers a callback for every monitor event.
func WithEventListener(fn func(MonitorEvent)) RegistryOption {
	return func(r *Registry) { r.listeners = append(r.listeners, fn) }
}

// Registry exclusively owns the caching entries. It reaches the queue only
// through Enqueuer.
type Registry struct {
	ctx       context.Context
	resolver  Resolver
	queue     Enqueuer
	interval  time.Duration
	tel       *telemetry.Telemetry
	listeners []func(MonitorEvent)

	mu       sync.Mutex
	monitors map[string]*Monitor
}

// NewRegistry builds a registry whose monitors live as long as ctx.
func NewRegistry(ctx context.Context, resolver Resolver, queue Enqueuer, opts ...RegistryOption) *Registry {
	r := &Registry{
		ctx:      ctx,
		resolver: resolver,
		queue:    queue,
		interval: DefaultPollInterval,
		monitors: make(map[string]*Monitor),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// AddDownload resolves opts.URL through the provider. A ready URL is queued
// as an http download right away; a caching result starts a monitor.
func (r *Registry) AddDownload(ctx context.Context, opts transfer.AddOptions) (Outcome, error) {
	if opts.URL == "" || !opts.Type.Valid() {
		return Outcome{}, fmt.Errorf("debrid download requires url and type: %w", transfer.ErrInvalidOptions)
	}

	logger := logctx.LoggerFromContext(ctx)

	res, err := r.resolver.Download(ctx, opts.URL, KindFor(opts.Type))
	if err != nil {
		logger.ErrorContext(ctx, "failed to resolve download through debrid provider", "err", err)

		return Outcome{}, err
	}

	if !res.IsCaching {
		resolved := opts
		resolved.URL = res.URL
		resolved.Type = transfer.TypeHTTP

		if resolved.Name == "" && res.Title != "" {
			resolved.Name = res.Title
		}

		id, err := r.queue.Add(ctx, resolved)
		if err != nil {
			return Outcome{}, err
		}

		return Outcome{DownloadID: id}, nil
	}

	id := uuid.NewString()
	m := newMonitor(id, opts, r.resolver, r.queue, r.interval, r.handle)
	stats := m.update(res)

	r.mu.Lock()
	r.monitors[id] = m
	r.mu.Unlock()

	r.tel.IncrementCaching()

	m.Start(logctx.With(r.ctx, "caching_id", id))

	logger.InfoContext(ctx, "download is caching on provider", "caching_id", id, "progress", stats.Progress)

	return Outcome{CachingID: id, IsCaching: true, Stats: &stats}, nil
}

func (r *Registry) handle(evt MonitorEvent) {
	switch evt.Type {
	case EventMovedToQueue:
		r.mu.Lock()
		_, ok := r.monitors[evt.CachingID]
		delete(r.monitors, evt.CachingID)
		r.mu.Unlock()

		if ok {
			r.tel.DecrementCaching()
		}
	case EventCachingFailed:
		r.tel.DecrementCaching()
	}

	for _, fn := range r.listeners {
		fn(evt)
	}
}

func (r *Registry) Get(id string) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.monitors[id]
	if !ok {
		return Stats{}, fmt.Errorf("caching entry %s: %w", id, transfer.ErrNotFound)
	}

	return m.Stats(), nil
}

// List returns every outstanding caching entry ordered by id.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.monitors))

	for id, m := range r.monitors {
		opts := m.Options()
		entries = append(entries, Entry{ID: id, URL: opts.URL, Type: opts.Type, Stats: m.Stats()})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	return entries
}

// Cancel stops polling and forgets the entry.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	m, ok := r.monitors[id]
	delete(r.monitors, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("caching entry %s: %w", id, transfer.ErrNotFound)
	}

	m.Stop()

	if !m.Finished() {
		r.tel.DecrementCaching()
	}

	return nil
}

// Close stops every monitor.
func (r *Registry) Close() {
	r.mu.Lock()
	monitors := r.monitors
	r.monitors = make(map[string]*Monitor)
	r.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
}

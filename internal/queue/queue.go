package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"path/filepath"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/storage"
	"github.com/italolelis/game_downloader/internal/telemetry"
	"github.com/italolelis/game_downloader/internal/transfer"
)

// progressEmitDelta is the minimum progress change (in percent) that produces a progress event.
const progressEmitDelta = 0.1

// Option configures a Queue.
type Option func(*Queue)

// WithSettingsStore persists configuration updates.
func WithSettingsStore(store storage.SettingsStore) Option {
	return func(q *Queue) { q.store = store }
}

// WithTelemetry records admission and completion metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(q *Queue) { q.tel = tel }
}

// WithDownloadDir sets the directory used when an http item has no explicit path.
func WithDownloadDir(dir string) Option {
	return func(q *Queue) { q.downloadDir = dir }
}

// WithTorrentDataDir sets the directory used when a torrent item has no explicit path.
func WithTorrentDataDir(dir string) Option {
	return func(q *Queue) { q.torrentDir = dir }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue owns every download item, the priority tiers and the active set.
// Engines never touch this state; they report through UpdateProgress.
type Queue struct {
	ctx context.Context

	mu          sync.Mutex
	cfg         transfer.QueueConfig
	items       map[string]*transfer.Item
	tiers       map[transfer.Priority][]string
	active      map[string]struct{}
	// pausing holds pauses waiting on their engine, with the terminal
	// report that arrived meanwhile, if any.
	pausing     map[string]*transfer.Progress
	lastEmitted map[string]float64
	finishedAt  map[string]time.Time

	engines map[transfer.Type]transfer.Engine
	store   storage.SettingsStore
	tel     *telemetry.Telemetry
	bus     *bus
	admit   chan struct{}

	downloadDir string
	torrentDir  string
	now         func() time.Time
}

// New builds a queue with every engine bound up front. ctx is the lifetime of
// the queue: engines receive it when a transfer is dispatched.
func New(ctx context.Context, cfg transfer.QueueConfig, engines map[transfer.Type]transfer.Engine, opts ...Option) (*Queue, error) {
	if len(engines) == 0 {
		return nil, fmt.Errorf("queue requires at least one engine: %w", transfer.ErrNoEngine)
	}

	for typ, eng := range engines {
		if !typ.Valid() || eng == nil {
			return nil, fmt.Errorf("invalid engine registration for type %q: %w", typ, transfer.ErrNoEngine)
		}
	}

	if cfg.MaxConcurrentDownloads < 1 {
		cfg.MaxConcurrentDownloads = transfer.DefaultQueueConfig().MaxConcurrentDownloads
	}

	q := &Queue{
		ctx:         ctx,
		cfg:         cfg,
		items:       make(map[string]*transfer.Item),
		tiers:       make(map[transfer.Priority][]string),
		active:      make(map[string]struct{}),
		pausing:     make(map[string]*transfer.Progress),
		lastEmitted: make(map[string]float64),
		finishedAt:  make(map[string]time.Time),
		engines:     maps.Clone(engines),
		bus:         newBus(),
		admit:       make(chan struct{}, 1),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(q)
	}

	q.configureEngines(cfg)

	if cfg.PersistQueue {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "persist queue is enabled but download items are kept in memory only; queued items will not survive a restart")
	}

	return q, nil
}

// Run performs deferred admission until ctx is cancelled. Slot releases,
// resumes and configuration changes post a re-evaluation request that is
// served here, never inline from an engine callback.
func (q *Queue) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("download queue shutdown", "operation", "run", "reason", "context_cancelled")

			return nil
		case <-q.admit:
			q.admitSafely(ctx)
		}
	}
}

// admitSafely keeps the admission loop alive if an engine panics while starting.
func (q *Queue) admitSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("download queue panic",
				"operation", "process_queue",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	q.processQueue()
}

func (q *Queue) requestAdmission() {
	select {
	case q.admit <- struct{}{}:
	default:
	}
}

// Subscribe returns a channel of queue events and a function that releases it.
func (q *Queue) Subscribe(buffer int) (<-chan transfer.Event, func()) {
	return q.bus.subscribe(buffer)
}

// Add validates opts, records a queued item and, unless AutoStart is false,
// runs admission. Items added with AutoStart false are held until resumed.
func (q *Queue) Add(ctx context.Context, opts transfer.AddOptions) (string, error) {
	if err := q.validate(opts); err != nil {
		return "", err
	}

	priority := opts.Priority
	if priority == "" {
		priority = transfer.PriorityNormal
	}

	name := opts.DisplayName()
	item := &transfer.Item{
		ID:              uuid.NewString(),
		URL:             opts.URL,
		Type:            opts.Type,
		Name:            name,
		DestinationPath: q.destination(opts, name),
		Status:          transfer.StatusQueued,
		Priority:        priority,
		Paused:          !opts.ShouldAutoStart(),
		TimeRemaining:   transfer.UnknownETA,
		Created:         q.now(),
		GameData:        opts.GameData,
	}

	q.mu.Lock()
	q.items[item.ID] = item
	q.tiers[priority] = append(q.tiers[priority], item.ID)
	evt := eventFor(transfer.EventAdded, item)
	q.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download added",
		"download_id", item.ID,
		"download_type", item.Type,
		"name", item.Name,
		"priority", item.Priority,
		"auto_start", !item.Paused)

	q.publish(evt)

	if !item.Paused {
		q.processQueue()
	}

	return item.ID, nil
}

func (q *Queue) validate(opts transfer.AddOptions) error {
	if strings.TrimSpace(opts.URL) == "" {
		return fmt.Errorf("url is required: %w", transfer.ErrInvalidOptions)
	}

	if !opts.Type.Valid() {
		return fmt.Errorf("unknown download type %q: %w", opts.Type, transfer.ErrInvalidOptions)
	}

	if opts.Priority != "" && !opts.Priority.Valid() {
		return fmt.Errorf("unknown priority %q: %w", opts.Priority, transfer.ErrInvalidOptions)
	}

	if _, ok := q.engines[opts.Type]; !ok {
		return fmt.Errorf("%s: %w", opts.Type, transfer.ErrNoEngine)
	}

	return nil
}

func (q *Queue) destination(opts transfer.AddOptions, name string) string {
	if opts.Type == transfer.TypeTorrent {
		if opts.Path != "" {
			return opts.Path
		}

		return q.torrentDir
	}

	dir := opts.Path
	if dir == "" {
		dir = q.downloadDir
	}

	return filepath.Join(dir, filepath.Base(name))
}

// processQueue admits eligible items in tier order under the concurrency cap
// and hands them to their engines outside the lock.
func (q *Queue) processQueue() {
	q.mu.Lock()

	var dispatch []transfer.Item

scan:
	for _, p := range transfer.Priorities {
		for _, id := range q.tiers[p] {
			if q.slotsInUse() >= q.cfg.MaxConcurrentDownloads {
				break scan
			}

			item, ok := q.items[id]
			if !ok || item.Status != transfer.StatusQueued || item.Paused {
				continue
			}

			if _, running := q.active[id]; running {
				continue
			}

			now := q.now()
			item.Status = transfer.StatusDownloading
			item.Started = &now
			item.Error = ""
			q.active[id] = struct{}{}
			q.lastEmitted[id] = item.Progress

			dispatch = append(dispatch, *item)
		}
	}

	q.mu.Unlock()

	for _, item := range dispatch {
		q.start(item)
	}
}

// slotsInUse counts active items plus pauses still waiting on their engine.
func (q *Queue) slotsInUse() int {
	return len(q.active) + len(q.pausing)
}

func (q *Queue) start(item transfer.Item) {
	ctx := logctx.With(q.ctx, "download_id", item.ID, "download_type", item.Type)
	logger := logctx.LoggerFromContext(ctx)

	q.tel.IncrementActiveDownloads(string(item.Type))
	q.publish(eventFor(transfer.EventStateChange, &item))

	logger.InfoContext(ctx, "download admitted", "name", item.Name, "priority", item.Priority)

	eng := q.engines[item.Type]

	if err := eng.Start(ctx, item, q); err != nil {
		logger.ErrorContext(ctx, "engine failed to start download", "err", err)

		q.UpdateProgress(transfer.Progress{
			ID:     item.ID,
			Status: transfer.StatusFailed,
			Error:  err.Error(),
		})

		return
	}

	q.stopIfGone(ctx, eng, item.ID)
}

// stopIfGone tears down a transfer whose item was cancelled or removed while
// the engine was still starting it. Removed items keep their data.
func (q *Queue) stopIfGone(ctx context.Context, eng transfer.Engine, id string) {
	q.mu.Lock()
	item, ok := q.items[id]
	cancelled := ok && item.Status == transfer.StatusCancelled
	q.mu.Unlock()

	if ok && !cancelled {
		return
	}

	logger := logctx.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "download stopped before it was started, releasing engine")

	var err error

	switch remover, canRemove := eng.(transfer.Remover); {
	case cancelled:
		err = eng.Cancel(ctx, id)
	case canRemove:
		err = remover.Remove(ctx, id)
	}

	if err != nil && !errors.Is(err, transfer.ErrNotFound) {
		logger.WarnContext(ctx, "engine failed to release download", "err", err)
	}
}

// Pause stops a downloading item and keeps its partial data.
func (q *Queue) Pause(ctx context.Context, id string) error {
	q.mu.Lock()

	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()

		return fmt.Errorf("pause %s: %w", id, transfer.ErrNotFound)
	}

	if item.Status != transfer.StatusDownloading {
		status := item.Status
		q.mu.Unlock()

		return fmt.Errorf("pause %s from %s: %w", id, status, transfer.ErrInvalidTransition)
	}

	item.Status = transfer.StatusPaused
	item.Paused = true
	delete(q.active, id)
	q.pausing[id] = nil
	tierPos := q.removeFromTiers(id)
	eng := q.engines[item.Type]
	q.mu.Unlock()

	err := eng.Pause(ctx, id)

	q.mu.Lock()
	outcome := q.pausing[id]
	delete(q.pausing, id)

	// a concurrent cancel or remove wins over the rollback
	stillPaused := q.items[id] == item && item.Status == transfer.StatusPaused

	// the transfer ended before the engine saw the pause
	if outcome != nil && stillPaused {
		item.Status = transfer.StatusDownloading
		item.Paused = false
		q.active[id] = struct{}{}
		q.insertTier(item.Priority, id, tierPos)
		q.mu.Unlock()

		q.UpdateProgress(*outcome)

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "download finished before pause", "download_id", id, "status", outcome.Status)

		return fmt.Errorf("pause %s: download already %s: %w", id, outcome.Status, transfer.ErrInvalidTransition)
	}

	if err != nil {
		if stillPaused {
			item.Status = transfer.StatusDownloading
			item.Paused = false
			q.active[id] = struct{}{}
			q.insertTier(item.Priority, id, tierPos)
		}
		q.mu.Unlock()

		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "engine rejected pause", "download_id", id, "err", err)

		return &transfer.EngineError{ID: id, Operation: "pause", Err: err}
	}

	evt := eventFor(transfer.EventStateChange, item)
	q.mu.Unlock()

	q.tel.DecrementActiveDownloads(string(item.Type))
	q.publish(evt)
	q.requestAdmission()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download paused", "download_id", id, "progress", evt.Progress)

	return nil
}

// Resume puts a paused, failed or held item back at the tail of its tier.
// Admission happens on the next Run iteration.
func (q *Queue) Resume(ctx context.Context, id string) error {
	q.mu.Lock()

	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()

		return fmt.Errorf("resume %s: %w", id, transfer.ErrNotFound)
	}

	held := item.Status == transfer.StatusQueued && item.Paused
	if item.Status != transfer.StatusPaused && item.Status != transfer.StatusFailed && !held {
		status := item.Status
		q.mu.Unlock()

		return fmt.Errorf("resume %s from %s: %w", id, status, transfer.ErrInvalidTransition)
	}

	if _, pending := q.pausing[id]; pending {
		q.mu.Unlock()

		return fmt.Errorf("resume %s while pause is in flight: %w", id, transfer.ErrInvalidTransition)
	}

	item.Error = ""
	item.Paused = false
	item.Status = transfer.StatusQueued
	item.Speed = 0
	item.TimeRemaining = transfer.UnknownETA
	q.removeFromTiers(id)
	q.tiers[item.Priority] = append(q.tiers[item.Priority], id)
	evt := eventFor(transfer.EventStateChange, item)
	q.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download resumed", "download_id", id)

	q.publish(evt)
	q.requestAdmission()

	return nil
}

// Cancel always succeeds for a known item. Engine failures are logged.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()

	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()

		return fmt.Errorf("cancel %s: %w", id, transfer.ErrNotFound)
	}

	wasActive := q.releaseSlot(id)
	q.removeFromTiers(id)
	item.Status = transfer.StatusCancelled
	item.Paused = false
	item.Speed = 0
	item.TimeRemaining = transfer.UnknownETA
	q.finishedAt[id] = q.now()
	eng := q.engines[item.Type]
	itemType := item.Type
	evt := eventFor(transfer.EventStateChange, item)
	q.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	if err := eng.Cancel(ctx, id); err != nil {
		logger.WarnContext(ctx, "engine failed to cancel download", "download_id", id, "err", err)
	}

	if wasActive {
		q.tel.DecrementActiveDownloads(string(itemType))
		q.requestAdmission()
	}

	q.tel.RecordDownload(string(itemType), string(transfer.StatusCancelled), 0)
	q.publish(evt)

	logger.InfoContext(ctx, "download cancelled", "download_id", id)

	return nil
}

// Remove cancels a downloading item, tears down engine resources held past
// completion and deletes the record.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()

	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()

		return fmt.Errorf("remove %s: %w", id, transfer.ErrNotFound)
	}

	status := item.Status
	eng := q.engines[item.Type]
	q.mu.Unlock()

	if status == transfer.StatusDownloading {
		if err := q.Cancel(ctx, id); err != nil && !errors.Is(err, transfer.ErrNotFound) {
			return err
		}
	} else if remover, ok := eng.(transfer.Remover); ok {
		if err := remover.Remove(ctx, id); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "engine failed to release download", "download_id", id, "err", err)
		}
	}

	q.mu.Lock()

	item, ok = q.items[id]
	if !ok {
		q.mu.Unlock()

		return nil
	}

	wasActive := q.releaseSlot(id)
	q.removeFromTiers(id)
	q.forget(id)
	evt := eventFor(transfer.EventRemoved, item)
	q.mu.Unlock()

	if wasActive {
		q.tel.DecrementActiveDownloads(string(item.Type))
		q.requestAdmission()
	}

	q.publish(evt)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download removed", "download_id", id)

	return nil
}

// SetPriority moves an item to the tail of another tier. Running items keep running.
func (q *Queue) SetPriority(ctx context.Context, id string, priority transfer.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("unknown priority %q: %w", priority, transfer.ErrInvalidOptions)
	}

	q.mu.Lock()

	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()

		return fmt.Errorf("set priority %s: %w", id, transfer.ErrNotFound)
	}

	if q.removeFromTiers(id) >= 0 {
		q.tiers[priority] = append(q.tiers[priority], id)
	}

	item.Priority = priority
	q.mu.Unlock()

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download priority changed", "download_id", id, "priority", priority)

	q.requestAdmission()

	return nil
}

// UpdateProgress is the only ingress for engine feedback.
func (q *Queue) UpdateProgress(p transfer.Progress) {
	q.mu.Lock()

	item, ok := q.items[p.ID]
	if !ok {
		q.mu.Unlock()

		return
	}

	if item.Status == transfer.StatusPaused {
		if _, pending := q.pausing[p.ID]; pending && allowed(transfer.StatusDownloading, p.Status, item.Type) {
			outcome := p
			q.pausing[p.ID] = &outcome
		}

		q.mu.Unlock()

		return
	}

	if item.Status != transfer.StatusDownloading && item.Status != transfer.StatusSeeding {
		q.mu.Unlock()

		return
	}

	prev := item.Status
	next := prev

	if p.Status != transfer.StatusNone && p.Status != prev && allowed(prev, p.Status, item.Type) {
		next = p.Status
	}

	q.applyNumbers(item, p)

	var (
		freed    bool
		evtType  transfer.EventType
		duration time.Duration
	)

	if next != prev {
		item.Status = next
		evtType = transfer.EventStateChange

		switch next {
		case transfer.StatusCompleted, transfer.StatusSeeding:
			now := q.now()
			item.Progress = 100
			item.Completed = &now
			item.TimeRemaining = 0

			if next == transfer.StatusCompleted {
				item.Speed = 0
				q.finishedAt[item.ID] = now
			}
		case transfer.StatusFailed, transfer.StatusCancelled:
			item.Error = p.Error
			item.Speed = 0
			item.TimeRemaining = transfer.UnknownETA

			if next == transfer.StatusCancelled {
				q.finishedAt[item.ID] = q.now()
			}
		}

		if item.Started != nil {
			duration = q.now().Sub(*item.Started)
		}

		freed = q.releaseSlot(item.ID)
		q.removeFromTiers(item.ID)
	} else if math.Abs(item.Progress-q.lastEmitted[item.ID]) >= progressEmitDelta {
		evtType = transfer.EventProgress
	}

	var evt transfer.Event
	if evtType != "" {
		q.lastEmitted[item.ID] = item.Progress
		evt = eventFor(evtType, item)
	}

	itemType := item.Type
	q.mu.Unlock()

	if next != prev {
		q.tel.RecordDownload(string(itemType), string(next), duration)

		logger := logctx.LoggerFromContext(q.ctx).With("download_id", p.ID, "download_type", itemType)
		if next == transfer.StatusFailed {
			logger.Error("download failed", "err", p.Error)
		} else {
			logger.Info("download status changed", "from", prev, "to", next)
		}
	}

	if freed {
		q.tel.DecrementActiveDownloads(string(itemType))
		q.requestAdmission()
	}

	if evtType != "" {
		q.publish(evt)
	}
}

func (q *Queue) applyNumbers(item *transfer.Item, p transfer.Progress) {
	if p.Progress > item.Progress || p.Restarted || item.Status != transfer.StatusDownloading {
		item.Progress = math.Min(p.Progress, 100)
	}

	if p.Downloaded > 0 || p.Restarted {
		item.Downloaded = p.Downloaded
	}

	if p.Size > 0 {
		item.Size = p.Size
	}

	item.Speed = p.Speed
	item.TimeRemaining = p.TimeRemaining
	item.UploadSpeed = p.UploadSpeed
	item.Uploaded = p.Uploaded
	item.Peers = p.Peers
}

// allowed lists the transitions an engine may drive.
func allowed(from, to transfer.Status, typ transfer.Type) bool {
	if from != transfer.StatusDownloading {
		return false
	}

	switch to {
	case transfer.StatusCompleted, transfer.StatusFailed, transfer.StatusCancelled:
		return true
	case transfer.StatusSeeding:
		return typ == transfer.TypeTorrent
	default:
		return false
	}
}

// releaseSlot drops id from the active set and reports whether it held a slot.
func (q *Queue) releaseSlot(id string) bool {
	_, ok := q.active[id]
	delete(q.active, id)

	return ok
}

// removeFromTiers returns the former position of id, or -1 if it was in no tier.
func (q *Queue) removeFromTiers(id string) int {
	for p, ids := range q.tiers {
		if i := slices.Index(ids, id); i >= 0 {
			q.tiers[p] = slices.Delete(ids, i, i+1)

			return i
		}
	}

	return -1
}

func (q *Queue) insertTier(p transfer.Priority, id string, pos int) {
	ids := q.tiers[p]
	if pos < 0 || pos > len(ids) {
		q.tiers[p] = append(ids, id)

		return
	}

	q.tiers[p] = slices.Insert(ids, pos, id)
}

func (q *Queue) forget(id string) {
	delete(q.items, id)
	delete(q.lastEmitted, id)
	delete(q.finishedAt, id)
}

// GetDownloads returns a snapshot of every item ordered by creation time.
func (q *Queue) GetDownloads() []transfer.Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]transfer.Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}

		return out[i].Created.Before(out[j].Created)
	})

	return out
}

// GetDownload returns a snapshot of one item.
func (q *Queue) GetDownload(id string) (transfer.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return transfer.Item{}, fmt.Errorf("get %s: %w", id, transfer.ErrNotFound)
	}

	return *item, nil
}

// Config returns the current queue configuration.
func (q *Queue) Config() transfer.QueueConfig {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.cfg
}

// UpdateConfig merges patch into the configuration and persists the result.
// The in-memory configuration is applied even when persisting fails.
func (q *Queue) UpdateConfig(ctx context.Context, patch transfer.QueueConfigPatch) (transfer.QueueConfig, error) {
	q.mu.Lock()
	q.cfg = patch.Apply(q.cfg)
	cfg := q.cfg
	q.mu.Unlock()

	q.configureEngines(cfg)
	q.requestAdmission()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "queue configuration updated",
		"max_concurrent_downloads", cfg.MaxConcurrentDownloads,
		"max_retries", cfg.MaxRetries,
		"retry_delay", cfg.RetryDelay,
		"persist_queue", cfg.PersistQueue)

	if q.store == nil {
		return cfg, nil
	}

	if err := q.store.SaveQueueConfig(ctx, cfg); err != nil {
		return cfg, fmt.Errorf("failed to persist queue config: %w", err)
	}

	return cfg, nil
}

func (q *Queue) configureEngines(cfg transfer.QueueConfig) {
	for _, eng := range q.engines {
		if c, ok := eng.(transfer.Configurable); ok {
			c.Configure(cfg)
		}
	}
}

// ClearCompletedDownloads removes completed and cancelled items and returns how many were dropped.
func (q *Queue) ClearCompletedDownloads() int {
	return q.clear(func(item *transfer.Item, _ time.Time) bool {
		return item.Status == transfer.StatusCompleted || item.Status == transfer.StatusCancelled
	})
}

// ClearFinishedBefore removes completed and cancelled items that finished before cutoff.
func (q *Queue) ClearFinishedBefore(cutoff time.Time) int {
	return q.clear(func(item *transfer.Item, finished time.Time) bool {
		if item.Status != transfer.StatusCompleted && item.Status != transfer.StatusCancelled {
			return false
		}

		return !finished.IsZero() && finished.Before(cutoff)
	})
}

func (q *Queue) clear(match func(item *transfer.Item, finished time.Time) bool) int {
	q.mu.Lock()

	var events []transfer.Event

	for id, item := range q.items {
		if !match(item, q.finishedAt[id]) {
			continue
		}

		q.removeFromTiers(id)
		q.forget(id)
		events = append(events, eventFor(transfer.EventRemoved, item))
	}

	q.mu.Unlock()

	for _, evt := range events {
		q.publish(evt)
	}

	return len(events)
}

// Close releases every engine and closes subscriber channels.
func (q *Queue) Close() error {
	var errs []error

	for typ, eng := range q.engines {
		if err := eng.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s engine: %w", typ, err))
		}
	}

	q.bus.close()

	return errors.Join(errs...)
}

func (q *Queue) publish(evt transfer.Event) {
	if dropped := q.bus.publish(evt); dropped > 0 {
		logctx.LoggerFromContext(q.ctx).Debug("slow subscribers missed queue event",
			"event", evt.Type, "download_id", evt.ID, "dropped", dropped)
	}
}

func eventFor(typ transfer.EventType, item *transfer.Item) transfer.Event {
	return transfer.Event{
		Type:          typ,
		ID:            item.ID,
		Name:          item.Name,
		Status:        item.Status,
		Progress:      item.Progress,
		Speed:         item.Speed,
		TimeRemaining: item.TimeRemaining,
		Error:         item.Error,
	}
}

package swarm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"

	"github.com/italolelis/game_downloader/internal/downloader/progress"
	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/transfer"
)

const (
	defaultPollInterval = 2 * time.Second

	minProgressDelta = 0.1  // percent
	minSpeedDelta    = 1024 // bytes/sec
)

var errDropped = errors.New("swarm entry was dropped")

// Option configures an Engine.
type Option func(*Engine)

// WithPollInterval sets how often swarm counters are sampled.
func WithPollInterval(interval time.Duration) Option {
	return func(e *Engine) { e.pollInterval = interval }
}

// WithDataDir is the directory the client writes torrent data into; Cancel deletes below it.
func WithDataDir(dir string) Option {
	return func(e *Engine) { e.dataDir = dir }
}

// Engine is the torrent transfer engine. All items share one Client, and items
// pointing at the same info hash share one swarm entry.
type Engine struct {
	client       Client
	pollInterval time.Duration
	dataDir      string

	mu      sync.Mutex
	entries map[string]*entry // by info hash
	items   map[string]*attachment
}

type entry struct {
	handle Handle
	refs   map[string]struct{}
	// dead is set once the handle closed on its own; the entry is no longer shared.
	dead bool
}

type attachment struct {
	hash   string
	ent    *entry
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *attachment) running() bool {
	return a.cancel != nil
}

func NewEngine(client Client, opts ...Option) *Engine {
	e := &Engine{
		client:       client,
		pollInterval: defaultPollInterval,
		entries:      make(map[string]*entry),
		items:        make(map[string]*attachment),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// SetRateLimits adjusts the global bandwidth caps of the shared client.
func (e *Engine) SetRateLimits(downloadBytesPerSec, uploadBytesPerSec int) {
	e.client.SetRateLimits(downloadBytesPerSec, uploadBytesPerSec)
}

// Start attaches item to a swarm entry, creating one when no other item uses
// the same info hash, and begins polling it.
func (e *Engine) Start(ctx context.Context, item transfer.Item, r transfer.Reporter) error {
	logger := logctx.LoggerFromContext(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	att, ok := e.items[item.ID]
	if ok && att.running() {
		return fmt.Errorf("start %s: %w", item.ID, transfer.ErrAlreadyActive)
	}

	// a failed entry is re-added from the source
	if ok && att.ent.dead {
		delete(att.ent.refs, item.ID)
		delete(e.items, item.ID)
		ok = false
	}

	if !ok {
		hash, err := infoHash(item.URL)
		if err != nil {
			return &transfer.SwarmError{Operation: "identify", Err: err}
		}

		ent, shared := e.entries[hash]
		if !shared {
			handle, err := e.add(item.URL)
			if err != nil {
				return &transfer.SwarmError{Operation: "add", Err: err}
			}

			ent = &entry{handle: handle, refs: make(map[string]struct{})}
			e.entries[hash] = ent
		} else {
			logger.InfoContext(ctx, "attaching to existing swarm entry", "info_hash", hash, "attached", len(ent.refs))
		}

		ent.refs[item.ID] = struct{}{}
		att = &attachment{hash: hash, ent: ent}
		e.items[item.ID] = att
	}

	ent := att.ent
	ent.handle.AllowDataDownload()

	pollCtx, cancel := context.WithCancel(ctx)
	att.cancel = cancel
	att.done = make(chan struct{})

	go e.poll(pollCtx, att.done, item.ID, ent.handle, r)

	return nil
}

func (e *Engine) add(source string) (Handle, error) {
	if strings.HasPrefix(source, "magnet:") {
		return e.client.AddMagnet(source)
	}

	return e.client.AddTorrentFile(strings.TrimPrefix(source, "file://"))
}

// infoHash identifies a magnet URI or a local .torrent file.
func infoHash(source string) (string, error) {
	if strings.HasPrefix(source, "magnet:") {
		m, err := metainfo.ParseMagnetUri(source)
		if err != nil {
			return "", fmt.Errorf("parse magnet: %w", err)
		}

		return m.InfoHash.HexString(), nil
	}

	path := strings.TrimPrefix(source, "file://")
	if !strings.HasSuffix(strings.ToLower(path), ".torrent") {
		return "", fmt.Errorf("unsupported torrent source %q", source)
	}

	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return "", fmt.Errorf("load torrent file: %w", err)
	}

	return mi.HashInfoBytes().HexString(), nil
}

type snapshot struct {
	progress float64
	speed    float64
}

// poll samples the swarm entry until ctx is cancelled. It reports meaningful
// changes only; the first sample and every seeding sample always go out.
func (e *Engine) poll(ctx context.Context, done chan struct{}, id string, h Handle, r transfer.Reporter) {
	defer close(done)

	logger := logctx.LoggerFromContext(ctx)

	select {
	case <-ctx.Done():
		return
	case <-h.Closed():
		e.fail(ctx, id, done, r, errDropped)

		return
	case <-h.GotInfo():
	}

	logger.InfoContext(ctx, "torrent metadata received", "name", h.Name(), "size", humanize.Bytes(uint64(h.Length())))

	h.DownloadAll()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	var (
		last     snapshot
		first    = true
		seeding  bool
		lastAt   = time.Now()
		lastDone = h.BytesCompleted()
		lastUp   = h.Stats().Uploaded
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Closed():
			if ctx.Err() == nil {
				e.fail(ctx, id, done, r, errDropped)
			}

			return
		case now := <-ticker.C:
			total := h.Length()
			completed := h.BytesCompleted()
			stats := h.Stats()

			elapsed := now.Sub(lastAt).Seconds()
			if elapsed <= 0 {
				elapsed = e.pollInterval.Seconds()
			}

			speed := math.Max(float64(completed-lastDone)/elapsed, 0)
			upSpeed := math.Max(float64(stats.Uploaded-lastUp)/elapsed, 0)
			lastAt, lastDone, lastUp = now, completed, stats.Uploaded

			pct := 0.0
			if total > 0 {
				pct = math.Min(float64(completed)*100/float64(total), 100)
			}

			p := transfer.Progress{
				ID:            id,
				Progress:      pct,
				Downloaded:    completed,
				Size:          total,
				Speed:         speed,
				TimeRemaining: progress.ETA(total-completed, total, speed),
				UploadSpeed:   upSpeed,
				Uploaded:      stats.Uploaded,
				Peers:         stats.Peers,
			}

			if total > 0 && completed >= total {
				if !seeding {
					p.Status = transfer.StatusSeeding
					seeding = true

					logger.InfoContext(ctx, "torrent complete, seeding", "name", h.Name(), "seeders", stats.Seeders)
				}

				p.Speed = 0
				p.TimeRemaining = 0
				r.UpdateProgress(p)

				continue
			}

			if !first && math.Abs(pct-last.progress) < minProgressDelta && math.Abs(speed-last.speed) < minSpeedDelta {
				continue
			}

			first = false
			last = snapshot{progress: pct, speed: speed}
			r.UpdateProgress(p)
		}
	}
}

// fail marks the entry dead and stops the run that owns done, so a later
// Start re-adds the source instead of attaching to the closed handle.
func (e *Engine) fail(ctx context.Context, id string, done chan struct{}, r transfer.Reporter, cause error) {
	err := &transfer.SwarmError{Operation: "poll", Err: cause}

	var cancel context.CancelFunc

	e.mu.Lock()
	if att, ok := e.items[id]; ok && att.done == done {
		cancel = att.cancel
		att.cancel = nil
		att.ent.dead = true

		if e.entries[att.hash] == att.ent {
			delete(e.entries, att.hash)
		}
	}
	e.mu.Unlock()

	if cancel != nil {
		defer cancel()
	}

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "torrent failed", "err", err)

	r.UpdateProgress(transfer.Progress{
		ID:            id,
		Status:        transfer.StatusFailed,
		TimeRemaining: transfer.UnknownETA,
		Error:         err.Error(),
	})
}

// Pause stops polling and, when no other running item shares the entry,
// stops requesting data. The item stays attached.
func (e *Engine) Pause(ctx context.Context, id string) error {
	e.mu.Lock()

	att, ok := e.items[id]
	if !ok || !att.running() {
		e.mu.Unlock()

		return fmt.Errorf("pause %s: %w", id, transfer.ErrNotFound)
	}

	cancel, done := att.cancel, att.done
	att.cancel = nil

	ent := att.ent
	if !e.sharedByRunningLocked(ent, id) {
		ent.handle.DisallowDataDownload()
	}
	e.mu.Unlock()

	cancel()

	return wait(ctx, done)
}

func (e *Engine) sharedByRunningLocked(ent *entry, except string) bool {
	for ref := range ent.refs {
		if ref == except {
			continue
		}

		if att, ok := e.items[ref]; ok && att.running() {
			return true
		}
	}

	return false
}

// Cancel detaches the item and deletes the downloaded data once no other item uses the entry.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	name, dropped, err := e.detach(ctx, id)
	if err != nil || !dropped || name == "" || e.dataDir == "" {
		return err
	}

	path := filepath.Join(e.dataDir, filepath.Base(name))
	if err := os.RemoveAll(path); err != nil {
		return &transfer.FilesystemError{Path: path, Operation: "delete", Err: err}
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "torrent data removed", "download_id", id, "path", path)

	return nil
}

// Remove detaches the item and drops the swarm entry once unused. Data stays on disk.
func (e *Engine) Remove(ctx context.Context, id string) error {
	_, _, err := e.detach(ctx, id)

	return err
}

// detach stops the item's poller and drops the entry when it was the last reference.
func (e *Engine) detach(ctx context.Context, id string) (string, bool, error) {
	e.mu.Lock()

	att, ok := e.items[id]
	if !ok {
		e.mu.Unlock()

		return "", false, nil
	}

	delete(e.items, id)

	cancel, done := att.cancel, att.done
	ent := att.ent
	delete(ent.refs, id)

	var name string

	dropped := len(ent.refs) == 0
	if dropped {
		if e.entries[att.hash] == ent {
			delete(e.entries, att.hash)
		}

		name = ent.handle.Name()
	}

	dead := ent.dead
	e.mu.Unlock()

	if cancel != nil {
		cancel()

		if err := wait(ctx, done); err != nil {
			return "", false, err
		}
	}

	if dropped && !dead {
		ent.handle.Drop()
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "swarm entry dropped", "download_id", id, "info_hash", att.hash)
	}

	return name, dropped, nil
}

// Close stops every poller and shuts the shared client down.
func (e *Engine) Close() error {
	e.mu.Lock()

	var pending []chan struct{}

	for _, att := range e.items {
		if att.running() {
			att.cancel()
			pending = append(pending, att.done)
			att.cancel = nil
		}
	}

	e.mu.Unlock()

	for _, done := range pending {
		<-done
	}

	return e.client.Close()
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

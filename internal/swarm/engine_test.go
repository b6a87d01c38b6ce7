package swarm

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/game_downloader/internal/transfer"
)

const testMagnet = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=game"

type fakeHandle struct {
	mu        sync.Mutex
	name      string
	length    int64
	completed int64
	stats     Stats
	allowed   bool
	dropped   bool
	all       bool

	gotInfo chan struct{}
	closed  chan struct{}
}

func newFakeHandle(name string, length int64) *fakeHandle {
	h := &fakeHandle{
		name:    name,
		length:  length,
		gotInfo: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	close(h.gotInfo)

	return h
}

func (h *fakeHandle) InfoHash() string { return "" }
func (h *fakeHandle) GotInfo() <-chan struct{} { return h.gotInfo }
func (h *fakeHandle) Closed() <-chan struct{} { return h.closed }
func (h *fakeHandle) Name() string { return h.name }
func (h *fakeHandle) Length() int64 { return h.length }
func (h *fakeHandle) DownloadAll() { h.mu.Lock(); h.all = true; h.mu.Unlock() }
func (h *fakeHandle) AllowDataDownload() { h.mu.Lock(); h.allowed = true; h.mu.Unlock() }
func (h *fakeHandle) DisallowDataDownload() { h.mu.Lock(); h.allowed = false; h.mu.Unlock() }
func (h *fakeHandle) Drop() { h.mu.Lock(); h.dropped = true; h.mu.Unlock() }
func (h *fakeHandle) BytesCompleted() int64 { h.mu.Lock(); defer h.mu.Unlock(); return h.completed }
func (h *fakeHandle) Stats() Stats { h.mu.Lock(); defer h.mu.Unlock(); return h.stats }
func (h *fakeHandle) setCompleted(n int64) { h.mu.Lock(); h.completed = n; h.mu.Unlock() }
func (h *fakeHandle) isAllowed() bool { h.mu.Lock(); defer h.mu.Unlock(); return h.allowed }
func (h *fakeHandle) isDropped() bool { h.mu.Lock(); defer h.mu.Unlock(); return h.dropped }

type fakeClient struct {
	mu      sync.Mutex
	handle  *fakeHandle
	adds    int
	down    int
	up      int
	closed  bool
	addErr  error
	sources []string
}

func (c *fakeClient) AddMagnet(uri string) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.addErr != nil {
		return nil, c.addErr
	}

	c.adds++
	c.sources = append(c.sources, uri)

	return c.handle, nil
}

func (c *fakeClient) AddTorrentFile(path string) (Handle, error) {
	return c.AddMagnet(path)
}

func (c *fakeClient) SetRateLimits(down, up int) {
	c.mu.Lock()
	c.down, c.up = down, up
	c.mu.Unlock()
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return nil
}

func (c *fakeClient) setHandle(h *fakeHandle) {
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
}

func (c *fakeClient) addCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.adds
}

type recorder struct {
	mu      sync.Mutex
	updates []transfer.Progress
}

func (r *recorder) UpdateProgress(p transfer.Progress) {
	r.mu.Lock()
	r.updates = append(r.updates, p)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []transfer.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]transfer.Progress(nil), r.updates...)
}

func (r *recorder) statuses(id string) []transfer.Status {
	var out []transfer.Status

	for _, p := range r.snapshot() {
		if p.ID == id && p.Status != transfer.StatusNone {
			out = append(out, p.Status)
		}
	}

	return out
}

func newTestEngine(t *testing.T, h *fakeHandle, opts ...Option) (*Engine, *fakeClient) {
	t.Helper()

	client := &fakeClient{handle: h}
	e := NewEngine(client, append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)...)

	t.Cleanup(func() { _ = e.Close() })

	return e, client
}

func torrentItem(id string) transfer.Item {
	return transfer.Item{ID: id, URL: testMagnet, Type: transfer.TypeTorrent}
}

func TestEngine_ReportsProgressThenSeeding(t *testing.T) {
	h := newFakeHandle("game", 1000)
	e, _ := newTestEngine(t, h)
	rec := &recorder{}

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), rec))

	assert.Eventually(t, func() bool { return len(rec.snapshot()) > 0 }, time.Second, 5*time.Millisecond)

	h.setCompleted(500)
	assert.Eventually(t, func() bool {
		for _, p := range rec.snapshot() {
			if p.Progress == 50 {
				return true
			}
		}

		return false
	}, time.Second, 5*time.Millisecond)

	h.setCompleted(1000)
	assert.Eventually(t, func() bool {
		return len(rec.statuses("a")) == 1
	}, time.Second, 5*time.Millisecond)

	// seeding is reported once, later samples carry numbers only
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []transfer.Status{transfer.StatusSeeding}, rec.statuses("a"))
	assert.True(t, h.isAllowed())
}

func TestEngine_StartTwice(t *testing.T) {
	e, _ := newTestEngine(t, newFakeHandle("game", 1000))

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), &recorder{}))

	err := e.Start(context.Background(), torrentItem("a"), &recorder{})
	assert.ErrorIs(t, err, transfer.ErrAlreadyActive)
}

func TestEngine_DuplicateSourceSharesEntry(t *testing.T) {
	h := newFakeHandle("game", 1000)
	e, client := newTestEngine(t, h)

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), &recorder{}))
	require.NoError(t, e.Start(context.Background(), torrentItem("b"), &recorder{}))

	assert.Equal(t, 1, client.addCount())

	require.NoError(t, e.Remove(context.Background(), "a"))
	assert.False(t, h.isDropped(), "entry still referenced by b")

	require.NoError(t, e.Remove(context.Background(), "b"))
	assert.True(t, h.isDropped())
}

func TestEngine_PauseAndResume(t *testing.T) {
	h := newFakeHandle("game", 1000)
	e, client := newTestEngine(t, h)
	rec := &recorder{}

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), rec))
	require.NoError(t, e.Pause(context.Background(), "a"))
	assert.False(t, h.isAllowed())

	assert.ErrorIs(t, e.Pause(context.Background(), "a"), transfer.ErrNotFound)

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), rec))
	assert.True(t, h.isAllowed())
	assert.Equal(t, 1, client.addCount(), "resume reuses the swarm entry")
}

func TestEngine_PauseKeepsSharedEntryDownloading(t *testing.T) {
	h := newFakeHandle("game", 1000)
	e, _ := newTestEngine(t, h)

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), &recorder{}))
	require.NoError(t, e.Start(context.Background(), torrentItem("b"), &recorder{}))

	require.NoError(t, e.Pause(context.Background(), "a"))
	assert.True(t, h.isAllowed())
}

func TestEngine_PauseUnknown(t *testing.T) {
	e, _ := newTestEngine(t, newFakeHandle("game", 1000))

	assert.ErrorIs(t, e.Pause(context.Background(), "missing"), transfer.ErrNotFound)
}

func TestEngine_CancelDeletesData(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "game"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "game", "data.bin"), []byte("x"), 0o600))

	h := newFakeHandle("game", 1000)
	e, _ := newTestEngine(t, h, WithDataDir(dir))

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), &recorder{}))
	require.NoError(t, e.Cancel(context.Background(), "a"))

	assert.True(t, h.isDropped())
	assert.NoDirExists(t, filepath.Join(dir, "game"))
}

func TestEngine_RemoveKeepsData(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "game"), 0o755))

	h := newFakeHandle("game", 1000)
	e, _ := newTestEngine(t, h, WithDataDir(dir))

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), &recorder{}))
	require.NoError(t, e.Remove(context.Background(), "a"))

	assert.True(t, h.isDropped())
	assert.DirExists(t, filepath.Join(dir, "game"))
}

func TestEngine_ClosedHandleFails(t *testing.T) {
	h := newFakeHandle("game", 1000)
	e, _ := newTestEngine(t, h)
	rec := &recorder{}

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), rec))
	close(h.closed)

	assert.Eventually(t, func() bool {
		st := rec.statuses("a")

		return len(st) == 1 && st[0] == transfer.StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_RestartAfterClosedHandle(t *testing.T) {
	first := newFakeHandle("game", 1000)
	e, client := newTestEngine(t, first)
	rec := &recorder{}

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), rec))
	close(first.closed)

	require.Eventually(t, func() bool {
		st := rec.statuses("a")

		return len(st) == 1 && st[0] == transfer.StatusFailed
	}, time.Second, 5*time.Millisecond)

	second := newFakeHandle("game", 1000)
	second.setCompleted(400)
	client.setHandle(second)

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), rec))
	assert.Equal(t, 2, client.addCount())
	assert.True(t, second.isAllowed())

	assert.Eventually(t, func() bool {
		for _, p := range rec.snapshot() {
			if p.ID == "a" && p.Downloaded == 400 {
				return true
			}
		}

		return false
	}, time.Second, 5*time.Millisecond)

	// another item on the same hash shares the fresh entry
	require.NoError(t, e.Start(context.Background(), torrentItem("b"), rec))
	assert.Equal(t, 2, client.addCount())

	require.NoError(t, e.Cancel(context.Background(), "a"))
	require.NoError(t, e.Cancel(context.Background(), "b"))
	assert.True(t, second.isDropped())
	assert.False(t, first.isDropped())
}

func TestEngine_CancelAfterClosedHandle(t *testing.T) {
	h := newFakeHandle("game", 1000)
	e, _ := newTestEngine(t, h)
	rec := &recorder{}

	require.NoError(t, e.Start(context.Background(), torrentItem("a"), rec))
	close(h.closed)

	require.Eventually(t, func() bool { return len(rec.statuses("a")) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Cancel(context.Background(), "a"))
	assert.False(t, h.isDropped())
	assert.ErrorIs(t, e.Pause(context.Background(), "a"), transfer.ErrNotFound)
}

func TestEngine_AddErrorIsSwarmError(t *testing.T) {
	client := &fakeClient{addErr: assert.AnError}
	e := NewEngine(client)

	err := e.Start(context.Background(), torrentItem("a"), &recorder{})

	var swarmErr *transfer.SwarmError
	require.ErrorAs(t, err, &swarmErr)
	assert.Equal(t, "add", swarmErr.Operation)
}

func TestEngine_UnsupportedSource(t *testing.T) {
	e, _ := newTestEngine(t, newFakeHandle("game", 1000))

	item := transfer.Item{ID: "a", URL: "https://example.com/game.zip", Type: transfer.TypeTorrent}

	var swarmErr *transfer.SwarmError
	require.ErrorAs(t, e.Start(context.Background(), item, &recorder{}), &swarmErr)
}

func TestEngine_SetRateLimits(t *testing.T) {
	e, client := newTestEngine(t, newFakeHandle("game", 1000))

	e.SetRateLimits(1024, 512)

	assert.Equal(t, 1024, client.down)
	assert.Equal(t, 512, client.up)
}

func TestInfoHash(t *testing.T) {
	t.Run("magnet", func(t *testing.T) {
		hash, err := infoHash(testMagnet)
		require.NoError(t, err)
		assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", hash)
	})

	t.Run("torrent file", func(t *testing.T) {
		info := metainfo.Info{
			Name:        "game.bin",
			PieceLength: 16384,
			Length:      5,
			Pieces:      make([]byte, 20),
		}

		infoBytes, err := bencode.Marshal(info)
		require.NoError(t, err)

		path := filepath.Join(t.TempDir(), "game.torrent")
		f, err := os.Create(path)
		require.NoError(t, err)

		mi := metainfo.MetaInfo{InfoBytes: infoBytes}
		require.NoError(t, mi.Write(f))
		require.NoError(t, f.Close())

		hash, err := infoHash("file://" + path)
		require.NoError(t, err)
		assert.Equal(t, mi.HashInfoBytes().HexString(), hash)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := infoHash("https://example.com/game.torrent")
		assert.Error(t, err)
	})
}

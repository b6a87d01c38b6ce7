package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/game_downloader/internal/debrid"
	"github.com/italolelis/game_downloader/internal/transfer"
)

type fakeQueue struct {
	items    map[string]transfer.Item
	added    []transfer.AddOptions
	addErr   error
	ctrlErr  error
	controls []string
	priority transfer.Priority
	cfg      transfer.QueueConfig
	cleared  int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{items: map[string]transfer.Item{}, cfg: transfer.DefaultQueueConfig()}
}

func (q *fakeQueue) Add(_ context.Context, opts transfer.AddOptions) (string, error) {
	if q.addErr != nil {
		return "", q.addErr
	}

	q.added = append(q.added, opts)
	id := fmt.Sprintf("dl-%d", len(q.added))
	q.items[id] = transfer.Item{ID: id, URL: opts.URL, Type: opts.Type, Name: opts.DisplayName(), Status: transfer.StatusQueued}

	return id, nil
}

func (q *fakeQueue) control(op, id string) error {
	q.controls = append(q.controls, op+":"+id)

	return q.ctrlErr
}

func (q *fakeQueue) Pause(_ context.Context, id string) error  { return q.control("pause", id) }
func (q *fakeQueue) Resume(_ context.Context, id string) error { return q.control("resume", id) }
func (q *fakeQueue) Cancel(_ context.Context, id string) error { return q.control("cancel", id) }
func (q *fakeQueue) Remove(_ context.Context, id string) error { return q.control("remove", id) }

func (q *fakeQueue) SetPriority(_ context.Context, id string, p transfer.Priority) error {
	if !p.Valid() {
		return transfer.ErrInvalidOptions
	}

	q.priority = p

	return q.control("priority", id)
}

func (q *fakeQueue) GetDownloads() []transfer.Item {
	out := make([]transfer.Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it)
	}

	return out
}

func (q *fakeQueue) GetDownload(id string) (transfer.Item, error) {
	it, ok := q.items[id]
	if !ok {
		return transfer.Item{}, transfer.ErrNotFound
	}

	return it, nil
}

func (q *fakeQueue) Config() transfer.QueueConfig { return q.cfg }

func (q *fakeQueue) UpdateConfig(_ context.Context, patch transfer.QueueConfigPatch) (transfer.QueueConfig, error) {
	q.cfg = patch.Apply(q.cfg)

	return q.cfg, nil
}

func (q *fakeQueue) ClearCompletedDownloads() int { return q.cleared }

type fakeCaching struct {
	outcome debrid.Outcome
	err     error
	entries []debrid.Entry
	stats   map[string]debrid.Stats
}

func (c *fakeCaching) AddDownload(context.Context, transfer.AddOptions) (debrid.Outcome, error) {
	return c.outcome, c.err
}

func (c *fakeCaching) Get(id string) (debrid.Stats, error) {
	s, ok := c.stats[id]
	if !ok {
		return debrid.Stats{}, transfer.ErrNotFound
	}

	return s, nil
}

func (c *fakeCaching) List() []debrid.Entry { return c.entries }

func (c *fakeCaching) Cancel(id string) error {
	if _, ok := c.stats[id]; !ok {
		return transfer.ErrNotFound
	}

	delete(c.stats, id)

	return nil
}

type fakeThrottler struct{ down, up int }

func (t *fakeThrottler) SetRateLimits(down, up int) { t.down, t.up = down, up }

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestDownloadsHandler_AddAndGet(t *testing.T) {
	q := newFakeQueue()
	h := NewDownloadsHandler(q).Routes()

	rec := do(t, h, http.MethodPost, "/downloads", `{"url":"https://example.com/game.zip","type":"http","priority":"high"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp addResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "dl-1", resp.ID)
	require.Len(t, q.added, 1)
	assert.Equal(t, transfer.PriorityHigh, q.added[0].Priority)

	rec = do(t, h, http.MethodGet, "/downloads/dl-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var item transfer.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "game.zip", item.Name)

	rec = do(t, h, http.MethodGet, "/downloads", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []transfer.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 1)
}

func TestDownloadsHandler_BadBody(t *testing.T) {
	h := NewDownloadsHandler(newFakeQueue()).Routes()

	rec := do(t, h, http.MethodPost, "/downloads", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadsHandler_Controls(t *testing.T) {
	q := newFakeQueue()
	h := NewDownloadsHandler(q).Routes()

	for _, tc := range []struct {
		method, path, op string
	}{
		{http.MethodPost, "/downloads/x/pause", "pause:x"},
		{http.MethodPost, "/downloads/x/resume", "resume:x"},
		{http.MethodPost, "/downloads/x/cancel", "cancel:x"},
		{http.MethodDelete, "/downloads/x", "remove:x"},
	} {
		rec := do(t, h, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNoContent, rec.Code, tc.path)
		assert.Contains(t, q.controls, tc.op)
	}

	rec := do(t, h, http.MethodPut, "/downloads/x/priority", `{"priority":"low"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, transfer.PriorityLow, q.priority)

	rec = do(t, h, http.MethodPut, "/downloads/x/priority", `{"priority":"urgent"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDownloadsHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", transfer.ErrNotFound, http.StatusNotFound},
		{"invalid transition", fmt.Errorf("pause completed: %w", transfer.ErrInvalidTransition), http.StatusConflict},
		{"already active", transfer.ErrAlreadyActive, http.StatusConflict},
		{"invalid options", transfer.ErrInvalidOptions, http.StatusUnprocessableEntity},
		{"no engine", transfer.ErrNoEngine, http.StatusUnprocessableEntity},
		{"engine", &transfer.EngineError{ID: "x", Operation: "start", Err: errors.New("boom")}, http.StatusBadGateway},
		{"provider", &transfer.ProviderError{Provider: "putio", Operation: "resolve", Err: errors.New("boom")}, http.StatusBadGateway},
		{"auth", &transfer.AuthenticationError{Operation: "login", Err: errors.New("denied")}, http.StatusBadGateway},
		{"network", &transfer.NetworkError{Operation: "get", StatusCode: 503}, http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newFakeQueue()
			q.ctrlErr = tt.err

			rec := do(t, NewDownloadsHandler(q).Routes(), http.MethodPost, "/downloads/x/pause", "")
			assert.Equal(t, tt.want, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestDownloadsHandler_GetMissing(t *testing.T) {
	rec := do(t, NewDownloadsHandler(newFakeQueue()).Routes(), http.MethodGet, "/downloads/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadsHandler_Config(t *testing.T) {
	q := newFakeQueue()
	h := NewDownloadsHandler(q).Routes()

	rec := do(t, h, http.MethodPatch, "/config", `{"maxConcurrentDownloads":5,"persistQueue":true,"retryDelayMs":2500}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg transfer.QueueConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 5, cfg.MaxConcurrentDownloads)
	assert.True(t, cfg.PersistQueue)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2500*time.Millisecond, q.cfg.RetryDelay)

	rec = do(t, h, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"maxConcurrentDownloads":5`)
	assert.Contains(t, rec.Body.String(), `"retryDelayMs":2500`)
}

func TestDownloadsHandler_ClearCompleted(t *testing.T) {
	q := newFakeQueue()
	q.cleared = 4

	rec := do(t, NewDownloadsHandler(q).Routes(), http.MethodPost, "/downloads/clear-completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":4}`, rec.Body.String())
}

func TestDownloadsHandler_Throttle(t *testing.T) {
	thr := &fakeThrottler{}
	h := NewDownloadsHandler(newFakeQueue(), WithThrottler(thr)).Routes()

	rec := do(t, h, http.MethodPut, "/throttle", `{"downloadRate":1048576,"uploadRate":0}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1048576, thr.down)
	assert.Equal(t, 0, thr.up)

	rec = do(t, h, http.MethodPut, "/throttle", `{"downloadRate":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, NewDownloadsHandler(newFakeQueue()).Routes(), http.MethodPut, "/throttle", `{"downloadRate":1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDownloadsHandler_DebridAdd(t *testing.T) {
	t.Run("caching", func(t *testing.T) {
		c := &fakeCaching{outcome: debrid.Outcome{CachingID: "c1", IsCaching: true, Stats: &debrid.Stats{Progress: 12, IsCaching: true}}}
		h := NewDownloadsHandler(newFakeQueue(), WithCaching(c)).Routes()

		rec := do(t, h, http.MethodPost, "/downloads", `{"url":"magnet:?xt=urn:btih:abc","type":"torrent","debrid":true}`)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp addResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "c1", resp.CachingID)
		assert.True(t, resp.IsCaching)
		require.NotNil(t, resp.Stats)
		assert.InDelta(t, 12, resp.Stats.Progress, 0.001)
	})

	t.Run("ready", func(t *testing.T) {
		c := &fakeCaching{outcome: debrid.Outcome{DownloadID: "dl-9"}}
		h := NewDownloadsHandler(newFakeQueue(), WithCaching(c)).Routes()

		rec := do(t, h, http.MethodPost, "/downloads", `{"url":"https://host/file","type":"http","debrid":true}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), `"id":"dl-9"`)
	})

	t.Run("provider error", func(t *testing.T) {
		c := &fakeCaching{err: &transfer.ProviderError{Provider: "realdebrid", Operation: "resolve", Reason: "dead"}}
		h := NewDownloadsHandler(newFakeQueue(), WithCaching(c)).Routes()

		rec := do(t, h, http.MethodPost, "/downloads", `{"url":"https://host/file","type":"http","debrid":true}`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("disabled", func(t *testing.T) {
		h := NewDownloadsHandler(newFakeQueue()).Routes()

		rec := do(t, h, http.MethodPost, "/downloads", `{"url":"https://host/file","type":"http","debrid":true}`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestDownloadsHandler_Caching(t *testing.T) {
	c := &fakeCaching{
		entries: []debrid.Entry{{ID: "c1", URL: "magnet:?xt=urn:btih:abc", Type: transfer.TypeTorrent}},
		stats:   map[string]debrid.Stats{"c1": {Progress: 40, IsCaching: true}},
	}
	h := NewDownloadsHandler(newFakeQueue(), WithCaching(c)).Routes()

	rec := do(t, h, http.MethodGet, "/caching", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"c1"`)

	rec = do(t, h, http.MethodGet, "/caching/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"progress":40`)

	rec = do(t, h, http.MethodDelete, "/caching/c1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/caching/c1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, NewDownloadsHandler(newFakeQueue()).Routes(), http.MethodGet, "/caching", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestDownloadsHandler_AddTorrentFile(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	h := NewDownloadsHandler(q, WithTorrentDir(dir)).Routes()

	content := []byte("d8:announce3:url4:infod4:name4:testee")
	body, err := json.Marshal(torrentFileRequest{MetaInfo: base64.StdEncoding.EncodeToString(content), Name: "Test Game"})
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/downloads/torrent-file", string(body))
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, q.added, 1)
	added := q.added[0]
	assert.Equal(t, transfer.TypeTorrent, added.Type)
	assert.Equal(t, "Test Game", added.Name)

	path := filepath.Join(dir, generateTorrentFilename(content))
	assert.Equal(t, "file://"+path, added.URL)

	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, stored))
}

func TestDownloadsHandler_AddTorrentFileRejected(t *testing.T) {
	tests := []struct {
		name     string
		metainfo string
	}{
		{"bad base64", "!!!not-base64"},
		{"not bencode", base64.StdEncoding.EncodeToString([]byte("not bencode at all"))},
		{"missing info", base64.StdEncoding.EncodeToString([]byte("d8:announce3:urle"))},
		{"too large", base64.StdEncoding.EncodeToString(make([]byte, maxTorrentSize+1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newFakeQueue()
			h := NewDownloadsHandler(q, WithTorrentDir(t.TempDir())).Routes()

			body, err := json.Marshal(torrentFileRequest{MetaInfo: tt.metainfo})
			require.NoError(t, err)

			rec := do(t, h, http.MethodPost, "/downloads/torrent-file", string(body))
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			assert.Empty(t, q.added)
		})
	}
}

func TestValidateBencodeStructure(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{"info dict", []byte("d4:infod4:name4:testee"), false},
		{"with announce", []byte("d8:announce3:url4:infod4:name4:testee"), false},
		{"not bencode", []byte("not bencode at all"), true},
		{"truncated", []byte("d4:info"), true},
		{"list", []byte("l4:infoe"), true},
		{"no info", []byte("d4:name4:teste"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBencodeStructure(tt.data)
			if tt.expectError {
				require.ErrorIs(t, err, transfer.ErrInvalidOptions)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestGenerateTorrentFilename(t *testing.T) {
	a := generateTorrentFilename([]byte("one"))
	b := generateTorrentFilename([]byte("two"))

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, generateTorrentFilename([]byte("one")))
	assert.True(t, strings.HasSuffix(a, ".torrent"))
	assert.Len(t, a, 16+len(".torrent"))
}

package rest

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/anacrolix/torrent/bencode"
	"github.com/go-chi/chi/v5"

	"github.com/italolelis/game_downloader/internal/debrid"
	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/transfer"
)

const maxTorrentSize = 10 * 1024 * 1024 // 10MB

// Queue is the download queue contract served by the API.
type Queue interface {
	Add(ctx context.Context, opts transfer.AddOptions) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	SetPriority(ctx context.Context, id string, priority transfer.Priority) error
	GetDownloads() []transfer.Item
	GetDownload(id string) (transfer.Item, error)
	Config() transfer.QueueConfig
	UpdateConfig(ctx context.Context, patch transfer.QueueConfigPatch) (transfer.QueueConfig, error)
	ClearCompletedDownloads() int
}

// Caching is the debrid caching registry.
type Caching interface {
	AddDownload(ctx context.Context, opts transfer.AddOptions) (debrid.Outcome, error)
	Get(id string) (debrid.Stats, error)
	List() []debrid.Entry
	Cancel(id string) error
}

// Throttler adjusts global swarm bandwidth.
type Throttler interface {
	SetRateLimits(downloadBytesPerSec, uploadBytesPerSec int)
}

type addRequest struct {
	transfer.AddOptions

	// Debrid routes the source through the configured debrid provider first.
	Debrid bool `json:"debrid,omitempty"`
}

type addResponse struct {
	ID        string        `json:"id,omitempty"`
	CachingID string        `json:"cachingId,omitempty"`
	IsCaching bool          `json:"isCaching"`
	Stats     *debrid.Stats `json:"stats,omitempty"`
}

type torrentFileRequest struct {
	MetaInfo  string            `json:"metainfo"` // base64 .torrent content
	Name      string            `json:"name,omitempty"`
	Priority  transfer.Priority `json:"priority,omitempty"`
	AutoStart *bool             `json:"autoStart,omitempty"`
	GameData  map[string]any    `json:"gameData,omitempty"`
}

type priorityRequest struct {
	Priority transfer.Priority `json:"priority"`
}

type throttleRequest struct {
	DownloadRate int `json:"downloadRate"` // bytes/sec, 0 = unlimited
	UploadRate   int `json:"uploadRate"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type HandlerOption func(*DownloadsHandler)

func WithCaching(c Caching) HandlerOption {
	return func(h *DownloadsHandler) { h.caching = c }
}

func WithThrottler(t Throttler) HandlerOption {
	return func(h *DownloadsHandler) { h.throttler = t }
}

// WithTorrentDir is where uploaded .torrent files are stored.
func WithTorrentDir(dir string) HandlerOption {
	return func(h *DownloadsHandler) { h.torrentDir = dir }
}

type DownloadsHandler struct {
	queue      Queue
	caching    Caching
	throttler  Throttler
	torrentDir string
}

// NewDownloadsHandler creates the local control API over the queue.
func NewDownloadsHandler(q Queue, opts ...HandlerOption) *DownloadsHandler {
	h := &DownloadsHandler{queue: q}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleAdd)
		r.Post("/torrent-file", h.HandleAddTorrentFile)
		r.Post("/clear-completed", h.HandleClearCompleted)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Delete("/", h.HandleRemove)
			r.Post("/pause", h.HandlePause)
			r.Post("/resume", h.HandleResume)
			r.Post("/cancel", h.HandleCancel)
			r.Put("/priority", h.HandleSetPriority)
		})
	})

	r.Get("/config", h.HandleGetConfig)
	r.Patch("/config", h.HandleUpdateConfig)
	r.Put("/throttle", h.HandleThrottle)

	r.Route("/caching", func(r chi.Router) {
		r.Get("/", h.HandleListCaching)
		r.Get("/{id}", h.HandleGetCaching)
		r.Delete("/{id}", h.HandleCancelCaching)
	})

	return r
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.queue.GetDownloads())
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	item, err := h.queue.GetDownload(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, item)
}

func (h *DownloadsHandler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	if req.Debrid {
		if h.caching == nil {
			writeError(w, r, &transfer.ProviderError{Provider: "none", Operation: "select", Reason: "debrid is not enabled"})

			return
		}

		out, err := h.caching.AddDownload(ctx, req.AddOptions)
		if err != nil {
			writeError(w, r, err)

			return
		}

		status := http.StatusCreated
		if out.IsCaching {
			status = http.StatusAccepted
		}

		writeJSON(w, r, status, addResponse{ID: out.DownloadID, CachingID: out.CachingID, IsCaching: out.IsCaching, Stats: out.Stats})

		return
	}

	id, err := h.queue.Add(ctx, req.AddOptions)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusCreated, addResponse{ID: id})
}

// HandleAddTorrentFile stores an uploaded .torrent file and queues it.
func (h *DownloadsHandler) HandleAddTorrentFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req torrentFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	torrentBytes, err := base64.StdEncoding.DecodeString(req.MetaInfo)
	if err != nil {
		logger.Error("failed to decode base64 metainfo", "err", err, "metainfo_length", len(req.MetaInfo))
		writeError(w, r, fmt.Errorf("invalid base64 encoding: %w", transfer.ErrInvalidOptions))

		return
	}

	// size is checked before decoding to bound memory
	if len(torrentBytes) > maxTorrentSize {
		writeError(w, r, fmt.Errorf("torrent size %d bytes exceeds maximum %d bytes: %w", len(torrentBytes), maxTorrentSize, transfer.ErrInvalidOptions))

		return
	}

	if err := validateBencodeStructure(torrentBytes); err != nil {
		logger.Error("bencode validation failed", "err", err, "size_bytes", len(torrentBytes))
		writeError(w, r, err)

		return
	}

	path := filepath.Join(h.torrentDir, generateTorrentFilename(torrentBytes))
	if err := os.WriteFile(path, torrentBytes, 0o644); err != nil {
		writeError(w, r, &transfer.FilesystemError{Path: path, Operation: "write", Err: err})

		return
	}

	id, err := h.queue.Add(ctx, transfer.AddOptions{
		URL:       "file://" + path,
		Type:      transfer.TypeTorrent,
		Name:      req.Name,
		Priority:  req.Priority,
		AutoStart: req.AutoStart,
		GameData:  req.GameData,
	})
	if err != nil {
		writeError(w, r, err)

		return
	}

	logger.Info("torrent file queued", "download_id", id, "path", path)

	writeJSON(w, r, http.StatusCreated, addResponse{ID: id})
}

func (h *DownloadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.queue.Pause)
}

func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.queue.Resume)
}

func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.queue.Cancel)
}

func (h *DownloadsHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.queue.Remove)
}

func (h *DownloadsHandler) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	if err := op(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) HandleSetPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	if err := h.queue.SetPriority(r.Context(), chi.URLParam(r, "id"), req.Priority); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) HandleClearCompleted(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]int{"cleared": h.queue.ClearCompletedDownloads()})
}

func (h *DownloadsHandler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.queue.Config())
}

func (h *DownloadsHandler) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch transfer.QueueConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	cfg, err := h.queue.UpdateConfig(r.Context(), patch)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, cfg)
}

func (h *DownloadsHandler) HandleThrottle(w http.ResponseWriter, r *http.Request) {
	if h.throttler == nil {
		writeError(w, r, fmt.Errorf("%s: %w", transfer.TypeTorrent, transfer.ErrNoEngine))

		return
	}

	var req throttleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DownloadRate < 0 || req.UploadRate < 0 {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	h.throttler.SetRateLimits(req.DownloadRate, req.UploadRate)

	logctx.LoggerFromContext(r.Context()).Info("swarm bandwidth limits updated",
		"download_rate", req.DownloadRate, "upload_rate", req.UploadRate)

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) HandleListCaching(w http.ResponseWriter, r *http.Request) {
	if h.caching == nil {
		writeJSON(w, r, http.StatusOK, []debrid.Entry{})

		return
	}

	writeJSON(w, r, http.StatusOK, h.caching.List())
}

func (h *DownloadsHandler) HandleGetCaching(w http.ResponseWriter, r *http.Request) {
	if h.caching == nil {
		writeError(w, r, transfer.ErrNotFound)

		return
	}

	stats, err := h.caching.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, stats)
}

func (h *DownloadsHandler) HandleCancelCaching(w http.ResponseWriter, r *http.Request) {
	if h.caching == nil {
		writeError(w, r, transfer.ErrNotFound)

		return
	}

	if err := h.caching.Cancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// validateBencodeStructure checks that data is a bencoded dictionary with an info key.
func validateBencodeStructure(data []byte) error {
	var dict map[string]bencode.Bytes

	if err := bencode.Unmarshal(data, &dict); err != nil {
		return fmt.Errorf("invalid bencode structure: %v: %w", err, transfer.ErrInvalidOptions)
	}

	if _, ok := dict["info"]; !ok {
		return fmt.Errorf("bencode missing required 'info' dictionary: %w", transfer.ErrInvalidOptions)
	}

	return nil
}

// generateTorrentFilename derives a stable .torrent filename from the content.
func generateTorrentFilename(torrentBytes []byte) string {
	hash := sha1.Sum(torrentBytes)
	hashStr := hex.EncodeToString(hash[:])

	return fmt.Sprintf("%s.torrent", hashStr[:16])
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		engineErr   *transfer.EngineError
		providerErr *transfer.ProviderError
		authErr     *transfer.AuthenticationError
		networkErr  *transfer.NetworkError
	)

	switch {
	case errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrInvalidTransition), errors.Is(err, transfer.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrInvalidOptions), errors.Is(err, transfer.ErrNoEngine):
		return http.StatusUnprocessableEntity
	case errors.As(err, &engineErr), errors.As(err, &providerErr), errors.As(err, &authErr), errors.As(err, &networkErr):
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	logger := logctx.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "err", err)
	} else {
		logger.Debug("request rejected", "status", status, "err", err)
	}

	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

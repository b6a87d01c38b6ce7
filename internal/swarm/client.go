package swarm

import (
	"errors"
	"fmt"
	"os"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/time/rate"
)

const (
	dirPerm = 0755
	// minBurst must cover the largest chunk the client requests from a limiter at once.
	minBurst = 256 << 10
)

// Client is the slice of a swarm client the engine relies on.
type Client interface {
	AddMagnet(uri string) (Handle, error)
	AddTorrentFile(path string) (Handle, error)
	SetRateLimits(downloadBytesPerSec, uploadBytesPerSec int)
	Close() error
}

// Handle is one swarm entry shared by every item attached to the same info hash.
type Handle interface {
	InfoHash() string
	GotInfo() <-chan struct{}
	Closed() <-chan struct{}
	Name() string
	Length() int64
	BytesCompleted() int64
	Stats() Stats
	DownloadAll()
	AllowDataDownload()
	DisallowDataDownload()
	Drop()
}

// Stats is a snapshot of peer and upload counters.
type Stats struct {
	Peers    int
	Seeders  int
	Uploaded int64
}

// ClientConfig configures the shared anacrolix client.
type ClientConfig struct {
	DataDir         string
	ListenPort      int
	MaxDownloadRate int // bytes/sec, 0 = unlimited
	MaxUploadRate   int // bytes/sec, 0 = unlimited
}

// AnacrolixClient is the process-wide swarm client.
type AnacrolixClient struct {
	cl   *torrent.Client
	down *rate.Limiter
	up   *rate.Limiter
}

func NewAnacrolixClient(cfg ClientConfig) (*AnacrolixClient, error) {
	if err := os.MkdirAll(cfg.DataDir, dirPerm); err != nil {
		return nil, fmt.Errorf("create torrent data dir: %w", err)
	}

	down := rate.NewLimiter(rate.Inf, minBurst)
	up := rate.NewLimiter(rate.Inf, minBurst)

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DataDir
	clientConfig.Seed = true
	clientConfig.NoUpload = false
	clientConfig.DownloadRateLimiter = down
	clientConfig.UploadRateLimiter = up

	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}

	cl, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	c := &AnacrolixClient{cl: cl, down: down, up: up}
	c.SetRateLimits(cfg.MaxDownloadRate, cfg.MaxUploadRate)

	return c, nil
}

func (c *AnacrolixClient) AddMagnet(uri string) (Handle, error) {
	t, err := c.cl.AddMagnet(uri)
	if err != nil {
		return nil, err
	}

	return &torrentHandle{t: t}, nil
}

func (c *AnacrolixClient) AddTorrentFile(path string) (Handle, error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load torrent file: %w", err)
	}

	t, err := c.cl.AddTorrent(mi)
	if err != nil {
		return nil, err
	}

	return &torrentHandle{t: t}, nil
}

// SetRateLimits throttles aggregate bandwidth across every torrent.
func (c *AnacrolixClient) SetRateLimits(downloadBytesPerSec, uploadBytesPerSec int) {
	setLimit(c.down, downloadBytesPerSec)
	setLimit(c.up, uploadBytesPerSec)
}

func setLimit(l *rate.Limiter, bytesPerSec int) {
	if bytesPerSec <= 0 {
		l.SetLimit(rate.Inf)

		return
	}

	l.SetLimit(rate.Limit(bytesPerSec))
	l.SetBurst(max(bytesPerSec, minBurst))
}

func (c *AnacrolixClient) Close() error {
	return errors.Join(c.cl.Close()...)
}

type torrentHandle struct {
	t *torrent.Torrent
}

func (h *torrentHandle) InfoHash() string         { return h.t.InfoHash().HexString() }
func (h *torrentHandle) GotInfo() <-chan struct{} { return h.t.GotInfo() }
func (h *torrentHandle) Closed() <-chan struct{}  { return h.t.Closed() }
func (h *torrentHandle) Name() string             { return h.t.Name() }
func (h *torrentHandle) BytesCompleted() int64    { return h.t.BytesCompleted() }
func (h *torrentHandle) DownloadAll()             { h.t.DownloadAll() }
func (h *torrentHandle) AllowDataDownload()       { h.t.AllowDataDownload() }
func (h *torrentHandle) DisallowDataDownload()    { h.t.DisallowDataDownload() }
func (h *torrentHandle) Drop()                    { h.t.Drop() }

func (h *torrentHandle) Length() int64 {
	if h.t.Info() == nil {
		return 0
	}

	return h.t.Length()
}

func (h *torrentHandle) Stats() Stats {
	s := h.t.Stats()

	return Stats{
		Peers:    s.ActivePeers,
		Seeders:  s.ConnectedSeeders,
		Uploaded: s.BytesWrittenData.Int64(),
	}
}

package realdebrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/italolelis/game_downloader/internal/debrid"
	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/transfer"
)

const (
	providerName   = "realdebrid"
	DefaultBaseURL = "https://api.real-debrid.com/rest/1.0"

	requestTimeout = 30 * time.Second
)

// Torrent statuses reported by /torrents/info.
const (
	statusMagnetError           = "magnet_error"
	statusWaitingFilesSelection = "waiting_files_selection"
	statusDownloaded            = "downloaded"
	statusError                 = "error"
	statusVirus                 = "virus"
	statusDead                  = "dead"
)

type torrentInfo struct {
	ID       string   `json:"id"`
	Filename string   `json:"filename"`
	Hash     string   `json:"hash"`
	Bytes    int64    `json:"bytes"`
	Progress float64  `json:"progress"`
	Status   string   `json:"status"`
	Links    []string `json:"links"`
}

type unrestrictedLink struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Download string `json:"download"`
}

type addTorrentResponse struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

type apiError struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	base := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   requestTimeout,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})),
	}
}

// Factory builds the provider when a token is configured.
func Factory(token, baseURL string) debrid.Factory {
	return func(context.Context) (debrid.Provider, error) {
		if token == "" {
			return nil, nil
		}

		return NewClient(token, baseURL), nil
	}
}

func (c *Client) Name() string {
	return providerName
}

// Resolve unrestricts links directly. Magnets are added (or reused by info
// hash), all files are selected, and the first link is unrestricted once the
// torrent is downloaded on the provider side.
func (c *Client) Resolve(ctx context.Context, source string, kind debrid.Kind) (*debrid.Result, error) {
	if kind == debrid.KindLink {
		link, err := c.unrestrict(ctx, source)
		if err != nil {
			return nil, err
		}

		return &debrid.Result{URL: link.Download, FileSize: link.Filesize, Title: link.Filename}, nil
	}

	return c.resolveMagnet(ctx, source)
}

func (c *Client) resolveMagnet(ctx context.Context, magnet string) (*debrid.Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	id, err := c.findTorrent(ctx, magnet)
	if err != nil {
		return nil, err
	}

	if id == "" {
		var added addTorrentResponse
		if err := c.do(ctx, http.MethodPost, "/torrents/addMagnet", url.Values{"magnet": {magnet}}, &added); err != nil {
			return nil, err
		}

		id = added.ID

		logger.InfoContext(ctx, "magnet added to Real-Debrid", "torrent_id", id)
	}

	var info torrentInfo
	if err := c.do(ctx, http.MethodGet, "/torrents/info/"+url.PathEscape(id), nil, &info); err != nil {
		return nil, err
	}

	logger = logger.With("torrent_id", id, "status", info.Status)

	switch info.Status {
	case statusMagnetError, statusError, statusVirus, statusDead:
		return nil, &transfer.ProviderError{Provider: providerName, Operation: "torrent_status", Reason: "torrent " + info.Status}
	case statusWaitingFilesSelection:
		if err := c.do(ctx, http.MethodPost, "/torrents/selectFiles/"+url.PathEscape(id), url.Values{"files": {"all"}}, nil); err != nil {
			return nil, err
		}

		logger.DebugContext(ctx, "selected all files")
	case statusDownloaded:
		if len(info.Links) == 0 {
			return nil, &transfer.ProviderError{Provider: providerName, Operation: "torrent_links", Reason: "downloaded torrent has no links"}
		}

		link, err := c.unrestrict(ctx, info.Links[0])
		if err != nil {
			return nil, err
		}

		title := link.Filename
		if title == "" {
			title = info.Filename
		}

		return &debrid.Result{URL: link.Download, FileSize: link.Filesize, Title: title}, nil
	}

	return &debrid.Result{
		IsCaching: true,
		Progress:  info.Progress,
		FileSize:  info.Bytes,
		Title:     info.Filename,
	}, nil
}

// findTorrent returns the id of an existing torrent with the magnet's info hash.
func (c *Client) findTorrent(ctx context.Context, magnet string) (string, error) {
	m, err := metainfo.ParseMagnetUri(magnet)
	if err != nil {
		return "", &transfer.ProviderError{Provider: providerName, Operation: "parse_magnet", Reason: err.Error(), Err: err}
	}

	hash := m.InfoHash.HexString()

	var torrents []torrentInfo
	if err := c.do(ctx, http.MethodGet, "/torrents", nil, &torrents); err != nil {
		return "", err
	}

	for _, t := range torrents {
		if strings.EqualFold(t.Hash, hash) {
			return t.ID, nil
		}
	}

	return "", nil
}

func (c *Client) unrestrict(ctx context.Context, link string) (*unrestrictedLink, error) {
	var out unrestrictedLink
	if err := c.do(ctx, http.MethodPost, "/unrestrict/link", url.Values{"link": {link}}, &out); err != nil {
		return nil, err
	}

	if out.Download == "" {
		return nil, &transfer.ProviderError{Provider: providerName, Operation: "unrestrict_link", Reason: "no download url returned"}
	}

	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	operation := operationName(path)

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transfer.ProviderError{
			Provider:  providerName,
			Operation: operation,
			Reason:    "request failed",
			Err:       &transfer.NetworkError{Operation: operation, APIMessage: err.Error(), Err: err},
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &transfer.AuthenticationError{Operation: operation, Err: errors.New(resp.Status)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)

		msg := apiErr.Error
		if msg == "" {
			msg = resp.Status
		}

		return &transfer.ProviderError{
			Provider:  providerName,
			Operation: operation,
			Reason:    msg,
			Err:       &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: msg},
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &transfer.ProviderError{Provider: providerName, Operation: operation, Reason: "invalid response body", Err: err}
	}

	return nil
}

// operationName turns "/torrents/info/ABC" into "torrents_info".
func operationName(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}

	return strings.Join(parts, "_")
}

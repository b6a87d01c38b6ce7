package putio

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/putdotio/go-putio"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/italolelis/game_downloader/internal/debrid"
	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/transfer"
)

const providerName = "putio"

// Put.io transfer statuses.
const (
	statusCompleted = "COMPLETED"
	statusSeeding   = "SEEDING"
	statusError     = "ERROR"
)

type Client struct {
	putioClient *putio.Client
	folder      string
}

func NewClient(token, folder string) *Client {
	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(ctx, tokenSource)

	return &Client{
		putioClient: putio.NewClient(oauthClient),
		folder:      folder,
	}
}

// Factory builds the provider when a token is configured.
func Factory(token, folder string) debrid.Factory {
	return func(ctx context.Context) (debrid.Provider, error) {
		if token == "" {
			return nil, nil
		}

		c := NewClient(token, folder)
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}

		return c, nil
	}
}

func (c *Client) Name() string {
	return providerName
}

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	user, err := c.putioClient.Account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return &transfer.AuthenticationError{Operation: "putio_account_info", Err: err}
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// Resolve finds or creates the Put.io transfer for source. A finished
// transfer resolves to the download URL of its largest file.
func (c *Client) Resolve(ctx context.Context, source string, kind debrid.Kind) (*debrid.Result, error) {
	if kind != debrid.KindTorrent {
		return nil, &transfer.ProviderError{Provider: providerName, Operation: "resolve", Reason: fmt.Sprintf("unsupported kind %q", kind)}
	}

	logger := logctx.LoggerFromContext(ctx)

	t, err := c.findTransfer(ctx, source)
	if err != nil {
		return nil, err
	}

	if t == nil {
		added, err := c.addTransfer(ctx, source)
		if err != nil {
			return nil, err
		}

		t = added
	}

	logger = logger.With("transfer_id", t.ID, "status", t.Status)

	switch t.Status {
	case statusError:
		return nil, &transfer.ProviderError{Provider: providerName, Operation: "transfer", Reason: t.ErrorMessage}
	case statusCompleted, statusSeeding:
		if t.FileID == 0 {
			break
		}

		file, err := c.largestFile(ctx, t.FileID)
		if err != nil {
			return nil, err
		}

		url, err := c.putioClient.Files.URL(ctx, file.ID, false)
		if err != nil {
			logger.ErrorContext(ctx, "failed to get file download url", "file_id", file.ID, "err", err)

			return nil, &transfer.ProviderError{Provider: providerName, Operation: "file_url", Reason: err.Error(), Err: err}
		}

		logger.DebugContext(ctx, "transfer ready", "file_id", file.ID)

		return &debrid.Result{URL: url, FileSize: file.Size, Title: file.Name}, nil
	}

	logger.DebugContext(ctx, "transfer still caching", "percent_done", t.PercentDone)

	return &debrid.Result{
		IsCaching: true,
		Progress:  float64(t.PercentDone),
		FileSize:  int64(t.Size),
		Title:     t.Name,
	}, nil
}

// findTransfer reuses an existing transfer with the same source.
func (c *Client) findTransfer(ctx context.Context, source string) (*putio.Transfer, error) {
	transfers, err := c.putioClient.Transfers.List(ctx)
	if err != nil {
		return nil, &transfer.ProviderError{Provider: providerName, Operation: "list_transfers", Reason: err.Error(), Err: err}
	}

	for i := range transfers {
		if transfers[i].Source == source {
			return &transfers[i], nil
		}
	}

	return nil, nil
}

func (c *Client) addTransfer(ctx context.Context, source string) (*putio.Transfer, error) {
	logger := logctx.LoggerFromContext(ctx).With("download_dir", c.folder)

	var dirID int64

	if c.folder != "" {
		var err error

		dirID, err = c.findDirectoryID(ctx, c.folder)
		if err != nil {
			return nil, &transfer.ProviderError{Provider: providerName, Operation: "find_directory", Reason: err.Error(), Err: err}
		}
	}

	logger.InfoContext(ctx, "adding transfer to Put.io")

	t, err := c.putioClient.Transfers.Add(ctx, source, dirID, "")
	if err != nil {
		return nil, &transfer.ProviderError{Provider: providerName, Operation: "add_transfer", Reason: err.Error(), Err: err}
	}

	logger.InfoContext(ctx, "transfer added to Put.io", "transfer_id", t.ID)

	return &t, nil
}

func (c *Client) findDirectoryID(ctx context.Context, downloadDir string) (int64, error) {
	search, err := c.putioClient.Files.Search(ctx, downloadDir, 1)
	if err != nil {
		return 0, fmt.Errorf("error searching for directory: %w", err)
	}

	if len(search.Files) == 0 {
		return 0, fmt.Errorf("directory not found: %s", downloadDir)
	}

	if !search.Files[0].IsDir() {
		return 0, fmt.Errorf("search result is not a directory: %s", downloadDir)
	}

	return search.Files[0].ID, nil
}

// largestFile walks a transfer's output and picks the biggest downloadable file.
func (c *Client) largestFile(ctx context.Context, rootID int64) (putio.File, error) {
	root, err := c.putioClient.Files.Get(ctx, rootID)
	if err != nil {
		return putio.File{}, &transfer.ProviderError{Provider: providerName, Operation: "get_file", Reason: err.Error(), Err: err}
	}

	if !root.IsDir() {
		return root, nil
	}

	var (
		best  putio.File
		found bool
	)

	if err := c.walk(ctx, root.ID, func(f putio.File) {
		if !found || f.Size > best.Size {
			best, found = f, true
		}
	}); err != nil {
		return putio.File{}, err
	}

	if !found {
		return putio.File{}, &transfer.ProviderError{Provider: providerName, Operation: "get_file", Reason: "transfer has no files"}
	}

	return best, nil
}

func (c *Client) walk(ctx context.Context, parentID int64, visit func(putio.File)) error {
	logger := logctx.LoggerFromContext(ctx).With("parent_id", parentID)

	files, _, err := c.putioClient.Files.List(ctx, parentID)
	if err != nil {
		return &transfer.ProviderError{Provider: providerName, Operation: "list_files", Reason: err.Error(), Err: err}
	}

	for _, f := range files {
		if strings.EqualFold(f.FileType, "folder") {
			if err := c.walk(ctx, f.ID, visit); err != nil {
				logger.ErrorContext(ctx, "failed to get nested files", "err", err)
			}

			continue
		}

		visit(f)
	}

	return nil
}

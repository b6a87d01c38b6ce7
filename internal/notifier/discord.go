package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/transfer"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Lookup resolves the full item behind an event.
type Lookup interface {
	GetDownload(id string) (transfer.Item, error)
}

// Watch sends a message for every download that completes, fails or starts
// seeding until events is closed or ctx is done.
func Watch(ctx context.Context, notif Notifier, events <-chan transfer.Event, lookup Lookup) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}

			if evt.Type != transfer.EventStateChange {
				continue
			}

			content := message(evt, lookup)
			if content == "" {
				continue
			}

			if err := notif.Notify(ctx, content); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "download_id", evt.ID, "err", err)
			}
		}
	}
}

func message(evt transfer.Event, lookup Lookup) string {
	name := evt.Name
	if name == "" {
		name = evt.ID
	}

	size := ""
	if item, err := lookup.GetDownload(evt.ID); err == nil && item.Size > 0 {
		size = " (" + humanize.Bytes(uint64(item.Size)) + ")"
	}

	switch evt.Status {
	case transfer.StatusCompleted:
		return "✅ Download finished: " + name + size
	case transfer.StatusSeeding:
		return "🌱 Download finished, now seeding: " + name + size
	case transfer.StatusFailed:
		return "❌ Download failed: " + name + ": " + evt.Error
	}

	return ""
}

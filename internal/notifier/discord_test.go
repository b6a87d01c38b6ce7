package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/game_downloader/internal/transfer"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.messages = append(n.messages, content)

	return nil
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.messages...)
}

type lookupFunc func(id string) (transfer.Item, error)

func (f lookupFunc) GetDownload(id string) (transfer.Item, error) { return f(id) }

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewDiscordNotifier(server.URL)
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, "hello", got["content"])
}

func TestDiscordNotifier_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := NewDiscordNotifier(server.URL).Notify(context.Background(), "hello")
	assert.ErrorContains(t, err, "400")
}

func TestDiscordNotifier_NoWebhook(t *testing.T) {
	assert.Error(t, (&DiscordNotifier{}).Notify(context.Background(), "hello"))
}

func TestWatch(t *testing.T) {
	events := make(chan transfer.Event, 8)
	rec := &recordingNotifier{}

	lookup := lookupFunc(func(id string) (transfer.Item, error) {
		if id == "a" {
			return transfer.Item{ID: "a", Size: 2_000_000}, nil
		}

		return transfer.Item{}, errors.New("not found")
	})

	done := make(chan struct{})

	go func() {
		Watch(context.Background(), rec, events, lookup)
		close(done)
	}()

	events <- transfer.Event{Type: transfer.EventProgress, ID: "a", Status: transfer.StatusDownloading}
	events <- transfer.Event{Type: transfer.EventStateChange, ID: "a", Name: "Game", Status: transfer.StatusDownloading}
	events <- transfer.Event{Type: transfer.EventStateChange, ID: "a", Name: "Game", Status: transfer.StatusCompleted}
	events <- transfer.Event{Type: transfer.EventStateChange, ID: "b", Name: "Other", Status: transfer.StatusFailed, Error: "boom"}
	events <- transfer.Event{Type: transfer.EventStateChange, ID: "c", Status: transfer.StatusSeeding}
	close(events)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not return after the channel closed")
	}

	assert.Equal(t, []string{
		"✅ Download finished: Game (2.0 MB)",
		"❌ Download failed: Other: boom",
		"🌱 Download finished, now seeding: c",
	}, rec.snapshot())
}

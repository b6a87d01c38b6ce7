package debrid

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/game_downloader/internal/transfer"
)

type fakeProvider struct {
	name string

	mu      sync.Mutex
	results []*Result
	err     error
	calls   int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Resolve(_ context.Context, _ string, _ Kind) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++

	if p.err != nil {
		return nil, p.err
	}

	if len(p.results) == 0 {
		return &Result{IsCaching: true}, nil
	}

	res := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}

	return res, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.calls
}

func factoryFor(p Provider) Factory {
	return func(context.Context) (Provider, error) { return p, nil }
}

func TestManager_InitializesOnce(t *testing.T) {
	builds := 0
	p := &fakeProvider{name: "putio", results: []*Result{{URL: "https://cdn/file"}}}

	m := NewManager([]Factory{func(context.Context) (Provider, error) {
		builds++

		return p, nil
	}})

	for range 3 {
		_, err := m.Download(context.Background(), "magnet:?xt=abc", KindTorrent)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, builds)
}

func TestManager_SelectsFirstConfigured(t *testing.T) {
	first := &fakeProvider{name: "putio", results: []*Result{{URL: "https://putio/file"}}}
	second := &fakeProvider{name: "realdebrid", results: []*Result{{URL: "https://rd/file"}}}

	m := NewManager([]Factory{
		func(context.Context) (Provider, error) { return nil, nil },
		factoryFor(first),
		factoryFor(second),
	})

	res, err := m.Download(context.Background(), "https://host/file", KindLink)
	require.NoError(t, err)
	assert.Equal(t, "https://putio/file", res.URL)
	assert.Equal(t, []string{"putio", "realdebrid"}, m.Providers(context.Background()))
}

func TestManager_HonorsPreference(t *testing.T) {
	first := &fakeProvider{name: "putio", results: []*Result{{URL: "https://putio/file"}}}
	second := &fakeProvider{name: "realdebrid", results: []*Result{{URL: "https://rd/file"}}}

	m := NewManager([]Factory{factoryFor(first), factoryFor(second)}, WithPreferred("realdebrid"))

	res, err := m.Download(context.Background(), "https://host/file", KindLink)
	require.NoError(t, err)
	assert.Equal(t, "https://rd/file", res.URL)
	assert.Zero(t, first.callCount())
}

func TestManager_PreferredNotConfigured(t *testing.T) {
	m := NewManager([]Factory{factoryFor(&fakeProvider{name: "putio"})}, WithPreferred("realdebrid"))

	_, err := m.Download(context.Background(), "https://host/file", KindLink)

	var providerErr *transfer.ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, "realdebrid", providerErr.Provider)
}

func TestManager_NoProvider(t *testing.T) {
	m := NewManager(nil)

	_, err := m.Download(context.Background(), "https://host/file", KindLink)

	var providerErr *transfer.ProviderError
	require.ErrorAs(t, err, &providerErr)
}

func TestManager_DoesNotFallBack(t *testing.T) {
	broken := &fakeProvider{name: "putio", err: errors.New("api down")}
	healthy := &fakeProvider{name: "realdebrid", results: []*Result{{URL: "https://rd/file"}}}

	m := NewManager([]Factory{factoryFor(broken), factoryFor(healthy)})

	res, err := m.Download(context.Background(), "https://host/file", KindLink)
	assert.Nil(t, res)

	var providerErr *transfer.ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, "putio", providerErr.Provider)
	assert.Zero(t, healthy.callCount())
}

func TestManager_FactoryErrorSkipsProvider(t *testing.T) {
	healthy := &fakeProvider{name: "realdebrid", results: []*Result{{URL: "https://rd/file"}}}

	m := NewManager([]Factory{
		func(context.Context) (Provider, error) { return nil, errors.New("bad token") },
		factoryFor(healthy),
	})

	res, err := m.Download(context.Background(), "https://host/file", KindLink)
	require.NoError(t, err)
	assert.Equal(t, "https://rd/file", res.URL)
}

func TestManager_LinkCannotCache(t *testing.T) {
	m := NewManager([]Factory{factoryFor(&fakeProvider{name: "putio"})})

	_, err := m.Download(context.Background(), "https://host/file", KindLink)

	var providerErr *transfer.ProviderError
	require.ErrorAs(t, err, &providerErr)
}

func TestManager_TorrentCaching(t *testing.T) {
	p := &fakeProvider{name: "putio", results: []*Result{{IsCaching: true, Progress: 12, FileSize: 100}}}
	m := NewManager([]Factory{factoryFor(p)})

	res, err := m.Download(context.Background(), "magnet:?xt=abc", KindTorrent)
	require.NoError(t, err)
	assert.True(t, res.IsCaching)
	assert.Equal(t, 12.0, res.Progress)
}

func TestKindFor(t *testing.T) {
	assert.Equal(t, KindTorrent, KindFor(transfer.TypeTorrent))
	assert.Equal(t, KindLink, KindFor(transfer.TypeHTTP))
}

package debrid

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/italolelis/game_downloader/internal/logctx"
	"github.com/italolelis/game_downloader/internal/telemetry"
	"github.com/italolelis/game_downloader/internal/transfer"
)

// Kind selects the resolution routine of a provider.
type Kind string

const (
	KindLink    Kind = "link"
	KindTorrent Kind = "torrent"
)

// KindFor maps a transport type onto the provider routine that resolves it.
func KindFor(t transfer.Type) Kind {
	if t == transfer.TypeTorrent {
		return KindTorrent
	}

	return KindLink
}

// Result is either a ready direct URL or a caching snapshot.
type Result struct {
	URL       string  `json:"url,omitempty"`
	IsCaching bool    `json:"isCaching"`
	Progress  float64 `json:"progress,omitempty"` // 0-100
	FileSize  int64   `json:"fileSize,omitempty"`
	Title     string  `json:"title,omitempty"`
}

// Provider resolves sources through one debrid service.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, source string, kind Kind) (*Result, error)
}

// Factory builds a provider from its credentials. It returns a nil provider
// when the provider is not configured.
type Factory func(ctx context.Context) (Provider, error)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPreferred selects a provider by name instead of the first configured one.
func WithPreferred(name string) ManagerOption {
	return func(m *Manager) { m.preferred = name }
}

// WithTelemetry instruments every provider the manager builds.
func WithTelemetry(tel *telemetry.Telemetry) ManagerOption {
	return func(m *Manager) { m.tel = tel }
}

// Manager selects exactly one configured provider and delegates to it.
// Providers are built on first use.
type Manager struct {
	factories []Factory
	preferred string
	tel       *telemetry.Telemetry

	once      sync.Once
	providers []Provider
}

func NewManager(factories []Factory, opts ...ManagerOption) *Manager {
	m := &Manager{factories: factories}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) init(ctx context.Context) {
	m.once.Do(func() {
		logger := logctx.LoggerFromContext(ctx)

		for _, build := range m.factories {
			p, err := build(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "failed to initialize debrid provider", "err", err)

				continue
			}

			if p == nil {
				continue
			}

			if m.tel != nil {
				p = NewInstrumentedProvider(p, m.tel)
			}

			m.providers = append(m.providers, p)
			logger.InfoContext(ctx, "debrid provider configured", "provider", p.Name())
		}
	})
}

// Providers lists the names of the configured providers.
func (m *Manager) Providers(ctx context.Context) []string {
	m.init(ctx)

	names := make([]string, 0, len(m.providers))
	for _, p := range m.providers {
		names = append(names, p.Name())
	}

	return names
}

func (m *Manager) selectProvider() (Provider, error) {
	if len(m.providers) == 0 {
		return nil, &transfer.ProviderError{Provider: "none", Operation: "select", Reason: "no debrid provider configured"}
	}

	if m.preferred == "" {
		return m.providers[0], nil
	}

	for _, p := range m.providers {
		if p.Name() == m.preferred {
			return p, nil
		}
	}

	return nil, &transfer.ProviderError{Provider: m.preferred, Operation: "select", Reason: "preferred provider is not configured"}
}

// Download resolves source through the selected provider. Failures are
// returned as errors; no other provider is tried.
func (m *Manager) Download(ctx context.Context, source string, kind Kind) (*Result, error) {
	m.init(ctx)

	p, err := m.selectProvider()
	if err != nil {
		return nil, err
	}

	res, err := p.Resolve(ctx, source, kind)
	if err != nil {
		var providerErr *transfer.ProviderError
		var authErr *transfer.AuthenticationError

		if errors.As(err, &providerErr) || errors.As(err, &authErr) {
			return nil, err
		}

		return nil, &transfer.ProviderError{Provider: p.Name(), Operation: "resolve", Reason: err.Error(), Err: err}
	}

	if res == nil {
		return nil, &transfer.ProviderError{Provider: p.Name(), Operation: "resolve", Reason: "empty result"}
	}

	if !res.IsCaching && res.URL == "" {
		return nil, &transfer.ProviderError{Provider: p.Name(), Operation: "resolve", Reason: "provider returned neither a url nor a caching status"}
	}

	if kind == KindLink && res.IsCaching {
		return nil, &transfer.ProviderError{Provider: p.Name(), Operation: "resolve", Reason: fmt.Sprintf("unexpected caching status for %s", kind)}
	}

	return res, nil
}

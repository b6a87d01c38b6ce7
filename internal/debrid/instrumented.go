package debrid

import (
	"context"

	"github.com/italolelis/game_downloader/internal/telemetry"
)

// InstrumentedProvider wraps a Provider with client-operation telemetry.
type InstrumentedProvider struct {
	provider  Provider
	telemetry *telemetry.Telemetry
}

func NewInstrumentedProvider(provider Provider, tel *telemetry.Telemetry) *InstrumentedProvider {
	return &InstrumentedProvider{
		provider:  provider,
		telemetry: tel,
	}
}

func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

func (p *InstrumentedProvider) Resolve(ctx context.Context, source string, kind Kind) (*Result, error) {
	var res *Result

	err := p.telemetry.InstrumentClientOperation(ctx, p.provider.Name(), "resolve_"+string(kind), func(ctx context.Context) error {
		var err error

		res, err = p.provider.Resolve(ctx, source, kind)

		return err
	})

	return res, err
}

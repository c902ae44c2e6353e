// Package exchange hosts the trade-print sources the live exit monitor consumes.
package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orb-go/internal/market"
	"orb-go/internal/metrics"
)

const (
	// ProviderStub emits deterministic synthetic ticks (useful for tests/offline work).
	ProviderStub = "stub"
	// ProviderWebsocket streams JSON trade prints from a websocket endpoint.
	ProviderWebsocket = "websocket"
)

// Feed represents a pluggable market data stream implementation.
type Feed struct {
	provider     string
	symbols      []string
	log          zerolog.Logger
	url          string
	pollInterval time.Duration
	stubPrices   map[string]float64
	mu           sync.RWMutex
}

// Option configures Feed construction parameters.
type Option func(*Feed)

const defaultPollInterval = 500 * time.Millisecond

// WithPollInterval overrides the stub cadence.
func WithPollInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// WithURL sets the websocket endpoint.
func WithURL(url string) Option {
	return func(f *Feed) { f.url = strings.TrimSpace(url) }
}

// WithStubPrices seeds the stub's starting price per symbol; unseeded symbols start at 100.
func WithStubPrices(prices map[string]float64) Option {
	return func(f *Feed) {
		for sym, px := range prices {
			f.stubPrices[strings.ToUpper(sym)] = px
		}
	}
}

// NewFeed constructs a feed backed by the requested provider.
func NewFeed(provider string, symbols []string, log zerolog.Logger, opts ...Option) *Feed {
	if provider == "" {
		provider = ProviderStub
	}
	f := &Feed{
		provider:     strings.ToLower(provider),
		log:          log,
		pollInterval: defaultPollInterval,
		stubPrices:   make(map[string]float64),
	}
	f.setSymbols(symbols)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetSymbols replaces the tracked symbol list (deduplicated, sorted for determinism). The
// monitor calls it after each generate phase with the day's signal symbols.
func (f *Feed) SetSymbols(symbols []string) {
	f.setSymbols(symbols)
}

func (f *Feed) setSymbols(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	unique := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		unique[sym] = struct{}{}
	}
	f.symbols = f.symbols[:0]
	for sym := range unique {
		f.symbols = append(f.symbols, sym)
	}
	sort.Strings(f.symbols)
}

// Symbols returns a copy of the tracked symbols.
func (f *Feed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

func (f *Feed) tracked(symbol string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	i := sort.SearchStrings(f.symbols, symbol)
	return i < len(f.symbols) && f.symbols[i] == symbol
}

// Run pushes ticks onto the provided channel until the context is canceled.
func (f *Feed) Run(ctx context.Context, out chan<- market.Tick) error {
	switch f.provider {
	case ProviderWebsocket:
		return f.runWebsocket(ctx, out)
	case ProviderStub:
		return f.runStub(ctx, out)
	default:
		return fmt.Errorf("unknown feed provider %q", f.provider)
	}
}

func (f *Feed) runStub(ctx context.Context, out chan<- market.Tick) error {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	prices := make(map[string]float64)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ts := <-ticker.C:
			for _, s := range f.Symbols() {
				px, ok := prices[s]
				if !ok {
					px = f.stubPrices[s]
					if px <= 0 {
						px = 100
					}
				}
				px += 0.01
				prices[s] = px
				if err := emit(ctx, out, market.Tick{Symbol: s, Price: px, Size: 1, Ts: ts}); err != nil {
					return err
				}
			}
		}
	}
}

func emit(ctx context.Context, out chan<- market.Tick, tick market.Tick) error {
	select {
	case out <- tick:
		metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package marketdata provides read-only lookups of previously published
// price and FX observations. Nothing here performs network I/O: every
// lookup reads the persisted observation store, and a missing
// observation is a nil result that callers turn into a data-quality
// flag, never an error that aborts a run.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"MetalFlow/internal/domain"
	"MetalFlow/internal/observability"
)

// Observation is one published market data point. Immutable value; the
// accessor never caches mutable "current price" state.
type Observation struct {
	Symbol    string
	Price     float64
	AsOf      time.Time
	Source    string
	PriceType string
	FX        bool
}

// Day returns the UTC calendar day the observation was published for.
func (o Observation) Day() domain.Date { return domain.DateFromTime(o.AsOf) }

// LookupFilter narrows an observation lookup.
type LookupFilter struct {
	Source     string   // optional exact source match
	PriceTypes []string // optional price type allow-list
	FXOnly     bool     // only observations flagged as FX rates
}

// ObservationStore is the persistence boundary. Implementations return
// (nil, nil) when no observation matches; errors are reserved for
// storage failures.
type ObservationStore interface {
	// LatestAtOrBefore returns the newest observation for symbol with
	// AsOf <= cutoff, or nil.
	LatestAtOrBefore(ctx context.Context, symbol string, cutoff time.Time, f LookupFilter) (*Observation, error)

	// SeriesByDay returns at most one observation per calendar day for
	// symbol in [start, end], preferring the given price types in order.
	SeriesByDay(ctx context.Context, symbol string, start, end domain.Date, priceTypes []string) (map[domain.Date]Observation, error)

	// LatestPublishDate returns the newest publish day for symbol
	// restricted to the given price types, or nil when the series is
	// empty.
	LatestPublishDate(ctx context.Context, symbol string, priceTypes []string) (*domain.Date, error)
}

// Settlement-derived values use the authoritative daily settlement
// types only; intraday proxies are never blended in.
var settlementPriceTypes = []string{"close", "official"}

// Accessor binds the observation store to the pipeline's symbol and
// lookback policy.
type Accessor struct {
	store           ObservationStore
	cashSymbol      string
	proxy3MSymbol   string
	proxy3MSource   string
	maxLookbackDays int
	metrics         *observability.Metrics
}

// Config names the driving series and the staleness bound.
type Config struct {
	CashSettlementSymbol string
	Proxy3MSymbol        string
	Proxy3MSource        string
	MaxLookbackDays      int
}

func NewAccessor(store ObservationStore, cfg Config) *Accessor {
	lookback := cfg.MaxLookbackDays
	if lookback <= 0 {
		lookback = 30
	}
	return &Accessor{
		store:           store,
		cashSymbol:      cfg.CashSettlementSymbol,
		proxy3MSymbol:   cfg.Proxy3MSymbol,
		proxy3MSource:   cfg.Proxy3MSource,
		maxLookbackDays: lookback,
	}
}

// WithMetrics attaches lookup counters.
func (a *Accessor) WithMetrics(m *observability.Metrics) *Accessor {
	a.metrics = m
	return a
}

// CashSettlementSymbol returns the symbol of the driving settlement
// series, for methodology lineage.
func (a *Accessor) CashSettlementSymbol() string { return a.cashSymbol }

// LatestPublished returns the newest observation for symbol at or
// before the end of asOf, bounded by the lookback policy. Returns nil
// when nothing is published inside the window.
func (a *Accessor) LatestPublished(ctx context.Context, symbol string, asOf domain.Date, f LookupFilter) (*Observation, error) {
	if a.metrics != nil {
		a.metrics.MarketLookups.WithLabelValues(symbol).Inc()
	}
	obs, err := a.store.LatestAtOrBefore(ctx, symbol, asOf.EndOfDay(), f)
	if err != nil {
		return nil, fmt.Errorf("latest published %s: %w", symbol, err)
	}
	if obs == nil {
		return a.miss(symbol), nil
	}
	floor := asOf.AddDays(-a.maxLookbackDays)
	if obs.Day().Before(floor) {
		// Stale beyond policy: treated as not published.
		return a.miss(symbol), nil
	}
	return obs, nil
}

func (a *Accessor) miss(symbol string) *Observation {
	if a.metrics != nil {
		a.metrics.MarketLookupMiss.WithLabelValues(symbol).Inc()
	}
	return nil
}

// LatestCashPublishDate returns the newest day with an official cash
// settlement observation, or nil when the series is empty.
func (a *Accessor) LatestCashPublishDate(ctx context.Context) (*domain.Date, error) {
	d, err := a.store.LatestPublishDate(ctx, a.cashSymbol, settlementPriceTypes)
	if err != nil {
		return nil, fmt.Errorf("latest cash publish date: %w", err)
	}
	return d, nil
}

// CashPriceByDay returns the official cash settlement price per day in
// [start, end]. Days with no official observation are absent from the
// map; callers detect gaps via calendar-day counting.
func (a *Accessor) CashPriceByDay(ctx context.Context, start, end domain.Date) (map[domain.Date]float64, error) {
	series, err := a.store.SeriesByDay(ctx, a.cashSymbol, start, end, settlementPriceTypes)
	if err != nil {
		return nil, fmt.Errorf("cash series %s..%s: %w", start, end, err)
	}
	out := make(map[domain.Date]float64, len(series))
	for d, obs := range series {
		out[d] = obs.Price
	}
	if a.metrics != nil {
		if gaps := end.DaysSince(start) + 1 - len(out); gaps > 0 {
			a.metrics.MarketSeriesGaps.WithLabelValues(a.cashSymbol).Add(float64(gaps))
		}
	}
	return out, nil
}

// Proxy3M returns the latest 3-month proxy observation as of asOf, or
// nil when unavailable.
func (a *Accessor) Proxy3M(ctx context.Context, asOf domain.Date) (*Observation, error) {
	return a.LatestPublished(ctx, a.proxy3MSymbol, asOf, LookupFilter{Source: a.proxy3MSource})
}

// FXRate resolves an FX observation for symbol as of asOf. The lookup
// prefers observations flagged as FX and falls back to unflagged rows
// for the same symbol. Returns nil when no rate is published.
func (a *Accessor) FXRate(ctx context.Context, symbol, source string, asOf domain.Date) (*Observation, error) {
	obs, err := a.LatestPublished(ctx, symbol, asOf, LookupFilter{Source: source, FXOnly: true})
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs, err = a.LatestPublished(ctx, symbol, asOf, LookupFilter{Source: source})
		if err != nil {
			return nil, err
		}
	}
	return obs, nil
}

package cashflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"MetalFlow/internal/domain"
	"MetalFlow/internal/marketdata"
)

// FxResolution is the outcome of reporting-currency rate lookup. Rate
// stays nil when no rate could be resolved; callers then omit every
// reporting field and set fx_not_available.
type FxResolution struct {
	Currency string
	Rate     *float64
	AsOf     *time.Time
	Symbol   string
	Source   string
}

// Wanted reports whether a non-native reporting conversion was asked
// for at all.
func (r FxResolution) Wanted() bool { return r.Currency != "" }

// Resolved reports whether a usable rate was found.
func (r FxResolution) Resolved() bool { return r.Rate != nil }

// resolveFx resolves the reporting FX rate. Conversion is opt-in and
// auditable: either the request names the symbol/source explicitly, or
// a policy key (from the request or the configured policy map) of the
// form "CCY:SYMBOL@SOURCE" does. Nothing is ever defaulted from the
// currency alone.
func resolveFx(ctx context.Context, md *marketdata.Accessor, asOf domain.Date, reporting *Reporting, policyMap map[string]string) (FxResolution, error) {
	if reporting == nil {
		return FxResolution{}, nil
	}
	ccy := strings.ToUpper(reporting.ReportingCurrency)
	if ccy == "" || ccy == "USD" {
		return FxResolution{}, nil
	}

	res := FxResolution{Currency: ccy}

	var symbol, source string
	if reporting.Fx != nil {
		symbol, source = reporting.Fx.FxSymbol, reporting.Fx.FxSource

		if reporting.Fx.Mode == FxPolicyMap && (symbol == "" || source == "") {
			key := reporting.Fx.PolicyKey
			if key == "" {
				key = policyMap[ccy]
			}
			if s, src, ok := parsePolicyKey(key); ok {
				symbol, source = s, src
			}
		}
	}

	if symbol == "" {
		return res, nil
	}
	res.Symbol, res.Source = symbol, source

	obs, err := md.FXRate(ctx, symbol, source, asOf)
	if err != nil {
		return res, fmt.Errorf("resolve fx %s: %w", symbol, err)
	}
	if obs == nil {
		return res, nil
	}

	rate := obs.Price
	at := obs.AsOf
	res.Rate = &rate
	res.AsOf = &at
	res.Symbol = obs.Symbol
	res.Source = obs.Source
	return res, nil
}

// parsePolicyKey splits "CCY:SYMBOL@SOURCE" into its symbol and source.
func parsePolicyKey(key string) (symbol, source string, ok bool) {
	_, rhs, found := strings.Cut(key, ":")
	if !found {
		return "", "", false
	}
	symbol, source, found = strings.Cut(rhs, "@")
	if !found || symbol == "" || source == "" {
		return "", "", false
	}
	return symbol, source, true
}

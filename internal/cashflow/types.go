// Package cashflow projects forward-looking expected settlement values
// under scenario and sensitivity combinations. The same calculation
// path serves both the side-effect-free preview endpoint and the
// persisted pipeline stage.
package cashflow

import (
	"errors"
	"fmt"
	"time"

	"MetalFlow/internal/domain"
	"MetalFlow/internal/valuation"
)

// ErrValidation marks a malformed preview request. Rejected
// synchronously; no run row, no rows written.
var ErrValidation = errors.New("cashflow: invalid request")

// ScenarioName labels a projection row. Base is the unshifted
// projection; optimistic and pessimistic are fixed ±5% aliases layered
// on top of the explicit sensitivity list.
type ScenarioName string

const (
	ScenarioBase        ScenarioName = "base"
	ScenarioOptimistic  ScenarioName = "optimistic"
	ScenarioPessimistic ScenarioName = "pessimistic"
)

const (
	aliasOptimisticPct  = 0.05
	aliasPessimisticPct = -0.05
)

// scenarioRank orders scenarios for rendering: base, optimistic,
// pessimistic. The ordering contract is part of the deterministic
// output shape.
func scenarioRank(s ScenarioName) int {
	switch s {
	case ScenarioBase:
		return 0
	case ScenarioOptimistic:
		return 1
	case ScenarioPessimistic:
		return 2
	}
	return 99
}

// FxMode selects how a reporting-currency rate is resolved. Conversion
// is never inferred: either the request names the rate explicitly or an
// auditable policy map entry does.
type FxMode string

const (
	FxExplicit  FxMode = "explicit"
	FxPolicyMap FxMode = "policy_map"
)

// Fx names the rate used for reporting-currency conversion.
type Fx struct {
	Mode      FxMode `json:"mode"`
	FxSymbol  string `json:"fx_symbol,omitempty"`
	FxSource  string `json:"fx_source,omitempty"`
	PolicyKey string `json:"policy_key,omitempty"`
}

// Reporting requests an optional reporting-currency conversion.
type Reporting struct {
	ReportingCurrency string `json:"reporting_currency,omitempty"`
	Fx                *Fx    `json:"fx,omitempty"`
}

// Scenario configures the projection grid.
type Scenario struct {
	BaselineMethod   valuation.BaselineMethod `json:"baseline_method"`
	AliasesEnabled   bool                     `json:"aliases_enabled"`
	SensitivitiesPct []float64                `json:"sensitivities_pct"`
}

// Assumptions carries the user-supplied forward price.
type Assumptions struct {
	ForwardPriceAssumption *float64     `json:"forward_price_assumption,omitempty"`
	ForwardPriceCurrency   string       `json:"forward_price_currency,omitempty"`
	ForwardPriceSymbol     string       `json:"forward_price_symbol,omitempty"`
	ForwardPriceAsOf       *domain.Date `json:"forward_price_as_of,omitempty"`
	Notes                  string       `json:"notes,omitempty"`
}

// Filters narrows the preview scope.
type Filters struct {
	domain.ScopeFilters
	Limit int `json:"limit,omitempty"`
}

const (
	defaultLimit = 200
	maxLimit     = 1000
)

// PreviewRequest is the full input of a cashflow preview. Every field
// that affects the output participates in the inputs hash.
type PreviewRequest struct {
	AsOf        domain.Date `json:"as_of"`
	Filters     Filters     `json:"filters"`
	Reporting   *Reporting  `json:"reporting,omitempty"`
	Scenario    Scenario    `json:"scenario"`
	Assumptions Assumptions `json:"assumptions"`
}

// Normalize applies defaults in place.
func (r *PreviewRequest) Normalize() {
	if r.Filters.Limit <= 0 {
		r.Filters.Limit = defaultLimit
	}
	if r.Scenario.BaselineMethod == "" {
		r.Scenario.BaselineMethod = valuation.BaselineExplicitAssumption
	}
	if r.Assumptions.ForwardPriceCurrency == "" {
		r.Assumptions.ForwardPriceCurrency = "USD"
	}
}

// Validate rejects malformed requests before any computation.
func (r PreviewRequest) Validate() error {
	if r.AsOf.IsZero() {
		return fmt.Errorf("%w: as_of is required", ErrValidation)
	}
	if !r.Scenario.BaselineMethod.Valid() {
		return fmt.Errorf("%w: unknown baseline_method %q", ErrValidation, r.Scenario.BaselineMethod)
	}
	if r.Filters.Limit > maxLimit {
		return fmt.Errorf("%w: limit %d exceeds %d", ErrValidation, r.Filters.Limit, maxLimit)
	}
	for _, pct := range r.Scenario.SensitivitiesPct {
		if pct < -1 || pct > 1 {
			return fmt.Errorf("%w: sensitivity_pct %v out of [-1, 1]", ErrValidation, pct)
		}
	}
	return nil
}

// Canonical returns the request as a canonicalizable payload. Pure
// metadata (nothing here) is excluded; everything else is included.
func (r PreviewRequest) Canonical() map[string]any {
	filters := r.Filters.ScopeFilters.Canonical()
	filters["limit"] = int64(r.Filters.Limit)

	scenario := map[string]any{
		"baseline_method":   string(r.Scenario.BaselineMethod),
		"aliases_enabled":   r.Scenario.AliasesEnabled,
		"sensitivities_pct": r.Scenario.SensitivitiesPct,
	}

	assumptions := map[string]any{
		"forward_price_currency": r.Assumptions.ForwardPriceCurrency,
	}
	if r.Assumptions.ForwardPriceAssumption != nil {
		assumptions["forward_price_assumption"] = *r.Assumptions.ForwardPriceAssumption
	}
	if r.Assumptions.ForwardPriceSymbol != "" {
		assumptions["forward_price_symbol"] = r.Assumptions.ForwardPriceSymbol
	}
	if r.Assumptions.ForwardPriceAsOf != nil {
		assumptions["forward_price_as_of"] = r.Assumptions.ForwardPriceAsOf.String()
	}
	if r.Assumptions.Notes != "" {
		assumptions["notes"] = r.Assumptions.Notes
	}

	payload := map[string]any{
		"as_of":       r.AsOf.String(),
		"filters":     filters,
		"scenario":    scenario,
		"assumptions": assumptions,
	}

	if r.Reporting != nil {
		rep := map[string]any{}
		if r.Reporting.ReportingCurrency != "" {
			rep["reporting_currency"] = r.Reporting.ReportingCurrency
		}
		if r.Reporting.Fx != nil {
			fx := map[string]any{"mode": string(r.Reporting.Fx.Mode)}
			if r.Reporting.Fx.FxSymbol != "" {
				fx["fx_symbol"] = r.Reporting.Fx.FxSymbol
			}
			if r.Reporting.Fx.FxSource != "" {
				fx["fx_source"] = r.Reporting.Fx.FxSource
			}
			if r.Reporting.Fx.PolicyKey != "" {
				fx["policy_key"] = r.Reporting.Fx.PolicyKey
			}
			rep["fx"] = fx
		}
		payload["reporting"] = rep
	}
	return payload
}

// References is the market data lineage shared by every row of a
// preview response.
type References struct {
	CashLastPublishedDate    *domain.Date `json:"cash_last_published_date,omitempty"`
	Proxy3MLastPublishedDate *domain.Date `json:"proxy_3m_last_published_date,omitempty"`

	FxAsOf   *time.Time `json:"fx_as_of,omitempty"`
	FxRate   *float64   `json:"fx_rate,omitempty"`
	FxSymbol string     `json:"fx_symbol,omitempty"`
	FxSource string     `json:"fx_source,omitempty"`
}

// Projection is one scenario × sensitivity outcome for one contract.
// Reporting-currency fields stay nil unless an FX rate was resolved.
type Projection struct {
	Scenario       ScenarioName `json:"scenario"`
	SensitivityPct float64      `json:"sensitivity_pct"`

	ExpectedSettlementValueUSD *float64 `json:"expected_settlement_value_usd"`
	PnlCurrentUnrealizedUSD    *float64 `json:"pnl_current_unrealized_usd"`
	FuturePnlImpactUSD         *float64 `json:"future_pnl_impact_usd"`

	ExpectedSettlementValueReporting *float64 `json:"expected_settlement_value_reporting,omitempty"`
	PnlCurrentUnrealizedReporting    *float64 `json:"pnl_current_unrealized_reporting,omitempty"`
	FuturePnlImpactReporting         *float64 `json:"future_pnl_impact_reporting,omitempty"`

	Methodology string   `json:"methodology"`
	Flags       []string `json:"flags"`
}

// Item groups the projections of one contract, with pre-materialized
// metadata so consumers need no inference.
type Item struct {
	ContractID     string       `json:"contract_id"`
	DealID         int64        `json:"deal_id"`
	CounterpartyID *int64       `json:"counterparty_id,omitempty"`
	SettlementDate *domain.Date `json:"settlement_date,omitempty"`

	BucketDate     *domain.Date `json:"bucket_date,omitempty"`
	NativeCurrency string       `json:"native_currency"`

	References    References   `json:"references"`
	Methodologies []string     `json:"methodologies"`
	Flags         []string     `json:"flags"`
	Projections   []Projection `json:"projections"`
}

// AggregateRow sums projections by (bucket, counterparty, deal,
// currency, scenario, sensitivity).
type AggregateRow struct {
	BucketDate     domain.Date `json:"bucket_date"`
	CounterpartyID *int64      `json:"counterparty_id,omitempty"`
	DealID         *int64      `json:"deal_id,omitempty"`
	Currency       string      `json:"currency"`

	Scenario       ScenarioName `json:"scenario"`
	SensitivityPct float64      `json:"sensitivity_pct"`

	ExpectedSettlementTotal   float64 `json:"expected_settlement_total"`
	PnlCurrentUnrealizedTotal float64 `json:"pnl_current_unrealized_total"`
	FuturePnlImpactTotal      float64 `json:"future_pnl_impact_total"`

	References    References `json:"references"`
	Methodologies []string   `json:"methodologies"`
	Flags         []string   `json:"flags"`
}

// BucketTotalRow sums projections by settlement bucket only.
type BucketTotalRow struct {
	BucketDate domain.Date `json:"bucket_date"`
	Currency   string      `json:"currency"`

	Scenario       ScenarioName `json:"scenario"`
	SensitivityPct float64      `json:"sensitivity_pct"`

	ExpectedSettlementTotal   float64 `json:"expected_settlement_total"`
	PnlCurrentUnrealizedTotal float64 `json:"pnl_current_unrealized_total"`
	FuturePnlImpactTotal      float64 `json:"future_pnl_impact_total"`

	References    References `json:"references"`
	Methodologies []string   `json:"methodologies"`
	Flags         []string   `json:"flags"`
}

// PreviewResponse is the full preview output, deterministically
// ordered: items by (settlement_date, deal_id, contract_id),
// projections by (scenario rank, sensitivity), buckets and aggregates
// by their key order.
type PreviewResponse struct {
	InputsHash   string           `json:"inputs_hash"`
	AsOf         domain.Date      `json:"as_of"`
	Assumptions  Assumptions      `json:"assumptions"`
	References   References       `json:"references"`
	Items        []Item           `json:"items"`
	BucketTotals []BucketTotalRow `json:"bucket_totals"`
	Aggregates   []AggregateRow   `json:"aggregates"`
}

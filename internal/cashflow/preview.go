package cashflow

import (
	"context"
	"fmt"
	"sort"

	"MetalFlow/internal/canonical"
	"MetalFlow/internal/domain"
	"MetalFlow/internal/marketdata"
	"MetalFlow/internal/valuation"
)

const previewVersion = "cashflow.advanced.preview.v1"

// ContractSource lists in-scope contracts for projection. Only active
// contracts with a settlement date project forward. Implementations
// must return rows ordered by (settlement_date, deal_id, contract_id):
// the ordering is part of the deterministic response shape.
type ContractSource interface {
	ActiveWithSettlement(ctx context.Context, f domain.ScopeFilters, limit int) ([]domain.Contract, error)
}

// UnrealizedSource reads the already-materialized unrealized P&L for a
// contract/date. The preview reads it, never recomputes it: projection
// rows must match the P&L read model component-for-component.
type UnrealizedSource interface {
	UnrealizedPnlUSD(ctx context.Context, contractID string, asOf domain.Date, currency string) (*float64, error)
}

// Builder computes cashflow previews. It owns no mutable state and
// never writes: the pipeline's persisted stage layers persistence on
// top of the same computations.
type Builder struct {
	md          *marketdata.Accessor
	valuer      *valuation.Engine
	contracts   ContractSource
	pnl         UnrealizedSource
	fxPolicyMap map[string]string
}

func NewBuilder(md *marketdata.Accessor, valuer *valuation.Engine, contracts ContractSource, pnl UnrealizedSource, fxPolicyMap map[string]string) *Builder {
	return &Builder{md: md, valuer: valuer, contracts: contracts, pnl: pnl, fxPolicyMap: fxPolicyMap}
}

// InputsHash computes the canonical digest of a preview request.
func InputsHash(req PreviewRequest) (string, error) {
	payload := req.Canonical()
	payload["version"] = previewVersion
	return canonical.Hash(payload)
}

type aggKey struct {
	bucket   domain.Date
	cpty     int64
	cptySet  bool
	deal     int64
	currency string
	scenario ScenarioName
	pct      float64
}

type bucketKey struct {
	bucket   domain.Date
	currency string
	scenario ScenarioName
	pct      float64
}

type totals struct {
	expected float64
	pnl      float64
	impact   float64
	hasAny   bool
	flags    map[string]struct{}
	methods  map[string]struct{}
}

func newTotals() *totals {
	return &totals{flags: map[string]struct{}{}, methods: map[string]struct{}{}}
}

func (t *totals) add(expected, pnl, impact *float64, flags []string, methodology string) {
	if expected != nil {
		t.expected += *expected
		t.hasAny = true
	}
	if pnl != nil {
		t.pnl += *pnl
		t.hasAny = true
	}
	if impact != nil {
		t.impact += *impact
		t.hasAny = true
	}
	for _, f := range flags {
		t.flags[f] = struct{}{}
	}
	t.methods[methodology] = struct{}{}
}

// Preview computes the full projection response for a request. Pure
// read: no rows are written, no events emitted.
func (b *Builder) Preview(ctx context.Context, req PreviewRequest) (*PreviewResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	inputsHash, err := InputsHash(req)
	if err != nil {
		return nil, err
	}

	refs := References{}

	fx, err := resolveFx(ctx, b.md, req.AsOf, req.Reporting, b.fxPolicyMap)
	if err != nil {
		return nil, err
	}
	if fx.Resolved() {
		refs.FxRate = fx.Rate
		refs.FxAsOf = fx.AsOf
		refs.FxSymbol = fx.Symbol
		refs.FxSource = fx.Source
	}

	contracts, err := b.contracts.ActiveWithSettlement(ctx, req.Filters.ScopeFilters, req.Filters.Limit)
	if err != nil {
		return nil, fmt.Errorf("preview contracts: %w", err)
	}

	grid := BuildGrid(req.Scenario)

	items := make([]Item, 0, len(contracts))
	aggregates := map[aggKey]*totals{}
	buckets := map[bucketKey]*totals{}

	for _, c := range contracts {
		if c.SettlementDate == nil {
			continue
		}
		bucketDate := *c.SettlementDate

		pnlUnreal, err := b.pnl.UnrealizedPnlUSD(ctx, c.ContractID, req.AsOf, "USD")
		if err != nil {
			return nil, fmt.Errorf("preview pnl %s: %w", c.ContractID, err)
		}

		var itemFlags []string
		itemMethods := map[string]struct{}{}
		projections := make([]Projection, 0, len(grid))

		for _, point := range grid {
			var flags []string
			if pnlUnreal == nil {
				flags = append(flags, domain.FlagPnlNotAvailable)
			}

			plan, planFlags, err := b.valuer.ExpectedSettlement(ctx, valuation.ExpectedRequest{
				Contract:               c,
				AsOf:                   req.AsOf,
				BaselineMethod:         req.Scenario.BaselineMethod,
				ForwardPriceAssumption: req.Assumptions.ForwardPriceAssumption,
				ForwardPriceCurrency:   req.Assumptions.ForwardPriceCurrency,
				SensitivityPct:         point.SensitivityPct,
			})
			if err != nil {
				return nil, err
			}
			flags = append(flags, planFlags...)

			var expected *float64
			methodology := "not_available"
			if plan != nil {
				v := plan.ExpectedSettlementValueUSD
				expected = &v
				methodology = plan.Methodology
				mergeRefs(&refs, plan)
			}

			var impact *float64
			if expected != nil && pnlUnreal != nil {
				d := *expected - *pnlUnreal
				impact = &d
			}

			var expectedRep, pnlRep, impactRep *float64
			if fx.Wanted() {
				if !fx.Resolved() {
					flags = append(flags, domain.FlagFxNotAvailable)
				} else {
					expectedRep = convert(expected, *fx.Rate)
					pnlRep = convert(pnlUnreal, *fx.Rate)
					impactRep = convert(impact, *fx.Rate)
				}
			}

			proj := Projection{
				Scenario:                         point.Scenario,
				SensitivityPct:                   point.SensitivityPct,
				ExpectedSettlementValueUSD:       expected,
				PnlCurrentUnrealizedUSD:          pnlUnreal,
				FuturePnlImpactUSD:               impact,
				ExpectedSettlementValueReporting: expectedRep,
				PnlCurrentUnrealizedReporting:    pnlRep,
				FuturePnlImpactReporting:         impactRep,
				Methodology:                      methodology,
				Flags:                            sortedUnique(flags),
			}
			projections = append(projections, proj)
			itemMethods[methodology] = struct{}{}
			itemFlags = append(itemFlags, proj.Flags...)

			// Aggregation currency follows the resolved conversion: rows
			// convert as a whole or not at all, never mixed.
			currency := "USD"
			aggExpected, aggPnl, aggImpact := expected, pnlUnreal, impact
			if fx.Resolved() {
				currency = fx.Currency
				aggExpected, aggPnl, aggImpact = expectedRep, pnlRep, impactRep
			}

			ak := aggKey{
				bucket:   bucketDate,
				deal:     c.DealID,
				currency: currency,
				scenario: point.Scenario,
				pct:      point.SensitivityPct,
			}
			if c.CounterpartyID != nil {
				ak.cpty, ak.cptySet = *c.CounterpartyID, true
			}
			agg := aggregates[ak]
			if agg == nil {
				agg = newTotals()
				aggregates[ak] = agg
			}
			agg.add(aggExpected, aggPnl, aggImpact, proj.Flags, methodology)

			bk := bucketKey{bucket: bucketDate, currency: currency, scenario: point.Scenario, pct: point.SensitivityPct}
			bt := buckets[bk]
			if bt == nil {
				bt = newTotals()
				buckets[bk] = bt
			}
			bt.add(aggExpected, aggPnl, aggImpact, proj.Flags, methodology)
		}

		sortProjections(projections)

		items = append(items, Item{
			ContractID:     c.ContractID,
			DealID:         c.DealID,
			CounterpartyID: c.CounterpartyID,
			SettlementDate: c.SettlementDate,
			BucketDate:     &bucketDate,
			NativeCurrency: "USD",
			Methodologies:  sortedKeys(itemMethods),
			Flags:          sortedUnique(itemFlags),
			Projections:    projections,
		})
	}

	// References accumulate across contracts; every row reports the
	// same final lineage.
	for i := range items {
		items[i].References = refs
	}

	return &PreviewResponse{
		InputsHash:   inputsHash,
		AsOf:         req.AsOf,
		Assumptions:  req.Assumptions,
		References:   refs,
		Items:        items,
		BucketTotals: bucketRows(buckets, refs),
		Aggregates:   aggregateRows(aggregates, refs),
	}, nil
}

func mergeRefs(refs *References, plan *valuation.ExpectedPlan) {
	if refs.CashLastPublishedDate == nil {
		refs.CashLastPublishedDate = plan.CashLastPublished
	}
	if refs.Proxy3MLastPublishedDate == nil {
		refs.Proxy3MLastPublishedDate = plan.Proxy3MLastPublished
	}
}

func convert(v *float64, rate float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v * rate
	return &out
}

func aggregateRows(aggs map[aggKey]*totals, refs References) []AggregateRow {
	keys := make([]aggKey, 0, len(aggs))
	for k := range aggs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.bucket != b.bucket {
			return a.bucket.Before(b.bucket)
		}
		if a.deal != b.deal {
			return a.deal < b.deal
		}
		if a.cpty != b.cpty {
			return a.cpty < b.cpty
		}
		if a.currency != b.currency {
			return a.currency < b.currency
		}
		if ra, rb := scenarioRank(a.scenario), scenarioRank(b.scenario); ra != rb {
			return ra < rb
		}
		return a.pct < b.pct
	})

	rows := make([]AggregateRow, 0, len(keys))
	for _, k := range keys {
		t := aggs[k]
		if !t.hasAny {
			continue
		}
		row := AggregateRow{
			BucketDate:                k.bucket,
			Currency:                  k.currency,
			Scenario:                  k.scenario,
			SensitivityPct:            k.pct,
			ExpectedSettlementTotal:   t.expected,
			PnlCurrentUnrealizedTotal: t.pnl,
			FuturePnlImpactTotal:      t.impact,
			References:                refs,
			Methodologies:             sortedKeys(t.methods),
			Flags:                     sortedKeys(t.flags),
		}
		deal := k.deal
		row.DealID = &deal
		if k.cptySet {
			cpty := k.cpty
			row.CounterpartyID = &cpty
		}
		rows = append(rows, row)
	}
	return rows
}

func bucketRows(buckets map[bucketKey]*totals, refs References) []BucketTotalRow {
	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.bucket != b.bucket {
			return a.bucket.Before(b.bucket)
		}
		if a.currency != b.currency {
			return a.currency < b.currency
		}
		if ra, rb := scenarioRank(a.scenario), scenarioRank(b.scenario); ra != rb {
			return ra < rb
		}
		return a.pct < b.pct
	})

	rows := make([]BucketTotalRow, 0, len(keys))
	for _, k := range keys {
		t := buckets[k]
		if !t.hasAny {
			continue
		}
		rows = append(rows, BucketTotalRow{
			BucketDate:                k.bucket,
			Currency:                  k.currency,
			Scenario:                  k.scenario,
			SensitivityPct:            k.pct,
			ExpectedSettlementTotal:   t.expected,
			PnlCurrentUnrealizedTotal: t.pnl,
			FuturePnlImpactTotal:      t.impact,
			References:                refs,
			Methodologies:             sortedKeys(t.methods),
			Flags:                     sortedKeys(t.flags),
		})
	}
	return rows
}

func sortedUnique(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		set[s] = struct{}{}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

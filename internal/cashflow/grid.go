package cashflow

import "sort"

// GridPoint is one (scenario, sensitivity) combination to project.
type GridPoint struct {
	Scenario       ScenarioName
	SensitivityPct float64
}

const pctEpsilon = 1e-12

// BuildGrid expands the scenario config into the full projection grid:
// 0% is always present, the explicit sensitivity list is always
// honored, and when aliasing is enabled the ±5% alias shifts are
// layered on top. Points are de-duplicated by sensitivity (scenario
// names are a pure function of the shift) and returned in ascending
// shift order; rendering order re-sorts by scenario rank.
func BuildGrid(s Scenario) []GridPoint {
	pcts := []float64{0.0}
	for _, pct := range s.SensitivitiesPct {
		pcts = appendPct(pcts, pct)
	}
	if s.AliasesEnabled {
		pcts = appendPct(pcts, aliasOptimisticPct)
		pcts = appendPct(pcts, aliasPessimisticPct)
	}
	sort.Float64s(pcts)

	grid := make([]GridPoint, 0, len(pcts))
	for _, pct := range pcts {
		grid = append(grid, GridPoint{Scenario: scenarioFor(s, pct), SensitivityPct: pct})
	}
	return grid
}

func appendPct(pcts []float64, pct float64) []float64 {
	for _, existing := range pcts {
		if equalPct(existing, pct) {
			return pcts
		}
	}
	return append(pcts, pct)
}

func equalPct(a, b float64) bool {
	d := a - b
	return d < pctEpsilon && d > -pctEpsilon
}

// scenarioFor names a grid point. The alias shifts claim their names
// only when aliasing is enabled; otherwise everything is base.
func scenarioFor(s Scenario, pct float64) ScenarioName {
	if !s.AliasesEnabled {
		return ScenarioBase
	}
	switch {
	case equalPct(pct, aliasOptimisticPct):
		return ScenarioOptimistic
	case equalPct(pct, aliasPessimisticPct):
		return ScenarioPessimistic
	}
	return ScenarioBase
}

// sortProjections applies the rendering order contract: scenario rank
// first, then ascending sensitivity.
func sortProjections(ps []Projection) {
	sort.SliceStable(ps, func(i, j int) bool {
		ri, rj := scenarioRank(ps[i].Scenario), scenarioRank(ps[j].Scenario)
		if ri != rj {
			return ri < rj
		}
		return ps[i].SensitivityPct < ps[j].SensitivityPct
	})
}

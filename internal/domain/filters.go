package domain

// ScopeFilters narrows a pipeline run or preview to a subset of
// contracts. Nil fields mean "no constraint"; nil-valued fields are
// dropped before canonical hashing so that an absent filter and an
// explicit null collide on the same inputs hash.
type ScopeFilters struct {
	ContractID         *string `json:"contract_id,omitempty"`
	DealID             *int64  `json:"deal_id,omitempty"`
	CounterpartyID     *int64  `json:"counterparty_id,omitempty"`
	SettlementDateFrom *Date   `json:"settlement_date_from,omitempty"`
	SettlementDateTo   *Date   `json:"settlement_date_to,omitempty"`
}

// Canonical returns the filter set as a map with nil fields removed and
// dates rendered ISO-8601, ready for canonical hashing.
func (f ScopeFilters) Canonical() map[string]any {
	out := map[string]any{}
	if f.ContractID != nil {
		out["contract_id"] = *f.ContractID
	}
	if f.DealID != nil {
		out["deal_id"] = *f.DealID
	}
	if f.CounterpartyID != nil {
		out["counterparty_id"] = *f.CounterpartyID
	}
	if f.SettlementDateFrom != nil {
		out["settlement_date_from"] = f.SettlementDateFrom.String()
	}
	if f.SettlementDateTo != nil {
		out["settlement_date_to"] = f.SettlementDateTo.String()
	}
	return out
}

// Matches reports whether a contract falls inside the filter scope.
func (f ScopeFilters) Matches(c Contract) bool {
	if f.ContractID != nil && c.ContractID != *f.ContractID {
		return false
	}
	if f.DealID != nil && c.DealID != *f.DealID {
		return false
	}
	if f.CounterpartyID != nil {
		if c.CounterpartyID == nil || *c.CounterpartyID != *f.CounterpartyID {
			return false
		}
	}
	if f.SettlementDateFrom != nil {
		if c.SettlementDate == nil || c.SettlementDate.Before(*f.SettlementDateFrom) {
			return false
		}
	}
	if f.SettlementDateTo != nil {
		if c.SettlementDate == nil || c.SettlementDate.After(*f.SettlementDateTo) {
			return false
		}
	}
	return true
}

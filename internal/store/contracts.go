package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"MetalFlow/internal/domain"
)

const contractColumns = `contract_id, deal_id, counterparty_id, status, currency, settlement_date, trade_snapshot`

// ContractsInScope lists contracts matching the filter, ordered by
// (settlement_date, deal_id, contract_id). Contracts are read-only
// here: the CRUD layer owns them.
func (s *Store) ContractsInScope(ctx context.Context, f domain.ScopeFilters) ([]domain.Contract, error) {
	where, args := contractFilterSQL(f, nil)
	query := `SELECT ` + contractColumns + `
		FROM finance.contracts` + where + `
		ORDER BY settlement_date NULLS LAST, deal_id, contract_id`
	return s.queryContracts(ctx, "contracts_in_scope", query, args)
}

// ActiveWithSettlement lists active contracts that have a settlement
// date, for cashflow projection. Same ordering contract as above.
func (s *Store) ActiveWithSettlement(ctx context.Context, f domain.ScopeFilters, limit int) ([]domain.Contract, error) {
	conds := []string{"status = 'active'", "settlement_date IS NOT NULL"}
	where, args := contractFilterSQL(f, conds)
	args = append(args, limit)
	query := `SELECT ` + contractColumns + `
		FROM finance.contracts` + where + `
		ORDER BY settlement_date, deal_id, contract_id
		LIMIT $` + strconv.Itoa(len(args))
	return s.queryContracts(ctx, "active_with_settlement", query, args)
}

func contractFilterSQL(f domain.ScopeFilters, conds []string) (string, []any) {
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ContractID != nil {
		add("contract_id = $%d", *f.ContractID)
	}
	if f.DealID != nil {
		add("deal_id = $%d", *f.DealID)
	}
	if f.CounterpartyID != nil {
		add("counterparty_id = $%d", *f.CounterpartyID)
	}
	if f.SettlementDateFrom != nil {
		add("settlement_date >= $%d", f.SettlementDateFrom.Time())
	}
	if f.SettlementDateTo != nil {
		add("settlement_date <= $%d", f.SettlementDateTo.Time())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) queryContracts(ctx context.Context, name, query string, args []any) ([]domain.Contract, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.observe(name, start, err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer rows.Close()

	var out []domain.Contract
	for rows.Next() {
		var (
			c          domain.Contract
			cpty       sql.NullInt64
			status     string
			settlement sql.NullTime
			snapshot   []byte
		)
		if err := rows.Scan(&c.ContractID, &c.DealID, &cpty, &status, &c.Currency, &settlement, &snapshot); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		c.Status = domain.ContractStatus(status)
		if cpty.Valid {
			v := cpty.Int64
			c.CounterpartyID = &v
		}
		if settlement.Valid {
			d := domain.DateFromTime(settlement.Time)
			c.SettlementDate = &d
		}
		if err := json.Unmarshal(snapshot, &c.TradeSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal trade snapshot %s: %w", c.ContractID, err)
		}
		if err := c.TradeSnapshot.Validate(); err != nil {
			return nil, fmt.Errorf("trade snapshot %s: %w", c.ContractID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"MetalFlow/internal/cashflow"
	"MetalFlow/internal/domain"
	"MetalFlow/internal/pipeline"
	"MetalFlow/internal/pnl"
	"MetalFlow/internal/riskflags"
)

// UpsertMtmSnapshots writes valuation rows keyed by
// (contract_id, as_of_date, currency). Reruns overwrite in place; the
// original created_at survives so replays are observable as no-ops.
func (s *Store) UpsertMtmSnapshots(ctx context.Context, rows []pipeline.MtmSnapshot) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mtm tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO finance.mtm_snapshots
			(contract_id, deal_id, as_of_date, currency, mtm_value, methodology,
			 reference_dates, flags, inputs_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (contract_id, as_of_date, currency) DO UPDATE SET
			deal_id = EXCLUDED.deal_id,
			mtm_value = EXCLUDED.mtm_value,
			methodology = EXCLUDED.methodology,
			reference_dates = EXCLUDED.reference_dates,
			flags = EXCLUDED.flags,
			inputs_hash = EXCLUDED.inputs_hash`)
	if err != nil {
		return fmt.Errorf("prepare mtm upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		refs, err := json.Marshal(row.References)
		if err != nil {
			return fmt.Errorf("marshal references %s: %w", row.ContractID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			row.ContractID, row.DealID, row.AsOf.Time(), row.Currency,
			nullFloat(row.MtmValueUSD), row.Methodology, refs,
			pq.Array(row.Flags), row.InputsHash,
		); err != nil {
			return fmt.Errorf("upsert mtm %s: %w", row.ContractID, err)
		}
	}
	err = tx.Commit()
	s.observe("upsert_mtm_snapshots", start, err)
	return err
}

// UpsertPnlSnapshots writes unrealized P&L rows keyed by
// (contract_id, as_of_date, currency).
func (s *Store) UpsertPnlSnapshots(ctx context.Context, inputsHash string, rows []pnl.UnrealizedResult) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pnl tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO finance.pnl_snapshots
			(contract_id, deal_id, as_of_date, currency, unrealized_pnl_usd,
			 methodology, flags, inputs_hash, created_at)
		VALUES ($1, $2, $3, 'USD', $4, $5, $6, $7, now())
		ON CONFLICT (contract_id, as_of_date, currency) DO UPDATE SET
			deal_id = EXCLUDED.deal_id,
			unrealized_pnl_usd = EXCLUDED.unrealized_pnl_usd,
			methodology = EXCLUDED.methodology,
			flags = EXCLUDED.flags,
			inputs_hash = EXCLUDED.inputs_hash`)
	if err != nil {
		return fmt.Errorf("prepare pnl upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.ContractID, row.DealID, row.AsOf.Time(), row.UnrealizedPnlUSD,
			row.Methodology, pq.Array(row.Flags), inputsHash,
		); err != nil {
			return fmt.Errorf("upsert pnl %s: %w", row.ContractID, err)
		}
	}
	err = tx.Commit()
	s.observe("upsert_pnl_snapshots", start, err)
	return err
}

// LockRealizedPnl inserts realized rows keyed by
// (contract_id, settlement_date, currency). ON CONFLICT DO NOTHING:
// rows locked by an earlier run are never overwritten, and a replay is
// a silent no-op success.
func (s *Store) LockRealizedPnl(ctx context.Context, inputsHash string, rows []pnl.RealizedResult) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin realized tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO finance.pnl_contract_realized
			(contract_id, deal_id, settlement_date, currency, realized_pnl_usd,
			 methodology, flags, source_hint, inputs_hash, locked_at)
		VALUES ($1, $2, $3, 'USD', $4, $5, $6, $7, $8, $9)
		ON CONFLICT (contract_id, settlement_date, currency) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare realized insert: %w", err)
	}
	defer stmt.Close()

	locked := 0
	for _, row := range rows {
		hint, err := json.Marshal(row.SourceHint)
		if err != nil {
			return 0, fmt.Errorf("marshal source hint %s: %w", row.ContractID, err)
		}
		res, err := stmt.ExecContext(ctx,
			row.ContractID, row.DealID, row.SettlementDate.Time(), row.RealizedPnlUSD,
			row.Methodology, pq.Array(row.Flags), hint, inputsHash, row.LockedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert realized %s: %w", row.ContractID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		locked += int(n)
	}
	err = tx.Commit()
	s.observe("lock_realized_pnl", start, err)
	if err != nil {
		return 0, err
	}
	return locked, nil
}

// UpsertBaselineItems writes cashflow baseline rows keyed by
// (contract_id, as_of_date, currency).
func (s *Store) UpsertBaselineItems(ctx context.Context, inputsHash string, items []cashflow.BaselineItem) error {
	if len(items) == 0 {
		return nil
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin baseline tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO finance.cashflow_items
			(contract_id, deal_id, counterparty_id, as_of_date, settlement_date, currency,
			 projected_value, final_value, methodology, flags, reference_dates, inputs_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (contract_id, as_of_date, currency) DO UPDATE SET
			deal_id = EXCLUDED.deal_id,
			counterparty_id = EXCLUDED.counterparty_id,
			settlement_date = EXCLUDED.settlement_date,
			projected_value = EXCLUDED.projected_value,
			final_value = EXCLUDED.final_value,
			methodology = EXCLUDED.methodology,
			flags = EXCLUDED.flags,
			reference_dates = EXCLUDED.reference_dates,
			inputs_hash = EXCLUDED.inputs_hash`)
	if err != nil {
		return fmt.Errorf("prepare baseline upsert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		refs, err := json.Marshal(item.References)
		if err != nil {
			return fmt.Errorf("marshal references %s: %w", item.ContractID, err)
		}
		var settlement any
		if item.SettlementDate != nil {
			settlement = item.SettlementDate.Time()
		}
		var cpty any
		if item.CounterpartyID != nil {
			cpty = *item.CounterpartyID
		}
		if _, err := stmt.ExecContext(ctx,
			item.ContractID, item.DealID, cpty, item.AsOf.Time(), settlement, item.Currency,
			nullFloat(item.ProjectedValueUSD), nullFloat(item.FinalValueUSD),
			item.Methodology, pq.Array(item.Flags), refs, inputsHash,
		); err != nil {
			return fmt.Errorf("upsert baseline %s: %w", item.ContractID, err)
		}
	}
	err = tx.Commit()
	s.observe("upsert_baseline_items", start, err)
	return err
}

// ReplaceRiskFlags swaps a run's flag set atomically: delete then
// insert in one transaction, keyed by (run_id, subject, flag_code).
func (s *Store) ReplaceRiskFlags(ctx context.Context, runID string, flags []riskflags.Flag) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flags tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM finance.risk_flags WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("clear risk flags: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO finance.risk_flags
			(run_id, subject_type, subject_id, flag_code, severity, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (run_id, subject_type, subject_id, flag_code) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare flag insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range flags {
		if _, err := stmt.ExecContext(ctx,
			runID, f.SubjectType, f.SubjectID, f.Code, string(f.Severity), f.Message,
		); err != nil {
			return fmt.Errorf("insert risk flag %s/%s: %w", f.SubjectID, f.Code, err)
		}
	}
	err = tx.Commit()
	s.observe("replace_risk_flags", start, err)
	return err
}

// UnrealizedPnlUSD reads the materialized unrealized P&L for one
// contract/date, or nil when no snapshot exists.
func (s *Store) UnrealizedPnlUSD(ctx context.Context, contractID string, asOf domain.Date, currency string) (*float64, error) {
	start := time.Now()
	var v float64
	err := s.db.QueryRowContext(ctx, `
		SELECT unrealized_pnl_usd
		FROM finance.pnl_snapshots
		WHERE contract_id = $1 AND as_of_date = $2 AND currency = $3`,
		contractID, asOf.Time(), currency).Scan(&v)
	s.observe("unrealized_pnl", start, err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pnl snapshot %s: %w", contractID, err)
	}
	return &v, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

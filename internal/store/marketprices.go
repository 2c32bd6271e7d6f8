package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"MetalFlow/internal/domain"
	"MetalFlow/internal/marketdata"
)

// LatestAtOrBefore returns the newest observation for symbol with
// as_of <= cutoff, or nil when nothing matches.
func (s *Store) LatestAtOrBefore(ctx context.Context, symbol string, cutoff time.Time, f marketdata.LookupFilter) (*marketdata.Observation, error) {
	conds := []string{"symbol = $1", "as_of <= $2"}
	args := []any{symbol, cutoff}
	if f.Source != "" {
		args = append(args, f.Source)
		conds = append(conds, "source = $"+strconv.Itoa(len(args)))
	}
	if len(f.PriceTypes) > 0 {
		args = append(args, pq.Array(f.PriceTypes))
		conds = append(conds, "price_type = ANY($"+strconv.Itoa(len(args))+")")
	}
	if f.FXOnly {
		conds = append(conds, "is_fx")
	}

	start := time.Now()
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, price, as_of, source, price_type, is_fx
		FROM finance.market_prices
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY as_of DESC
		LIMIT 1`,
		args...)

	var obs marketdata.Observation
	err := row.Scan(&obs.Symbol, &obs.Price, &obs.AsOf, &obs.Source, &obs.PriceType, &obs.FX)
	s.observe("latest_at_or_before", start, err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest observation %s: %w", symbol, err)
	}
	return &obs, nil
}

// SeriesByDay returns at most one observation per calendar day in
// [start, end]. Within a day, earlier entries of priceTypes win, then
// the newest as_of.
func (s *Store) SeriesByDay(ctx context.Context, symbol string, startDay, endDay domain.Date, priceTypes []string) (map[domain.Date]marketdata.Observation, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (as_of::date)
			symbol, price, as_of, source, price_type, is_fx
		FROM finance.market_prices
		WHERE symbol = $1
		  AND as_of >= $2 AND as_of < $3
		  AND price_type = ANY($4)
		ORDER BY as_of::date, array_position($4, price_type), as_of DESC`,
		symbol, startDay.Time(), endDay.AddDays(1).Time(), pq.Array(priceTypes))
	s.observe("series_by_day", start, err)
	if err != nil {
		return nil, fmt.Errorf("series %s: %w", symbol, err)
	}
	defer rows.Close()

	out := map[domain.Date]marketdata.Observation{}
	for rows.Next() {
		var obs marketdata.Observation
		if err := rows.Scan(&obs.Symbol, &obs.Price, &obs.AsOf, &obs.Source, &obs.PriceType, &obs.FX); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out[obs.Day()] = obs
	}
	return out, rows.Err()
}

// LatestPublishDate returns the newest publish day for symbol among the
// given price types, or nil when the series is empty.
func (s *Store) LatestPublishDate(ctx context.Context, symbol string, priceTypes []string) (*domain.Date, error) {
	start := time.Now()
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(as_of)
		FROM finance.market_prices
		WHERE symbol = $1 AND price_type = ANY($2)`,
		symbol, pq.Array(priceTypes)).Scan(&latest)
	s.observe("latest_publish_date", start, err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest publish date %s: %w", symbol, err)
	}
	if !latest.Valid {
		return nil, nil
	}
	d := domain.DateFromTime(latest.Time)
	return &d, nil
}

package dataset

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/instrument"
)

// LoadPostgres loads the dataset from a table with the recorder's column
// layout. Prices are read as TEXT to keep exact decimal precision.
func LoadPostgres(ctx context.Context, pool *pgxpool.Pool, table string) (*Dataset, error) {
	query := fmt.Sprintf(
		`SELECT symbol, timestamp,
		        last_traded_price::TEXT,
		        COALESCE(volume_traded, 0)::TEXT,
		        COALESCE(open_price, last_traded_price)::TEXT,
		        COALESCE(high_price, last_traded_price)::TEXT,
		        COALESCE(low_price, last_traded_price)::TEXT,
		        COALESCE(close_price, last_traded_price)::TEXT
		 FROM %s
		 WHERE last_traded_price > 0
		 ORDER BY symbol, timestamp`, pgx.Identifier{table}.Sanitize())

	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query dataset: %w", err)
	}
	defer rows.Close()

	series := make(map[string][]Row)
	for rows.Next() {
		var symbol string
		var r Row
		var lastS, volS, openS, highS, lowS, closeS string
		if err := rows.Scan(&symbol, &r.Timestamp, &lastS, &volS, &openS, &highS, &lowS, &closeS); err != nil {
			return nil, fmt.Errorf("scan dataset row: %w", err)
		}
		sym, err := instrument.NormalizeSymbol(symbol)
		if err != nil {
			continue
		}
		r.Timestamp = r.Timestamp.UTC()
		r.LastPrice, _ = decimal.NewFromString(lastS)
		r.Volume, _ = decimal.NewFromString(volS)
		r.Open, _ = decimal.NewFromString(openS)
		r.High, _ = decimal.NewFromString(highS)
		r.Low, _ = decimal.NewFromString(lowS)
		r.Close, _ = decimal.NewFromString(closeS)
		series[sym] = append(series[sym], r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return New(series)
}

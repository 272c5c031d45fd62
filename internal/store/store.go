// Package store defines the persistence interface for the contest engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process runs).
package store

import (
	"context"
	"errors"

	"github.com/atmx/contest-engine/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Every write is a single atomic unit:
// portfolios and the trades that produced them are committed together or
// not at all.
type Store interface {
	// --- Portfolios ---

	// GetPortfolio returns the stored portfolio of a participant.
	GetPortfolio(ctx context.Context, participantID string) (*model.Portfolio, error)

	// ListPortfolios returns every stored portfolio.
	ListPortfolios(ctx context.Context) ([]*model.Portfolio, error)

	// --- Atomic writes ---

	// Commit persists the given portfolios (including holdings and short
	// positions) and appends the trades, in one transaction.
	Commit(ctx context.Context, portfolios []*model.Portfolio, trades []*model.Trade) error

	// ResetSession clears all trades and short positions and replaces the
	// given portfolios, in one transaction.
	ResetSession(ctx context.Context, portfolios []*model.Portfolio) error

	// --- Trade history ---

	// ListTrades returns a participant's trades in execution order.
	ListTrades(ctx context.Context, participantID string) ([]model.Trade, error)
}

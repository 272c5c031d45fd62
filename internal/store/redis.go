package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/contest-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, portfolios []*model.Portfolio, trades []*model.Trade) error {
	if err := s.primary.Commit(ctx, portfolios, trades); err != nil {
		return err
	}
	keys := make([]string, 0, len(portfolios)+len(trades))
	for _, p := range portfolios {
		keys = append(keys, portfolioKey(p.ParticipantID))
	}
	for _, t := range trades {
		keys = append(keys, tradesKey(t.ParticipantID))
	}
	s.invalidate(ctx, keys...)
	return nil
}

func (s *CachedStore) ResetSession(ctx context.Context, portfolios []*model.Portfolio) error {
	if err := s.primary.ResetSession(ctx, portfolios); err != nil {
		return err
	}
	// Every participant's trade history is gone, not only the listed ones.
	var keys []string
	for _, pattern := range []string{portfolioKey("*"), tradesKey("*")} {
		iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			slog.Warn("redis scan failed during reset", "pattern", pattern, "err", err)
		}
	}
	s.invalidate(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, participantID string) (*model.Portfolio, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(participantID)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPortfolio(ctx, participantID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, portfolioKey(participantID), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListTrades(ctx context.Context, participantID string) ([]model.Trade, error) {
	data, err := s.rdb.Get(ctx, tradesKey(participantID)).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.ListTrades(ctx, participantID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, tradesKey(participantID), data, s.ttl)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPortfolios(ctx context.Context) ([]*model.Portfolio, error) {
	return s.primary.ListPortfolios(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("redis invalidation failed", "keys", len(keys), "err", err)
	}
}

func portfolioKey(id string) string { return fmt.Sprintf("portfolio:%s", id) }
func tradesKey(id string) string    { return fmt.Sprintf("trades:%s", id) }

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/contest-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	portfolios map[string]*model.Portfolio
	trades     []model.Trade

	// failNext makes the next write fail, for exercising rollback paths.
	failNext error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios: make(map[string]*model.Portfolio),
	}
}

// FailNextWrite makes the next Commit or ResetSession return err without
// applying anything.
func (s *MemoryStore) FailNextWrite(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *MemoryStore) GetPortfolio(_ context.Context, participantID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[participantID]
	if !ok {
		return nil, fmt.Errorf("%w: portfolio %s", ErrNotFound, participantID)
	}
	// Return a copy to avoid external mutation.
	return p.Clone(), nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context) ([]*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Portfolio, 0, len(s.portfolios))
	for _, p := range s.portfolios {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (s *MemoryStore) Commit(_ context.Context, portfolios []*model.Portfolio, trades []*model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	for _, p := range portfolios {
		s.portfolios[p.ParticipantID] = p.Clone()
	}
	for _, t := range trades {
		s.trades = append(s.trades, *t)
	}
	return nil
}

func (s *MemoryStore) ResetSession(_ context.Context, portfolios []*model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	s.trades = nil
	for _, p := range portfolios {
		s.portfolios[p.ParticipantID] = p.Clone()
	}
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, participantID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.ParticipantID == participantID {
			result = append(result, t)
		}
	}
	return result, nil
}

// takeFailure must be called with mu held.
func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

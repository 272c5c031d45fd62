package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
	"github.com/atmx/contest-engine/internal/store"
)

func TestMemoryStore_CommitAndRead(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	p := model.NewPortfolio("alice", decimal.NewFromInt(1000))
	p.Holdings["INFY"] = &model.Holding{Instrument: "INFY", Quantity: decimal.NewFromInt(2), AverageCost: decimal.NewFromInt(100)}
	tr := &model.Trade{ID: "t1", ParticipantID: "alice", Instrument: "INFY", Side: model.SideBuy, Timestamp: time.Now()}

	if err := ms.Commit(ctx, []*model.Portfolio{p}, []*model.Trade{tr}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	p.CashBalance = decimal.Zero

	got, err := ms.GetPortfolio(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CashBalance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("cash = %s, want 1000", got.CashBalance)
	}
	if got.Holdings["INFY"] == nil {
		t.Fatal("expected INFY holding")
	}

	trades, _ := ms.ListTrades(ctx, "alice")
	if len(trades) != 1 || trades[0].ID != "t1" {
		t.Errorf("trades = %+v", trades)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	_, err := store.NewMemoryStore().GetPortfolio(context.Background(), "nobody")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_FailNextWriteAppliesNothing(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	boom := errors.New("disk full")
	ms.FailNextWrite(boom)

	p := model.NewPortfolio("bob", decimal.NewFromInt(500))
	err := ms.Commit(ctx, []*model.Portfolio{p}, []*model.Trade{{ID: "t1", ParticipantID: "bob"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := ms.GetPortfolio(ctx, "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("portfolio should not exist after failed commit, got %v", err)
	}
	if trades, _ := ms.ListTrades(ctx, "bob"); len(trades) != 0 {
		t.Errorf("expected no trades, got %d", len(trades))
	}

	// Failure is one-shot.
	if err := ms.Commit(ctx, []*model.Portfolio{p}, nil); err != nil {
		t.Errorf("second commit: %v", err)
	}
}

func TestMemoryStore_ResetSessionClearsTrades(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	p := model.NewPortfolio("carol", decimal.NewFromInt(100))
	p.ShortPositions = append(p.ShortPositions, &model.ShortPosition{ID: "s1", Instrument: "TCS", Active: true})
	_ = ms.Commit(ctx, []*model.Portfolio{p}, []*model.Trade{{ID: "t1", ParticipantID: "carol"}})

	fresh := model.NewPortfolio("carol", decimal.NewFromInt(100))
	if err := ms.ResetSession(ctx, []*model.Portfolio{fresh}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, _ := ms.GetPortfolio(ctx, "carol")
	if len(got.ShortPositions) != 0 {
		t.Errorf("expected shorts cleared, got %d", len(got.ShortPositions))
	}
	if trades, _ := ms.ListTrades(ctx, "carol"); len(trades) != 0 {
		t.Errorf("expected trades cleared, got %d", len(trades))
	}
}

func TestMemoryStore_ListPortfoliosSorted(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	for _, id := range []string{"zed", "amy", "max"} {
		_ = ms.Commit(ctx, []*model.Portfolio{model.NewPortfolio(id, decimal.NewFromInt(1))}, nil)
	}
	list, _ := ms.ListPortfolios(ctx)
	if len(list) != 3 || list[0].ParticipantID != "amy" || list[2].ParticipantID != "zed" {
		t.Errorf("unexpected order: %v, %v, %v", list[0].ParticipantID, list[1].ParticipantID, list[2].ParticipantID)
	}
}

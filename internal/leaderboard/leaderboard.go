// Package leaderboard ranks portfolios. Ranking is a pure function of the
// portfolios passed in; nothing here is persisted.
package leaderboard

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/contest-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Rank orders portfolios by total wealth, highest first, breaking ties by
// participant ID. limit <= 0 returns every entry.
func Rank(portfolios []*model.Portfolio, initialCapital decimal.Decimal, limit int) []model.LeaderboardEntry {
	entries := make([]model.LeaderboardEntry, 0, len(portfolios))
	for _, p := range portfolios {
		entries = append(entries, model.LeaderboardEntry{
			ParticipantID: p.ParticipantID,
			TotalWealth:   p.TotalWealth,
			TotalPnL:      p.RealizedPnL.Add(p.UnrealizedPnL),
			ReturnPct:     ReturnPct(p.TotalWealth, initialCapital),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].TotalWealth.Cmp(entries[j].TotalWealth); c != 0 {
			return c > 0
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// ReturnPct is (wealth - capital) / capital × 100, rounded to 4 places.
func ReturnPct(wealth, capital decimal.Decimal) decimal.Decimal {
	if capital.IsZero() {
		return decimal.Zero
	}
	return wealth.Sub(capital).Div(capital).Mul(hundred).Round(4)
}

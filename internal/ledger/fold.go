package ledger

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// compareEntries orders by occurred_at, then created_at, then id.
func compareEntries(a, b Entry) int {
	if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

// SortEntries sorts entries into fold order in place.
func SortEntries(entries []Entry) {
	slices.SortStableFunc(entries, compareEntries)
}

// Fold sums QtyChange of every entry that occurred at or before asOf.
// A zero asOf folds everything.
func Fold(entries []Entry, asOf time.Time) decimal.Decimal {
	sorted := slices.Clone(entries)
	SortEntries(sorted)
	total := decimal.Zero
	for _, e := range sorted {
		if !asOf.IsZero() && e.OccurredAt.After(asOf) {
			break
		}
		total = total.Add(e.QtyChange)
	}
	return total
}

// RunningBalances pairs each entry, in fold order, with the folded balance
// after it.
func RunningBalances(entries []Entry) []StockCardLine {
	sorted := slices.Clone(entries)
	SortEntries(sorted)
	lines := make([]StockCardLine, 0, len(sorted))
	running := decimal.Zero
	for _, e := range sorted {
		running = running.Add(e.QtyChange)
		lines = append(lines, StockCardLine{Entry: e, RunningBalance: running})
	}
	return lines
}

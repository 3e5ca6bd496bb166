package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestFoldOrdersAndBoundsByOccurredAt(t *testing.T) {
	t0 := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)
	entries := []Entry{
		{ID: 3, OccurredAt: t0.Add(2 * time.Hour), QtyChange: decimal.NewFromInt(-4)},
		{ID: 1, OccurredAt: t0, QtyChange: decimal.NewFromInt(10)},
		{ID: 2, OccurredAt: t0.Add(time.Hour), QtyChange: decimal.RequireFromString("0.1")},
		{ID: 4, OccurredAt: t0.Add(time.Hour), QtyChange: decimal.RequireFromString("0.2")},
	}

	require.True(t, Fold(entries, time.Time{}).Equal(decimal.RequireFromString("6.3")))
	require.True(t, Fold(entries, t0.Add(time.Hour)).Equal(decimal.RequireFromString("10.3")))
	require.True(t, Fold(entries, t0.Add(-time.Second)).IsZero())
	require.Equal(t, int64(3), entries[0].ID, "fold must not reorder its input")
}

func TestRunningBalancesTieBreakByCreatedAtThenID(t *testing.T) {
	at := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)
	entries := []Entry{
		{ID: 9, OccurredAt: at, CreatedAt: at.Add(time.Second), QtyChange: decimal.NewFromInt(-1)},
		{ID: 5, OccurredAt: at, CreatedAt: at, QtyChange: decimal.NewFromInt(3)},
		{ID: 2, OccurredAt: at, CreatedAt: at.Add(time.Second), QtyChange: decimal.NewFromInt(-2)},
	}
	lines := RunningBalances(entries)
	require.Equal(t, []int64{5, 2, 9}, []int64{lines[0].ID, lines[1].ID, lines[2].ID})
	require.True(t, lines[2].RunningBalance.IsZero())
}

func TestEntryInputSignRules(t *testing.T) {
	base := EntryInput{BusinessID: 1, Key: Key{VariationID: 1, LocationID: 1}, Reference: Reference{Type: RefPurchase, ID: 1}}
	cases := []struct {
		typ   TransactionType
		qty   int64
		valid bool
	}{
		{TypePurchase, 5, true},
		{TypePurchase, -5, false},
		{TypeSale, -1, true},
		{TypeSale, 1, false},
		{TypeTransferOut, -1, true},
		{TypeTransferIn, 1, true},
		{TypeTransferOutReversal, 2, true},
		{TypeReturn, -1, false},
		{TypeCorrection, -3, true},
		{TypeCorrection, 3, true},
		{TransactionType("shrink"), -1, false},
	}
	for _, tc := range cases {
		in := base
		in.Type = tc.typ
		in.QtyChange = decimal.NewFromInt(tc.qty)
		err := in.Validate()
		if tc.valid {
			require.NoError(t, err, "%s %d", tc.typ, tc.qty)
		} else {
			require.Error(t, err, "%s %d", tc.typ, tc.qty)
		}
	}
}

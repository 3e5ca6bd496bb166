package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/ledger/ledgertest"
)

const (
	business  = int64(1)
	locationA = int64(10)
	locationB = int64(20)
	variation = int64(7)
)

var clock = time.Date(2025, 10, 12, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	store  *ledgertest.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := ledgertest.New()
	now := func() time.Time { return clock }
	ledgerSvc := ledger.NewService(store, nil, nil, ledger.ServiceConfig{Clock: now})
	svc := NewService(newMemoryRepo(store), ledgerSvc, nil, ServiceConfig{Clock: now})
	return fixture{svc: svc, ledger: ledgerSvc, store: store}
}

func (f fixture) open(t *testing.T, locationID int64, variationID int64, qty string) {
	t.Helper()
	_, err := f.ledger.Append(context.Background(), ledger.EntryInput{
		BusinessID: business,
		Key:        ledger.Key{VariationID: variationID, LocationID: locationID},
		Type:       ledger.TypeOpeningStock,
		QtyChange:  decimal.RequireFromString(qty),
		OccurredAt: clock.Add(-time.Hour),
	})
	require.NoError(t, err)
}

func (f fixture) balance(t *testing.T, locationID, variationID int64) decimal.Decimal {
	t.Helper()
	bal, err := f.ledger.GetBalance(context.Background(), ledger.Key{VariationID: variationID, LocationID: locationID})
	require.NoError(t, err)
	return bal
}

func (f fixture) create(t *testing.T, items ...ItemInput) Transfer {
	t.Helper()
	if len(items) == 0 {
		items = []ItemInput{{VariationID: variation, Quantity: decimal.NewFromInt(20)}}
	}
	tr, err := f.svc.Create(context.Background(), CreateInput{
		BusinessID: business, FromLocationID: locationA, ToLocationID: locationB, ActorID: 3, Items: items,
	})
	require.NoError(t, err)
	return tr
}

func act(id int64) ActionInput {
	return ActionInput{BusinessID: business, TransferID: id, ActorID: 3}
}

func entriesOfType(store *ledgertest.Store, typ ledger.TransactionType) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range store.Entries() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestCreateNumbersFromTransferSeries(t *testing.T) {
	f := newFixture(t)
	first := f.create(t)
	second := f.create(t)
	require.Equal(t, StatusDraft, first.Status)
	require.Equal(t, "TRF-10-20251012-0001", first.Number)
	require.Equal(t, "TRF-10-20251012-0002", second.Number)
	require.NotZero(t, first.Items[0].ID)
}

func TestCreateNumbersByBusinessDay(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*60*60)
	store := ledgertest.New()
	late := func() time.Time { return time.Date(2025, 10, 12, 20, 0, 0, 0, time.UTC) }
	ledgerSvc := ledger.NewService(store, nil, nil, ledger.ServiceConfig{Clock: late})
	svc := NewService(newMemoryRepo(store), ledgerSvc, nil, ServiceConfig{Clock: late, Location: jakarta})

	tr, err := svc.Create(context.Background(), CreateInput{
		BusinessID: business, FromLocationID: locationA, ToLocationID: locationB,
		Items: []ItemInput{{VariationID: variation, Quantity: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)
	require.Equal(t, "TRF-10-20251013-0001", tr.Number)
}

func TestCreateRejectsSameLocation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{
		BusinessID: business, FromLocationID: locationA, ToLocationID: locationA,
		Items: []ItemInput{{VariationID: variation, Quantity: decimal.NewFromInt(1)}},
	})
	require.ErrorIs(t, err, ErrInvalidTransfer)
}

func TestSendDebitsSource(t *testing.T) {
	f := newFixture(t)
	f.open(t, locationA, variation, "50")
	tr := f.create(t)

	sent, err := f.svc.Send(context.Background(), act(tr.ID))
	require.NoError(t, err)
	require.Equal(t, StatusSent, sent.Status)
	require.True(t, sent.StockDeducted)
	require.NotNil(t, sent.SentAt)
	require.True(t, f.balance(t, locationA, variation).Equal(decimal.NewFromInt(30)))

	out := entriesOfType(f.store, ledger.TypeTransferOut)
	require.Len(t, out, 1)
	require.True(t, out[0].QtyChange.Equal(decimal.NewFromInt(-20)))
	require.Equal(t, tr.Reference(), out[0].Reference)
}

func TestSendIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.open(t, locationA, variation, "50")
	f.open(t, locationA, 8, "1")
	tr := f.create(t,
		ItemInput{VariationID: variation, Quantity: decimal.NewFromInt(20)},
		ItemInput{VariationID: 8, Quantity: decimal.NewFromInt(5)},
	)

	_, err := f.svc.Send(context.Background(), act(tr.ID))
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)
	require.Empty(t, entriesOfType(f.store, ledger.TypeTransferOut))
	require.True(t, f.balance(t, locationA, variation).Equal(decimal.NewFromInt(50)))

	got, err := f.svc.Get(context.Background(), business, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, got.Status)
	require.False(t, got.StockDeducted)
}

func TestConcurrentSendsCannotDoubleSpend(t *testing.T) {
	f := newFixture(t)
	f.open(t, locationA, variation, "30")
	first := f.create(t)
	second := f.create(t)

	errs := make([]error, 2)
	var g errgroup.Group
	for i, id := range []int64{first.ID, second.ID} {
		g.Go(func() error {
			_, errs[i] = f.svc.Send(context.Background(), act(id))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ledger.ErrInsufficientStock)
			failures++
		}
	}
	require.Equal(t, 1, failures)
	require.True(t, f.balance(t, locationA, variation).Equal(decimal.NewFromInt(10)))
}

func TestFullLifecycleCreditsReceivedQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, locationA, variation, "50")
	tr := f.create(t)

	_, err := f.svc.Send(ctx, act(tr.ID))
	require.NoError(t, err)
	_, err = f.svc.Dispatch(ctx, act(tr.ID))
	require.NoError(t, err)
	arrived, err := f.svc.MarkArrived(ctx, act(tr.ID))
	require.NoError(t, err)
	require.Equal(t, StatusVerifying, arrived.Status)
	require.NotNil(t, arrived.ArrivedAt)

	_, err = f.svc.VerifyItem(ctx, VerifyItemInput{
		BusinessID: business, TransferID: tr.ID, ItemID: tr.Items[0].ID, Received: decimal.NewFromInt(18),
	})
	require.NoError(t, err)

	verified, err := f.svc.Verify(ctx, act(tr.ID))
	require.NoError(t, err)
	require.Equal(t, StatusVerified, verified.Status)
	require.True(t, f.balance(t, locationB, variation).Equal(decimal.NewFromInt(18)))
	require.True(t, f.balance(t, locationA, variation).Equal(decimal.NewFromInt(30)))

	in := entriesOfType(f.store, ledger.TypeTransferIn)
	require.Len(t, in, 1)
	require.True(t, in[0].QtyChange.Equal(decimal.NewFromInt(18)))

	completed, err := f.svc.Complete(ctx, act(tr.ID))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, completed.Status)
	require.Len(t, f.store.Entries(), 3)

	_, err = f.svc.Cancel(ctx, act(tr.ID))
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestVerifyRequiresEveryItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, locationA, variation, "50")
	f.open(t, locationA, 8, "5")
	tr := f.create(t,
		ItemInput{VariationID: variation, Quantity: decimal.NewFromInt(20)},
		ItemInput{VariationID: 8, Quantity: decimal.NewFromInt(5)},
	)
	for _, step := range []func(context.Context, ActionInput) (Transfer, error){f.svc.Send, f.svc.Dispatch, f.svc.MarkArrived} {
		_, err := step(ctx, act(tr.ID))
		require.NoError(t, err)
	}
	_, err := f.svc.VerifyItem(ctx, VerifyItemInput{BusinessID: business, TransferID: tr.ID, ItemID: tr.Items[0].ID, Received: decimal.NewFromInt(20)})
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, act(tr.ID))
	require.ErrorIs(t, err, ErrIncompleteVerification)
	require.Empty(t, entriesOfType(f.store, ledger.TypeTransferIn))

	got, err := f.svc.Get(ctx, business, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusVerifying, got.Status)

	// nothing arrived for the second item
	_, err = f.svc.VerifyItem(ctx, VerifyItemInput{BusinessID: business, TransferID: tr.ID, ItemID: tr.Items[1].ID, Received: decimal.Zero})
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, act(tr.ID))
	require.NoError(t, err)
	require.Len(t, entriesOfType(f.store, ledger.TypeTransferIn), 1)
}

func TestVerifyItemOnlyWhileVerifying(t *testing.T) {
	f := newFixture(t)
	tr := f.create(t)
	_, err := f.svc.VerifyItem(context.Background(), VerifyItemInput{
		BusinessID: business, TransferID: tr.ID, ItemID: tr.Items[0].ID, Received: decimal.NewFromInt(20),
	})
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestCancelAfterSendRestoresSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, locationA, variation, "50")
	tr := f.create(t)
	_, err := f.svc.Send(ctx, act(tr.ID))
	require.NoError(t, err)
	_, err = f.svc.Dispatch(ctx, act(tr.ID))
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, act(tr.ID))
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.True(t, cancelled.StockReversed)
	require.NotNil(t, cancelled.CancelledAt)
	require.True(t, f.balance(t, locationA, variation).Equal(decimal.NewFromInt(50)))

	reversal := entriesOfType(f.store, ledger.TypeTransferOutReversal)
	require.Len(t, reversal, 1)
	require.True(t, reversal[0].QtyChange.Equal(decimal.NewFromInt(20)))

	_, err = f.svc.Send(ctx, act(tr.ID))
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestCancelDraftMovesNoStock(t *testing.T) {
	f := newFixture(t)
	tr := f.create(t)
	cancelled, err := f.svc.Cancel(context.Background(), act(tr.ID))
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Empty(t, f.store.Entries())
}

func TestCannotCancelOnceVerifying(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, locationA, variation, "50")
	tr := f.create(t)
	for _, step := range []func(context.Context, ActionInput) (Transfer, error){f.svc.Send, f.svc.Dispatch, f.svc.MarkArrived} {
		_, err := step(ctx, act(tr.ID))
		require.NoError(t, err)
	}
	_, err := f.svc.Cancel(ctx, act(tr.ID))
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestUpdateItemsAndDeleteOnlyInDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, locationA, variation, "50")
	tr := f.create(t)

	updated, err := f.svc.UpdateItems(ctx, act(tr.ID), []ItemInput{{VariationID: variation, Quantity: decimal.NewFromInt(5)}})
	require.NoError(t, err)
	require.True(t, updated.Items[0].Quantity.Equal(decimal.NewFromInt(5)))

	_, err = f.svc.Send(ctx, act(tr.ID))
	require.NoError(t, err)
	require.True(t, f.balance(t, locationA, variation).Equal(decimal.NewFromInt(45)))

	_, err = f.svc.UpdateItems(ctx, act(tr.ID), []ItemInput{{VariationID: variation, Quantity: decimal.NewFromInt(1)}})
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.ErrorIs(t, f.svc.Delete(ctx, act(tr.ID)), ErrInvalidStateTransition)

	draft := f.create(t)
	require.NoError(t, f.svc.Delete(ctx, act(draft.ID)))
	_, err = f.svc.Get(ctx, business, draft.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNextTable(t *testing.T) {
	cases := []struct {
		from   Status
		action Action
		to     Status
		ok     bool
	}{
		{StatusDraft, ActionSend, StatusSent, true},
		{StatusSent, ActionDispatch, StatusInTransit, true},
		{StatusInTransit, ActionArrive, StatusVerifying, true},
		{StatusVerifying, ActionVerify, StatusVerified, true},
		{StatusVerified, ActionComplete, StatusCompleted, true},
		{StatusSent, ActionCancel, StatusCancelled, true},
		{StatusDraft, ActionDispatch, "", false},
		{StatusVerified, ActionCancel, "", false},
		{StatusCompleted, ActionSend, "", false},
		{StatusSent, ActionSend, "", false},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.action)
		if !tc.ok {
			require.ErrorIs(t, err, ErrInvalidStateTransition, "%s/%s", tc.from, tc.action)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.to, got)
	}
}

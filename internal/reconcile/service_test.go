package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/ledger/ledgertest"
)

type memoryRepo struct {
	mu       sync.Mutex
	findings []Finding
	ledger   *ledgertest.Store
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := slices.Clone(r.findings)
	err := r.ledger.Tx(ctx, func(ltx ledger.TxRepository) error {
		return fn(ctx, &memoryTx{repo: r, ledger: ltx})
	})
	if err != nil {
		r.findings = snapshot
	}
	return err
}

func (r *memoryRepo) SaveFinding(_ context.Context, f Finding) (Finding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.findings {
		if existing.Key == f.Key && existing.State == StateOpen {
			f.ID = existing.ID
			f.State = StateOpen
			r.findings[i] = f
			return f, nil
		}
	}
	f.ID = int64(len(r.findings) + 1)
	f.State = StateOpen
	r.findings = append(r.findings, f)
	r.ledger.AddReference(ledger.Reference{Type: ledger.RefDriftFinding, ID: f.ID})
	return f, nil
}

func (r *memoryRepo) ListFindings(_ context.Context, filter FindingFilter) ([]Finding, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Finding{}
	for _, f := range r.findings {
		if f.BusinessID == filter.BusinessID && (filter.State == "" || f.State == filter.State) {
			out = append(out, f)
		}
	}
	return out, len(out), nil
}

type memoryTx struct {
	repo   *memoryRepo
	ledger ledger.TxRepository
}

func (t *memoryTx) Ledger() ledger.TxRepository { return t.ledger }

func (t *memoryTx) LockFinding(_ context.Context, businessID, id int64) (Finding, error) {
	for _, f := range t.repo.findings {
		if f.ID == id && f.BusinessID == businessID {
			return f, nil
		}
	}
	return Finding{}, ErrFindingNotFound
}

func (t *memoryTx) ResolveFinding(_ context.Context, f Finding) error {
	for i := range t.repo.findings {
		if t.repo.findings[i].ID == f.ID {
			t.repo.findings[i] = f
			return nil
		}
	}
	return ErrFindingNotFound
}

const business = int64(1)

var (
	now  = time.Date(2025, 10, 12, 9, 0, 0, 0, time.UTC)
	keyV = ledger.Key{VariationID: 5, LocationID: 2}
)

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	store  *ledgertest.Store
	repo   *memoryRepo
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := ledgertest.New()
	clock := func() time.Time { return now }
	ledgerSvc := ledger.NewService(store, nil, nil, ledger.ServiceConfig{Clock: clock})
	repo := &memoryRepo{ledger: store}
	svc := NewService(ledgerSvc, repo, nil, ServiceConfig{Concurrency: 2, Clock: clock})
	return fixture{svc: svc, ledger: ledgerSvc, store: store, repo: repo}
}

func (f fixture) open(t *testing.T, key ledger.Key, qty int64) {
	t.Helper()
	_, err := f.ledger.Append(context.Background(), ledger.EntryInput{
		BusinessID: business, Key: key, Type: ledger.TypeOpeningStock,
		QtyChange: decimal.NewFromInt(qty), OccurredAt: now.Add(-time.Hour),
	})
	require.NoError(t, err)
}

func TestReconcileOK(t *testing.T) {
	f := newFixture(t)
	f.open(t, keyV, 50)

	finding, err := f.svc.Reconcile(context.Background(), business, keyV)
	require.NoError(t, err)
	require.Equal(t, StatusOK, finding.Status)
	require.True(t, finding.Variance.IsZero())
	require.NoError(t, finding.Err())
}

func TestReconcileReportsDriftWithoutCorrecting(t *testing.T) {
	f := newFixture(t)
	f.open(t, keyV, 50)
	f.store.SetCachedBalance(business, keyV, decimal.NewFromInt(45))

	finding, err := f.svc.Reconcile(context.Background(), business, keyV)
	require.NoError(t, err)
	require.Equal(t, StatusDrifted, finding.Status)
	require.True(t, finding.Cached.Equal(decimal.NewFromInt(45)))
	require.True(t, finding.Derived.Equal(decimal.NewFromInt(50)))
	require.True(t, finding.Variance.Equal(decimal.NewFromInt(-5)))
	require.True(t, errors.Is(finding.Err(), ErrDriftDetected))

	cached, err := f.ledger.GetBalance(context.Background(), keyV)
	require.NoError(t, err)
	require.True(t, cached.Equal(decimal.NewFromInt(45)), "reconcile must not heal drift")
}

func TestSweepPersistsOnlyDrift(t *testing.T) {
	f := newFixture(t)
	other := ledger.Key{VariationID: 6, LocationID: 2}
	elsewhere := ledger.Key{VariationID: 5, LocationID: 3}
	f.open(t, keyV, 50)
	f.open(t, other, 10)
	f.open(t, elsewhere, 10)
	f.store.SetCachedBalance(business, keyV, decimal.NewFromInt(45))
	f.store.SetCachedBalance(business, elsewhere, decimal.NewFromInt(1))

	report, err := f.svc.Sweep(context.Background(), Scope{BusinessID: business, LocationID: 2})
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.Len(t, report.Drifted, 1)
	require.Equal(t, keyV, report.Drifted[0].Key)
	require.NotEmpty(t, report.RunID)

	// a second sweep refreshes the open finding instead of duplicating it
	_, err = f.svc.Sweep(context.Background(), Scope{BusinessID: business, LocationID: 2})
	require.NoError(t, err)
	findings, page, err := f.svc.ListFindings(context.Background(), FindingFilter{BusinessID: business, State: StateOpen})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, 1, page.Total)
}

func TestResolveTrustLedgerRebuildsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, keyV, 50)
	f.store.SetCachedBalance(business, keyV, decimal.NewFromInt(45))
	report, err := f.svc.Sweep(ctx, Scope{BusinessID: business})
	require.NoError(t, err)
	require.Len(t, report.Drifted, 1)

	resolved, err := f.svc.Resolve(ctx, ResolveInput{BusinessID: business, FindingID: report.Drifted[0].ID, Resolution: TrustLedger, ActorID: 9})
	require.NoError(t, err)
	require.Equal(t, StateResolved, resolved.State)
	require.Equal(t, int64(9), resolved.ResolvedBy)

	cached, err := f.ledger.GetBalance(ctx, keyV)
	require.NoError(t, err)
	require.True(t, cached.Equal(decimal.NewFromInt(50)))
	require.Len(t, f.store.Entries(), 1)

	_, err = f.svc.Resolve(ctx, ResolveInput{BusinessID: business, FindingID: resolved.ID, Resolution: TrustLedger})
	require.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolveTrustCountAppendsCorrection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, keyV, 50)
	f.store.SetCachedBalance(business, keyV, decimal.NewFromInt(45))
	report, err := f.svc.Sweep(ctx, Scope{BusinessID: business})
	require.NoError(t, err)

	resolved, err := f.svc.Resolve(ctx, ResolveInput{BusinessID: business, FindingID: report.Drifted[0].ID, Resolution: TrustCount, Note: "shelf count"})
	require.NoError(t, err)
	require.NotZero(t, resolved.EntryID)

	entries := f.store.Entries()
	require.Len(t, entries, 2)
	correction := entries[1]
	require.Equal(t, ledger.TypeCorrection, correction.Type)
	require.True(t, correction.QtyChange.Equal(decimal.NewFromInt(-5)))
	require.Equal(t, ledger.Reference{Type: ledger.RefDriftFinding, ID: resolved.ID}, correction.Reference)

	after, err := f.svc.Reconcile(ctx, business, keyV)
	require.NoError(t, err)
	require.Equal(t, StatusOK, after.Status)
	require.True(t, after.Cached.Equal(decimal.NewFromInt(45)))
}

func TestResolveRejectsUnknownResolution(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Resolve(context.Background(), ResolveInput{BusinessID: business, FindingID: 1, Resolution: "auto"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReconcileIsScopedToBusiness(t *testing.T) {
	f := newFixture(t)
	f.open(t, keyV, 50)

	_, err := f.svc.Reconcile(context.Background(), 99, keyV)
	require.ErrorIs(t, err, ledger.ErrKeyNotFound)

	_, err = f.svc.Reconcile(context.Background(), 0, keyV)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestResolveStoresRecheckedFigures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, keyV, 50)
	f.store.SetCachedBalance(business, keyV, decimal.NewFromInt(45))
	report, err := f.svc.Sweep(ctx, Scope{BusinessID: business})
	require.NoError(t, err)
	require.Len(t, report.Drifted, 1)

	// the cache moves again between the sweep and the resolution
	f.store.SetCachedBalance(business, keyV, decimal.NewFromInt(47))
	resolved, err := f.svc.Resolve(ctx, ResolveInput{BusinessID: business, FindingID: report.Drifted[0].ID, Resolution: TrustLedger})
	require.NoError(t, err)
	require.True(t, resolved.Cached.Equal(decimal.NewFromInt(47)))
	require.True(t, resolved.Derived.Equal(decimal.NewFromInt(50)))
	require.True(t, resolved.Variance.Equal(decimal.NewFromInt(-3)))

	stored, _, err := f.svc.ListFindings(ctx, FindingFilter{BusinessID: business, State: StateResolved})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.True(t, stored[0].Cached.Equal(resolved.Cached))
	require.True(t, stored[0].Derived.Equal(resolved.Derived))
	require.True(t, stored[0].Variance.Equal(resolved.Variance))
}

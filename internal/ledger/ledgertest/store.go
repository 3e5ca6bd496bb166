// Package ledgertest provides an in-memory ledger repository for tests.
// Transactions are serialised by one mutex, which gives the same outcome as
// row locks for the workloads the tests drive, and roll back by restoring a
// snapshot.
package ledgertest

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/shared"
)

type state struct {
	balances map[ledger.Key]ledger.Balance
	entries  []ledger.Entry
	claimed  map[string]struct{}
	nextID   int64
}

func (s state) clone() state {
	return state{
		balances: maps.Clone(s.balances),
		entries:  slices.Clone(s.entries),
		claimed:  maps.Clone(s.claimed),
		nextID:   s.nextID,
	}
}

// Store implements ledger.Repository in memory.
type Store struct {
	mu    sync.Mutex
	state state
	base  time.Time

	refMu sync.RWMutex
	refs  map[ledger.Reference]int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		state: state{
			balances: make(map[ledger.Key]ledger.Balance),
			claimed:  make(map[string]struct{}),
		},
		refs: make(map[ledger.Reference]int64),
		base: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// AddReference registers source transactions any business may point at. It
// is safe to call from inside Tx.
func (s *Store) AddReference(refs ...ledger.Reference) {
	s.AddBusinessReference(0, refs...)
}

// AddBusinessReference registers source transactions owned by businessID.
func (s *Store) AddBusinessReference(businessID int64, refs ...ledger.Reference) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	for _, ref := range refs {
		s.refs[ref] = businessID
	}
}

// SetCachedBalance overwrites a balance row without touching the ledger.
func (s *Store) SetCachedBalance(businessID int64, key ledger.Key, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.balances[key] = ledger.Balance{BusinessID: businessID, Key: key, Qty: qty, UpdatedAt: s.base}
}

// Entries returns a copy of every stored entry in insertion order.
func (s *Store) Entries() []ledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.entries)
}

// WithTx runs fn as one transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return s.Tx(ctx, func(tx ledger.TxRepository) error { return fn(ctx, tx) })
}

// Tx runs fn with exclusive access, restoring the previous state when fn
// fails. Other in-memory stores use it to join their own transaction.
func (s *Store) Tx(ctx context.Context, fn func(ledger.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.state.clone()
	if err := fn(&tx{store: s}); err != nil {
		s.state = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *Store) GetBalance(_ context.Context, key ledger.Key) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.state.balances[key]
	if !ok {
		return ledger.Balance{Key: key}, ledger.ErrBalanceNotFound
	}
	return bal, nil
}

func (s *Store) ListEntries(_ context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listEntries(filter), nil
}

func (s *Store) ListKeys(_ context.Context, filter ledger.KeyFilter) ([]ledger.ScopedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[ledger.ScopedKey]struct{})
	match := func(k ledger.ScopedKey) {
		if filter.BusinessID != 0 && k.BusinessID != filter.BusinessID {
			return
		}
		if filter.LocationID != 0 && k.LocationID != filter.LocationID {
			return
		}
		if filter.VariationID != 0 && k.VariationID != filter.VariationID {
			return
		}
		seen[k] = struct{}{}
	}
	for _, b := range s.state.balances {
		match(ledger.ScopedKey{BusinessID: b.BusinessID, Key: b.Key})
	}
	for _, e := range s.state.entries {
		match(ledger.ScopedKey{BusinessID: e.BusinessID, Key: e.Key})
	}
	keys := slices.Collect(maps.Keys(seen))
	slices.SortFunc(keys, func(a, b ledger.ScopedKey) int { return a.Key.Compare(b.Key) })
	return keys, nil
}

func (s *Store) listEntries(filter ledger.EntryFilter) []ledger.Entry {
	out := []ledger.Entry{}
	for _, e := range s.state.entries {
		if e.Key != filter.Key {
			continue
		}
		if filter.BusinessID != 0 && e.BusinessID != filter.BusinessID {
			continue
		}
		if !filter.From.IsZero() && e.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.OccurredAt.After(filter.To) {
			continue
		}
		out = append(out, e)
	}
	ledger.SortEntries(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

type tx struct {
	store *Store
}

func (t *tx) LockBalance(_ context.Context, businessID int64, key ledger.Key) (ledger.Balance, error) {
	bal, ok := t.store.state.balances[key]
	if !ok {
		bal = ledger.Balance{BusinessID: businessID, Key: key, Qty: decimal.Zero, UpdatedAt: t.store.base}
		t.store.state.balances[key] = bal
	}
	return bal, nil
}

func (t *tx) SaveBalance(_ context.Context, balance ledger.Balance) error {
	if _, ok := t.store.state.balances[balance.Key]; !ok {
		return ledger.ErrBalanceNotFound
	}
	balance.UpdatedAt = t.store.base.Add(time.Duration(t.store.state.nextID) * time.Millisecond)
	t.store.state.balances[balance.Key] = balance
	return nil
}

func (t *tx) InsertEntry(_ context.Context, entry ledger.Entry) (ledger.Entry, error) {
	t.store.state.nextID++
	entry.ID = t.store.state.nextID
	entry.CreatedAt = t.store.base.Add(time.Duration(entry.ID) * time.Millisecond)
	t.store.state.entries = append(t.store.state.entries, entry)
	return entry, nil
}

func (t *tx) ListEntries(_ context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	return t.store.listEntries(filter), nil
}

func (t *tx) ReferenceExists(_ context.Context, businessID int64, ref ledger.Reference) (bool, error) {
	t.store.refMu.RLock()
	defer t.store.refMu.RUnlock()
	owner, ok := t.store.refs[ref]
	return ok && (owner == 0 || owner == businessID), nil
}

func (t *tx) ClaimIdempotencyKey(_ context.Context, key string) error {
	if _, ok := t.store.state.claimed[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	t.store.state.claimed[key] = struct{}{}
	return nil
}

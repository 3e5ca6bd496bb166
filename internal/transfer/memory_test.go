package transfer

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/ledger/ledgertest"
	"github.com/stockline/stockline/internal/sequence"
)

type memoryState struct {
	transfers map[int64]Transfer
	counters  map[sequence.Key]int64
	nextID    int64
	nextItem  int64
}

func (s memoryState) clone() memoryState {
	transfers := make(map[int64]Transfer, len(s.transfers))
	for id, t := range s.transfers {
		t.Items = slices.Clone(t.Items)
		transfers[id] = t
	}
	return memoryState{transfers: transfers, counters: maps.Clone(s.counters), nextID: s.nextID, nextItem: s.nextItem}
}

// memoryRepo joins the ledger store's transaction so transfer rows and
// ledger rows commit or roll back together.
type memoryRepo struct {
	mu     sync.Mutex
	state  memoryState
	ledger *ledgertest.Store
}

func newMemoryRepo(store *ledgertest.Store) *memoryRepo {
	return &memoryRepo{
		state:  memoryState{transfers: make(map[int64]Transfer), counters: make(map[sequence.Key]int64)},
		ledger: store,
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.state.clone()
	err := r.ledger.Tx(ctx, func(ltx ledger.TxRepository) error {
		return fn(ctx, &memoryTx{repo: r, ledger: ltx})
	})
	if err != nil {
		r.state = snapshot
	}
	return err
}

func (r *memoryRepo) Get(_ context.Context, businessID, id int64) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.state.transfers[id]
	if !ok || t.BusinessID != businessID || t.Lifecycle.IsDeleted() {
		return Transfer{}, ErrNotFound
	}
	t.Items = slices.Clone(t.Items)
	return t, nil
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter) ([]Transfer, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Transfer{}
	for _, t := range r.state.transfers {
		if t.BusinessID != filter.BusinessID || t.Lifecycle.IsDeleted() {
			continue
		}
		if filter.LocationID > 0 && t.FromLocationID != filter.LocationID && t.ToLocationID != filter.LocationID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Transfer) int { return int(b.ID - a.ID) })
	return out, len(out), nil
}

type memoryTx struct {
	repo   *memoryRepo
	ledger ledger.TxRepository
}

func (t *memoryTx) Ledger() ledger.TxRepository { return t.ledger }

func (t *memoryTx) NextNumber(_ context.Context, key sequence.Key, max int64) (int64, error) {
	if t.repo.state.counters[key] >= max {
		return 0, sequence.ErrSequenceExhausted
	}
	t.repo.state.counters[key]++
	return t.repo.state.counters[key], nil
}

func (t *memoryTx) Insert(ctx context.Context, tr Transfer) (Transfer, error) {
	t.repo.state.nextID++
	tr.ID = t.repo.state.nextID
	items, err := t.ReplaceItems(ctx, tr.ID, tr.Items)
	if err != nil {
		return Transfer{}, err
	}
	tr.Items = items
	t.repo.state.transfers[tr.ID] = tr
	t.repo.ledger.AddReference(tr.Reference())
	return tr, nil
}

func (t *memoryTx) Lock(_ context.Context, businessID, id int64) (Transfer, error) {
	tr, ok := t.repo.state.transfers[id]
	if !ok || tr.BusinessID != businessID || tr.Lifecycle.IsDeleted() {
		return Transfer{}, ErrNotFound
	}
	tr.Items = slices.Clone(tr.Items)
	return tr, nil
}

func (t *memoryTx) Update(_ context.Context, tr Transfer) error {
	existing, ok := t.repo.state.transfers[tr.ID]
	if !ok {
		return ErrNotFound
	}
	tr.Items = existing.Items
	t.repo.state.transfers[tr.ID] = tr
	return nil
}

func (t *memoryTx) ReplaceItems(_ context.Context, transferID int64, items []Item) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		t.repo.state.nextItem++
		it.ID = t.repo.state.nextItem
		it.TransferID = transferID
		out = append(out, it)
	}
	if tr, ok := t.repo.state.transfers[transferID]; ok {
		tr.Items = slices.Clone(out)
		t.repo.state.transfers[transferID] = tr
	}
	return out, nil
}

func (t *memoryTx) UpdateItem(_ context.Context, item Item) error {
	tr, ok := t.repo.state.transfers[item.TransferID]
	if !ok {
		return ErrItemNotFound
	}
	for i, it := range tr.Items {
		if it.ID == item.ID {
			tr.Items[i] = item
			t.repo.state.transfers[item.TransferID] = tr
			return nil
		}
	}
	return ErrItemNotFound
}

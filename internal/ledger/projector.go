package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// GetBalance returns the cached on-hand quantity whichever business holds
// the key; zero when the key has never moved.
func (s *Service) GetBalance(ctx context.Context, key Key) (decimal.Decimal, error) {
	if key.VariationID == 0 || key.LocationID == 0 {
		return decimal.Zero, fmt.Errorf("%w: variation and location required", ErrInvalidEntry)
	}
	bal, err := s.repo.GetBalance(ctx, key)
	if errors.Is(err, ErrBalanceNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: get balance %s: %w", key, err)
	}
	return bal.Qty, nil
}

// Balance returns the cached balance row of key as seen by businessID. A key
// that never moved reads as zero; a key held by another business is
// ErrKeyNotFound.
func (s *Service) Balance(ctx context.Context, businessID int64, key Key) (Balance, error) {
	if businessID == 0 || key.VariationID == 0 || key.LocationID == 0 {
		return Balance{}, fmt.Errorf("%w: business, variation and location required", ErrInvalidEntry)
	}
	bal, err := s.repo.GetBalance(ctx, key)
	if errors.Is(err, ErrBalanceNotFound) {
		return Balance{BusinessID: businessID, Key: key, Qty: decimal.Zero}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("ledger: get balance %s: %w", key, err)
	}
	if bal.BusinessID != businessID {
		return Balance{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return bal, nil
}

// ReconstructBalance folds the business's ledger for key up to asOf,
// defaulting to now. Results for a past instant are memoised in Redis until
// the key moves again, and concurrent callers for the same instant share one
// fold.
func (s *Service) ReconstructBalance(ctx context.Context, businessID int64, key Key, asOf time.Time) (decimal.Decimal, error) {
	if _, err := s.Balance(ctx, businessID, key); err != nil {
		return decimal.Zero, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	asOf = asOf.UTC()
	flightKey := fmt.Sprintf("%d/%s@%d", businessID, key, asOf.UnixNano())
	value, err, _ := s.group.Do(flightKey, func() (any, error) {
		return s.cache.Fetch(ctx, key, asOf, func(ctx context.Context) (decimal.Decimal, error) {
			return s.DeriveBalance(ctx, businessID, key, asOf)
		})
	})
	if err != nil {
		return decimal.Zero, err
	}
	return value.(decimal.Decimal), nil
}

// DeriveBalance folds the ledger straight from storage, bypassing every
// cache. Only entries of businessID count; zero folds every business.
func (s *Service) DeriveBalance(ctx context.Context, businessID int64, key Key, asOf time.Time) (decimal.Decimal, error) {
	entries, err := s.repo.ListEntries(ctx, EntryFilter{BusinessID: businessID, Key: key, To: asOf})
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: list entries %s: %w", key, err)
	}
	return Fold(entries, asOf), nil
}

// StockCard lists the entries of a key in fold order with running balances.
// Running balances always start from the first entry, so From only trims
// the output.
func (s *Service) StockCard(ctx context.Context, filter EntryFilter) ([]StockCardLine, error) {
	if filter.Key.VariationID == 0 || filter.Key.LocationID == 0 {
		return nil, fmt.Errorf("%w: variation and location required", ErrInvalidEntry)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return nil, fmt.Errorf("%w: from is after to", ErrInvalidEntry)
	}
	entries, err := s.repo.ListEntries(ctx, EntryFilter{BusinessID: filter.BusinessID, Key: filter.Key, To: filter.To})
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries %s: %w", filter.Key, err)
	}
	lines := RunningBalances(entries)
	out := make([]StockCardLine, 0, len(lines))
	for _, line := range lines {
		if !filter.From.IsZero() && line.OccurredAt.Before(filter.From) {
			continue
		}
		out = append(out, line)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// ListKeys returns every key that has a balance row or ledger entry.
func (s *Service) ListKeys(ctx context.Context, filter KeyFilter) ([]ScopedKey, error) {
	keys, err := s.repo.ListKeys(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ledger: list keys: %w", err)
	}
	return keys, nil
}

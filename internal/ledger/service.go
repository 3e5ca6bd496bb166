package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/stockline/stockline/internal/shared"
)

// maxClockSkew bounds how far in the future occurred_at may be.
const maxClockSkew = 5 * time.Minute

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// AllowNegativeSales lets sale entries take a balance below zero.
	AllowNegativeSales bool
	Logger             *slog.Logger
	Clock              func() time.Time
}

// Service is the only writer of stock movement and the balance projector.
type Service struct {
	repo          Repository
	cache         *Cache
	audit         AuditPort
	allowNegSales bool
	logger        *slog.Logger
	now           func() time.Time
	group         singleflight.Group
}

// NewService builds Service.
func NewService(repo Repository, cache *Cache, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		repo:          repo,
		cache:         cache,
		audit:         audit,
		allowNegSales: cfg.AllowNegativeSales,
		logger:        logger,
		now:           func() time.Time { return clock().UTC() },
	}
}

// Append records a single entry and updates its balance atomically.
func (s *Service) Append(ctx context.Context, input EntryInput) (Entry, error) {
	entries, err := s.AppendBatch(ctx, []EntryInput{input})
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// AppendBatch records all inputs in one transaction; either every entry is
// written or none is.
func (s *Service) AppendBatch(ctx context.Context, inputs []EntryInput) ([]Entry, error) {
	var entries []Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entries, err = s.Post(ctx, tx, inputs)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Committed(ctx, entries)
	return entries, nil
}

// Post appends inputs inside a transaction owned by the caller. Balance rows
// are locked in key order before any check, and stay locked until the
// caller commits. Callers must invoke Committed after a successful commit.
func (s *Service) Post(ctx context.Context, tx TxRepository, inputs []EntryInput) ([]Entry, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrInvalidEntry)
	}
	now := s.now()
	prepared := make([]EntryInput, len(inputs))
	owners := make(map[Key]int64, len(inputs))
	for i, in := range inputs {
		if in.OccurredAt.IsZero() {
			in.OccurredAt = now
		}
		in.OccurredAt = in.OccurredAt.UTC()
		if err := in.Validate(); err != nil {
			return nil, err
		}
		if in.OccurredAt.After(now.Add(maxClockSkew)) {
			return nil, fmt.Errorf("%w: occurred_at %s is in the future", ErrInvalidEntry, in.OccurredAt.Format(time.RFC3339))
		}
		if owner, ok := owners[in.Key]; ok && owner != in.BusinessID {
			return nil, fmt.Errorf("%w: key %s posted for two businesses", ErrInvalidEntry, in.Key)
		}
		owners[in.Key] = in.BusinessID
		prepared[i] = in
	}
	if err := claimAndCheck(ctx, tx, prepared); err != nil {
		return nil, err
	}

	keys := sortedKeys(owners)
	balances := make(map[Key]Balance, len(keys))
	for _, key := range keys {
		bal, err := tx.LockBalance(ctx, owners[key], key)
		if err != nil {
			return nil, fmt.Errorf("ledger: lock balance %s: %w", key, err)
		}
		if err := checkOwner(bal, owners[key]); err != nil {
			return nil, err
		}
		balances[key] = bal
	}

	entries := make([]Entry, 0, len(prepared))
	for _, in := range prepared {
		bal := balances[in.Key]
		next := bal.Qty.Add(in.QtyChange)
		if in.QtyChange.IsNegative() && next.IsNegative() && !(s.allowNegSales && in.Type == TypeSale) {
			return nil, fmt.Errorf("%w: variation %d at location %d has %s, change %s",
				ErrInsufficientStock, in.Key.VariationID, in.Key.LocationID, bal.Qty, in.QtyChange)
		}
		entry, err := tx.InsertEntry(ctx, Entry{
			BusinessID:   in.BusinessID,
			Key:          in.Key,
			Type:         in.Type,
			QtyChange:    in.QtyChange,
			BalanceAfter: next,
			Reference:    in.Reference,
			OccurredAt:   in.OccurredAt,
			ActorID:      in.ActorID,
			Note:         in.Note,
		})
		if err != nil {
			return nil, fmt.Errorf("ledger: insert entry: %w", err)
		}
		bal.Qty = next
		balances[in.Key] = bal
		entries = append(entries, entry)
	}
	for _, key := range keys {
		if err := tx.SaveBalance(ctx, balances[key]); err != nil {
			return nil, fmt.Errorf("ledger: save balance %s: %w", key, err)
		}
	}
	return entries, nil
}

// Correct moves ledger and cached balance of a key to a counted quantity.
// It reports whether a correction entry was written.
func (s *Service) Correct(ctx context.Context, input CorrectionInput) (Entry, bool, error) {
	var (
		entry   Entry
		created bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, created, err = s.CorrectTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return Entry{}, false, err
	}
	if created {
		s.Committed(ctx, []Entry{entry})
	}
	s.recordAudit(ctx, input.ActorID, "ledger:correction", input.Key, map[string]any{
		"business_id": input.BusinessID,
		"target":      input.Target.String(),
		"reference":   input.Reference.String(),
		"entry_id":    entry.ID,
	})
	return entry, created, nil
}

// CorrectTx is Correct inside a caller-owned transaction.
func (s *Service) CorrectTx(ctx context.Context, tx TxRepository, input CorrectionInput) (Entry, bool, error) {
	if input.BusinessID == 0 || input.Key.VariationID == 0 || input.Key.LocationID == 0 {
		return Entry{}, false, fmt.Errorf("%w: business, variation and location required", ErrInvalidEntry)
	}
	if input.Target.IsNegative() {
		return Entry{}, false, fmt.Errorf("%w: counted quantity %s is negative", ErrInvalidQuantity, input.Target)
	}
	if input.Reference.IsZero() || input.Reference.ID <= 0 {
		return Entry{}, false, fmt.Errorf("%w: correction requires a reference", ErrUnknownReference)
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	claim := EntryInput{
		BusinessID:     input.BusinessID,
		Key:            input.Key,
		Type:           TypeCorrection,
		QtyChange:      decimal.NewFromInt(1),
		Reference:      input.Reference,
		IdempotencyKey: input.IdempotencyKey,
	}
	if err := claimAndCheck(ctx, tx, []EntryInput{claim}); err != nil {
		return Entry{}, false, err
	}
	bal, err := tx.LockBalance(ctx, input.BusinessID, input.Key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: lock balance %s: %w", input.Key, err)
	}
	if err := checkOwner(bal, input.BusinessID); err != nil {
		return Entry{}, false, err
	}
	entries, err := tx.ListEntries(ctx, EntryFilter{BusinessID: input.BusinessID, Key: input.Key})
	if err != nil {
		return Entry{}, false, err
	}
	change := input.Target.Sub(Fold(entries, time.Time{}))

	var entry Entry
	created := false
	if !change.IsZero() {
		entry, err = tx.InsertEntry(ctx, Entry{
			BusinessID:   input.BusinessID,
			Key:          input.Key,
			Type:         TypeCorrection,
			QtyChange:    change,
			BalanceAfter: input.Target,
			Reference:    input.Reference,
			OccurredAt:   occurredAt.UTC(),
			ActorID:      input.ActorID,
			Note:         input.Note,
		})
		if err != nil {
			return Entry{}, false, fmt.Errorf("ledger: insert correction: %w", err)
		}
		created = true
	}
	if !bal.Qty.Equal(input.Target) {
		bal.Qty = input.Target
		if err := tx.SaveBalance(ctx, bal); err != nil {
			return Entry{}, false, fmt.Errorf("ledger: save balance %s: %w", input.Key, err)
		}
	}
	return entry, created, nil
}

// RebuildBalanceTx overwrites the cached balance of key with the full ledger
// fold and returns the balance before and after.
func (s *Service) RebuildBalanceTx(ctx context.Context, tx TxRepository, businessID int64, key Key) (before, after decimal.Decimal, err error) {
	bal, err := tx.LockBalance(ctx, businessID, key)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ledger: lock balance %s: %w", key, err)
	}
	if err := checkOwner(bal, businessID); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	entries, err := tx.ListEntries(ctx, EntryFilter{BusinessID: businessID, Key: key})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	before = bal.Qty
	after = Fold(entries, time.Time{})
	if !before.Equal(after) {
		bal.Qty = after
		if err := tx.SaveBalance(ctx, bal); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("ledger: save balance %s: %w", key, err)
		}
	}
	return before, after, nil
}

// Committed invalidates cached reconstructions for the keys of entries. It
// must run after the transaction that wrote them has committed.
func (s *Service) Committed(ctx context.Context, entries []Entry) {
	seen := make(map[Key]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Key]; ok {
			continue
		}
		seen[e.Key] = struct{}{}
		if err := s.cache.Bump(ctx, e.Key); err != nil {
			s.logger.Warn("bump balance cache", slog.String("key", e.Key.String()), slog.Any("error", err))
		}
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, key Key, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "stock_balance",
		EntityID: key.String(),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func claimAndCheck(ctx context.Context, tx TxRepository, inputs []EntryInput) error {
	claimed := make(map[string]struct{})
	checked := make(map[Reference]struct{})
	for _, in := range inputs {
		if in.IdempotencyKey != "" {
			if _, dup := claimed[in.IdempotencyKey]; dup {
				return ErrDuplicateRequest
			}
			claimed[in.IdempotencyKey] = struct{}{}
			if err := tx.ClaimIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
				return err
			}
		}
		if in.Reference.IsZero() {
			continue
		}
		if _, done := checked[in.Reference]; done {
			continue
		}
		checked[in.Reference] = struct{}{}
		ok, err := tx.ReferenceExists(ctx, in.BusinessID, in.Reference)
		if err != nil {
			return fmt.Errorf("ledger: check reference %s: %w", in.Reference, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownReference, in.Reference)
		}
	}
	return nil
}

func sortedKeys(set map[Key]int64) []Key {
	keys := make([]Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, Key.Compare)
	return keys
}

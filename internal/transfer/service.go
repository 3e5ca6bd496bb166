package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/sequence"
	"github.com/stockline/stockline/internal/shared"
)

// NumberPrefix starts every transfer number.
const NumberPrefix = "TRF"

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// LedgerPoster is the slice of the ledger service transfers depend on.
type LedgerPoster interface {
	Post(ctx context.Context, tx ledger.TxRepository, inputs []ledger.EntryInput) ([]ledger.Entry, error)
	Committed(ctx context.Context, entries []ledger.Entry)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	SequenceMax int64
	// Location is the timezone whose calendar day numbers transfers.
	Location *time.Location
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Service drives transfers through their status machine.
type Service struct {
	repo   Repository
	ledger LedgerPoster
	audit  AuditPort
	seqMax int64
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo Repository, ledgerSvc LedgerPoster, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	seqMax := cfg.SequenceMax
	if seqMax <= 0 {
		seqMax = math.MaxInt64
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:   repo,
		ledger: ledgerSvc,
		audit:  audit,
		seqMax: seqMax,
		loc:    loc,
		logger: logger,
		now:    func() time.Time { return clock().UTC() },
	}
}

// Create stores a draft transfer numbered from the source location's
// transfer series in the same transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (Transfer, error) {
	if in.BusinessID <= 0 || in.FromLocationID <= 0 || in.ToLocationID <= 0 {
		return Transfer{}, fmt.Errorf("%w: business and both locations required", ErrInvalidTransfer)
	}
	if in.FromLocationID == in.ToLocationID {
		return Transfer{}, fmt.Errorf("%w: source and destination are the same location", ErrInvalidTransfer)
	}
	items, err := validateItems(in.Items)
	if err != nil {
		return Transfer{}, err
	}
	now := s.now()
	var created Transfer
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		key, err := sequence.Key{BusinessID: in.BusinessID, LocationID: in.FromLocationID, Series: sequence.SeriesTransfer, Date: now.In(s.loc)}.Normalize()
		if err != nil {
			return err
		}
		n, err := tx.NextNumber(ctx, key, s.seqMax)
		if err != nil {
			return err
		}
		created, err = tx.Insert(ctx, Transfer{
			BusinessID:     in.BusinessID,
			Number:         sequence.Format(NumberPrefix, key, n),
			FromLocationID: in.FromLocationID,
			ToLocationID:   in.ToLocationID,
			Status:         StatusDraft,
			Note:           in.Note,
			CreatedBy:      in.ActorID,
			CreatedAt:      now,
			UpdatedAt:      now,
			Lifecycle:      shared.Active(),
			Items:          items,
		})
		if err != nil {
			return fmt.Errorf("transfer: insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, in.ActorID, "transfer:create", created, map[string]any{"number": created.Number})
	return created, nil
}

// Get returns an active transfer.
func (s *Service) Get(ctx context.Context, businessID, id int64) (Transfer, error) {
	return s.repo.Get(ctx, businessID, id)
}

// List pages through active transfers.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Transfer, shared.Pagination, error) {
	if filter.BusinessID <= 0 {
		return nil, shared.Pagination{}, fmt.Errorf("%w: business required", ErrInvalidTransfer)
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransfer, filter.Status)
	}
	transfers, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("transfer: list: %w", err)
	}
	return transfers, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// UpdateItems replaces the items of a draft transfer.
func (s *Service) UpdateItems(ctx context.Context, in ActionInput, items []ItemInput) (Transfer, error) {
	validated, err := validateItems(items)
	if err != nil {
		return Transfer{}, err
	}
	var out Transfer
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.Lock(ctx, in.BusinessID, in.TransferID)
		if err != nil {
			return err
		}
		if !t.Status.CanEdit() {
			return fmt.Errorf("%w: items of a %s transfer are fixed", ErrInvalidStateTransition, t.Status)
		}
		if t.Items, err = tx.ReplaceItems(ctx, t.ID, validated); err != nil {
			return fmt.Errorf("transfer: replace items: %w", err)
		}
		t.UpdatedAt = s.now()
		if err := tx.Update(ctx, t); err != nil {
			return fmt.Errorf("transfer: update: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, in.ActorID, "transfer:update_items", out, map[string]any{"items": len(out.Items)})
	return out, nil
}

// Delete soft-deletes a draft transfer.
func (s *Service) Delete(ctx context.Context, in ActionInput) error {
	var deleted Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.Lock(ctx, in.BusinessID, in.TransferID)
		if err != nil {
			return err
		}
		if !t.Status.CanEdit() {
			return fmt.Errorf("%w: only drafts can be deleted, transfer is %s", ErrInvalidStateTransition, t.Status)
		}
		now := s.now()
		t.Lifecycle = shared.DeletedAt(now)
		t.UpdatedAt = now
		if err := tx.Update(ctx, t); err != nil {
			return fmt.Errorf("transfer: update: %w", err)
		}
		deleted = t
		return nil
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, in.ActorID, "transfer:delete", deleted, nil)
	return nil
}

// Send debits every item at the source location and moves draft to sent.
// Either every item is debited or none is.
func (s *Service) Send(ctx context.Context, in ActionInput) (Transfer, error) {
	return s.transition(ctx, in, ActionSend, func(ctx context.Context, tx TxRepository, t *Transfer) ([]ledger.Entry, error) {
		if t.StockDeducted {
			return nil, fmt.Errorf("%w: stock already deducted", ErrInvalidStateTransition)
		}
		if len(t.Items) == 0 {
			return nil, fmt.Errorf("%w: transfer has no items", ErrInvalidTransfer)
		}
		inputs := make([]ledger.EntryInput, 0, len(t.Items))
		for _, it := range t.Items {
			inputs = append(inputs, s.entry(t, in, ledger.TypeTransferOut, t.FromLocationID, it.VariationID, it.Quantity.Neg()))
		}
		entries, err := s.ledger.Post(ctx, tx.Ledger(), inputs)
		if err != nil {
			return nil, err
		}
		t.StockDeducted = true
		return entries, nil
	})
}

// Dispatch marks a sent transfer as in transit.
func (s *Service) Dispatch(ctx context.Context, in ActionInput) (Transfer, error) {
	return s.transition(ctx, in, ActionDispatch, nil)
}

// MarkArrived starts receiving inspection and records the arrival time.
func (s *Service) MarkArrived(ctx context.Context, in ActionInput) (Transfer, error) {
	return s.transition(ctx, in, ActionArrive, nil)
}

// VerifyItem records the counted quantity of one item during inspection.
func (s *Service) VerifyItem(ctx context.Context, in VerifyItemInput) (Transfer, error) {
	if in.Received.IsNegative() {
		return Transfer{}, fmt.Errorf("%w: received quantity %s is negative", ledger.ErrInvalidQuantity, in.Received)
	}
	serials, err := cleanSerials(in.SerialNumbers)
	if err != nil {
		return Transfer{}, err
	}
	if len(serials) > 0 && !in.Received.Equal(decimal.NewFromInt(int64(len(serials)))) {
		return Transfer{}, fmt.Errorf("%w: %d serials for received quantity %s", ErrInvalidTransfer, len(serials), in.Received)
	}
	var out Transfer
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.Lock(ctx, in.BusinessID, in.TransferID)
		if err != nil {
			return err
		}
		if t.Status != StatusVerifying {
			return fmt.Errorf("%w: items can only be verified while verifying, transfer is %s", ErrInvalidStateTransition, t.Status)
		}
		idx := -1
		for i, it := range t.Items {
			if it.ID == in.ItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrItemNotFound
		}
		now := s.now()
		item := t.Items[idx]
		item.Received = in.Received
		item.Verified = true
		item.VerifiedAt = &now
		if serials != nil {
			item.SerialNumbers = serials
		}
		if err := tx.UpdateItem(ctx, item); err != nil {
			return fmt.Errorf("transfer: update item: %w", err)
		}
		t.Items[idx] = item
		out = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, in.ActorID, "transfer:verify_item", out, map[string]any{
		"item_id":  in.ItemID,
		"received": in.Received.String(),
	})
	return out, nil
}

// Verify credits the received quantities at the destination. Every item
// must be verified first; a received quantity of zero posts nothing.
func (s *Service) Verify(ctx context.Context, in ActionInput) (Transfer, error) {
	return s.transition(ctx, in, ActionVerify, func(ctx context.Context, tx TxRepository, t *Transfer) ([]ledger.Entry, error) {
		var inputs []ledger.EntryInput
		for _, it := range t.Items {
			if !it.Verified {
				return nil, fmt.Errorf("%w: item %d (variation %d) is not verified", ErrIncompleteVerification, it.ID, it.VariationID)
			}
			if it.Received.IsPositive() {
				inputs = append(inputs, s.entry(t, in, ledger.TypeTransferIn, t.ToLocationID, it.VariationID, it.Received))
			}
		}
		if len(inputs) == 0 {
			return nil, nil
		}
		return s.ledger.Post(ctx, tx.Ledger(), inputs)
	})
}

// Complete closes a verified transfer.
func (s *Service) Complete(ctx context.Context, in ActionInput) (Transfer, error) {
	return s.transition(ctx, in, ActionComplete, nil)
}

// Cancel cancels a transfer that has not reached the destination. Stock
// already deducted is restored at the source with reversal entries.
func (s *Service) Cancel(ctx context.Context, in ActionInput) (Transfer, error) {
	return s.transition(ctx, in, ActionCancel, func(ctx context.Context, tx TxRepository, t *Transfer) ([]ledger.Entry, error) {
		if !t.StockDeducted || t.StockReversed {
			return nil, nil
		}
		inputs := make([]ledger.EntryInput, 0, len(t.Items))
		for _, it := range t.Items {
			inputs = append(inputs, s.entry(t, in, ledger.TypeTransferOutReversal, t.FromLocationID, it.VariationID, it.Quantity))
		}
		entries, err := s.ledger.Post(ctx, tx.Ledger(), inputs)
		if err != nil {
			return nil, err
		}
		t.StockReversed = true
		return entries, nil
	})
}

type effectFunc func(ctx context.Context, tx TxRepository, t *Transfer) ([]ledger.Entry, error)

// transition locks the transfer, applies the ledger effect and the status
// change in one transaction.
func (s *Service) transition(ctx context.Context, in ActionInput, action Action, effect effectFunc) (Transfer, error) {
	var (
		out     Transfer
		from    Status
		entries []ledger.Entry
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.Lock(ctx, in.BusinessID, in.TransferID)
		if err != nil {
			return err
		}
		from = t.Status
		next, err := Next(t.Status, action)
		if err != nil {
			return err
		}
		if effect != nil {
			if entries, err = effect(ctx, tx, &t); err != nil {
				return err
			}
		}
		t.Status = next
		t.stamp(next, s.now())
		if in.Note != "" {
			t.Note = in.Note
		}
		if err := tx.Update(ctx, t); err != nil {
			return fmt.Errorf("transfer: update: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.ledger.Committed(ctx, entries)
	s.logger.Info("transfer transition",
		slog.Int64("transfer_id", out.ID),
		slog.String("number", out.Number),
		slog.String("from", string(from)),
		slog.String("to", string(out.Status)),
		slog.Int("entries", len(entries)))
	s.recordAudit(ctx, in.ActorID, "transfer:"+string(action), out, map[string]any{
		"from":    string(from),
		"to":      string(out.Status),
		"entries": len(entries),
	})
	return out, nil
}

func (s *Service) entry(t *Transfer, in ActionInput, typ ledger.TransactionType, locationID, variationID int64, change decimal.Decimal) ledger.EntryInput {
	return ledger.EntryInput{
		BusinessID: t.BusinessID,
		Key:        ledger.Key{VariationID: variationID, LocationID: locationID},
		Type:       typ,
		QtyChange:  change,
		Reference:  t.Reference(),
		ActorID:    in.ActorID,
		Note:       t.Number,
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, t Transfer, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		BusinessID: t.BusinessID,
		ActorID:    actorID,
		Action:     action,
		Entity:     "stock_transfer",
		EntityID:   strconv.FormatInt(t.ID, 10),
		Meta:       meta,
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

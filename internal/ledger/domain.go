package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockline/stockline/internal/shared"
)

// TransactionType enumerates stock-affecting events.
type TransactionType string

const (
	TypePurchase     TransactionType = "purchase"
	TypeSale         TransactionType = "sale"
	TypeTransferOut  TransactionType = "transfer_out"
	TypeTransferIn   TransactionType = "transfer_in"
	TypeCorrection   TransactionType = "correction"
	TypeReturn       TransactionType = "return"
	TypeOpeningStock TransactionType = "opening_stock"
	// TypeTransferOutReversal restores source stock of a cancelled transfer.
	TypeTransferOutReversal TransactionType = "transfer_out_reversal"
)

// IsValid reports whether t is a known transaction type.
func (t TransactionType) IsValid() bool {
	switch t {
	case TypePurchase, TypeSale, TypeTransferOut, TypeTransferIn, TypeCorrection,
		TypeReturn, TypeOpeningStock, TypeTransferOutReversal:
		return true
	default:
		return false
	}
}

// direction is +1 when the type only credits stock, -1 when it only debits
// and 0 when either sign is allowed.
func (t TransactionType) direction() int {
	switch t {
	case TypeSale, TypeTransferOut:
		return -1
	case TypeCorrection:
		return 0
	default:
		return 1
	}
}

// Reference types accepted by the ledger.
const (
	RefSale         = "sale"
	RefSaleReturn   = "sale_return"
	RefPurchase     = "purchase"
	RefTransfer     = "transfer"
	RefStockCount   = "stock_count"
	RefDriftFinding = "drift_finding"
)

// Reference links an entry to the source transaction that caused it.
type Reference struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// IsZero reports whether no reference is set.
func (r Reference) IsZero() bool { return r.Type == "" && r.ID == 0 }

func (r Reference) String() string { return fmt.Sprintf("%s#%d", r.Type, r.ID) }

// Key identifies one balance: a product variation at a location.
type Key struct {
	VariationID int64 `json:"variation_id"`
	LocationID  int64 `json:"location_id"`
}

func (k Key) String() string { return fmt.Sprintf("%d:%d", k.VariationID, k.LocationID) }

// Compare orders keys by variation then location; locks are taken in this order.
func (k Key) Compare(o Key) int {
	switch {
	case k.VariationID < o.VariationID:
		return -1
	case k.VariationID > o.VariationID:
		return 1
	case k.LocationID < o.LocationID:
		return -1
	case k.LocationID > o.LocationID:
		return 1
	default:
		return 0
	}
}

// ScopedKey is a Key together with its owning business.
type ScopedKey struct {
	BusinessID int64 `json:"business_id"`
	Key
}

// Entry is an immutable ledger row.
type Entry struct {
	ID           int64           `json:"id"`
	BusinessID   int64           `json:"business_id"`
	Key                          // variation + location
	Type         TransactionType `json:"type"`
	QtyChange    decimal.Decimal `json:"quantity_change"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Reference    Reference       `json:"reference"`
	OccurredAt   time.Time       `json:"occurred_at"`
	CreatedAt    time.Time       `json:"created_at"`
	ActorID      int64           `json:"actor_id,omitempty"`
	Note         string          `json:"note,omitempty"`
}

// EntryInput describes an entry to append.
type EntryInput struct {
	BusinessID     int64
	Key            Key
	Type           TransactionType
	QtyChange      decimal.Decimal
	Reference      Reference
	OccurredAt     time.Time
	ActorID        int64
	Note           string
	IdempotencyKey string
}

// Validate checks the input without touching storage.
func (in EntryInput) Validate() error {
	if in.BusinessID == 0 || in.Key.VariationID == 0 || in.Key.LocationID == 0 {
		return fmt.Errorf("%w: business, variation and location required", ErrInvalidEntry)
	}
	if !in.Type.IsValid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidEntry, in.Type)
	}
	if in.QtyChange.IsZero() {
		return fmt.Errorf("%w: %s change must be non zero", ErrInvalidQuantity, in.Type)
	}
	switch in.Type.direction() {
	case 1:
		if in.QtyChange.IsNegative() {
			return fmt.Errorf("%w: %s change must be positive", ErrInvalidQuantity, in.Type)
		}
	case -1:
		if in.QtyChange.IsPositive() {
			return fmt.Errorf("%w: %s change must be negative", ErrInvalidQuantity, in.Type)
		}
	}
	if in.Reference.IsZero() && in.Type != TypeOpeningStock {
		return fmt.Errorf("%w: %s requires a reference", ErrUnknownReference, in.Type)
	}
	if !in.Reference.IsZero() && (strings.TrimSpace(in.Reference.Type) == "" || in.Reference.ID <= 0) {
		return fmt.Errorf("%w: malformed reference %s", ErrUnknownReference, in.Reference)
	}
	return nil
}

// Balance is the cached on-hand quantity for a key.
type Balance struct {
	BusinessID int64           `json:"business_id"`
	Key                        // variation + location
	Qty        decimal.Decimal `json:"qty_available"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CorrectionInput moves ledger and cache for a key to Target with at most one
// correction entry.
type CorrectionInput struct {
	BusinessID     int64
	Key            Key
	Target         decimal.Decimal
	Reference      Reference
	OccurredAt     time.Time
	ActorID        int64
	Note           string
	IdempotencyKey string
}

// EntryFilter narrows ledger reads. From/To bound occurred_at inclusively.
type EntryFilter struct {
	BusinessID int64
	Key        Key
	From       time.Time
	To         time.Time
	Limit      int
}

// KeyFilter narrows key listings; zero fields match everything.
type KeyFilter struct {
	BusinessID  int64
	LocationID  int64
	VariationID int64
}

// StockCardLine is an entry with the balance derived by folding up to it.
type StockCardLine struct {
	Entry
	RunningBalance decimal.Decimal `json:"running_balance"`
}

var (
	// ErrInvalidQuantity indicates a zero change or a change with the wrong sign.
	ErrInvalidQuantity = shared.NewError(shared.ErrInvalidInput, "ledger: invalid quantity")
	// ErrInvalidEntry indicates missing identifiers or an unknown type.
	ErrInvalidEntry = shared.NewError(shared.ErrInvalidInput, "ledger: invalid entry")
	// ErrUnknownReference indicates the source transaction does not exist.
	ErrUnknownReference = shared.NewError(shared.ErrUnprocessable, "ledger: unknown reference")
	// ErrInsufficientStock indicates a debit larger than the available balance.
	ErrInsufficientStock = shared.NewError(shared.ErrConflict, "ledger: insufficient stock")
	// ErrDuplicateRequest indicates the idempotency key was already used.
	ErrDuplicateRequest = shared.ErrIdempotencyConflict
	// ErrBalanceNotFound indicates missing balance row.
	ErrBalanceNotFound = errors.New("ledger: balance not found")
	// ErrKeyNotFound indicates the key is held by another business.
	ErrKeyNotFound = shared.NewError(shared.ErrNotFound, "ledger: key not found")
)

// checkOwner rejects writes to a balance row held by another business.
func checkOwner(bal Balance, businessID int64) error {
	if bal.BusinessID != businessID {
		return fmt.Errorf("%w: key %s belongs to another business", ErrInvalidEntry, bal.Key)
	}
	return nil
}

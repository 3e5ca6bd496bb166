// Package transfer moves stock between locations through an explicit
// status machine that posts ledger entries at the transitions that move goods.
package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/shared"
)

// Status is the single source of truth for a transfer's progress.
type Status string

const (
	StatusDraft     Status = "draft"      // editable, no stock moved
	StatusSent      Status = "sent"       // source debited
	StatusInTransit Status = "in_transit" // goods on the road
	StatusVerifying Status = "verifying"  // receiving inspection
	StatusVerified  Status = "verified"   // destination credited
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsValid checks if status is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusInTransit, StatusVerifying, StatusVerified, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanEdit checks if items may still change.
func (s Status) CanEdit() bool {
	return s == StatusDraft
}

// CanCancel checks if the transfer may be cancelled.
func (s Status) CanCancel() bool {
	return s == StatusDraft || s == StatusSent || s == StatusInTransit
}

// Action names an explicit transition request.
type Action string

const (
	ActionSend     Action = "send"
	ActionDispatch Action = "dispatch"
	ActionArrive   Action = "arrive"
	ActionVerify   Action = "verify"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

type transition struct {
	from []Status
	to   Status
}

var transitions = map[Action]transition{
	ActionSend:     {from: []Status{StatusDraft}, to: StatusSent},
	ActionDispatch: {from: []Status{StatusSent}, to: StatusInTransit},
	ActionArrive:   {from: []Status{StatusInTransit}, to: StatusVerifying},
	ActionVerify:   {from: []Status{StatusVerifying}, to: StatusVerified},
	ActionComplete: {from: []Status{StatusVerified}, to: StatusCompleted},
	ActionCancel:   {from: []Status{StatusDraft, StatusSent, StatusInTransit}, to: StatusCancelled},
}

// Next returns the status reached by applying action to from.
func Next(from Status, action Action) (Status, error) {
	tr, ok := transitions[action]
	if !ok {
		return from, fmt.Errorf("%w: unknown action %q", ErrInvalidStateTransition, action)
	}
	for _, s := range tr.from {
		if s == from {
			return tr.to, nil
		}
	}
	return from, fmt.Errorf("%w: cannot %s a %s transfer", ErrInvalidStateTransition, action, from)
}

// Transfer is a movement of stock between two locations.
type Transfer struct {
	ID             int64            `json:"id"`
	BusinessID     int64            `json:"business_id"`
	Number         string           `json:"transfer_number"`
	FromLocationID int64            `json:"from_location_id"`
	ToLocationID   int64            `json:"to_location_id"`
	Status         Status           `json:"status"`
	StockDeducted  bool             `json:"stock_deducted"`
	StockReversed  bool             `json:"stock_reversed"`
	Note           string           `json:"note,omitempty"`
	CreatedBy      int64            `json:"created_by"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	SentAt         *time.Time       `json:"sent_at,omitempty"`
	ArrivedAt      *time.Time       `json:"arrived_at,omitempty"`
	VerifiedAt     *time.Time       `json:"verified_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	CancelledAt    *time.Time       `json:"cancelled_at,omitempty"`
	Lifecycle      shared.Lifecycle `json:"-"`
	Items          []Item           `json:"items"`
}

// Reference links ledger entries back to the transfer.
func (t Transfer) Reference() ledger.Reference {
	return ledger.Reference{Type: ledger.RefTransfer, ID: t.ID}
}

// stamp records the transition time as metadata.
func (t *Transfer) stamp(status Status, at time.Time) {
	at = at.UTC()
	switch status {
	case StatusSent:
		t.SentAt = &at
	case StatusVerifying:
		t.ArrivedAt = &at
	case StatusVerified:
		t.VerifiedAt = &at
	case StatusCompleted:
		t.CompletedAt = &at
	case StatusCancelled:
		t.CancelledAt = &at
	}
	t.UpdatedAt = at
}

// Item is one variation moved by a transfer.
type Item struct {
	ID            int64           `json:"id"`
	TransferID    int64           `json:"transfer_id"`
	VariationID   int64           `json:"variation_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	Received      decimal.Decimal `json:"quantity_received"`
	Verified      bool            `json:"verified"`
	VerifiedAt    *time.Time      `json:"verified_at,omitempty"`
	SerialNumbers []string        `json:"serial_numbers,omitempty"`
}

// ItemInput describes a requested item.
type ItemInput struct {
	VariationID   int64
	Quantity      decimal.Decimal
	SerialNumbers []string
}

// CreateInput describes a new draft transfer.
type CreateInput struct {
	BusinessID     int64
	FromLocationID int64
	ToLocationID   int64
	ActorID        int64
	Note           string
	Items          []ItemInput
}

// ActionInput identifies the transfer a transition applies to.
type ActionInput struct {
	BusinessID int64
	TransferID int64
	ActorID    int64
	Note       string
}

// VerifyItemInput records what the receiver counted for one item.
type VerifyItemInput struct {
	BusinessID    int64
	TransferID    int64
	ItemID        int64
	ActorID       int64
	Received      decimal.Decimal
	SerialNumbers []string
}

// ListFilter narrows transfer listings.
type ListFilter struct {
	BusinessID int64
	LocationID int64
	Status     Status
	Page       int
	PerPage    int
}

func validateItems(items []ItemInput) ([]Item, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item required", ErrInvalidTransfer)
	}
	seen := make(map[int64]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, in := range items {
		if in.VariationID <= 0 {
			return nil, fmt.Errorf("%w: variation required", ErrInvalidTransfer)
		}
		if _, dup := seen[in.VariationID]; dup {
			return nil, fmt.Errorf("%w: variation %d listed twice", ErrInvalidTransfer, in.VariationID)
		}
		seen[in.VariationID] = struct{}{}
		if !in.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: variation %d quantity must be positive", ledger.ErrInvalidQuantity, in.VariationID)
		}
		serials, err := cleanSerials(in.SerialNumbers)
		if err != nil {
			return nil, err
		}
		if len(serials) > 0 && !in.Quantity.Equal(decimal.NewFromInt(int64(len(serials)))) {
			return nil, fmt.Errorf("%w: variation %d has %d serials for quantity %s", ErrInvalidTransfer, in.VariationID, len(serials), in.Quantity)
		}
		out = append(out, Item{VariationID: in.VariationID, Quantity: in.Quantity, Received: decimal.Zero, SerialNumbers: serials})
	}
	return out, nil
}

func cleanSerials(serials []string) ([]string, error) {
	if len(serials) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(serials))
	out := make([]string, 0, len(serials))
	for _, s := range serials {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			return nil, fmt.Errorf("%w: serial %s listed twice", ErrInvalidTransfer, s)
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

var (
	// ErrNotFound indicates the transfer does not exist or was deleted.
	ErrNotFound = shared.NewError(shared.ErrNotFound, "transfer: not found")
	// ErrItemNotFound indicates the item is not part of the transfer.
	ErrItemNotFound = shared.NewError(shared.ErrNotFound, "transfer: item not found")
	// ErrInvalidTransfer indicates a malformed request.
	ErrInvalidTransfer = shared.NewError(shared.ErrInvalidInput, "transfer: invalid transfer")
	// ErrInvalidStateTransition indicates the action is not allowed from the current status.
	ErrInvalidStateTransition = shared.NewError(shared.ErrConflict, "transfer: invalid state transition")
	// ErrIncompleteVerification indicates some items are not verified yet.
	ErrIncompleteVerification = shared.NewError(shared.ErrUnprocessable, "transfer: incomplete verification")
)

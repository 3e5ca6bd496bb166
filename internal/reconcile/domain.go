// Package reconcile compares cached balances with the ledger fold and
// records drift for explicit resolution.
package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/shared"
)

// Status is the outcome of one comparison.
type Status string

const (
	StatusOK      Status = "ok"
	StatusDrifted Status = "drifted"
)

// State tracks a persisted finding.
type State string

const (
	StateOpen     State = "open"
	StateResolved State = "resolved"
)

// Resolution names how an operator settled a finding.
type Resolution string

const (
	// TrustLedger rebuilds the cached balance from the ledger fold.
	TrustLedger Resolution = "trust_ledger"
	// TrustCount appends a correction moving the ledger to the cached figure.
	TrustCount Resolution = "trust_count"
)

// IsValid reports whether r is a known resolution.
func (r Resolution) IsValid() bool {
	return r == TrustLedger || r == TrustCount
}

// Finding is the result of reconciling one key. Variance is cached minus derived.
type Finding struct {
	ID         int64           `json:"id,omitempty"`
	BusinessID int64           `json:"business_id"`
	ledger.Key                 // variation + location
	Cached     decimal.Decimal `json:"cached"`
	Derived    decimal.Decimal `json:"derived"`
	Variance   decimal.Decimal `json:"variance"`
	Status     Status          `json:"status"`
	CheckedAt  time.Time       `json:"checked_at"`

	State          State      `json:"state,omitempty"`
	Resolution     Resolution `json:"resolution,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     int64      `json:"resolved_by,omitempty"`
	EntryID        int64      `json:"correction_entry_id,omitempty"`
}

func newFinding(businessID int64, key ledger.Key, cached, derived decimal.Decimal, at time.Time) Finding {
	f := Finding{
		BusinessID: businessID,
		Key:        key,
		Cached:     cached,
		Derived:    derived,
		Variance:   cached.Sub(derived),
		Status:     StatusOK,
		CheckedAt:  at,
	}
	if !f.Variance.IsZero() {
		f.Status = StatusDrifted
	}
	return f
}

// Err returns ErrDriftDetected for drifted findings and nil otherwise.
func (f Finding) Err() error {
	if f.Status != StatusDrifted {
		return nil
	}
	return fmt.Errorf("%w: %s cached %s derived %s variance %s", ErrDriftDetected, f.Key, f.Cached, f.Derived, f.Variance)
}

// Scope selects the keys a sweep visits; zero LocationID means every location.
type Scope struct {
	BusinessID int64 `json:"business_id"`
	LocationID int64 `json:"location_id,omitempty"`
}

// SweepReport summarises one sweep.
type SweepReport struct {
	RunID      string    `json:"run_id"`
	Scope      Scope     `json:"scope"`
	Checked    int       `json:"checked"`
	Drifted    []Finding `json:"drifted"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ResolveInput settles an open finding.
type ResolveInput struct {
	BusinessID int64
	FindingID  int64
	Resolution Resolution
	ActorID    int64
	Note       string
}

// FindingFilter narrows finding listings.
type FindingFilter struct {
	BusinessID int64
	LocationID int64
	State      State
	Page       int
	PerPage    int
}

var (
	// ErrDriftDetected marks a drifted finding. It is a value for callers
	// that want error flow, never a failed operation.
	ErrDriftDetected = errors.New("reconcile: drift detected")
	// ErrFindingNotFound indicates the finding does not exist.
	ErrFindingNotFound = shared.NewError(shared.ErrNotFound, "reconcile: finding not found")
	// ErrAlreadyResolved indicates the finding was settled before.
	ErrAlreadyResolved = shared.NewError(shared.ErrConflict, "reconcile: finding already resolved")
	// ErrInvalidRequest indicates a malformed request.
	ErrInvalidRequest = shared.NewError(shared.ErrInvalidInput, "reconcile: invalid request")
)

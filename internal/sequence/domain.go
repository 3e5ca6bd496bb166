// Package sequence issues gapless per-scope document numbers.
package sequence

import (
	"fmt"
	"strings"
	"time"

	"github.com/stockline/stockline/internal/shared"
)

// Series separates counters of different document kinds.
const (
	SeriesDefault  = "default"
	SeriesInvoice  = "invoice"
	SeriesTransfer = "transfer"
	SeriesReceipt  = "receipt"
)

// Key scopes a counter to a business, location, series and day.
type Key struct {
	BusinessID int64     `json:"business_id"`
	LocationID int64     `json:"location_id"`
	Series     string    `json:"series"`
	Date       time.Time `json:"scope_date"`
}

// Normalize validates the key, defaults the series and truncates Date to its
// calendar day in Date's own location, stored as UTC midnight.
func (k Key) Normalize() (Key, error) {
	if k.BusinessID <= 0 || k.LocationID <= 0 {
		return Key{}, fmt.Errorf("%w: business and location required", ErrInvalidKey)
	}
	if k.Date.IsZero() {
		return Key{}, fmt.Errorf("%w: scope date required", ErrInvalidKey)
	}
	k.Series = strings.ToLower(strings.TrimSpace(k.Series))
	if k.Series == "" {
		k.Series = SeriesDefault
	}
	if len(k.Series) > 32 {
		return Key{}, fmt.Errorf("%w: series too long", ErrInvalidKey)
	}
	y, m, d := k.Date.Date()
	k.Date = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return k, nil
}

// Format renders a document number such as INV-2-20251012-0001.
func Format(prefix string, key Key, n int64) string {
	return fmt.Sprintf("%s-%d-%s-%04d", prefix, key.LocationID, key.Date.UTC().Format("20060102"), n)
}

var (
	// ErrInvalidKey indicates a malformed counter key.
	ErrInvalidKey = shared.NewError(shared.ErrInvalidInput, "sequence: invalid key")
	// ErrInvalidValue indicates a negative reset value.
	ErrInvalidValue = shared.NewError(shared.ErrInvalidInput, "sequence: invalid value")
	// ErrSequenceExhausted indicates the counter reached its maximum.
	ErrSequenceExhausted = shared.NewError(shared.ErrConflict, "sequence: exhausted")
)

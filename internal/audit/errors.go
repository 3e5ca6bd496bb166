package audit

import "github.com/stockline/stockline/internal/shared"

var (
	// ErrBusinessRequired indicates a timeline query without a business scope.
	ErrBusinessRequired = shared.NewError(shared.ErrInvalidInput, "audit: business required")
	// ErrInvalidFilter indicates inconsistent filters.
	ErrInvalidFilter = shared.NewError(shared.ErrInvalidInput, "audit: invalid filter")
)

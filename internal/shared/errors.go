package shared

import "errors"

// Error kinds shared by every module. Domain sentinels wrap one of these so
// transports can map them without knowing each package.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnprocessable indicates a well-formed request that breaks a business rule.
	ErrUnprocessable = errors.New("unprocessable")
	// ErrConflict indicates the request lost against current state.
	ErrConflict = errors.New("conflict")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

// NewError builds a sentinel error of the given kind.
func NewError(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// UserSafeMessage returns a message that can be shown to API clients. Only
// errors carrying a kind are considered safe; their full chain is returned.
func UserSafeMessage(err error) string {
	var ke *kindError
	if errors.As(err, &ke) {
		return err.Error()
	}
	return "internal error"
}

package resonance

import (
	"errors"
	"fmt"
)

// Error represents an event bus error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for event bus operations.
const (
	// ErrCodeNotFound indicates a topic, subscription, event or claim does not exist.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeInvalidArgument indicates malformed input (bad id, missing delivery key, failed validation).
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"

	// ErrCodeStaleClaim indicates the delivery key no longer identifies an active claim:
	// the claim was already acknowledged or the event was claimed again.
	ErrCodeStaleClaim = "STALE_CLAIM"

	// ErrCodeConflict indicates the operation conflicts with existing data.
	ErrCodeConflict = "CONFLICT"

	// ErrCodeTransient indicates storage contention that outlived the retry budget.
	ErrCodeTransient = "TRANSIENT"

	// ErrCodeDead indicates the event used up its delivery budget.
	ErrCodeDead = "DEAD"

	// ErrCodeInvalidState indicates an operation not allowed in the current lifecycle state.
	ErrCodeInvalidState = "INVALID_STATE"

	// ErrCodeConfiguration indicates invalid configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeDatabase indicates a database operation failed.
	ErrCodeDatabase = "DATABASE_ERROR"
)

// Common errors.
var (
	// ErrNotFound is returned by stores when a lookup finds nothing.
	ErrNotFound = &Error{
		Code:    ErrCodeNotFound,
		Message: "no data found",
	}

	// ErrStaleClaim is returned when acknowledging with a delivery key that is not current.
	ErrStaleClaim = &Error{
		Code:    ErrCodeStaleClaim,
		Message: "delivery key does not match an active claim",
	}

	// ErrInvalidConfiguration is returned when a component is misconfigured.
	ErrInvalidConfiguration = &Error{
		Code:    ErrCodeConfiguration,
		Message: "invalid configuration",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsNotFound reports whether err (or a cause) is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsInvalidArgument reports whether err (or a cause) is an INVALID_ARGUMENT error.
func IsInvalidArgument(err error) bool {
	return hasCode(err, ErrCodeInvalidArgument)
}

// IsStaleClaim reports whether err (or a cause) is a STALE_CLAIM error.
func IsStaleClaim(err error) bool {
	return hasCode(err, ErrCodeStaleClaim)
}

// IsConflict reports whether err (or a cause) is a CONFLICT error.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsTransient reports whether err (or a cause) is a TRANSIENT error.
func IsTransient(err error) bool {
	return hasCode(err, ErrCodeTransient)
}

// IsDead reports whether err (or a cause) is a DEAD error.
func IsDead(err error) bool {
	return hasCode(err, ErrCodeDead)
}

// IsInvalidState reports whether err (or a cause) is an INVALID_STATE error.
func IsInvalidState(err error) bool {
	return hasCode(err, ErrCodeInvalidState)
}

// wrapStoreError attaches context to an error returned by a store. Coded errors keep
// their code; anything else is reported as DATABASE_ERROR.
func wrapStoreError(err error, message string) error {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	if code == "" {
		code = ErrCodeDatabase
	}
	return NewErrorWithCause(code, message, err)
}

// invalidArgument reports a failed ozzo validation (or any malformed input) as INVALID_ARGUMENT.
func invalidArgument(message string, cause error) error {
	return NewErrorWithCause(ErrCodeInvalidArgument, message, cause)
}

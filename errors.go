package tally

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("tally: not found")
	ErrAlreadyExists = errors.New("tally: already exists")
	ErrInvalidInput  = errors.New("tally: invalid input")
	ErrUnauthorized  = errors.New("tally: unauthorized")

	// Account errors
	ErrAccountNotFound = errors.New("tally: account not found")
	ErrAccountDisabled = errors.New("tally: account disabled")

	// Ledger concurrency errors
	ErrVersionConflict  = errors.New("tally: version conflict")
	ErrRetriesExhausted = errors.New("tally: ledger retries exhausted")

	// Eligibility errors
	ErrInsufficientBalance = errors.New("tally: insufficient balance")
	ErrMonthlyCapExceeded  = errors.New("tally: monthly cap exceeded")

	// Payment errors
	ErrDuplicateEvent  = errors.New("tally: duplicate payment event")
	ErrUnknownProduct  = errors.New("tally: unknown product")
	ErrUnsupportedKind = errors.New("tally: unsupported notification kind")

	// Coupon errors
	ErrCouponNotFound = errors.New("tally: coupon not found")
	ErrCouponInvalid  = errors.New("tally: coupon invalid")

	// Session errors
	ErrMaintenance      = errors.New("tally: service under maintenance")
	ErrProvider         = errors.New("tally: generation provider failed")
	ErrUnsupportedModel = errors.New("tally: unsupported model")

	// Store errors
	ErrStoreClosed     = errors.New("tally: store is closed")
	ErrMigrationFailed = errors.New("tally: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "tally: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("tally: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrorOrNil returns the MultiError when it holds errors, nil otherwise.
func (e MultiError) ErrorOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrCouponNotFound)
}

// IsEligibilityError returns true if the error rejects a single request
// without ending the session.
func IsEligibilityError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrMonthlyCapExceeded)
}

// IsRetryable returns true if the operation can be retried against fresh state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsFatal returns true if billing state can no longer be trusted for the
// caller and the session must end.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRetriesExhausted)
}

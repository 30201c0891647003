package orders

import (
	"context"
	"errors"
	"fmt"
)

const (
	ErrorExtractionUnavailable = "extraction_unavailable"
	ErrorExtractionMalformed   = "extraction_malformed"
	ErrorLedgerWriteConflict   = "ledger_write_conflict"
	ErrorLedgerWrite           = "ledger_write"
	ErrorInternal              = "internal"
)

// Error is a stable, categorized reconciliation failure.
type Error struct {
	Category string
	Detail   string
	Err      error
}

var (
	// ErrExtractionUnavailable: the inference call could not be completed
	// (network, auth, quota, timeout). Nothing was written; retry later.
	ErrExtractionUnavailable = &Error{Category: ErrorExtractionUnavailable}
	// ErrExtractionMalformed: the call succeeded but the response did not
	// fit the order schema. Retrying the same history rarely helps.
	ErrExtractionMalformed = &Error{Category: ErrorExtractionMalformed}
	// ErrLedgerWriteConflict: a concurrent writer touched the same keys.
	// Retry the whole reconcile from a fresh history read.
	ErrLedgerWriteConflict = &Error{Category: ErrorLedgerWriteConflict}
)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Category
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error with the same category.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Category == e.Category
}

// NewError creates a categorized error wrapping cause.
func NewError(category string, detail string, cause error) error {
	return &Error{Category: category, Detail: detail, Err: cause}
}

// Unavailable wraps an inference-call failure.
func Unavailable(detail string, cause error) error {
	return NewError(ErrorExtractionUnavailable, detail, cause)
}

// Malformed wraps a schema/decoding failure of an inference response.
func Malformed(detail string, cause error) error {
	return NewError(ErrorExtractionMalformed, detail, cause)
}

// CategoryFromError returns the stable category for an error.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorExtractionUnavailable
	}

	return ErrorInternal
}

// Retryable reports whether a later reconcile of the same history may
// succeed without operator intervention.
func Retryable(err error) bool {
	switch CategoryFromError(err) {
	case ErrorExtractionUnavailable, ErrorLedgerWriteConflict, ErrorLedgerWrite:
		return true
	default:
		return false
	}
}

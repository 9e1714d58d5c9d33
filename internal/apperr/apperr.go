// Package apperr defines the error taxonomy shared by the settlement packages.
//
// Every failure that leaves the workflow is an *Error whose Kind is one of the
// sentinels below, so callers can branch with errors.Is while still reaching
// the underlying cause.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel kinds.
var (
	ErrValidation    = errors.New("validation_failed")
	ErrGateway       = errors.New("gateway_error")
	ErrPersistence   = errors.New("persistence_error")
	ErrPaymentFailed = errors.New("payment_failed")
	ErrHashConsumed  = errors.New("payment_hash_consumed")
)

// Error carries a kind, a user-facing message, an optional numeric code
// (gateway or HTTP status) and field-level details for validation failures.
type Error struct {
	Kind    error
	Code    int
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Validation builds an ErrValidation error with per-field details.
func Validation(message string, details map[string]string) *Error {
	return &Error{Kind: ErrValidation, Message: message, Details: details}
}

// Persistence wraps a storage failure.
func Persistence(op string, err error) *Error {
	return &Error{Kind: ErrPersistence, Message: op, Err: err}
}

// Gateway wraps a failure reported by an external payment processor.
func Gateway(err error) *Error {
	return &Error{Kind: ErrGateway, Err: err}
}

// PaymentFailed is the terminal, user-visible failure of a settlement.
func PaymentFailed(message string, code int, cause error) *Error {
	return &Error{Kind: ErrPaymentFailed, Code: code, Message: message, Err: cause}
}

// HashConsumed reports that a payment hash already produced a payment.
func HashConsumed(hash string) *Error {
	return &Error{Kind: ErrHashConsumed, Message: "payment hash " + hash + " already settled"}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

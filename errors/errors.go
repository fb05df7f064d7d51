// Package errors provides error handling for measurely.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// On top of that it defines the engine's failure taxonomy: sentinel errors
// for every failure class an integration run can hit, plus classification
// helpers that decide whether the trigger-delivery layer may redeliver.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	if errors.Retryable(err) {
//	    // leave the work item for redelivery
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllDetails = crdb.GetAllDetails
	GetAllHints   = crdb.GetAllHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Failure classes for integration runs.
// Use these with errors.Is() for type-safe checking and Wrap to add context
// while preserving the class.
var (
	// ErrTemplateNotFound indicates no template exists for the requested key.
	ErrTemplateNotFound = New("template not found")

	// ErrTemplateMalformed indicates stored template content that cannot be
	// parsed against the expected document shape.
	ErrTemplateMalformed = New("template malformed")

	// ErrMissingRequiredParameter indicates one or more required template
	// parameters had no value. Use MissingParameterError to carry the keys.
	ErrMissingRequiredParameter = New("missing required parameter")

	// ErrResponseSchemaViolation indicates the backend returned structured
	// data that fails the template's declared response schema.
	ErrResponseSchemaViolation = New("response schema violation")

	// ErrTimeout indicates the execution deadline elapsed.
	ErrTimeout = New("execution timed out")

	// ErrCredentialInvalid indicates stored credentials could not be decoded
	// or decrypted.
	ErrCredentialInvalid = New("credential invalid")

	// ErrAuthenticationFailed indicates the external system rejected the
	// credentials.
	ErrAuthenticationFailed = New("authentication failed")

	// ErrExternalRateLimited indicates the external system or backend is
	// throttling us.
	ErrExternalRateLimited = New("external rate limited")

	// ErrExecution indicates a generic backend failure that is neither a
	// timeout nor any more specific class.
	ErrExecution = New("execution error")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = New("not found")

	// ErrConflict indicates a uniqueness conflict (e.g. duplicate key).
	ErrConflict = New("resource conflict")

	// ErrInvalidRequest indicates the request was malformed or invalid.
	ErrInvalidRequest = New("invalid request")
)

// MissingParameterError carries every missing required key, not just the
// first one encountered.
type MissingParameterError struct {
	Keys []string
}

func (e *MissingParameterError) Error() string {
	msg := "missing required parameters:"
	for _, k := range e.Keys {
		msg += " " + k
	}
	return msg
}

// Unwrap makes errors.Is(err, ErrMissingRequiredParameter) hold.
func (e *MissingParameterError) Unwrap() error {
	return ErrMissingRequiredParameter
}

// NewMissingParameters builds a MissingParameterError over the given keys.
func NewMissingParameters(keys []string) error {
	return &MissingParameterError{Keys: keys}
}

// MissingKeys extracts the missing parameter keys from an error chain,
// or nil if the error is not a missing-parameter failure.
func MissingKeys(err error) []string {
	var mp *MissingParameterError
	if As(err, &mp) {
		return mp.Keys
	}
	return nil
}

// Retryable reports whether the trigger-delivery layer may redeliver the
// work item that produced err. Configuration errors and credential failures
// are not retryable: redelivering them burns attempts on a failure that
// only an out-of-band fix can clear. Unknown errors are retryable so a
// transient blip never dead-letters work on the first hit.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case Is(err, ErrTemplateNotFound),
		Is(err, ErrTemplateMalformed),
		Is(err, ErrMissingRequiredParameter),
		Is(err, ErrCredentialInvalid),
		Is(err, ErrAuthenticationFailed),
		Is(err, ErrInvalidRequest),
		Is(err, ErrNotFound):
		return false
	}
	return true
}

// IsTimeout reports whether err is or wraps the timeout class.
func IsTimeout(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

package realtime

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire/API codes).
var (
	ErrValidation      = errors.New("validation_failed")
	ErrStore           = errors.New("store_failed")
	ErrIdentityMissing = errors.New("identity_missing")
	ErrNotFound        = errors.New("not_found")
	ErrConflict        = errors.New("conflict")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Err carries the underlying cause (driver error, context expiry) when there is one.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationError(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe OpError
	if errors.As(err, &oe) && errors.Is(oe.Kind, ErrStore) {
		return err
	}
	return OpError{Op: op, Kind: ErrStore, Err: err}
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsStore reports whether err represents ErrStore.
func IsStore(err error) bool { return errors.Is(err, ErrStore) }

// errorCode maps an error to the wire code sent in error envelopes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrStore):
		return "store_failed"
	case errors.Is(err, ErrIdentityMissing):
		return "identity_missing"
	default:
		return "internal"
	}
}

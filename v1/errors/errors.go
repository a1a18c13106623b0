// Package errors defines the sentinel errors shared by the tandem packages.
// Transient transport failures are folded into ErrStoreUnavailable at the
// store boundary so the retry engine can classify them with errors.Is.
package errors

import "errors"

var (
	// ErrStoreUnavailable marks connectivity or transport failures against
	// the shared store. Operations failing with it are safe to retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when a requested key or entry does not exist.
	ErrNotFound = errors.New("not found")
)

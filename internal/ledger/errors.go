package ledger

import "errors"

var (
	// ErrInsufficientFunds means the payer's balance floor would be violated.
	// Recoverable: surfaced to the caller, never retried blindly.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnknownAccount means a post referenced an unregistered account id.
	// This is a data integrity problem, not a user condition.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrAccountExists is returned by stores on duplicate registration.
	ErrAccountExists = errors.New("account already exists")

	// ErrUpstreamUnavailable wraps payment gateway failures on the
	// auto-refill path.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

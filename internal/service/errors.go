package service

import "errors"

// Checkout error taxonomy. The HTTP boundary maps these to status codes;
// gateway and ledger errors are translated into one of these kinds at the
// orchestrator boundary.
var (
	// ErrPaymentNotConfigured means no provider has credentials. Fatal,
	// distinct from a transient provider failure.
	ErrPaymentNotConfigured = errors.New("payment not configured")

	// ErrSessionExpired means the checkout session hit its inactivity
	// window; any applied discount state is gone and must be re-validated.
	ErrSessionExpired = errors.New("checkout session expired")

	// ErrInvalidTransition means an operation was attempted in a checkout
	// state that does not allow it.
	ErrInvalidTransition = errors.New("invalid checkout state transition")

	// ErrIdentityRequired means neither a user id nor a guest email was
	// supplied when opening a checkout.
	ErrIdentityRequired = errors.New("user id or guest email required")
)

package gateway

import (
	"context"
	"errors"
	"net"

	"github.com/shopspring/decimal"
)

// Failure modes shared by both providers.
//
// ErrUnknownOutcome is the important one: a timed-out call must never be
// assumed to have failed. The provider's own notification or the
// reconciliation sweep resolves it later.
var (
	ErrNotConfigured    = errors.New("payment provider not configured")
	ErrProviderAuth     = errors.New("payment provider authentication failed")
	ErrProviderRejected = errors.New("payment rejected by provider")
	ErrUnknownOutcome   = errors.New("payment outcome unknown")
)

// OrderLine is one billable line item.
type OrderLine struct {
	Name   string
	Amount decimal.Decimal
}

// Order carries everything a provider needs to charge the buyer.
type Order struct {
	TransactionID string
	BuyerName     string
	BuyerEmail    string
	Currency      string
	Total         decimal.Decimal
	Lines         []OrderLine
}

// Session is the result of creating a hosted-redirect payment session.
// The caller navigates the user to FormURL and retains ProviderOrderID to
// correlate the eventual confirmation signal.
type Session struct {
	FormURL         string
	ProviderOrderID string
}

// classifyTransportError maps a transport-level failure. Timeouts and
// cancellations are unknown outcomes, everything else is surfaced as-is.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrUnknownOutcome
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrUnknownOutcome
	}
	return err
}

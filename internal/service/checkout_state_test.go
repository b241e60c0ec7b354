package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextCheckoutState(t *testing.T) {
	cases := []struct {
		state CheckoutState
		event CheckoutEvent
		want  CheckoutState
	}{
		{StateCartReady, EventDiscountApplied, StateDiscountApplied},
		{StateCartReady, EventGatewayStarted, StateAwaitingGateway},
		{StateDiscountApplied, EventDiscountDropped, StateCartReady},
		{StateDiscountApplied, EventCartUpdated, StateCartReady},
		{StateDiscountApplied, EventGatewayStarted, StateAwaitingGateway},
		{StateAwaitingGateway, EventGatewayLaunched, StateAwaitingConfirmation},
		{StateAwaitingGateway, EventCancelled, StateCartReady},
		{StateAwaitingConfirmation, EventConfirmed, StateCompleted},
		{StateAwaitingConfirmation, EventPaymentFailed, StateFailed},
		{StateAwaitingConfirmation, EventCancelled, StateCartReady},
		{StateFailed, EventGatewayStarted, StateAwaitingGateway},

		// Unknown combinations leave the state unchanged.
		{StateCartReady, EventConfirmed, StateCartReady},
		{StateCompleted, EventGatewayStarted, StateCompleted},
		{StateCompleted, EventConfirmed, StateCompleted},
	}

	for _, tc := range cases {
		got := NextCheckoutState(tc.state, tc.event)
		assert.Equal(t, tc.want, got, "%s + %s", tc.state, tc.event)
	}
}

func TestDuplicatedConfirmEventIsIdempotent(t *testing.T) {
	state := StateAwaitingConfirmation
	state = NextCheckoutState(state, EventConfirmed)
	state = NextCheckoutState(state, EventConfirmed)
	assert.Equal(t, StateCompleted, state)
}

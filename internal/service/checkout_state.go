package service

// CheckoutState is the explicit state of one checkout session. All
// transitions go through NextCheckoutState so they can be tested without
// any transport or storage.
type CheckoutState string

const (
	StateCartReady            CheckoutState = "cart_ready"
	StateDiscountApplied      CheckoutState = "discount_applied"
	StateAwaitingGateway      CheckoutState = "awaiting_gateway"
	StateAwaitingConfirmation CheckoutState = "awaiting_confirmation"
	StateCompleted            CheckoutState = "completed"
	StateFailed               CheckoutState = "failed"
)

// CheckoutEvent is an input to the checkout state machine.
type CheckoutEvent string

const (
	EventCartUpdated     CheckoutEvent = "cart_updated"
	EventDiscountApplied CheckoutEvent = "discount_applied"
	EventDiscountDropped CheckoutEvent = "discount_dropped"
	EventGatewayStarted  CheckoutEvent = "gateway_started"
	EventGatewayLaunched CheckoutEvent = "gateway_launched"
	EventConfirmed       CheckoutEvent = "confirmed"
	EventPaymentFailed   CheckoutEvent = "payment_failed"
	EventCancelled       CheckoutEvent = "cancelled"
)

// NextCheckoutState is the pure transition function: current state plus
// event yields the next state. Unknown combinations leave the state
// unchanged, which keeps duplicated UI events harmless.
func NextCheckoutState(state CheckoutState, event CheckoutEvent) CheckoutState {
	switch state {
	case StateCartReady:
		switch event {
		case EventCartUpdated:
			return StateCartReady
		case EventDiscountApplied:
			return StateDiscountApplied
		case EventGatewayStarted:
			return StateAwaitingGateway
		}

	case StateDiscountApplied:
		switch event {
		case EventCartUpdated:
			return StateCartReady
		case EventDiscountApplied:
			return StateDiscountApplied
		case EventDiscountDropped:
			return StateCartReady
		case EventGatewayStarted:
			return StateAwaitingGateway
		}

	case StateAwaitingGateway:
		switch event {
		case EventGatewayLaunched:
			return StateAwaitingConfirmation
		case EventPaymentFailed:
			return StateFailed
		case EventCancelled:
			return StateCartReady
		}

	case StateAwaitingConfirmation:
		switch event {
		case EventConfirmed:
			return StateCompleted
		case EventPaymentFailed:
			return StateFailed
		case EventCancelled:
			return StateCartReady
		}

	case StateFailed:
		// Cart is preserved after a failure so the user can retry.
		switch event {
		case EventCartUpdated:
			return StateCartReady
		case EventGatewayStarted:
			return StateAwaitingGateway
		}
	}

	return state
}

package service

import (
	"context"
	"testing"
	"time"

	"checkout-service/internal/discount"
	"checkout-service/internal/models"
	"checkout-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testCourses() []models.Course {
	return []models.Course{
		{ID: 1, Slug: "a1-course", Title: "A1 Course", Price: dec("49.00"), MaterialsPrice: dec("15.00")},
		{ID: 2, Slug: "a2-course", Title: "A2 Course", Price: dec("59.00"), MaterialsPrice: dec("15.00")},
	}
}

type testStack struct {
	checkout  *CheckoutService
	recon     *ReconciliationService
	ledger    *fakeLedger
	sessions  *fakeSessions
	validator *fakeValidator
	card      *fakeCardGateway
	wallet    *fakeWalletGateway
	publisher *fakePublisher
	locker    *fakeLocker
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	s := &testStack{
		ledger:    newFakeLedger(testCourses()...),
		sessions:  newFakeSessions(),
		validator: newFakeValidator(),
		card:      &fakeCardGateway{},
		wallet:    &fakeWalletGateway{},
		publisher: &fakePublisher{},
		locker:    newFakeLocker(),
	}
	s.recon = NewReconciliationService(s.ledger, s.locker, s.publisher, s.validator)
	s.checkout = NewCheckoutService(s.ledger, s.sessions, s.validator,
		s.card, s.wallet, s.publisher, s.recon, 30*time.Minute)
	return s
}

func TestBeginPricesCart(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	view, err := s.checkout.Begin(ctx, &BeginRequest{
		UserID: 7,
		Items: []CartItem{
			{CourseID: 1},
			{CourseID: 2, TeachingMaterials: true},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, StateCartReady, view.State)
	assert.True(t, view.Subtotal.Equal(dec("123.00")), "subtotal = %s", view.Subtotal)
	assert.True(t, view.Total.Equal(dec("123.00")))
}

func TestApplyDiscountUpdatesTotals(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.validator.apps["SAVE10"] = &discount.Application{CodeID: 11, Code: "SAVE10", Amount: dec("4.90")}

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}}})
	require.NoError(t, err)

	view, err = s.checkout.ApplyDiscount(ctx, view.SessionID, "SAVE10")
	require.NoError(t, err)

	assert.Equal(t, StateDiscountApplied, view.State)
	assert.True(t, view.DiscountAmount.Equal(dec("4.90")))
	assert.True(t, view.Total.Equal(dec("44.10")), "total = %s", view.Total)
}

func TestApplyUnknownDiscountLeavesSessionUnchanged(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}}})
	require.NoError(t, err)

	_, err = s.checkout.ApplyDiscount(ctx, view.SessionID, "NOPE")
	assert.ErrorIs(t, err, discount.ErrCodeNotFound)
}

func TestCardPaymentCreatesPendingRows(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}, {CourseID: 2}}})
	require.NoError(t, err)

	card, err := s.checkout.StartCardPayment(ctx, &StartCardPaymentRequest{
		SessionID:  view.SessionID,
		BuyerName:  "Ana Test",
		BuyerEmail: "ana@example.com",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, card.TransactionID)
	assert.Equal(t, "https://gateway.test/form", card.FormURL)
	assert.Equal(t, StateAwaitingConfirmation, card.State)
	assert.Equal(t, 2, s.ledger.countByStatus(card.TransactionID, models.PurchaseStatusPending))
	require.Len(t, s.publisher.pending, 1)

	// The client fallback repeats creation; the ledger absorbs it.
	_, err = s.checkout.EnsurePending(ctx, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.ledger.countByStatus(card.TransactionID, models.PurchaseStatusPending))
}

func TestDiscountDroppedWhenExpiredAtPaymentTime(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.validator.apps["SAVE10"] = &discount.Application{CodeID: 11, Code: "SAVE10", Amount: dec("4.90")}

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}}})
	require.NoError(t, err)
	_, err = s.checkout.ApplyDiscount(ctx, view.SessionID, "SAVE10")
	require.NoError(t, err)

	// The code expires between apply-time and payment-time.
	s.validator.revalidateErr = discount.ErrCodeExpired

	card, err := s.checkout.StartCardPayment(ctx, &StartCardPaymentRequest{
		SessionID:  view.SessionID,
		BuyerName:  "Ana Test",
		BuyerEmail: "ana@example.com",
	})
	require.NoError(t, err, "checkout proceeds without the discount")

	assert.True(t, card.DiscountAmount.IsZero())
	assert.True(t, card.Total.Equal(dec("49.00")), "charged the undiscounted subtotal")

	require.Len(t, s.card.orders, 1)
	assert.True(t, s.card.orders[0].Total.Equal(dec("49.00")))
}

func TestDiscountKeptOnTransientRevalidationFailure(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.validator.apps["SAVE10"] = &discount.Application{CodeID: 11, Code: "SAVE10", Amount: dec("4.90")}

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}}})
	require.NoError(t, err)
	_, err = s.checkout.ApplyDiscount(ctx, view.SessionID, "SAVE10")
	require.NoError(t, err)

	s.validator.revalidateErr = errStoreDown

	card, err := s.checkout.StartCardPayment(ctx, &StartCardPaymentRequest{
		SessionID:  view.SessionID,
		BuyerName:  "Ana Test",
		BuyerEmail: "ana@example.com",
	})
	require.NoError(t, err)

	assert.True(t, card.DiscountAmount.Equal(dec("4.90")), "apply-time amount kept")
	assert.True(t, card.Total.Equal(dec("44.10")))
}

func TestPartiallyOwnedCartCreatesOnlyUnownedLines(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.ledger.enrollments[[2]int64{7, 2}] = true

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}, {CourseID: 2}}})
	require.NoError(t, err)

	card, err := s.checkout.StartCardPayment(ctx, &StartCardPaymentRequest{
		SessionID:  view.SessionID,
		BuyerName:  "Ana Test",
		BuyerEmail: "ana@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, card.AlreadyOwned)
	assert.Equal(t, 1, s.ledger.countByStatus(card.TransactionID, models.PurchaseStatusPending))
}

func TestFullyOwnedCartRejected(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.ledger.enrollments[[2]int64{7, 1}] = true

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}}})
	require.NoError(t, err)

	_, err = s.checkout.StartCardPayment(ctx, &StartCardPaymentRequest{
		SessionID:  view.SessionID,
		BuyerName:  "Ana Test",
		BuyerEmail: "ana@example.com",
	})
	assert.ErrorIs(t, err, store.ErrAlreadyOwned)
	assert.Equal(t, 0, len(s.ledger.purchases), "no pending rows created")
}

func TestWalletCaptureConfirmsExactlyOnce(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}}})
	require.NoError(t, err)

	order, err := s.checkout.StartWalletPayment(ctx, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ledger.countByStatus(order.TransactionID, models.PurchaseStatusPending))

	result, err := s.checkout.CaptureWalletPayment(ctx, view.SessionID)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, int64(1), result.Affected)
	assert.Equal(t, 1, s.ledger.countByStatus(order.TransactionID, models.PurchaseStatusCompleted))
	assert.Equal(t, 1, s.publisher.completedCount())

	// Cart cleared only after the gateway reported success.
	data, _ := s.sessions.GetCheckoutSession(ctx, view.SessionID)
	assert.Nil(t, data)

	// A late webhook for the same transaction is a harmless duplicate.
	dup, err := s.recon.HandleConfirmation(ctx, &ConfirmationSignal{
		Channel:       ChannelWebhook,
		Status:        SignalSuccess,
		TransactionID: order.TransactionID,
		UserID:        7,
	})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, 1, s.publisher.completedCount(), "completed event published exactly once")
}

func TestWalletCaptureClearsCartWhenConfirmationFails(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}}})
	require.NoError(t, err)

	order, err := s.checkout.StartWalletPayment(ctx, view.SessionID)
	require.NoError(t, err)

	s.ledger.confirmErr = errStoreDown

	_, err = s.checkout.CaptureWalletPayment(ctx, view.SessionID)
	require.Error(t, err)

	// Money moved, so the cart must be gone: a preserved cart would
	// invite a retry with a fresh provider order and a double charge.
	// The webhook or the sweep settles the still-pending rows.
	require.Len(t, s.wallet.captures, 1)
	data, _ := s.sessions.GetCheckoutSession(ctx, view.SessionID)
	assert.Nil(t, data)
	assert.Equal(t, 1, s.ledger.countByStatus(order.TransactionID, models.PurchaseStatusPending))
}

func TestWalletCaptureFailureKeepsSessionAndPendingRows(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.wallet.captureErr = errStoreDown

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}}})
	require.NoError(t, err)

	order, err := s.checkout.StartWalletPayment(ctx, view.SessionID)
	require.NoError(t, err)

	_, err = s.checkout.CaptureWalletPayment(ctx, view.SessionID)
	require.Error(t, err)

	// Cart preserved for retry; rows stay pending until a signal or the
	// sweep resolves them.
	data, _ := s.sessions.GetCheckoutSession(ctx, view.SessionID)
	assert.NotNil(t, data)
	assert.Equal(t, 1, s.ledger.countByStatus(order.TransactionID, models.PurchaseStatusPending))
}

func TestPaymentNotConfigured(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.checkout.card = nil
	s.checkout.wallet = nil

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}}})
	require.NoError(t, err)

	_, err = s.checkout.StartCardPayment(ctx, &StartCardPaymentRequest{
		SessionID: view.SessionID, BuyerName: "A", BuyerEmail: "a@b.c",
	})
	assert.ErrorIs(t, err, ErrPaymentNotConfigured)

	_, err = s.checkout.StartWalletPayment(ctx, view.SessionID)
	assert.ErrorIs(t, err, ErrPaymentNotConfigured)
}

func TestExpiredSessionRejected(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	_, err := s.checkout.ApplyDiscount(ctx, "gone-session", "SAVE10")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestAllocateDiscountExact(t *testing.T) {
	priced := []pricedLine{
		{lineAmount: dec("49.00")},
		{lineAmount: dec("59.00")},
		{lineAmount: dec("15.00")},
	}

	parts := allocateDiscount(priced, dec("10.00"))
	require.Len(t, parts, 3)

	sum := decimal.Zero
	for _, p := range parts {
		sum = sum.Add(p)
		assert.False(t, p.IsNegative())
	}
	assert.True(t, sum.Equal(dec("10.00")), "allocated sum = %s", sum)
}

func TestAllocateDiscountStaysWithinLineAmounts(t *testing.T) {
	// Rounding on the earlier shares must never push a line's discount
	// negative or above the line's own amount.
	priced := []pricedLine{
		{lineAmount: dec("1.00")},
		{lineAmount: dec("1.00")},
		{lineAmount: dec("1.00")},
		{lineAmount: dec("0.01")},
	}

	parts := allocateDiscount(priced, dec("0.11"))
	require.Len(t, parts, 4)

	sum := decimal.Zero
	for i, p := range parts {
		sum = sum.Add(p)
		assert.False(t, p.IsNegative(), "line %d share %s is negative", i, p)
		assert.True(t, p.LessThanOrEqual(priced[i].lineAmount),
			"line %d share %s exceeds line amount %s", i, p, priced[i].lineAmount)
	}
	assert.True(t, sum.Equal(dec("0.11")), "allocated sum = %s", sum)
}

func TestBeginRequiresIdentity(t *testing.T) {
	s := newTestStack(t)

	_, err := s.checkout.Begin(context.Background(), &BeginRequest{Items: []CartItem{{CourseID: 1}}})
	assert.ErrorIs(t, err, ErrIdentityRequired)
}

func TestGuestCheckoutConsumesDiscountByEmail(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.validator.apps["SAVE10"] = &discount.Application{CodeID: 11, Code: "SAVE10", Amount: dec("4.90")}

	view, err := s.checkout.Begin(ctx, &BeginRequest{
		GuestEmail: "guest@example.com",
		Items:      []CartItem{{CourseID: 1}},
	})
	require.NoError(t, err)

	_, err = s.checkout.ApplyDiscount(ctx, view.SessionID, "SAVE10")
	require.NoError(t, err)

	_, err = s.checkout.StartWalletPayment(ctx, view.SessionID)
	require.NoError(t, err)

	_, err = s.checkout.CaptureWalletPayment(ctx, view.SessionID)
	require.NoError(t, err)

	require.Len(t, s.validator.consumedBy, 1)
	assert.Equal(t, "guest@example.com", s.validator.consumedBy[0].GuestEmail)
	assert.Equal(t, int64(0), s.validator.consumedBy[0].UserID)
}

func TestEnsurePendingAfterServerSideCreationFailure(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.ledger.createErr = errStoreDown

	view, err := s.checkout.Begin(ctx, &BeginRequest{UserID: 7, Items: []CartItem{{CourseID: 1}}})
	require.NoError(t, err)

	_, err = s.checkout.StartCardPayment(ctx, &StartCardPaymentRequest{
		SessionID:  view.SessionID,
		BuyerName:  "Ana Test",
		BuyerEmail: "ana@example.com",
	})
	require.Error(t, err)
	assert.Empty(t, s.ledger.purchases)

	// The session kept the transaction id, so the client fallback can
	// finish the reservation.
	_, err = s.checkout.EnsurePending(ctx, view.SessionID)
	require.NoError(t, err)
	assert.Len(t, s.ledger.purchases, 1)
}

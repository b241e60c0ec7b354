package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/discount"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CheckoutLedger is the slice of the purchase ledger the orchestrator needs.
type CheckoutLedger interface {
	GetCoursesByIDs(ctx context.Context, ids []int64) ([]models.Course, error)
	CreatePendingPurchases(ctx context.Context, userID int64, guestEmail, transactionID, paymentMethod, currency string, lines []store.PendingLine) (int, []int64, error)
}

// SessionStore holds ephemeral checkout state with an inactivity TTL.
type SessionStore interface {
	SaveCheckoutSession(ctx context.Context, sessionID string, data []byte, ttl time.Duration) error
	GetCheckoutSession(ctx context.Context, sessionID string) ([]byte, error)
	DeleteCheckoutSession(ctx context.Context, sessionID string) error
}

// DiscountValidator validates, re-validates and consumes discount codes.
type DiscountValidator interface {
	Validate(ctx context.Context, code string, subtotal decimal.Decimal, identity discount.Identity) (*discount.Application, error)
	Revalidate(ctx context.Context, codeID int64, subtotal decimal.Decimal, identity discount.Identity) (*discount.Application, error)
	Consume(ctx context.Context, codeID int64, identity discount.Identity) error
}

// CardSessions creates hosted-redirect payment sessions.
type CardSessions interface {
	CreateSession(ctx context.Context, order *gateway.Order) (*gateway.Session, error)
}

// WalletOrders creates and captures wallet provider orders.
type WalletOrders interface {
	CreateOrder(ctx context.Context, order *gateway.Order) (string, error)
	CaptureOrder(ctx context.Context, providerOrderID string) (string, error)
}

// PendingPublisher publishes purchase-pending events.
type PendingPublisher interface {
	PublishPurchasePending(ctx context.Context, event *models.PurchasePendingEvent) error
}

// CartItem is one line of the client-held cart.
type CartItem struct {
	CourseID          int64 `json:"course_id"`
	TeachingMaterials bool  `json:"teaching_materials"`
}

// CheckoutSession is the durable-enough (Redis, TTL-bound) state of one
// in-progress checkout. The cart itself is client-owned; this records
// what the server needs to price, guard and correlate it.
type CheckoutSession struct {
	ID              string          `json:"id"`
	UserID          int64           `json:"user_id"`
	GuestEmail      string          `json:"guest_email,omitempty"`
	State           CheckoutState   `json:"state"`
	Items           []CartItem      `json:"items"`
	DiscountCodeID  int64           `json:"discount_code_id,omitempty"`
	DiscountCode    string          `json:"discount_code,omitempty"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	ProviderOrderID string          `json:"provider_order_id,omitempty"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CheckoutView is what the API returns about a session.
type CheckoutView struct {
	SessionID      string          `json:"session_id"`
	State          CheckoutState   `json:"state"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
	AlreadyOwned   []int64         `json:"already_owned,omitempty"`
}

// CardPaymentView is returned when a card session has been created.
type CardPaymentView struct {
	CheckoutView
	TransactionID   string `json:"transaction_id"`
	ProviderOrderID string `json:"provider_order_id"`
	FormURL         string `json:"form_url"`
}

// WalletOrderView is returned when a wallet order has been created.
type WalletOrderView struct {
	CheckoutView
	TransactionID   string `json:"transaction_id"`
	ProviderOrderID string `json:"provider_order_id"`
}

// CheckoutService drives the checkout flow: price the cart, apply and
// re-validate discounts, select a gateway, reserve pending purchases and
// launch payment. Confirmation is the reconciliation service's job.
type CheckoutService struct {
	ledger     CheckoutLedger
	sessions   SessionStore
	validator  DiscountValidator
	card       CardSessions
	wallet     WalletOrders
	publisher  PendingPublisher
	recon      *ReconciliationService
	sessionTTL time.Duration
	logger     *zap.Logger
}

// NewCheckoutService creates a new checkout orchestrator. Either gateway
// may be nil when its provider has no credentials.
func NewCheckoutService(
	ledger CheckoutLedger,
	sessions SessionStore,
	validator DiscountValidator,
	card CardSessions,
	wallet WalletOrders,
	publisher PendingPublisher,
	recon *ReconciliationService,
	sessionTTL time.Duration,
) *CheckoutService {
	return &CheckoutService{
		ledger:     ledger,
		sessions:   sessions,
		validator:  validator,
		card:       card,
		wallet:     wallet,
		publisher:  publisher,
		recon:      recon,
		sessionTTL: sessionTTL,
		logger:     util.GetLogger(),
	}
}

// BeginRequest opens a checkout session for a cart. Either a user id or
// a guest email identifies the buyer.
type BeginRequest struct {
	UserID     int64      `json:"user_id"`
	GuestEmail string     `json:"guest_email,omitempty"`
	Items      []CartItem `json:"items" binding:"required,min=1"`
}

// Begin opens a checkout session and prices the cart.
func (s *CheckoutService) Begin(ctx context.Context, req *BeginRequest) (*CheckoutView, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Begin")
	defer span.End()

	if req.UserID == 0 && req.GuestEmail == "" {
		return nil, ErrIdentityRequired
	}

	session := &CheckoutSession{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		GuestEmail:     req.GuestEmail,
		State:          StateCartReady,
		Items:          req.Items,
		DiscountAmount: decimal.Zero,
	}

	subtotal, _, err := s.priceCart(ctx, session.Items)
	if err != nil {
		return nil, err
	}

	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("Checkout session opened",
		zap.String("session_id", session.ID),
		zap.Int64("user_id", req.UserID),
		zap.Int("items", len(req.Items)))

	return s.view(session, subtotal), nil
}

// ApplyDiscount validates a code against the current cart and records the
// application on the session. A rule failure leaves the session unchanged.
func (s *CheckoutService) ApplyDiscount(ctx context.Context, sessionID, code string) (*CheckoutView, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ApplyDiscount")
	defer span.End()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	subtotal, _, err := s.priceCart(ctx, session.Items)
	if err != nil {
		return nil, err
	}

	app, err := s.validator.Validate(ctx, code, subtotal, s.identity(session))
	if err != nil {
		return nil, err
	}

	session.DiscountCodeID = app.CodeID
	session.DiscountCode = app.Code
	session.DiscountAmount = app.Amount
	session.State = NextCheckoutState(session.State, EventDiscountApplied)

	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	util.DiscountsAppliedTotal.Inc()
	s.logger.Info("Discount applied",
		zap.String("session_id", session.ID),
		zap.String("code", app.Code),
		zap.String("amount", app.Amount.StringFixed(2)))

	return s.view(session, subtotal), nil
}

// StartCardPaymentRequest launches the hosted-redirect card flow.
type StartCardPaymentRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	BuyerName  string `json:"buyer_name" binding:"required"`
	BuyerEmail string `json:"buyer_email" binding:"required"`
}

// StartCardPayment re-validates the discount, creates the provider
// session and reserves pending purchase rows server-side, then returns
// the form URL the client must navigate to.
func (s *CheckoutService) StartCardPayment(ctx context.Context, req *StartCardPaymentRequest) (*CardPaymentView, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.StartCardPayment")
	defer span.End()

	if s.card == nil {
		return nil, ErrPaymentNotConfigured
	}

	session, err := s.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	subtotal, priced, err := s.priceCart(ctx, session.Items)
	if err != nil {
		return nil, err
	}
	s.revalidateDiscount(ctx, session, subtotal)

	total := subtotal.Sub(session.DiscountAmount)
	session.TransactionID = uuid.New().String()
	session.PaymentMethod = models.PaymentMethodCard
	session.State = NextCheckoutState(session.State, EventGatewayStarted)

	order := s.gatewayOrder(session, priced, total)
	order.BuyerName = req.BuyerName
	order.BuyerEmail = req.BuyerEmail

	gwSession, err := s.card.CreateSession(ctx, order)
	if err != nil {
		return nil, err
	}
	session.ProviderOrderID = gwSession.ProviderOrderID

	// The transaction id is persisted before the reservation so the
	// client fallback can repeat it if this call dies partway.
	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	// Pending rows are reserved before the user is redirected. The
	// creation is idempotent on (user, course, transaction), so the
	// client fallback path may safely repeat it.
	created, owned, err := s.createPending(ctx, session, priced, subtotal)
	if err != nil {
		return nil, err
	}

	session.State = NextCheckoutState(session.State, EventGatewayLaunched)
	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("Card payment launched",
		zap.String("session_id", session.ID),
		zap.String("transaction_id", session.TransactionID),
		zap.Int("pending_created", created))

	view := s.view(session, subtotal)
	view.AlreadyOwned = owned
	return &CardPaymentView{
		CheckoutView:    *view,
		TransactionID:   session.TransactionID,
		ProviderOrderID: gwSession.ProviderOrderID,
		FormURL:         gwSession.FormURL,
	}, nil
}

// EnsurePending is the client fallback for the card path: if server-side
// creation at session time failed, the client repeats it. Idempotent.
func (s *CheckoutService) EnsurePending(ctx context.Context, sessionID string) (*CheckoutView, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.EnsurePending")
	defer span.End()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TransactionID == "" {
		return nil, ErrInvalidTransition
	}

	subtotal, priced, err := s.priceCart(ctx, session.Items)
	if err != nil {
		return nil, err
	}

	_, owned, err := s.createPending(ctx, session, priced, subtotal)
	if err != nil {
		return nil, err
	}

	view := s.view(session, subtotal)
	view.AlreadyOwned = owned
	return view, nil
}

// StartWalletPayment re-validates the discount and creates the wallet
// provider order plus the pending purchase rows. There is no earlier
// server-side pre-creation on this path; this call, driven by the client
// after SDK initialization, is where the reservation happens.
func (s *CheckoutService) StartWalletPayment(ctx context.Context, sessionID string) (*WalletOrderView, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.StartWalletPayment")
	defer span.End()

	if s.wallet == nil {
		return nil, ErrPaymentNotConfigured
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	subtotal, priced, err := s.priceCart(ctx, session.Items)
	if err != nil {
		return nil, err
	}
	s.revalidateDiscount(ctx, session, subtotal)

	total := subtotal.Sub(session.DiscountAmount)
	session.TransactionID = uuid.New().String()
	session.PaymentMethod = models.PaymentMethodPayPal
	session.State = NextCheckoutState(session.State, EventGatewayStarted)

	providerOrderID, err := s.wallet.CreateOrder(ctx, s.gatewayOrder(session, priced, total))
	if err != nil {
		return nil, err
	}
	session.ProviderOrderID = providerOrderID

	created, owned, err := s.createPending(ctx, session, priced, subtotal)
	if err != nil {
		return nil, err
	}

	session.State = NextCheckoutState(session.State, EventGatewayLaunched)
	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("Wallet payment launched",
		zap.String("session_id", session.ID),
		zap.String("transaction_id", session.TransactionID),
		zap.String("provider_order_id", providerOrderID),
		zap.Int("pending_created", created))

	view := s.view(session, subtotal)
	view.AlreadyOwned = owned
	return &WalletOrderView{
		CheckoutView:    *view,
		TransactionID:   session.TransactionID,
		ProviderOrderID: providerOrderID,
	}, nil
}

// CaptureWalletPayment finalizes the two-phase wallet flow. Capture is
// the point the gateway reports money moved; only then is the session
// closed and reconciliation invoked through the client channel.
func (s *CheckoutService) CaptureWalletPayment(ctx context.Context, sessionID string) (*ConfirmationResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CaptureWalletPayment")
	defer span.End()

	if s.wallet == nil {
		return nil, ErrPaymentNotConfigured
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ProviderOrderID == "" || session.TransactionID == "" {
		return nil, ErrInvalidTransition
	}

	captureID, err := s.wallet.CaptureOrder(ctx, session.ProviderOrderID)
	if err != nil {
		// The cart is preserved on every unresolved failure; an unknown
		// outcome is left for the webhook or sweep to settle.
		return nil, err
	}

	// Money moved. The cart is cleared before any bookkeeping so a
	// confirmation hiccup can never leave a retryable cart behind a
	// captured payment; the webhook and the sweep settle the ledger.
	s.CloseSession(ctx, session.ID)

	return s.recon.HandleConfirmation(ctx, &ConfirmationSignal{
		Channel:       ChannelClient,
		Status:        SignalSuccess,
		TransactionID: session.TransactionID,
		UserID:        session.UserID,
		GatewayRef:    captureID,
	})
}

// CloseSession deletes checkout state. Called only once a gateway has
// reported success; money movement, not local state, is authoritative.
func (s *CheckoutService) CloseSession(ctx context.Context, sessionID string) {
	if err := s.sessions.DeleteCheckoutSession(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to close checkout session",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// pricedLine is a cart line with amounts resolved from the catalog.
type pricedLine struct {
	course          models.Course
	materials       bool
	materialsAmount decimal.Decimal
	lineAmount      decimal.Decimal
}

func (s *CheckoutService) priceCart(ctx context.Context, items []CartItem) (decimal.Decimal, []pricedLine, error) {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.CourseID
	}

	courses, err := s.ledger.GetCoursesByIDs(ctx, ids)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("failed to load courses: %w", err)
	}
	if len(courses) != len(items) {
		return decimal.Zero, nil, fmt.Errorf("some courses not found")
	}

	byID := make(map[int64]models.Course, len(courses))
	for _, c := range courses {
		byID[c.ID] = c
	}

	subtotal := decimal.Zero
	priced := make([]pricedLine, len(items))
	for i, item := range items {
		course := byID[item.CourseID]
		line := pricedLine{course: course, materials: item.TeachingMaterials, lineAmount: course.Price}
		if item.TeachingMaterials {
			line.materialsAmount = course.MaterialsPrice
			line.lineAmount = line.lineAmount.Add(course.MaterialsPrice)
		}
		priced[i] = line
		subtotal = subtotal.Add(line.lineAmount)
	}

	return subtotal.Round(2), priced, nil
}

// revalidateDiscount re-checks the applied code immediately before
// launching payment. Terminal invalidity drops the discount and the
// checkout proceeds at full price; a transient lookup failure (already
// retried once inside the validator) keeps the apply-time amount rather
// than silently repricing.
func (s *CheckoutService) revalidateDiscount(ctx context.Context, session *CheckoutSession, subtotal decimal.Decimal) {
	if session.DiscountCodeID == 0 {
		return
	}

	app, err := s.validator.Revalidate(ctx, session.DiscountCodeID, subtotal, s.identity(session))
	if err == nil {
		session.DiscountAmount = app.Amount
		return
	}

	if discount.IsTerminal(err) {
		util.DiscountsDroppedTotal.Inc()
		s.logger.Info("Discount dropped at payment time",
			zap.String("session_id", session.ID),
			zap.String("code", session.DiscountCode),
			zap.Error(err))
		session.DiscountCodeID = 0
		session.DiscountCode = ""
		session.DiscountAmount = decimal.Zero
		session.State = NextCheckoutState(session.State, EventDiscountDropped)
		return
	}

	s.logger.Warn("Discount re-validation unavailable, keeping apply-time amount",
		zap.String("session_id", session.ID),
		zap.String("code", session.DiscountCode),
		zap.Error(err))
}

func (s *CheckoutService) gatewayOrder(session *CheckoutSession, priced []pricedLine, total decimal.Decimal) *gateway.Order {
	lines := make([]gateway.OrderLine, 0, len(priced))
	discounts := allocateDiscount(priced, session.DiscountAmount)
	for i, line := range priced {
		name := line.course.Title
		if line.materials {
			name += " + teaching materials"
		}
		lines = append(lines, gateway.OrderLine{
			Name:   name,
			Amount: line.lineAmount.Sub(discounts[i]),
		})
	}

	return &gateway.Order{
		TransactionID: session.TransactionID,
		Currency:      models.CurrencyEUR,
		Total:         total.Round(2),
		Lines:         lines,
	}
}

func (s *CheckoutService) createPending(ctx context.Context, session *CheckoutSession, priced []pricedLine, subtotal decimal.Decimal) (int, []int64, error) {
	discounts := allocateDiscount(priced, session.DiscountAmount)

	lines := make([]store.PendingLine, len(priced))
	for i, line := range priced {
		pl := store.PendingLine{
			CourseID:          line.course.ID,
			Amount:            line.lineAmount.Sub(discounts[i]),
			OriginalAmount:    line.lineAmount,
			DiscountAmount:    discounts[i],
			TeachingMaterials: line.materials,
			MaterialsAmount:   line.materialsAmount,
		}
		if session.DiscountCodeID != 0 {
			pl.DiscountCodeID = sql.NullInt64{Int64: session.DiscountCodeID, Valid: true}
		}
		lines[i] = pl
	}

	created, owned, err := s.ledger.CreatePendingPurchases(ctx, session.UserID, session.GuestEmail,
		session.TransactionID, session.PaymentMethod, models.CurrencyEUR, lines)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyOwned) {
			util.PurchasesAlreadyOwnedTotal.Inc()
		}
		return created, owned, err
	}

	if created > 0 {
		util.PurchasesPendingTotal.Add(float64(created))

		event := &models.PurchasePendingEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypePurchasePending,
				Timestamp: time.Now(),
			},
			TransactionID: session.TransactionID,
			UserID:        session.UserID,
			PaymentMethod: session.PaymentMethod,
		}
		if err := s.publisher.PublishPurchasePending(ctx, event); err != nil {
			s.logger.Error("Failed to publish PurchasePending event", zap.Error(err))
		}
	}

	return created, owned, nil
}

// allocateDiscount splits a discount across lines proportionally to their
// amounts. Non-final shares are rounded down so the remainder the last
// line absorbs is never negative; a remainder exceeding the last line's
// own amount is pushed back onto earlier lines. Every share stays within
// [0, lineAmount] and the shares sum to the total exactly.
func allocateDiscount(priced []pricedLine, total decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(priced))
	for i := range out {
		out[i] = decimal.Zero
	}
	if total.IsZero() || len(priced) == 0 {
		return out
	}

	subtotal := decimal.Zero
	for _, line := range priced {
		subtotal = subtotal.Add(line.lineAmount)
	}
	if subtotal.IsZero() {
		return out
	}

	allocated := decimal.Zero
	for i, line := range priced {
		if i == len(priced)-1 {
			out[i] = total.Sub(allocated)
			break
		}
		share := total.Mul(line.lineAmount).Div(subtotal).RoundDown(2)
		out[i] = share
		allocated = allocated.Add(share)
	}

	for i := len(priced) - 1; i > 0; i-- {
		if out[i].GreaterThan(priced[i].lineAmount) {
			excess := out[i].Sub(priced[i].lineAmount)
			out[i] = priced[i].lineAmount
			out[i-1] = out[i-1].Add(excess)
		}
	}
	return out
}

func (s *CheckoutService) identity(session *CheckoutSession) discount.Identity {
	return discount.Identity{UserID: session.UserID, GuestEmail: session.GuestEmail}
}

func (s *CheckoutService) view(session *CheckoutSession, subtotal decimal.Decimal) *CheckoutView {
	return &CheckoutView{
		SessionID:      session.ID,
		State:          session.State,
		Subtotal:       subtotal,
		DiscountAmount: session.DiscountAmount,
		Total:          subtotal.Sub(session.DiscountAmount),
	}
}

func (s *CheckoutService) saveSession(ctx context.Context, session *CheckoutSession) error {
	session.UpdatedAt = time.Now()
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := s.sessions.SaveCheckoutSession(ctx, session.ID, data, s.sessionTTL); err != nil {
		return fmt.Errorf("failed to save checkout session: %w", err)
	}
	return nil
}

func (s *CheckoutService) loadSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	data, err := s.sessions.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkout session: %w", err)
	}
	if data == nil {
		return nil, ErrSessionExpired
	}

	var session CheckoutSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

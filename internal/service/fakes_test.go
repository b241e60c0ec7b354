package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"checkout-service/internal/discount"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"

	"github.com/shopspring/decimal"
)

// fakeLedger is an in-memory purchase ledger honoring the same
// idempotency rules as the real store. createErr fires once; confirmErr
// fires on every confirm until cleared.
type fakeLedger struct {
	mu          sync.Mutex
	courses     map[int64]models.Course
	purchases   []*models.Purchase
	enrollments map[[2]int64]bool
	nextID      int64
	createErr   error
	confirmErr  error
}

func newFakeLedger(courses ...models.Course) *fakeLedger {
	l := &fakeLedger{
		courses:     make(map[int64]models.Course),
		enrollments: make(map[[2]int64]bool),
	}
	for _, c := range courses {
		l.courses[c.ID] = c
	}
	return l
}

func (l *fakeLedger) GetCoursesByIDs(_ context.Context, ids []int64) ([]models.Course, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Course
	for _, id := range ids {
		if c, ok := l.courses[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (l *fakeLedger) CreatePendingPurchases(_ context.Context, userID int64, guestEmail, transactionID, paymentMethod, currency string, lines []store.PendingLine) (int, []int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.createErr != nil {
		err := l.createErr
		l.createErr = nil
		return 0, nil, err
	}

	var owned []int64
	if userID != 0 {
		for _, line := range lines {
			if l.ownsLocked(userID, line.CourseID) {
				owned = append(owned, line.CourseID)
			}
		}
		if len(owned) == len(lines) {
			return 0, owned, store.ErrAlreadyOwned
		}
	}

	ownedSet := make(map[int64]bool)
	for _, id := range owned {
		ownedSet[id] = true
	}

	created := 0
	for _, line := range lines {
		if ownedSet[line.CourseID] {
			continue
		}
		if l.findLocked(userID, line.CourseID, transactionID) != nil {
			continue
		}
		l.nextID++
		l.purchases = append(l.purchases, &models.Purchase{
			ID:                l.nextID,
			UserID:            userID,
			GuestEmail:        sql.NullString{String: guestEmail, Valid: guestEmail != ""},
			CourseID:          line.CourseID,
			Amount:            line.Amount,
			OriginalAmount:    line.OriginalAmount,
			DiscountAmount:    line.DiscountAmount,
			DiscountCodeID:    line.DiscountCodeID,
			Currency:          currency,
			PaymentMethod:     paymentMethod,
			TransactionID:     transactionID,
			Status:            models.PurchaseStatusPending,
			TeachingMaterials: line.TeachingMaterials,
			MaterialsAmount:   line.MaterialsAmount,
			CreatedAt:         time.Now(),
		})
		created++
	}
	return created, owned, nil
}

func (l *fakeLedger) ownsLocked(userID, courseID int64) bool {
	if l.enrollments[[2]int64{userID, courseID}] {
		return true
	}
	for _, p := range l.purchases {
		if p.UserID == userID && p.CourseID == courseID && p.Status == models.PurchaseStatusCompleted {
			return true
		}
	}
	return false
}

func (l *fakeLedger) findLocked(userID, courseID int64, transactionID string) *models.Purchase {
	for _, p := range l.purchases {
		if p.UserID == userID && p.CourseID == courseID && p.TransactionID == transactionID {
			return p
		}
	}
	return nil
}

func (l *fakeLedger) ConfirmPurchases(_ context.Context, transactionID string, userID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.confirmErr != nil {
		return 0, l.confirmErr
	}
	var n int64
	for _, p := range l.purchases {
		if p.TransactionID == transactionID && p.Status == models.PurchaseStatusPending &&
			(userID == 0 || p.UserID == userID) {
			p.Status = models.PurchaseStatusCompleted
			p.ConfirmedAt.Valid = true
			p.ConfirmedAt.Time = time.Now()
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) FailPurchases(_ context.Context, transactionID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, p := range l.purchases {
		if p.TransactionID == transactionID && p.Status == models.PurchaseStatusPending {
			p.Status = models.PurchaseStatusFailed
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) GetPurchasesByTransactionID(_ context.Context, transactionID string) ([]models.Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Purchase
	for _, p := range l.purchases {
		if p.TransactionID == transactionID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (l *fakeLedger) ListCompletedWithoutEnrollment(_ context.Context) ([]models.Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Purchase
	for _, p := range l.purchases {
		if p.UserID == 0 {
			continue
		}
		if p.Status == models.PurchaseStatusCompleted && !l.enrollments[[2]int64{p.UserID, p.CourseID}] {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (l *fakeLedger) FailExpiredPending(_ context.Context, window time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var n int64
	for _, p := range l.purchases {
		if p.Status == models.PurchaseStatusPending && p.CreatedAt.Before(cutoff) {
			p.Status = models.PurchaseStatusFailed
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) GrantEnrollment(_ context.Context, userID, courseID, _ int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := [2]int64{userID, courseID}
	if l.enrollments[key] {
		return false, nil
	}
	l.enrollments[key] = true
	return true, nil
}

func (l *fakeLedger) countByStatus(transactionID, status string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.purchases {
		if p.TransactionID == transactionID && p.Status == status {
			n++
		}
	}
	return n
}

// fakeSessions is an in-memory session store without TTL expiry.
type fakeSessions struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{data: make(map[string][]byte)}
}

func (s *fakeSessions) SaveCheckoutSession(_ context.Context, sessionID string, data []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sessionID] = data
	return nil
}

func (s *fakeSessions) GetCheckoutSession(_ context.Context, sessionID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[sessionID], nil
}

func (s *fakeSessions) DeleteCheckoutSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}

// fakeLocker is an in-memory confirm lock.
type fakeLocker struct {
	mu    sync.Mutex
	locks map[string]string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locks: make(map[string]string)}
}

func (l *fakeLocker) AcquireConfirmLock(_ context.Context, transactionID, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locks[transactionID]; held {
		return false, nil
	}
	l.locks[transactionID] = owner
	return true, nil
}

func (l *fakeLocker) ReleaseConfirmLock(_ context.Context, transactionID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[transactionID] == owner {
		delete(l.locks, transactionID)
	}
	return nil
}

// fakePublisher records published events.
type fakePublisher struct {
	mu        sync.Mutex
	pending   []*models.PurchasePendingEvent
	completed []*models.PurchaseCompletedEvent
	failed    []*models.PurchaseFailedEvent
}

func (p *fakePublisher) PublishPurchasePending(_ context.Context, e *models.PurchasePendingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, e)
	return nil
}

func (p *fakePublisher) PublishPurchaseCompleted(_ context.Context, e *models.PurchaseCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, e)
	return nil
}

func (p *fakePublisher) PublishPurchaseFailed(_ context.Context, e *models.PurchaseFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return nil
}

func (p *fakePublisher) completedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completed)
}

// fakeValidator scripts validation outcomes.
type fakeValidator struct {
	mu            sync.Mutex
	apps          map[string]*discount.Application
	validateErr   error
	revalidateErr error
	consumed      []int64
	consumedBy    []discount.Identity
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{apps: make(map[string]*discount.Application)}
}

func (v *fakeValidator) Validate(_ context.Context, code string, _ decimal.Decimal, _ discount.Identity) (*discount.Application, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.validateErr != nil {
		return nil, v.validateErr
	}
	if app, ok := v.apps[code]; ok {
		return app, nil
	}
	return nil, discount.ErrCodeNotFound
}

func (v *fakeValidator) Revalidate(_ context.Context, codeID int64, _ decimal.Decimal, _ discount.Identity) (*discount.Application, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.revalidateErr != nil {
		return nil, v.revalidateErr
	}
	for _, app := range v.apps {
		if app.CodeID == codeID {
			return app, nil
		}
	}
	return nil, discount.ErrCodeNotFound
}

func (v *fakeValidator) Consume(_ context.Context, codeID int64, identity discount.Identity) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.consumed = append(v.consumed, codeID)
	v.consumedBy = append(v.consumedBy, identity)
	return nil
}

// fakeCardGateway returns a canned session.
type fakeCardGateway struct {
	mu     sync.Mutex
	orders []*gateway.Order
	err    error
}

func (g *fakeCardGateway) CreateSession(_ context.Context, order *gateway.Order) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.orders = append(g.orders, order)
	return &gateway.Session{FormURL: "https://gateway.test/form", ProviderOrderID: "CARD-" + order.TransactionID}, nil
}

// fakeWalletGateway scripts order create/capture.
type fakeWalletGateway struct {
	mu         sync.Mutex
	orders     []*gateway.Order
	captures   []string
	captureErr error
}

func (g *fakeWalletGateway) CreateOrder(_ context.Context, order *gateway.Order) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, order)
	return "PP-" + order.TransactionID, nil
}

func (g *fakeWalletGateway) CaptureOrder(_ context.Context, providerOrderID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.captureErr != nil {
		return "", g.captureErr
	}
	g.captures = append(g.captures, providerOrderID)
	return "CAP-" + providerOrderID, nil
}

var errStoreDown = errors.New("store unavailable")

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}

package service

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/discount"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConfirmationChannel identifies which of the two independent producers
// delivered a signal. No ordering is assumed between them.
type ConfirmationChannel string

const (
	ChannelWebhook ConfirmationChannel = "webhook"
	ChannelClient  ConfirmationChannel = "client"
)

// SignalStatus is the outcome a channel reports.
type SignalStatus string

const (
	SignalSuccess SignalStatus = "success"
	SignalFailure SignalStatus = "failure"
	SignalCancel  SignalStatus = "cancel"
)

// ConfirmationSignal is one confirmation event, regardless of channel.
// The gateway webhook and the client-observed callback both reduce to
// this shape before they reach the state machine.
type ConfirmationSignal struct {
	Channel       ConfirmationChannel
	Status        SignalStatus
	TransactionID string
	UserID        int64
	GatewayRef    string
	ErrorMessage  string
}

// ConfirmationResult reports what a signal did to the ledger.
type ConfirmationResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Affected      int64  `json:"affected"`
	Duplicate     bool   `json:"duplicate"`
}

// ReconciliationLedger is the slice of the purchase ledger reconciliation
// drives.
type ReconciliationLedger interface {
	ConfirmPurchases(ctx context.Context, transactionID string, userID int64) (int64, error)
	FailPurchases(ctx context.Context, transactionID string) (int64, error)
	GetPurchasesByTransactionID(ctx context.Context, transactionID string) ([]models.Purchase, error)
	ListCompletedWithoutEnrollment(ctx context.Context) ([]models.Purchase, error)
	FailExpiredPending(ctx context.Context, window time.Duration) (int64, error)
	GrantEnrollment(ctx context.Context, userID, courseID, purchaseID int64) (bool, error)
}

// ConfirmLocker serializes concurrent confirmation attempts for one
// transaction. The ledger's idempotent confirm is the correctness
// mechanism; the lock only avoids doing duplicate downstream work.
type ConfirmLocker interface {
	AcquireConfirmLock(ctx context.Context, transactionID, owner string, ttl time.Duration) (bool, error)
	ReleaseConfirmLock(ctx context.Context, transactionID, owner string) error
}

// LifecyclePublisher publishes terminal purchase events.
type LifecyclePublisher interface {
	PublishPurchaseCompleted(ctx context.Context, event *models.PurchaseCompletedEvent) error
	PublishPurchaseFailed(ctx context.Context, event *models.PurchaseFailedEvent) error
}

// DiscountConsumer records discount consumption after a confirmed purchase.
type DiscountConsumer interface {
	Consume(ctx context.Context, codeID int64, identity discount.Identity) error
}

// ReconciliationService converges the two confirmation channels into one
// authoritative purchase state change, and runs the self-healing sweep.
type ReconciliationService struct {
	ledger    ReconciliationLedger
	locker    ConfirmLocker
	publisher LifecyclePublisher
	discounts DiscountConsumer
	logger    *zap.Logger
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(
	ledger ReconciliationLedger,
	locker ConfirmLocker,
	publisher LifecyclePublisher,
	discounts DiscountConsumer,
) *ReconciliationService {
	return &ReconciliationService{
		ledger:    ledger,
		locker:    locker,
		publisher: publisher,
		discounts: discounts,
		logger:    util.GetLogger(),
	}
}

// HandleConfirmation processes one signal from either channel. Whichever
// signal arrives first performs the mutation; later arrivals see zero
// pending rows and are absorbed as duplicates. Two concurrent calls for
// the same transaction serialize on a short lock first, so the completed
// event is published exactly once.
func (r *ReconciliationService) HandleConfirmation(ctx context.Context, signal *ConfirmationSignal) (*ConfirmationResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.HandleConfirmation")
	defer span.End()

	util.ConfirmationSignalsTotal.WithLabelValues(string(signal.Channel), string(signal.Status)).Inc()

	r.logger.Info("Confirmation signal received",
		zap.String("channel", string(signal.Channel)),
		zap.String("status", string(signal.Status)),
		zap.String("transaction_id", signal.TransactionID))

	switch signal.Status {
	case SignalSuccess:
		return r.handleSuccess(ctx, signal)
	case SignalFailure, SignalCancel:
		return r.handleFailure(ctx, signal)
	default:
		return nil, fmt.Errorf("unknown signal status: %s", signal.Status)
	}
}

func (r *ReconciliationService) handleSuccess(ctx context.Context, signal *ConfirmationSignal) (*ConfirmationResult, error) {
	owner := uuid.New().String()
	acquired, err := r.locker.AcquireConfirmLock(ctx, signal.TransactionID, owner, 30*time.Second)
	if err != nil {
		// Lock failures degrade to relying on the ledger's idempotency
		// alone; the unique-key guarantee still holds.
		r.logger.Warn("Confirm lock unavailable, proceeding on ledger idempotency",
			zap.String("transaction_id", signal.TransactionID),
			zap.Error(err))
	} else if !acquired {
		// Another caller holds the lock. Answer from the ledger rather
		// than assuming the holder will succeed: rows still pending mean
		// the signal must be retried (webhook providers redeliver on a
		// non-2xx answer); settled rows make this a plain duplicate.
		purchases, perr := r.ledger.GetPurchasesByTransactionID(ctx, signal.TransactionID)
		if perr != nil {
			return nil, fmt.Errorf("confirmation for %s in progress: %w", signal.TransactionID, perr)
		}
		for _, p := range purchases {
			if p.Status == models.PurchaseStatusPending {
				return nil, fmt.Errorf("confirmation for %s in progress, retry", signal.TransactionID)
			}
		}
		util.ConfirmationDuplicatesTotal.Inc()
		return &ConfirmationResult{
			TransactionID: signal.TransactionID,
			Status:        settledStatus(purchases),
			Duplicate:     true,
		}, nil
	} else {
		defer func() {
			if err := r.locker.ReleaseConfirmLock(context.Background(), signal.TransactionID, owner); err != nil {
				r.logger.Warn("Failed to release confirm lock", zap.Error(err))
			}
		}()
	}

	affected, err := r.ledger.ConfirmPurchases(ctx, signal.TransactionID, signal.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm purchases: %w", err)
	}

	if affected == 0 {
		util.ConfirmationDuplicatesTotal.Inc()
		r.logger.Info("Confirmation was a duplicate",
			zap.String("transaction_id", signal.TransactionID),
			zap.String("channel", string(signal.Channel)))
		return &ConfirmationResult{
			TransactionID: signal.TransactionID,
			Status:        models.PurchaseStatusCompleted,
			Duplicate:     true,
		}, nil
	}

	util.PurchasesCompletedTotal.Add(float64(affected))

	purchases, err := r.ledger.GetPurchasesByTransactionID(ctx, signal.TransactionID)
	if err != nil {
		r.logger.Error("Failed to load confirmed purchases", zap.Error(err))
		purchases = nil
	}

	r.consumeDiscounts(ctx, purchases)

	event := &models.PurchaseCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePurchaseCompleted,
			Timestamp: time.Now(),
		},
		TransactionID: signal.TransactionID,
		UserID:        signal.UserID,
		Channel:       string(signal.Channel),
	}
	for _, p := range purchases {
		if p.Status != models.PurchaseStatusCompleted {
			continue
		}
		event.UserID = p.UserID
		event.Items = append(event.Items, models.PurchaseItemData{
			PurchaseID: p.ID,
			CourseID:   p.CourseID,
			Amount:     p.Amount,
		})
	}

	if err := r.publisher.PublishPurchaseCompleted(ctx, event); err != nil {
		// The sweep repairs missing enrollments, so a lost event is not
		// a lost purchase.
		r.logger.Error("Failed to publish PurchaseCompleted event", zap.Error(err))
	}

	r.logger.Info("Purchases confirmed",
		zap.String("transaction_id", signal.TransactionID),
		zap.String("channel", string(signal.Channel)),
		zap.Int64("affected", affected))

	return &ConfirmationResult{
		TransactionID: signal.TransactionID,
		Status:        models.PurchaseStatusCompleted,
		Affected:      affected,
	}, nil
}

// settledStatus reports the terminal status of a settled transaction's
// rows; completed wins when any row completed.
func settledStatus(purchases []models.Purchase) string {
	for _, p := range purchases {
		if p.Status == models.PurchaseStatusCompleted {
			return models.PurchaseStatusCompleted
		}
	}
	return models.PurchaseStatusFailed
}

func (r *ReconciliationService) handleFailure(ctx context.Context, signal *ConfirmationSignal) (*ConfirmationResult, error) {
	affected, err := r.ledger.FailPurchases(ctx, signal.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fail purchases: %w", err)
	}

	if affected > 0 {
		reason := signal.ErrorMessage
		if reason == "" {
			reason = string(signal.Status)
		}
		util.PurchasesFailedTotal.WithLabelValues(string(signal.Status)).Inc()

		event := &models.PurchaseFailedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypePurchaseFailed,
				Timestamp: time.Now(),
			},
			TransactionID: signal.TransactionID,
			UserID:        signal.UserID,
			Reason:        reason,
		}
		if err := r.publisher.PublishPurchaseFailed(ctx, event); err != nil {
			r.logger.Error("Failed to publish PurchaseFailed event", zap.Error(err))
		}
	}

	return &ConfirmationResult{
		TransactionID: signal.TransactionID,
		Status:        models.PurchaseStatusFailed,
		Affected:      affected,
		Duplicate:     affected == 0,
	}, nil
}

// consumeDiscounts records code consumption for the confirmed rows. The
// store absorbs repeats, one use per code per identity.
func (r *ReconciliationService) consumeDiscounts(ctx context.Context, purchases []models.Purchase) {
	seen := make(map[int64]bool)
	for _, p := range purchases {
		if p.Status != models.PurchaseStatusCompleted || !p.DiscountCodeID.Valid || seen[p.DiscountCodeID.Int64] {
			continue
		}
		seen[p.DiscountCodeID.Int64] = true

		identity := discount.Identity{UserID: p.UserID, GuestEmail: p.GuestEmail.String}
		if err := r.discounts.Consume(ctx, p.DiscountCodeID.Int64, identity); err != nil {
			r.logger.Error("Failed to consume discount code",
				zap.Int64("code_id", p.DiscountCodeID.Int64),
				zap.Error(err))
		}
	}
}

// Sweep is the periodic self-healing pass: it grants enrollments missing
// despite a completed purchase, and times out pending rows older than the
// checkout session window.
func (r *ReconciliationService) Sweep(ctx context.Context, pendingWindow time.Duration) error {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.Sweep")
	defer span.End()

	orphans, err := r.ledger.ListCompletedWithoutEnrollment(ctx)
	if err != nil {
		return fmt.Errorf("failed to list purchases without enrollment: %w", err)
	}

	for _, p := range orphans {
		granted, err := r.ledger.GrantEnrollment(ctx, p.UserID, p.CourseID, p.ID)
		if err != nil {
			r.logger.Error("Sweep failed to grant enrollment",
				zap.Int64("purchase_id", p.ID),
				zap.Error(err))
			continue
		}
		if granted {
			util.SweepRepairsTotal.WithLabelValues("enrollment").Inc()
			util.EnrollmentsGrantedTotal.Inc()
			r.logger.Info("Sweep repaired missing enrollment",
				zap.Int64("user_id", p.UserID),
				zap.Int64("course_id", p.CourseID),
				zap.Int64("purchase_id", p.ID))
		}
	}

	expired, err := r.ledger.FailExpiredPending(ctx, pendingWindow)
	if err != nil {
		return fmt.Errorf("failed to expire pending purchases: %w", err)
	}
	if expired > 0 {
		util.SweepRepairsTotal.WithLabelValues("expired_pending").Add(float64(expired))
		r.logger.Info("Sweep timed out stale pending purchases", zap.Int64("count", expired))
	}

	return nil
}

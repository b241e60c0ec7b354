package worker

import (
	"context"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EnrollmentStore is what the enrollment worker needs from the ledger.
type EnrollmentStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	GrantEnrollment(ctx context.Context, userID, courseID, purchaseID int64) (bool, error)
}

// GrantPublisher publishes enrollment-granted events.
type GrantPublisher interface {
	PublishEnrollmentGranted(ctx context.Context, event *models.EnrollmentGrantedEvent) error
}

// EnrollmentWorker consumes PurchaseCompleted events and grants course
// access. This is the push path; the reconciliation sweep is the repair
// fallback when an event is lost.
type EnrollmentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        EnrollmentStore
	publisher    GrantPublisher
	logger       *zap.Logger
}

// NewEnrollmentWorker creates a new enrollment worker
func NewEnrollmentWorker(
	consumer *broker.Consumer,
	store EnrollmentStore,
	publisher GrantPublisher,
) *EnrollmentWorker {
	w := &EnrollmentWorker{
		consumer:  consumer,
		store:     store,
		publisher: publisher,
		logger:    util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnPurchaseCompleted(w.handlePurchaseCompleted)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *EnrollmentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting enrollment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *EnrollmentWorker) Stop() error {
	w.logger.Info("Stopping enrollment worker")
	return w.consumer.Close()
}

// handlePurchaseCompleted grants one enrollment per purchased course.
// The processed-events table and the unique (user, course) index on
// enrollments together make redelivery harmless.
func (w *EnrollmentWorker) handlePurchaseCompleted(ctx context.Context, event *models.PurchaseCompletedEvent) error {
	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	// Guest purchases have no account to enroll; access is delivered out
	// of band.
	if event.UserID == 0 {
		w.logger.Info("Skipping enrollment for guest purchase",
			zap.String("transaction_id", event.TransactionID))
		return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
	}

	for _, item := range event.Items {
		granted, err := w.store.GrantEnrollment(ctx, event.UserID, item.CourseID, item.PurchaseID)
		if err != nil {
			return err
		}
		if !granted {
			continue
		}

		util.EnrollmentsGrantedTotal.Inc()
		w.logger.Info("Enrollment granted",
			zap.Int64("user_id", event.UserID),
			zap.Int64("course_id", item.CourseID),
			zap.Int64("purchase_id", item.PurchaseID))

		grantEvent := &models.EnrollmentGrantedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeEnrollmentGranted,
				Timestamp: time.Now(),
			},
			UserID:     event.UserID,
			CourseID:   item.CourseID,
			PurchaseID: item.PurchaseID,
		}
		if err := w.publisher.PublishEnrollmentGranted(ctx, grantEvent); err != nil {
			w.logger.Error("Failed to publish EnrollmentGranted event", zap.Error(err))
		}
	}

	if err := w.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		w.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

// SweepWorker periodically runs the reconciliation sweep.
type SweepWorker struct {
	recon         *service.ReconciliationService
	interval      time.Duration
	pendingWindow time.Duration
	logger        *zap.Logger
	stop          chan struct{}
}

// NewSweepWorker creates a new sweep worker
func NewSweepWorker(recon *service.ReconciliationService, interval, pendingWindow time.Duration) *SweepWorker {
	return &SweepWorker{
		recon:         recon,
		interval:      interval,
		pendingWindow: pendingWindow,
		logger:        util.GetLogger(),
		stop:          make(chan struct{}),
	}
}

// Start runs the sweep on its interval until the context is cancelled.
func (w *SweepWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting sweep worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case <-ticker.C:
			if err := w.recon.Sweep(ctx, w.pendingWindow); err != nil {
				w.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// Stop stops the worker
func (w *SweepWorker) Stop() error {
	w.logger.Info("Stopping sweep worker")
	close(w.stop)
	return nil
}

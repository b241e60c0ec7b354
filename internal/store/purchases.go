package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

// ErrAlreadyOwned is returned when every line of a checkout is already
// owned by the user; partial ownership is not an error.
var ErrAlreadyOwned = errors.New("all items already owned")

// PendingLine is one cart line to be reserved as a pending purchase.
type PendingLine struct {
	CourseID          int64
	Amount            decimal.Decimal
	OriginalAmount    decimal.Decimal
	DiscountAmount    decimal.Decimal
	DiscountCodeID    sql.NullInt64
	TeachingMaterials bool
	MaterialsAmount   decimal.Decimal
}

// CreatePendingPurchases inserts one pending row per unowned cart line.
// The unique (user_id, course_id, transaction_id) index makes repeats a
// no-op, so the call is safe from both the server and the client fallback
// path. Lines the user already owns are skipped and reported back; when
// every line is owned the whole creation is rejected with ErrAlreadyOwned.
// Guests (userID zero) are identified by email and own nothing up front.
func (s *Store) CreatePendingPurchases(ctx context.Context, userID int64, guestEmail, transactionID, paymentMethod, currency string, lines []PendingLine) (int, []int64, error) {
	courseIDs := make([]int64, len(lines))
	for i, line := range lines {
		courseIDs[i] = line.CourseID
	}

	var owned []int64
	if userID != 0 {
		var err error
		owned, err = s.GetEnrolledCourseIDs(ctx, userID, courseIDs)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to check ownership: %w", err)
		}
		if len(owned) == len(lines) {
			return 0, owned, ErrAlreadyOwned
		}
	}

	ownedSet := make(map[int64]bool, len(owned))
	for _, id := range owned {
		ownedSet[id] = true
	}

	guest := sql.NullString{
		String: strings.ToLower(strings.TrimSpace(guestEmail)),
		Valid:  guestEmail != "",
	}

	query := `
		INSERT INTO purchases
			(user_id, guest_email, course_id, amount, original_amount, discount_amount, discount_code_id,
			 currency, payment_method, transaction_id, status, teaching_materials, materials_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, $12)
		ON CONFLICT (user_id, course_id, transaction_id) DO NOTHING`

	created := 0
	for _, line := range lines {
		if ownedSet[line.CourseID] {
			continue
		}

		res, err := s.db.ExecContext(ctx, query,
			userID, guest, line.CourseID, line.Amount, line.OriginalAmount, line.DiscountAmount,
			line.DiscountCodeID, currency, paymentMethod, transactionID,
			line.TeachingMaterials, line.MaterialsAmount)
		if err != nil {
			return created, owned, fmt.Errorf("failed to create pending purchase: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return created, owned, err
		}
		created += int(n)
	}

	return created, owned, nil
}

// ConfirmPurchases transitions pending rows for a transaction to completed,
// stamping confirmed_at. Rows not currently pending are left untouched, so
// a second confirm for the same transaction affects zero rows and is not
// an error. userID narrows the match when known; pass 0 when it is not.
func (s *Store) ConfirmPurchases(ctx context.Context, transactionID string, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchases
		SET status = 'completed', confirmed_at = NOW()
		WHERE transaction_id = $1 AND status = 'pending' AND ($2 = 0 OR user_id = $2)`,
		transactionID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to confirm purchases: %w", err)
	}
	return res.RowsAffected()
}

// FailPurchases transitions pending rows for a transaction to failed.
// Idempotent the same way ConfirmPurchases is.
func (s *Store) FailPurchases(ctx context.Context, transactionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchases
		SET status = 'failed'
		WHERE transaction_id = $1 AND status = 'pending'`,
		transactionID)
	if err != nil {
		return 0, fmt.Errorf("failed to fail purchases: %w", err)
	}
	return res.RowsAffected()
}

// RefundPurchase transitions a single completed purchase to refunded.
func (s *Store) RefundPurchase(ctx context.Context, purchaseID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchases
		SET status = 'refunded'
		WHERE id = $1 AND status = 'completed'`,
		purchaseID)
	if err != nil {
		return fmt.Errorf("failed to refund purchase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("purchase %d is not completed, refund rejected", purchaseID)
	}
	return nil
}

// GetPurchasesByTransactionID retrieves all purchase rows for a transaction
func (s *Store) GetPurchasesByTransactionID(ctx context.Context, transactionID string) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := s.db.SelectContext(ctx, &purchases,
		"SELECT * FROM purchases WHERE transaction_id = $1 ORDER BY id", transactionID)
	return purchases, err
}

// GetPurchasesByUserID retrieves purchases for a user
func (s *Store) GetPurchasesByUserID(ctx context.Context, userID int64) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := s.db.SelectContext(ctx, &purchases,
		"SELECT * FROM purchases WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return purchases, err
}

// ListCompletedWithoutEnrollment finds completed purchases whose enrollment
// grant never landed; the reconciliation sweep repairs these. Guest
// purchases have no account to enroll and are excluded.
func (s *Store) ListCompletedWithoutEnrollment(ctx context.Context) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := s.db.SelectContext(ctx, &purchases, `
		SELECT p.* FROM purchases p
		LEFT JOIN enrollments e ON e.user_id = p.user_id AND e.course_id = p.course_id
		WHERE p.status = 'completed' AND p.user_id <> 0 AND e.id IS NULL
		ORDER BY p.confirmed_at`)
	return purchases, err
}

// FailExpiredPending times out pending rows older than the checkout
// session window so the (user, course) pair becomes retryable.
func (s *Store) FailExpiredPending(ctx context.Context, window time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchases
		SET status = 'failed'
		WHERE status = 'pending' AND created_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending purchases: %w", err)
	}
	return res.RowsAffected()
}

package discount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rule errors. These are terminal: the code is invalid for this order and
// retrying will not help. Anything else out of Validate/Revalidate is a
// transient lookup failure.
var (
	ErrCodeNotFound       = errors.New("discount code not found")
	ErrCodeExpired        = errors.New("discount code expired")
	ErrUsageLimitReached  = errors.New("discount code usage limit reached")
	ErrAlreadyUsed        = errors.New("discount code already used by this identity")
	ErrMinimumOrderNotMet = errors.New("order subtotal below discount code minimum")
)

// IsTerminal reports whether a validation error is a rule failure rather
// than a transient store problem.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrUsageLimitReached) ||
		errors.Is(err, ErrAlreadyUsed) ||
		errors.Is(err, ErrMinimumOrderNotMet)
}

// Identity is who is consuming the code: an authenticated user id, or a
// guest email when UserID is zero.
type Identity struct {
	UserID     int64
	GuestEmail string
}

// Application is a validated discount ready to apply to an order.
type Application struct {
	CodeID int64
	Code   string
	Amount decimal.Decimal
}

// CodeStore is the slice of the ledger the validator needs.
type CodeStore interface {
	GetDiscountCodeByCode(ctx context.Context, code string) (*models.DiscountCode, error)
	GetDiscountCodeByID(ctx context.Context, id int64) (*models.DiscountCode, error)
	HasDiscountCodeUse(ctx context.Context, codeID int64, userID int64, guestEmail string) (bool, error)
	RecordDiscountCodeUse(ctx context.Context, codeID int64, userID int64, guestEmail string) error
	IncrementDiscountCodeUsage(ctx context.Context, codeID int64) error
}

// Validator validates discount codes and computes discount amounts.
type Validator struct {
	store  CodeStore
	logger *zap.Logger
	now    func() time.Time
}

// NewValidator creates a new discount validator
func NewValidator(store CodeStore) *Validator {
	return &Validator{
		store:  store,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Validate checks a code against all eligibility rules and computes the
// discount amount for the given subtotal.
func (v *Validator) Validate(ctx context.Context, code string, subtotal decimal.Decimal, identity Identity) (*Application, error) {
	dc, err := v.store.GetDiscountCodeByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("discount code lookup failed: %w", err)
	}
	if dc == nil || !dc.IsActive {
		util.DiscountsRejectedTotal.WithLabelValues("not_found").Inc()
		return nil, ErrCodeNotFound
	}

	return v.check(ctx, dc, subtotal, identity)
}

// Revalidate re-checks a previously applied code by id, immediately before
// payment capture. Time passes between apply and capture, so a code valid
// earlier may have expired or exhausted its limit. A transient store error
// is retried once before being surfaced.
func (v *Validator) Revalidate(ctx context.Context, codeID int64, subtotal decimal.Decimal, identity Identity) (*Application, error) {
	dc, err := v.store.GetDiscountCodeByID(ctx, codeID)
	if err != nil {
		v.logger.Warn("Discount re-validation lookup failed, retrying",
			zap.Int64("code_id", codeID),
			zap.Error(err))
		dc, err = v.store.GetDiscountCodeByID(ctx, codeID)
	}
	if err != nil {
		return nil, fmt.Errorf("discount code lookup failed: %w", err)
	}
	if dc == nil || !dc.IsActive {
		util.DiscountsRejectedTotal.WithLabelValues("not_found").Inc()
		return nil, ErrCodeNotFound
	}

	return v.check(ctx, dc, subtotal, identity)
}

// Consume records the use and bumps the counter after a confirmed purchase.
func (v *Validator) Consume(ctx context.Context, codeID int64, identity Identity) error {
	if err := v.store.RecordDiscountCodeUse(ctx, codeID, identity.UserID, identity.GuestEmail); err != nil {
		return err
	}
	return v.store.IncrementDiscountCodeUsage(ctx, codeID)
}

func (v *Validator) check(ctx context.Context, dc *models.DiscountCode, subtotal decimal.Decimal, identity Identity) (*Application, error) {
	if dc.ExpiresAt.Valid && dc.ExpiresAt.Time.Before(v.now()) {
		util.DiscountsRejectedTotal.WithLabelValues("expired").Inc()
		return nil, ErrCodeExpired
	}

	if dc.MaxUses.Valid && int64(dc.TimesUsed) >= dc.MaxUses.Int64 {
		util.DiscountsRejectedTotal.WithLabelValues("usage_limit").Inc()
		return nil, ErrUsageLimitReached
	}

	used, err := v.store.HasDiscountCodeUse(ctx, dc.ID, identity.UserID, identity.GuestEmail)
	if err != nil {
		return nil, fmt.Errorf("discount code use lookup failed: %w", err)
	}
	if used {
		util.DiscountsRejectedTotal.WithLabelValues("already_used").Inc()
		return nil, ErrAlreadyUsed
	}

	if dc.MinOrderAmount.Valid && subtotal.LessThan(dc.MinOrderAmount.Decimal) {
		util.DiscountsRejectedTotal.WithLabelValues("minimum_order").Inc()
		return nil, ErrMinimumOrderNotMet
	}

	return &Application{
		CodeID: dc.ID,
		Code:   dc.Code,
		Amount: ComputeAmount(dc, subtotal),
	}, nil
}

// ComputeAmount calculates the discount for a subtotal. Percentage codes
// take value% of the subtotal, capped at max_discount when set; fixed
// codes take min(value, subtotal). The result is always in [0, subtotal],
// rounded to two decimal places.
func ComputeAmount(dc *models.DiscountCode, subtotal decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal

	switch dc.Type {
	case models.DiscountTypePercentage:
		amount = subtotal.Mul(dc.Value).Div(decimal.NewFromInt(100))
		if dc.MaxDiscount.Valid && amount.GreaterThan(dc.MaxDiscount.Decimal) {
			amount = dc.MaxDiscount.Decimal
		}
	case models.DiscountTypeFixed:
		amount = dc.Value
	default:
		return decimal.Zero
	}

	if amount.GreaterThan(subtotal) {
		amount = subtotal
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount.Round(2)
}

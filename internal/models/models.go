package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Course represents a purchasable course in the catalog
type Course struct {
	ID             int64           `db:"id" json:"id"`
	Slug           string          `db:"slug" json:"slug"`
	Title          string          `db:"title" json:"title"`
	Price          decimal.Decimal `db:"price" json:"price"`
	MaterialsPrice decimal.Decimal `db:"materials_price" json:"materials_price"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Purchase represents one (user, course) purchase attempt within an order.
// Exactly one row exists per (user_id, course_id, transaction_id); the
// unique index on that triple is the idempotency key for both creation
// and confirmation.
type Purchase struct {
	ID                 int64               `db:"id" json:"id"`
	UserID             int64               `db:"user_id" json:"user_id"`
	GuestEmail         sql.NullString      `db:"guest_email" json:"guest_email,omitempty"`
	CourseID           int64               `db:"course_id" json:"course_id"`
	Amount             decimal.Decimal     `db:"amount" json:"amount"`
	OriginalAmount     decimal.Decimal     `db:"original_amount" json:"original_amount"`
	DiscountAmount     decimal.Decimal     `db:"discount_amount" json:"discount_amount"`
	DiscountCodeID     sql.NullInt64       `db:"discount_code_id" json:"discount_code_id,omitempty"`
	Currency           string              `db:"currency" json:"currency"`
	PaymentMethod      string              `db:"payment_method" json:"payment_method"`
	TransactionID      string              `db:"transaction_id" json:"transaction_id"`
	Status             string              `db:"status" json:"status"`
	TeachingMaterials  bool                `db:"teaching_materials" json:"teaching_materials"`
	MaterialsAmount    decimal.Decimal     `db:"materials_amount" json:"materials_amount"`
	CreatedAt          time.Time           `db:"created_at" json:"created_at"`
	ConfirmedAt        sql.NullTime        `db:"confirmed_at" json:"confirmed_at,omitempty"`
}

// Purchase statuses. Valid edges: pending -> completed, pending -> failed,
// completed -> refunded.
const (
	PurchaseStatusPending   = "pending"
	PurchaseStatusCompleted = "completed"
	PurchaseStatusFailed    = "failed"
	PurchaseStatusRefunded  = "refunded"
)

// Payment methods
const (
	PaymentMethodCard   = "card"
	PaymentMethodPayPal = "paypal"
)

// Display currency is fixed; the card gateway settles in RSD.
const (
	CurrencyEUR = "EUR"
	CurrencyRSD = "RSD"
)

// DiscountCode represents a promotional code
type DiscountCode struct {
	ID             int64               `db:"id" json:"id"`
	Code           string              `db:"code" json:"code"`
	Type           string              `db:"discount_type" json:"discount_type"`
	Value          decimal.Decimal     `db:"value" json:"value"`
	MaxDiscount    decimal.NullDecimal `db:"max_discount" json:"max_discount,omitempty"`
	MinOrderAmount decimal.NullDecimal `db:"min_order_amount" json:"min_order_amount,omitempty"`
	MaxUses        sql.NullInt64       `db:"max_uses" json:"max_uses,omitempty"`
	TimesUsed      int                 `db:"times_used" json:"times_used"`
	IsActive       bool                `db:"is_active" json:"is_active"`
	ExpiresAt      sql.NullTime        `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
}

// Discount types
const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFixed      = "fixed"
)

// DiscountCodeUse records one consumption of a code by an identity.
// At most one use per code per identity (user id or guest email).
type DiscountCodeUse struct {
	ID             int64          `db:"id" json:"id"`
	DiscountCodeID int64          `db:"discount_code_id" json:"discount_code_id"`
	UserID         sql.NullInt64  `db:"user_id" json:"user_id,omitempty"`
	GuestEmail     sql.NullString `db:"guest_email" json:"guest_email,omitempty"`
	UsedAt         time.Time      `db:"used_at" json:"used_at"`
}

// Enrollment grants a user access to a course. Created exactly once per
// completed purchase; the unique (user_id, course_id) pair absorbs repeats.
type Enrollment struct {
	ID         int64     `db:"id" json:"id"`
	UserID     int64     `db:"user_id" json:"user_id"`
	CourseID   int64     `db:"course_id" json:"course_id"`
	PurchaseID int64     `db:"purchase_id" json:"purchase_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ProcessedEvent for consumer idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePurchasePending   = "PURCHASE_PENDING"
	EventTypePurchaseCompleted = "PURCHASE_COMPLETED"
	EventTypePurchaseFailed    = "PURCHASE_FAILED"
	EventTypeEnrollmentGranted = "ENROLLMENT_GRANTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PurchaseItemData represents one purchase line in events
type PurchaseItemData struct {
	PurchaseID int64           `json:"purchase_id"`
	CourseID   int64           `json:"course_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// PurchasePendingEvent published when pending purchase rows are created
type PurchasePendingEvent struct {
	BaseEvent
	TransactionID string             `json:"transaction_id"`
	UserID        int64              `json:"user_id"`
	PaymentMethod string             `json:"payment_method"`
	Items         []PurchaseItemData `json:"items"`
}

// PurchaseCompletedEvent published exactly once when a transaction's
// pending rows are confirmed. The enrollment worker consumes this.
type PurchaseCompletedEvent struct {
	BaseEvent
	TransactionID string             `json:"transaction_id"`
	UserID        int64              `json:"user_id"`
	Channel       string             `json:"channel"`
	Items         []PurchaseItemData `json:"items"`
}

// PurchaseFailedEvent published when a transaction's rows are failed
type PurchaseFailedEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	UserID        int64  `json:"user_id"`
	Reason        string `json:"reason"`
}

// EnrollmentGrantedEvent published after the enrollment worker grants access
type EnrollmentGrantedEvent struct {
	BaseEvent
	UserID     int64 `json:"user_id"`
	CourseID   int64 `json:"course_id"`
	PurchaseID int64 `json:"purchase_id"`
}

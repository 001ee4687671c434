package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeSaleCompleted          = "SALE_COMPLETED"
	EventTypeCryptoPaymentRequested = "CRYPTO_PAYMENT_REQUESTED"
	EventTypeCryptoPaymentConfirmed = "CRYPTO_PAYMENT_CONFIRMED"
	EventTypeCryptoPaymentFailed    = "CRYPTO_PAYMENT_FAILED"
	EventTypeReservationsExpired    = "RESERVATIONS_EXPIRED"
	EventTypeCheckoutAborted        = "CHECKOUT_ABORTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// SaleCompletedEvent published when held units were sold
type SaleCompletedEvent struct {
	BaseEvent
	SaleID        int64           `json:"sale_id"`
	UserID        int64           `json:"user_id"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
	PaymentMethod string          `json:"payment_method"`
	DiscountCode  string          `json:"discount_code,omitempty"`
	ProductIDs    []int64         `json:"product_ids"`
}

// CryptoPaymentRequestedEvent hands a frozen snapshot to the crypto collaborator
type CryptoPaymentRequestedEvent struct {
	BaseEvent
	PendingID    string          `json:"pending_id"`
	UserID       int64           `json:"user_id"`
	FinalTotal   decimal.Decimal `json:"final_total"`
	DiscountCode string          `json:"discount_code,omitempty"`
	Items        []SnapshotItem  `json:"items"`
	InvoiceURL   string          `json:"invoice_url,omitempty"`
}

// CryptoPaymentConfirmedEvent published by the crypto collaborator
type CryptoPaymentConfirmedEvent struct {
	BaseEvent
	PendingID string `json:"pending_id"`
	TxID      string `json:"tx_id"`
}

// CryptoPaymentFailedEvent published by the crypto collaborator
type CryptoPaymentFailedEvent struct {
	BaseEvent
	PendingID string `json:"pending_id"`
	Reason    string `json:"reason"`
}

// ReservationsExpiredEvent published when the sweeper released holds
type ReservationsExpiredEvent struct {
	BaseEvent
	UserID     int64   `json:"user_id,omitempty"`
	ProductIDs []int64 `json:"product_ids"`
}

// CheckoutAbortedEvent published when a checkout released its snapshot
type CheckoutAbortedEvent struct {
	BaseEvent
	UserID     int64   `json:"user_id"`
	PendingID  string  `json:"pending_id,omitempty"`
	Reason     string  `json:"reason"`
	ProductIDs []int64 `json:"product_ids"`
}

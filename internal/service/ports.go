package service

import (
	"context"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/session"

	"github.com/shopspring/decimal"
)

// CatalogStore is the inventory side of the database
type CatalogStore interface {
	ClaimUnit(ctx context.Context, userID int64, q models.UnitQuery, source string, at time.Time) (*models.InventoryUnit, *models.BasketEntry, error)
	GetUnitByID(ctx context.Context, id int64) (*models.InventoryUnit, error)
	GetUnitsByIDs(ctx context.Context, ids []int64) ([]models.InventoryUnit, error)
}

// HoldStore manages basket_entries, each row being one outstanding hold
type HoldStore interface {
	ListHolds(ctx context.Context, userID int64, source string) ([]models.BasketEntry, error)
	DropHold(ctx context.Context, userID, entryID int64) (*models.BasketEntry, bool, error)
	DropSnapshotHolds(ctx context.Context, userID int64, items []models.SnapshotItem) (int, error)
	ClearHolds(ctx context.Context, userID int64, source string) ([]models.BasketEntry, error)
	ExtendHolds(ctx context.Context, userID int64, items []models.SnapshotItem, until time.Time) (int, error)
	SweepExpired(ctx context.Context, userID int64, cutoff, now time.Time) ([]models.BasketEntry, error)
	SweepAllExpired(ctx context.Context, cutoff, now time.Time) ([]models.BasketEntry, error)
}

// DiscountStore reads and atomically consumes discount codes
type DiscountStore interface {
	GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error)
	ApplyDiscountCode(ctx context.Context, code string, userID int64, at time.Time,
		compute func(*models.DiscountCode) (decimal.Decimal, error)) (*models.DiscountCode, decimal.Decimal, error)
}

// ResellerDiscounts returns the reseller percentage for a product type
type ResellerDiscounts interface {
	GetResellerDiscount(ctx context.Context, userID int64, productType string) (decimal.Decimal, error)
}

// UserStore is the balance side of the database
type UserStore interface {
	EnsureUser(ctx context.Context, userID int64) error
	GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
}

// SaleStore finalizes sales and tracks processed callbacks
type SaleStore interface {
	FinalizeSale(ctx context.Context, req models.SaleRequest) (*models.Sale, error)
	ListSalesByUser(ctx context.Context, userID int64, limit int) ([]models.Sale, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// PendingPayments keeps frozen checkouts reachable by the crypto callback.
// GetPending and GetUserPending return nil, nil when nothing live is found.
type PendingPayments interface {
	SavePending(ctx context.Context, p *models.PendingPayment, ttl time.Duration) error
	GetPending(ctx context.Context, id string) (*models.PendingPayment, error)
	GetUserPending(ctx context.Context, userID int64) (*models.PendingPayment, error)
	DeletePending(ctx context.Context, id string) error
}

// EventPublisher emits domain events
type EventPublisher interface {
	PublishSaleCompleted(ctx context.Context, event *models.SaleCompletedEvent) error
	PublishCryptoPaymentRequested(ctx context.Context, event *models.CryptoPaymentRequestedEvent) error
	PublishReservationsExpired(ctx context.Context, event *models.ReservationsExpiredEvent) error
	PublishCheckoutAborted(ctx context.Context, event *models.CheckoutAbortedEvent) error
}

// CryptoGateway is the external crypto payment collaborator
type CryptoGateway interface {
	CreateInvoice(ctx context.Context, p *models.PendingPayment) (string, error)
}

// Sessions is the typed per-chat state
type Sessions interface {
	Get(userID int64) session.Session
	Update(userID int64, fn func(*session.Session))
}

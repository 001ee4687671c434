package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// UnitQuery identifies the catalog bucket a unit is claimed from
type UnitQuery struct {
	City        string `db:"city" json:"city"`
	District    string `db:"district" json:"district"`
	ProductType string `db:"product_type" json:"product_type"`
	Size        string `db:"size" json:"size"`
}

// InventoryUnit is one sellable row in the catalog
type InventoryUnit struct {
	ID           int64           `db:"id" json:"id"`
	City         string          `db:"city" json:"city"`
	District     string          `db:"district" json:"district"`
	ProductType  string          `db:"product_type" json:"product_type"`
	Size         string          `db:"size" json:"size"`
	Name         string          `db:"name" json:"name"`
	OriginalText sql.NullString  `db:"original_text" json:"-"`
	Price        decimal.Decimal `db:"price" json:"price"`
	Available    int             `db:"available" json:"available"`
	Reserved     int             `db:"reserved" json:"reserved"`
}

// Query returns the bucket the unit belongs to
func (u *InventoryUnit) Query() UnitQuery {
	return UnitQuery{
		City:        u.City,
		District:    u.District,
		ProductType: u.ProductType,
		Size:        u.Size,
	}
}

// Hold sources
const (
	HoldSourceBasket = "basket"
	HoldSourceSingle = "single"
)

// BasketEntry is one outstanding reservation held by a user. ExpiresAt
// overrides the basket timeout for holds attached to a crypto invoice.
type BasketEntry struct {
	ID          int64           `db:"id" json:"id"`
	UserID      int64           `db:"user_id" json:"user_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	Price       decimal.Decimal `db:"price" json:"price"`
	ProductType string          `db:"product_type" json:"product_type"`
	Source      string          `db:"source" json:"source"`
	ReservedAt  time.Time       `db:"reserved_at" json:"reserved_at"`
	ExpiresAt   sql.NullTime    `db:"expires_at" json:"-"`
}

// Deadline returns when the hold stops being valid
func (e *BasketEntry) Deadline(timeout time.Duration) time.Time {
	if e.ExpiresAt.Valid {
		return e.ExpiresAt.Time
	}
	return e.ReservedAt.Add(timeout)
}

// DiscountType is the kind of general discount code
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// DiscountCode is an admin-issued promotional code
type DiscountCode struct {
	ID             int64               `db:"id" json:"id"`
	Code           string              `db:"code" json:"code"`
	DiscountType   DiscountType        `db:"discount_type" json:"discount_type"`
	Value          decimal.Decimal     `db:"value" json:"value"`
	IsActive       bool                `db:"is_active" json:"is_active"`
	ExpiryDate     sql.NullTime        `db:"expiry_date" json:"-"`
	MaxUses        sql.NullInt64       `db:"max_uses" json:"-"`
	UsesCount      int64               `db:"uses_count" json:"uses_count"`
	MinOrderAmount decimal.NullDecimal `db:"min_order_amount" json:"-"`
}

// DiscountUsage is the audit row written when a code is consumed
type DiscountUsage struct {
	ID             int64           `db:"id" json:"id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	Code           string          `db:"code" json:"code"`
	UsedAt         time.Time       `db:"used_at" json:"used_at"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
}

// User holds the balance side of a bot user
type User struct {
	UserID         int64           `db:"user_id" json:"user_id"`
	Balance        decimal.Decimal `db:"balance" json:"balance"`
	TotalPurchases int             `db:"total_purchases" json:"total_purchases"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// SnapshotItem is a frozen, denormalized view of one held unit
type SnapshotItem struct {
	// HoldID is the basket_entries row backing this item; zero for snapshots
	// written before holds were tracked by id.
	HoldID       int64           `json:"hold_id,omitempty"`
	ProductID    int64           `json:"product_id"`
	Price        decimal.Decimal `json:"price"`
	PriceAfter   decimal.Decimal `json:"price_after_reseller"`
	Name         string          `json:"name"`
	Size         string          `json:"size"`
	ProductType  string          `json:"product_type"`
	City         string          `json:"city"`
	District     string          `json:"district"`
	OriginalText string          `json:"original_text,omitempty"`
	Source       string          `json:"source"`
}

// PendingPayment is the checkout snapshot frozen at "Pay Now"
type PendingPayment struct {
	ID           string          `json:"id"`
	UserID       int64           `json:"user_id"`
	Items        []SnapshotItem  `json:"items"`
	FinalTotal   decimal.Decimal `json:"final_total"`
	DiscountCode string          `json:"discount_code,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	// InvoiceExpiresAt is set once the snapshot is handed to the crypto
	// gateway; the record and its holds live until then.
	InvoiceExpiresAt time.Time `json:"invoice_expires_at,omitempty"`
}

// InvoiceOutstanding reports whether an issued invoice can still be paid
func (p *PendingPayment) InvoiceOutstanding(now time.Time) bool {
	return !p.InvoiceExpiresAt.IsZero() && now.Before(p.InvoiceExpiresAt)
}

// ProductIDs returns the ids of the snapshot items in order
func (p *PendingPayment) ProductIDs() []int64 {
	ids := make([]int64, 0, len(p.Items))
	for _, item := range p.Items {
		ids = append(ids, item.ProductID)
	}
	return ids
}

// Sale is a completed purchase
type Sale struct {
	ID            int64           `db:"id" json:"id"`
	UserID        int64           `db:"user_id" json:"user_id"`
	TotalPaid     decimal.Decimal `db:"total_paid" json:"total_paid"`
	DiscountCode  sql.NullString  `db:"discount_code" json:"-"`
	PaymentMethod string          `db:"payment_method" json:"payment_method"`
	ProviderTxID  sql.NullString  `db:"provider_tx_id" json:"-"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	Items         []SaleItem      `db:"-" json:"items"`
}

// SaleItem is one unit sold in a sale
type SaleItem struct {
	ID          int64           `db:"id" json:"id"`
	SaleID      int64           `db:"sale_id" json:"sale_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	Name        string          `db:"name" json:"name"`
	Size        string          `db:"size" json:"size"`
	ProductType string          `db:"product_type" json:"product_type"`
	City        string          `db:"city" json:"city"`
	District    string          `db:"district" json:"district"`
	Price       decimal.Decimal `db:"price" json:"price"`
}

// Payment methods
const (
	PaymentMethodBalance = "balance"
	PaymentMethodCrypto  = "crypto"
)

// SaleRequest carries everything needed to turn held units into a sale
type SaleRequest struct {
	UserID        int64
	Items         []SnapshotItem
	Total         decimal.Decimal
	DiscountCode  string
	PaymentMethod string
	ProviderTxID  string
	DebitBalance  bool

	// IdempotencyKey, when set, is recorded in processed_events inside the
	// sale transaction; a second sale with the same key is refused.
	IdempotencyKey string
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

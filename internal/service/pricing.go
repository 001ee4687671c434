package service

import (
	"context"

	"marketbot/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Totals are the three stages of a price: original, after the per-item
// reseller markdown, and final after the general code
type Totals struct {
	Original      decimal.Decimal `json:"original"`
	AfterReseller decimal.Decimal `json:"after_reseller"`
	Discount      *DiscountResult `json:"discount,omitempty"`
	Final         decimal.Decimal `json:"final"`
}

// ResellerSavings is the amount taken off by reseller discounts
func (t Totals) ResellerSavings() decimal.Decimal {
	return t.Original.Sub(t.AfterReseller)
}

// ApplyResellerPercent takes pct percent off price, truncating the markdown
// to cents
func ApplyResellerPercent(price, pct decimal.Decimal) decimal.Decimal {
	if !pct.IsPositive() {
		return price
	}
	markdown := price.Mul(pct).Div(hundred).Truncate(2)
	return decimal.Max(decimal.Zero, price.Sub(markdown))
}

// Pricer applies reseller discounts to snapshot items
type Pricer struct {
	resellers ResellerDiscounts
	logger    *zap.Logger
}

func NewPricer(resellers ResellerDiscounts, logger *zap.Logger) *Pricer {
	return &Pricer{resellers: resellers, logger: logger}
}

// ResellerPercent looks the percentage up, defaulting to zero on any failure
func (p *Pricer) ResellerPercent(ctx context.Context, userID int64, productType string) decimal.Decimal {
	if p.resellers == nil {
		return decimal.Zero
	}
	pct, err := p.resellers.GetResellerDiscount(ctx, userID, productType)
	if err != nil {
		p.logger.Warn("Reseller discount lookup failed, using 0%",
			zap.Int64("user_id", userID),
			zap.String("product_type", productType),
			zap.Error(err))
		return decimal.Zero
	}
	return pct
}

// Price fills PriceAfter on every item and returns the totals before any
// general code
func (p *Pricer) Price(ctx context.Context, userID int64, items []models.SnapshotItem) ([]models.SnapshotItem, Totals) {
	priced := make([]models.SnapshotItem, len(items))
	var totals Totals
	for i, item := range items {
		item.PriceAfter = ApplyResellerPercent(item.Price, p.ResellerPercent(ctx, userID, item.ProductType))
		totals.Original = totals.Original.Add(item.Price)
		totals.AfterReseller = totals.AfterReseller.Add(item.PriceAfter)
		priced[i] = item
	}
	totals.Final = totals.AfterReseller
	return priced, totals
}

// WithDiscount returns totals with the code result applied
func (t Totals) WithDiscount(res *DiscountResult) Totals {
	t.Discount = res
	if res != nil {
		t.Final = res.FinalTotal
	} else {
		t.Final = t.AfterReseller
	}
	return t
}

// snapshotItem denormalizes a live unit and the hold on it for freezing
func snapshotItem(unit *models.InventoryUnit, holdID int64, source string) models.SnapshotItem {
	return models.SnapshotItem{
		HoldID:       holdID,
		ProductID:    unit.ID,
		Price:        unit.Price,
		PriceAfter:   unit.Price,
		Name:         unit.Name,
		Size:         unit.Size,
		ProductType:  unit.ProductType,
		City:         unit.City,
		District:     unit.District,
		OriginalText: unit.OriginalText.String,
		Source:       source,
	}
}

func sumAfterReseller(items []models.SnapshotItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.PriceAfter)
	}
	return total
}

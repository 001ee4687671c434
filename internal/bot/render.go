package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/service"
	"marketbot/internal/store"

	"github.com/shopspring/decimal"
)

const genericError = "❌ Something went wrong. Please try again."

func money(d decimal.Decimal, currency string) string {
	return d.StringFixed(2) + " " + currency
}

func remaining(d time.Duration) string {
	if d <= 0 {
		return "expiring"
	}
	d = d.Round(time.Second)
	return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
}

func itemLabel(item models.SnapshotItem) string {
	return fmt.Sprintf("%s %s (%s, %s)", item.Name, item.Size, item.City, item.District)
}

// ErrorText turns a service error into the message shown to the user
func ErrorText(err error) string {
	switch {
	case errors.Is(err, service.ErrOutOfStock):
		return "❌ Sorry, this item is out of stock."
	case errors.Is(err, service.ErrRaceLost):
		return "❌ Someone just reserved the last one. Please try another item."
	case errors.Is(err, service.ErrItemUnavailable):
		return "❌ An item in your order is no longer available. Your reservations were released and you were not charged."
	case errors.Is(err, service.ErrEmptyBasket):
		return "🛒 Your basket is empty."
	case errors.Is(err, service.ErrNoPendingPayment):
		return "⌛ This payment is no longer pending. Please start again from your basket."
	case errors.Is(err, service.ErrInvoiceOutstanding):
		return "💳 You already have a crypto invoice awaiting payment. Please pay it or wait for it to expire."
	case service.IsCodeInvalid(err):
		return "🏷️ " + CodeReason(err)
	}
	return genericError
}

// CodeReason explains why a discount code was rejected
func CodeReason(err error) string {
	switch {
	case errors.Is(err, service.ErrNoCode):
		return "Please enter a discount code."
	case errors.Is(err, service.ErrCodeNotFound):
		return "Discount code not found."
	case errors.Is(err, service.ErrCodeInactive):
		return "This discount code is no longer active."
	case errors.Is(err, service.ErrCodeExpired):
		return "This discount code has expired."
	case errors.Is(err, service.ErrLimitReached):
		return "This discount code has reached its usage limit."
	case errors.Is(err, service.ErrMinOrderNotMet):
		return "Your order total is below the minimum for this code."
	case errors.Is(err, service.ErrInternalType):
		return "This discount code cannot be used right now."
	}
	return "Invalid discount code."
}

func writeTotals(b *strings.Builder, t service.Totals, currency string) {
	fmt.Fprintf(b, "Subtotal: %s\n", money(t.Original, currency))
	if savings := t.ResellerSavings(); savings.IsPositive() {
		fmt.Fprintf(b, "Reseller Discount: -%s\n", money(savings, currency))
	}
	if t.Discount != nil {
		fmt.Fprintf(b, "Discount (%s): -%s\n", t.Discount.Code, money(t.Discount.DiscountAmount, currency))
	}
	fmt.Fprintf(b, "Total: %s", money(t.Final, currency))
}

// RenderBasket renders the live basket with per-line remaining time
func RenderBasket(view *service.BasketView, currency string) string {
	var b strings.Builder
	if view.DroppedCode != nil {
		fmt.Fprintf(&b, "ℹ️ Your discount code was removed: %s\n\n", CodeReason(view.DroppedCode))
	}
	if view.Empty() {
		b.WriteString("🛒 Your basket is empty.")
		return b.String()
	}

	b.WriteString("🛒 Your Basket\n\n")
	for i, line := range view.Lines {
		fmt.Fprintf(&b, "%d. %s\n   %s", i+1, itemLabel(line.Item), money(line.Item.PriceAfter, currency))
		if !line.Item.PriceAfter.Equal(line.Item.Price) {
			fmt.Fprintf(&b, " (was %s)", money(line.Item.Price, currency))
		}
		fmt.Fprintf(&b, " ⏳ %s\n", remaining(line.ExpiresIn))
	}
	b.WriteString("\n")
	writeTotals(&b, view.Totals, currency)
	return b.String()
}

// RenderCheckout renders the outcome of Pay Now
func RenderCheckout(res *service.CheckoutResult, currency string) string {
	var b strings.Builder
	if res.DroppedCode != nil {
		fmt.Fprintf(&b, "ℹ️ Discount code not applied: %s\n\n", CodeReason(res.DroppedCode))
	}

	switch res.Status {
	case service.CheckoutPaid:
		b.WriteString("✅ Purchase complete!\n\n")
		if res.Sale != nil {
			for _, item := range res.Sale.Items {
				fmt.Fprintf(&b, "• %s %s\n", item.Name, money(item.Price, currency))
			}
			fmt.Fprintf(&b, "\nPaid: %s\n", money(res.Sale.TotalPaid, currency))
		}
		fmt.Fprintf(&b, "Balance: %s", money(res.Balance, currency))
	case service.CheckoutAwaitingPayment:
		fmt.Fprintf(&b, "⚠️ Insufficient Balance! (%s / %s)\n\n",
			money(res.Balance, currency), money(res.Totals.Final, currency))
		writeTotals(&b, res.Totals, currency)
		b.WriteString("\n\nDo you have a discount code to apply before paying with crypto?")
	}
	return b.String()
}

// RenderInvoice renders the crypto hand-off
func RenderInvoice(inv *service.CryptoInvoice, currency string) string {
	return fmt.Sprintf("💳 Pay %s with crypto using the link below.\nYour items stay reserved until the payment completes or expires.",
		money(inv.Total, currency))
}

// RenderSale renders a sale completed in the background
func RenderSale(sale *models.Sale, currency string) string {
	var b strings.Builder
	b.WriteString("✅ Payment received, your purchase is complete!\n\n")
	for _, item := range sale.Items {
		fmt.Fprintf(&b, "• %s %s\n", item.Name, money(item.Price, currency))
	}
	fmt.Fprintf(&b, "\nPaid: %s", money(sale.TotalPaid, currency))
	return b.String()
}

// RenderHistory renders the user's recent purchases
func RenderHistory(sales []models.Sale, currency string) string {
	if len(sales) == 0 {
		return "📜 You have no purchases yet."
	}

	var b strings.Builder
	b.WriteString("📜 Purchase History\n")
	for _, sale := range sales {
		fmt.Fprintf(&b, "\n%s · %s · %s", sale.CreatedAt.Format("2006-01-02 15:04"),
			money(sale.TotalPaid, currency), sale.PaymentMethod)
		if sale.DiscountCode.Valid {
			fmt.Fprintf(&b, " · %s", sale.DiscountCode.String)
		}
		for _, item := range sale.Items {
			fmt.Fprintf(&b, "\n  • %s %s", item.Name, item.Size)
		}
	}
	return b.String()
}

// RenderCatalog lists buckets that still have free stock
func RenderCatalog(buckets []store.BucketSummary, currency string) string {
	if len(buckets) == 0 {
		return "🏪 Nothing is in stock right now."
	}

	var b strings.Builder
	b.WriteString("🏪 Shop\n")
	for i, bucket := range buckets {
		price, err := decimal.NewFromString(bucket.MinPrice)
		if err != nil {
			price = decimal.Zero
		}
		fmt.Fprintf(&b, "\n%d. %s, %s: %s %s from %s (%d left)", i+1,
			bucket.City, bucket.District, bucket.ProductType, bucket.Size,
			money(price, currency), bucket.FreeUnits)
	}
	return b.String()
}

// RenderPreApplied confirms a code entered for a single item
func RenderPreApplied(res *service.DiscountResult, currency string) string {
	return fmt.Sprintf("🏷️ Code %s accepted: -%s, you pay %s.\nTap Buy now to complete the purchase.",
		res.Code, money(res.DiscountAmount, currency), money(res.FinalTotal, currency))
}

// RenderCodeUsage lists the audit rows of one code
func RenderCodeUsage(code string, usage []models.DiscountUsage, currency string) string {
	if len(usage) == 0 {
		return fmt.Sprintf("🏷️ %s has not been used yet.", code)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🏷️ %s used %d time(s)\n", code, len(usage))
	for _, u := range usage {
		fmt.Fprintf(&b, "\n%s · user %d · -%s", u.UsedAt.Format("2006-01-02 15:04"), u.UserID, money(u.DiscountAmount, currency))
	}
	return b.String()
}

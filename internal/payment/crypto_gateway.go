package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CryptoGateway hands frozen checkouts to the external crypto payment
// service over HTTP. The service reports back on Kafka or the webhook.
type CryptoGateway struct {
	endpoint string
	currency string
	client   *http.Client
	logger   *zap.Logger
}

// NewCryptoGateway creates a gateway client posting invoices to endpoint
func NewCryptoGateway(endpoint, currency string, timeout time.Duration) *CryptoGateway {
	return &CryptoGateway{
		endpoint: endpoint,
		currency: currency,
		client:   &http.Client{Timeout: timeout},
		logger:   util.GetLogger(),
	}
}

type invoiceItem struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
}

type invoiceRequest struct {
	PendingID    string          `json:"pending_id"`
	UserID       int64           `json:"user_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	DiscountCode string          `json:"discount_code,omitempty"`
	Items        []invoiceItem   `json:"items"`
}

type invoiceResponse struct {
	InvoiceURL string `json:"invoice_url"`
}

// CreateInvoice registers the payment and returns the URL the buyer pays at
func (g *CryptoGateway) CreateInvoice(ctx context.Context, p *models.PendingPayment) (string, error) {
	ctx, span := util.StartSpan(ctx, "CryptoGateway.CreateInvoice")
	defer span.End()

	req := invoiceRequest{
		PendingID:    p.ID,
		UserID:       p.UserID,
		Amount:       p.FinalTotal.Round(2),
		Currency:     g.currency,
		DiscountCode: p.DiscountCode,
		Items:        make([]invoiceItem, len(p.Items)),
	}
	for i, item := range p.Items {
		req.Items[i] = invoiceItem{ProductID: item.ProductID, Name: item.Name, Price: item.PriceAfter}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal invoice: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", p.ID)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("crypto gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("crypto gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out invoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if out.InvoiceURL == "" {
		return "", fmt.Errorf("crypto gateway returned no invoice url")
	}

	g.logger.Debug("Crypto invoice created", zap.String("pending_id", p.ID))
	return out.InvoiceURL, nil
}

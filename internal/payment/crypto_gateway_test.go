package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketbot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending() *models.PendingPayment {
	return &models.PendingPayment{
		ID:           "p-1",
		UserID:       42,
		FinalTotal:   decimal.RequireFromString("15"),
		DiscountCode: "SAVE5",
		Items: []models.SnapshotItem{{
			ProductID:  7,
			Name:       "Green tea",
			Price:      decimal.RequireFromString("20"),
			PriceAfter: decimal.RequireFromString("20"),
		}},
	}
}

func TestCreateInvoice(t *testing.T) {
	var got invoiceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "p-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"invoice_url":"https://pay.example/i/1"}`))
	}))
	defer srv.Close()

	g := NewCryptoGateway(srv.URL, "EUR", time.Second)
	url, err := g.CreateInvoice(context.Background(), pending())
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/i/1", url)

	assert.Equal(t, "p-1", got.PendingID)
	assert.Equal(t, "15", got.Amount.String())
	assert.Equal(t, "EUR", got.Currency)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(7), got.Items[0].ProductID)
}

func TestCreateInvoiceGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewCryptoGateway(srv.URL, "EUR", time.Second)
	_, err := g.CreateInvoice(context.Background(), pending())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCreateInvoiceMissingURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := NewCryptoGateway(srv.URL, "EUR", time.Second)
	_, err := g.CreateInvoice(context.Background(), pending())
	assert.Error(t, err)
}

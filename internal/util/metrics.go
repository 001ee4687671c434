package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketbot_reservations_claimed_total",
		Help: "Total number of inventory units claimed",
	}, []string{"source"})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketbot_reservations_failed_total",
		Help: "Total number of failed claims",
	}, []string{"reason"})

	ReservationsReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketbot_reservations_released_total",
		Help: "Total number of holds given back to the pool",
	}, []string{"reason"})

	ClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketbot_claim_latency_seconds",
		Help:    "Latency of inventory claim transactions",
		Buckets: prometheus.DefBuckets,
	})

	DiscountApplicationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketbot_discount_applications_total",
		Help: "Atomic discount code applications by outcome",
	}, []string{"result"})

	SalesCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketbot_sales_completed_total",
		Help: "Total number of completed sales",
	}, []string{"method"})

	CheckoutFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketbot_checkout_failed_total",
		Help: "Total number of checkouts that ended without a sale",
	}, []string{"reason"})

	CryptoHandoffsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketbot_crypto_handoffs_total",
		Help: "Crypto payment hand-offs by outcome",
	}, []string{"result"})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketbot_payment_processing_latency_seconds",
		Help:    "Latency of sale finalization",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	BotUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketbot_bot_updates_total",
		Help: "Telegram updates handled by endpoint",
	}, []string{"endpoint"})
)

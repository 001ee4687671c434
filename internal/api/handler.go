package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/service"
	"marketbot/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Baskets reads live baskets
type Baskets interface {
	Basket(ctx context.Context, userID int64) (*service.BasketView, error)
}

// Payments is the checkout side used by the HTTP surface
type Payments interface {
	History(ctx context.Context, userID int64) ([]models.Sale, error)
	ConfirmCryptoPayment(ctx context.Context, eventID, pendingID, txID string) (*models.Sale, error)
	FailCryptoPayment(ctx context.Context, eventID, pendingID, reason string) error
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	baskets       Baskets
	payments      Payments
	deps          map[string]Pinger
	webhookSecret string
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler. deps are pinged by /ready.
func NewHandler(baskets Baskets, payments Payments, webhookSecret string, deps map[string]Pinger) *Handler {
	return &Handler{
		baskets:       baskets,
		payments:      payments,
		deps:          deps,
		webhookSecret: webhookSecret,
		logger:        util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/users/:id/basket", h.getBasket)
		v1.GET("/users/:id/sales", h.getSales)

		callbacks := v1.Group("/payments/crypto", h.requireSecret())
		callbacks.POST("/confirm", h.confirmCrypto)
		callbacks.POST("/fail", h.failCrypto)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func userIDParam(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return 0, false
	}
	return userID, true
}

// getBasket returns the live basket. Reading it sweeps expired holds.
func (h *Handler) getBasket(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	view, err := h.baskets.Basket(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to load basket", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load basket"})
		return
	}

	resp := gin.H{
		"lines":  view.Lines,
		"totals": view.Totals,
	}
	if view.DroppedCode != nil {
		resp["dropped_code"] = view.DroppedCode.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// getSales returns the most recent sales of a user
func (h *Handler) getSales(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	sales, err := h.payments.History(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to load sales", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load sales"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sales": sales})
}

type confirmRequest struct {
	EventID   string `json:"event_id" binding:"required"`
	PendingID string `json:"pending_id" binding:"required"`
	TxID      string `json:"tx_id" binding:"required"`
}

type failRequest struct {
	EventID   string `json:"event_id" binding:"required"`
	PendingID string `json:"pending_id" binding:"required"`
	Reason    string `json:"reason"`
}

// confirmCrypto is the webhook twin of the CRYPTO_PAYMENT_CONFIRMED event
func (h *Handler) confirmCrypto(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	sale, err := h.payments.ConfirmCryptoPayment(c.Request.Context(), req.EventID, req.PendingID, req.TxID)
	switch {
	case err == nil && sale == nil:
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "completed", "sale_id": sale.ID})
	case errors.Is(err, service.ErrNoPendingPayment):
		c.JSON(http.StatusNotFound, gin.H{"error": "Pending payment not found"})
	case errors.Is(err, service.ErrItemUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "Item no longer available"})
	default:
		h.logger.Error("Crypto confirmation failed", zap.String("pending_id", req.PendingID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to confirm payment"})
	}
}

// failCrypto is the webhook twin of the CRYPTO_PAYMENT_FAILED event
func (h *Handler) failCrypto(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.payments.FailCryptoPayment(c.Request.Context(), req.EventID, req.PendingID, req.Reason); err != nil {
		h.logger.Error("Crypto failure handling failed", zap.String("pending_id", req.PendingID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to release payment"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

// requireSecret rejects callbacks without the shared secret. An empty secret
// disables the check.
func (h *Handler) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.webhookSecret == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

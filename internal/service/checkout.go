package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/session"
	"marketbot/internal/store"
	"marketbot/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CheckoutStatus is the terminal state of a checkout attempt
type CheckoutStatus string

const (
	CheckoutPaid            CheckoutStatus = "paid"
	CheckoutAwaitingPayment CheckoutStatus = "awaiting_payment"
)

// CheckoutResult is what the UI renders after Pay Now
type CheckoutResult struct {
	Status      CheckoutStatus
	Sale        *models.Sale
	Pending     *models.PendingPayment
	Totals      Totals
	Balance     decimal.Decimal
	DroppedCode error
}

// CryptoInvoice is a successful hand-off to the crypto collaborator
type CryptoInvoice struct {
	PendingID string
	URL       string
	Total     decimal.Decimal
}

var (
	errBalanceChanged = errors.New("balance changed during checkout")
	errAlreadySold    = errors.New("pending payment already sold")
)

// CheckoutService turns held units into sales, by balance or crypto
type CheckoutService struct {
	reservations *ReservationService
	discounts    *DiscountService
	users        UserStore
	sales        SaleStore
	pending      PendingPayments
	gateway      CryptoGateway
	events       EventPublisher
	pendingTTL   time.Duration
	historyLimit int
	now          func() time.Time
	logger       *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	reservations *ReservationService,
	discounts *DiscountService,
	users UserStore,
	sales SaleStore,
	pending PendingPayments,
	gateway CryptoGateway,
	events EventPublisher,
	pendingTTL time.Duration,
	historyLimit int,
) *CheckoutService {
	return &CheckoutService{
		reservations: reservations,
		discounts:    discounts,
		users:        users,
		sales:        sales,
		pending:      pending,
		gateway:      gateway,
		events:       events,
		pendingTTL:   pendingTTL,
		historyLimit: historyLimit,
		now:          time.Now,
		logger:       util.GetLogger(),
	}
}

func (c *CheckoutService) sessions() Sessions {
	return c.reservations.sessions
}

// ConfirmBasket is Pay Now on the basket. Totals are recomputed from live
// prices and a re-validation of the attached code; the balance decides
// between an immediate sale and the crypto fallback.
func (c *CheckoutService) ConfirmBasket(ctx context.Context, userID int64) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ConfirmBasket")
	defer span.End()

	view, err := c.reservations.Basket(ctx, userID)
	if err != nil {
		return nil, err
	}
	if view.Empty() {
		return nil, ErrEmptyBasket
	}

	items := make([]models.SnapshotItem, len(view.Lines))
	for i, line := range view.Lines {
		items[i] = line.Item
	}

	var code string
	if view.Totals.Discount != nil {
		code = view.Totals.Discount.Code
	}

	if err := c.discardPending(ctx, userID, "replaced"); err != nil {
		return nil, err
	}

	return c.decide(ctx, userID, items, view.Totals, code, view.DroppedCode, nil)
}

// PaySingleItem reserves one unit outside the basket and pays for it right
// away. A code pre-applied in the session is consumed atomically.
func (c *CheckoutService) PaySingleItem(ctx context.Context, userID int64, q models.UnitQuery) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.PaySingleItem")
	defer span.End()

	if _, err := c.reservations.Sweep(ctx, userID); err != nil {
		return nil, err
	}

	if err := c.discardPending(ctx, userID, "replaced"); err != nil {
		return nil, err
	}

	claim, err := c.reservations.ReserveSingle(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	items, totals := c.reservations.pricer.Price(ctx, userID, []models.SnapshotItem{claim.Item})

	var preApplied string
	c.sessions().Update(userID, func(sess *session.Session) {
		preApplied = sess.PreAppliedCode
		sess.PreAppliedCode = ""
	})

	var (
		code    string
		dropped error
	)
	if preApplied != "" {
		res, err := c.discounts.ApplyAtomic(ctx, preApplied, totals.AfterReseller, userID)
		switch {
		case err == nil:
			totals = totals.WithDiscount(res)
			code = res.Code
		case IsCodeInvalid(err):
			dropped = err
		default:
			c.reservations.ReleaseSnapshot(ctx, userID, items, "", "checkout_failed")
			return nil, err
		}
	}

	result, err := c.decide(ctx, userID, items, totals, code, dropped, nil)
	if err != nil && !errors.Is(err, ErrItemUnavailable) {
		c.reservations.ReleaseSnapshot(ctx, userID, items, "", "checkout_failed")
	}
	return result, err
}

// PreApplyCode checks a code against the unit's reseller-adjusted price and
// remembers it for the next single-item payment. Nothing is consumed yet.
func (c *CheckoutService) PreApplyCode(ctx context.Context, userID, unitID int64, code string) (*DiscountResult, error) {
	unit, err := c.reservations.catalog.GetUnitByID(ctx, unitID)
	if errors.Is(err, store.ErrUnitNotFound) {
		return nil, ErrOutOfStock
	}
	if err != nil {
		return nil, err
	}

	_, totals := c.reservations.pricer.Price(ctx, userID, []models.SnapshotItem{snapshotItem(unit, 0, models.HoldSourceSingle)})
	res, err := c.discounts.Validate(ctx, code, totals.AfterReseller)
	if err != nil {
		return nil, err
	}

	c.sessions().Update(userID, func(sess *session.Session) {
		sess.PreAppliedCode = res.Code
	})
	return res, nil
}

// ApplyCodeToPending consumes a code against the frozen reseller-adjusted
// total, replacing any code the snapshot carried, then decides again
func (c *CheckoutService) ApplyCodeToPending(ctx context.Context, userID int64, code string) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ApplyCodeToPending")
	defer span.End()

	if _, err := c.reservations.Sweep(ctx, userID); err != nil {
		return nil, err
	}

	pending, err := c.currentPending(ctx, userID)
	if err != nil {
		return nil, err
	}
	if pending.InvoiceOutstanding(c.now()) {
		return nil, ErrInvoiceOutstanding
	}

	base := sumAfterReseller(pending.Items)
	totals := Totals{Original: sumOriginal(pending.Items), AfterReseller: base, Final: pending.FinalTotal}

	res, err := c.discounts.ApplyAtomic(ctx, code, base, userID)
	if err != nil {
		if pending.DiscountCode != "" {
			totals.Discount = &DiscountResult{
				Code:           pending.DiscountCode,
				DiscountAmount: base.Sub(pending.FinalTotal),
				FinalTotal:     pending.FinalTotal,
			}
		}
		return &CheckoutResult{Status: CheckoutAwaitingPayment, Pending: pending, Totals: totals}, err
	}

	return c.decide(ctx, userID, pending.Items, totals.WithDiscount(res), res.Code, nil, pending)
}

// PayWithCrypto hands the frozen snapshot to the crypto collaborator. If the
// hand-off cannot be started every snapshot hold is released.
func (c *CheckoutService) PayWithCrypto(ctx context.Context, userID int64) (*CryptoInvoice, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.PayWithCrypto")
	defer span.End()

	if _, err := c.reservations.Sweep(ctx, userID); err != nil {
		return nil, err
	}

	pending, err := c.currentPending(ctx, userID)
	if err != nil {
		return nil, err
	}

	until := c.now().UTC().Add(c.pendingTTL)
	extended, err := c.reservations.holds.ExtendHolds(ctx, userID, pending.Items, until)
	if err != nil {
		return nil, fmt.Errorf("failed to extend holds: %w", err)
	}
	if extended < len(pending.Items) {
		c.abortPending(ctx, pending, "holds_expired")
		util.CheckoutFailedTotal.WithLabelValues("item_unavailable").Inc()
		return nil, ErrItemUnavailable
	}

	handed := *pending
	handed.InvoiceExpiresAt = until
	pending = &handed
	if err := c.pending.SavePending(ctx, pending, c.pendingTTL); err != nil {
		c.abortPending(ctx, pending, "handoff_failed")
		util.CryptoHandoffsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to store pending payment: %w", err)
	}
	c.sessions().Update(userID, func(sess *session.Session) {
		sess.Pending = pending
	})

	url, err := c.gateway.CreateInvoice(ctx, pending)
	if err != nil {
		c.abortPending(ctx, pending, "handoff_failed")
		util.CryptoHandoffsTotal.WithLabelValues("failed").Inc()
		c.logger.Error("Crypto hand-off failed",
			zap.String("pending_id", pending.ID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create crypto invoice: %w", err)
	}
	util.CryptoHandoffsTotal.WithLabelValues("requested").Inc()

	event := &models.CryptoPaymentRequestedEvent{
		BaseEvent:    newBaseEvent(models.EventTypeCryptoPaymentRequested, c.now()),
		PendingID:    pending.ID,
		UserID:       userID,
		FinalTotal:   pending.FinalTotal,
		DiscountCode: pending.DiscountCode,
		Items:        pending.Items,
		InvoiceURL:   url,
	}
	if err := c.events.PublishCryptoPaymentRequested(ctx, event); err != nil {
		c.logger.Error("Failed to publish CryptoPaymentRequested event", zap.Error(err))
	}

	c.logger.Info("Crypto payment requested",
		zap.Int64("user_id", userID),
		zap.String("pending_id", pending.ID),
		zap.String("total", pending.FinalTotal.StringFixed(2)))

	return &CryptoInvoice{PendingID: pending.ID, URL: url, Total: pending.FinalTotal}, nil
}

// ConfirmCryptoPayment finalizes a pending payment without debiting the
// balance. Redelivered events are ignored, and a pending payment is sold at
// most once however many confirmations race for it.
func (c *CheckoutService) ConfirmCryptoPayment(ctx context.Context, eventID, pendingID, txID string) (*models.Sale, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ConfirmCryptoPayment")
	defer span.End()

	processed, err := c.sales.IsEventProcessed(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		c.logger.Info("Event already processed", zap.String("event_id", eventID))
		return nil, nil
	}

	pending, err := c.pending.GetPending(ctx, pendingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending payment: %w", err)
	}
	if pending == nil {
		c.logger.Error("Crypto payment confirmed for unknown pending payment",
			zap.String("pending_id", pendingID),
			zap.String("tx_id", txID))
		c.markProcessed(ctx, eventID, models.EventTypeCryptoPaymentConfirmed)
		return nil, ErrNoPendingPayment
	}

	sale, err := c.finalize(ctx, models.SaleRequest{
		UserID:         pending.UserID,
		Items:          pending.Items,
		Total:          pending.FinalTotal,
		DiscountCode:   pending.DiscountCode,
		PaymentMethod:  models.PaymentMethodCrypto,
		ProviderTxID:   txID,
		IdempotencyKey: pendingSaleKey(pending.ID),
	})
	if errors.Is(err, errAlreadySold) {
		c.logger.Info("Pending payment already sold",
			zap.String("pending_id", pending.ID),
			zap.String("event_id", eventID))
		c.markProcessed(ctx, eventID, models.EventTypeCryptoPaymentConfirmed)
		return nil, nil
	}
	if err != nil && !errors.Is(err, ErrItemUnavailable) {
		return nil, err
	}

	c.dropPendingRecord(ctx, pending.ID)
	c.forgetPending(pending)
	c.markProcessed(ctx, eventID, models.EventTypeCryptoPaymentConfirmed)
	return sale, err
}

// FailCryptoPayment releases a pending payment the collaborator gave up on
func (c *CheckoutService) FailCryptoPayment(ctx context.Context, eventID, pendingID, reason string) error {
	ctx, span := util.StartSpan(ctx, "CheckoutService.FailCryptoPayment")
	defer span.End()

	processed, err := c.sales.IsEventProcessed(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		c.logger.Info("Event already processed", zap.String("event_id", eventID))
		return nil
	}

	pending, err := c.pending.GetPending(ctx, pendingID)
	if err != nil {
		return fmt.Errorf("failed to load pending payment: %w", err)
	}
	if pending == nil {
		c.logger.Warn("Crypto payment failed for unknown pending payment", zap.String("pending_id", pendingID))
		c.markProcessed(ctx, eventID, models.EventTypeCryptoPaymentFailed)
		return nil
	}

	c.logger.Warn("Crypto payment failed, releasing holds",
		zap.String("pending_id", pendingID),
		zap.String("reason", reason))
	util.CheckoutFailedTotal.WithLabelValues("crypto_failed").Inc()
	c.abortPending(ctx, pending, reason)
	c.markProcessed(ctx, eventID, models.EventTypeCryptoPaymentFailed)
	return nil
}

// CancelPending backs out of the frozen checkout. Single-item holds are
// released; basket holds stay in the basket.
func (c *CheckoutService) CancelPending(ctx context.Context, userID int64) error {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CancelPending")
	defer span.End()

	pending, err := c.currentPending(ctx, userID)
	if err != nil {
		return err
	}
	if pending.InvoiceOutstanding(c.now()) {
		return ErrInvoiceOutstanding
	}

	_, err = c.reservations.ReleaseSnapshot(ctx, userID, pending.Items, models.HoldSourceSingle, "cancelled")
	c.dropPendingRecord(ctx, pending.ID)
	c.forgetPending(pending)
	c.publishAborted(ctx, pending, "cancelled")
	return err
}

// History returns the user's most recent sales
func (c *CheckoutService) History(ctx context.Context, userID int64) ([]models.Sale, error) {
	return c.sales.ListSalesByUser(ctx, userID, c.historyLimit)
}

// decide pays from the balance when it covers the final total and otherwise
// freezes a pending payment. prev keeps the identity of an existing snapshot.
func (c *CheckoutService) decide(
	ctx context.Context,
	userID int64,
	items []models.SnapshotItem,
	totals Totals,
	code string,
	dropped error,
	prev *models.PendingPayment,
) (*CheckoutResult, error) {
	balance, err := c.users.GetBalance(ctx, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		balance = decimal.Zero
	} else if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}

	result := &CheckoutResult{Totals: totals, Balance: balance, DroppedCode: dropped}

	if balance.GreaterThanOrEqual(totals.Final) {
		sale, err := c.finalize(ctx, models.SaleRequest{
			UserID:        userID,
			Items:         items,
			Total:         totals.Final,
			DiscountCode:  code,
			PaymentMethod: models.PaymentMethodBalance,
			DebitBalance:  true,
		})
		switch {
		case err == nil:
			if prev != nil {
				c.dropPendingRecord(ctx, prev.ID)
			}
			c.forgetPending(&models.PendingPayment{UserID: userID, Items: items})
			result.Status = CheckoutPaid
			result.Sale = sale
			result.Balance = balance.Sub(totals.Final)
			return result, nil
		case errors.Is(err, errBalanceChanged):
			c.logger.Info("Balance changed before debit, falling back to crypto", zap.Int64("user_id", userID))
		default:
			if prev != nil {
				c.dropPendingRecord(ctx, prev.ID)
				c.forgetPending(prev)
			}
			return nil, err
		}
	}

	pending := &models.PendingPayment{
		ID:           uuid.New().String(),
		UserID:       userID,
		Items:        items,
		FinalTotal:   totals.Final,
		DiscountCode: code,
		CreatedAt:    c.now().UTC(),
	}
	if prev != nil {
		pending.ID = prev.ID
		pending.CreatedAt = prev.CreatedAt
	}

	c.sessions().Update(userID, func(sess *session.Session) {
		sess.Pending = pending
	})
	if err := c.pending.SavePending(ctx, pending, c.pendingTTL); err != nil {
		c.logger.Warn("Failed to mirror pending payment", zap.String("pending_id", pending.ID), zap.Error(err))
	}

	result.Status = CheckoutAwaitingPayment
	result.Pending = pending
	return result, nil
}

// finalize converts the snapshot holds into a sale. A missing hold aborts the
// whole sale and releases whatever holds remain.
func (c *CheckoutService) finalize(ctx context.Context, req models.SaleRequest) (*models.Sale, error) {
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	sale, err := c.sales.FinalizeSale(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateSale):
		return nil, errAlreadySold
	case errors.Is(err, store.ErrHoldMissing), errors.Is(err, store.ErrSoldOut):
		c.logger.Warn("Checkout aborted, item unavailable",
			zap.Int64("user_id", req.UserID),
			zap.Error(err))
		util.CheckoutFailedTotal.WithLabelValues("item_unavailable").Inc()
		c.reservations.ReleaseSnapshot(ctx, req.UserID, req.Items, "", "checkout_failed")
		c.publishAborted(ctx, &models.PendingPayment{UserID: req.UserID, Items: req.Items}, "item_unavailable")
		return nil, fmt.Errorf("%w: %v", ErrItemUnavailable, err)
	case errors.Is(err, store.ErrInsufficientBalance):
		return nil, errBalanceChanged
	default:
		util.CheckoutFailedTotal.WithLabelValues("db_error").Inc()
		c.logger.Error("Failed to finalize sale", zap.Int64("user_id", req.UserID), zap.Error(err))
		return nil, fmt.Errorf("failed to finalize sale: %w", err)
	}

	util.SalesCompletedTotal.WithLabelValues(req.PaymentMethod).Inc()
	c.logger.Info("Sale completed",
		zap.Int64("sale_id", sale.ID),
		zap.Int64("user_id", req.UserID),
		zap.String("total", req.Total.StringFixed(2)),
		zap.String("method", req.PaymentMethod))

	ids := make([]int64, len(req.Items))
	for i, item := range req.Items {
		ids[i] = item.ProductID
	}
	event := &models.SaleCompletedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeSaleCompleted, c.now()),
		SaleID:        sale.ID,
		UserID:        req.UserID,
		TotalPaid:     req.Total,
		PaymentMethod: req.PaymentMethod,
		DiscountCode:  req.DiscountCode,
		ProductIDs:    ids,
	}
	if err := c.events.PublishSaleCompleted(ctx, event); err != nil {
		c.logger.Error("Failed to publish SaleCompleted event", zap.Error(err))
	}
	return sale, nil
}

// discardPending drops a snapshot the user walked away from. Its single-item
// holds go back to the pool; basket holds stay in the basket. A snapshot with
// a live invoice cannot be replaced.
func (c *CheckoutService) discardPending(ctx context.Context, userID int64, reason string) error {
	prev, err := c.currentPending(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNoPendingPayment) {
			c.logger.Warn("Failed to load previous pending payment", zap.Int64("user_id", userID), zap.Error(err))
		}
		return nil
	}
	if prev.InvoiceOutstanding(c.now()) {
		c.logger.Info("Checkout refused, crypto invoice outstanding",
			zap.Int64("user_id", userID),
			zap.String("pending_id", prev.ID))
		return ErrInvoiceOutstanding
	}

	c.reservations.ReleaseSnapshot(ctx, userID, prev.Items, models.HoldSourceSingle, reason)
	c.dropPendingRecord(ctx, prev.ID)
	c.sessions().Update(userID, func(sess *session.Session) {
		if sess.Pending != nil && sess.Pending.ID == prev.ID {
			sess.Pending = nil
		}
	})
	return nil
}

// currentPending returns the session snapshot, falling back to the stored
// one when the session was lost
func (c *CheckoutService) currentPending(ctx context.Context, userID int64) (*models.PendingPayment, error) {
	if pending := c.sessions().Get(userID).Pending; pending != nil {
		return pending, nil
	}

	pending, err := c.pending.GetUserPending(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending payment: %w", err)
	}
	if pending == nil {
		return nil, ErrNoPendingPayment
	}

	c.sessions().Update(userID, func(sess *session.Session) {
		sess.Pending = pending
	})
	return pending, nil
}

func (c *CheckoutService) markProcessed(ctx context.Context, eventID, eventType string) {
	if err := c.sales.MarkEventProcessed(ctx, eventID, eventType); err != nil {
		c.logger.Error("Failed to mark event processed", zap.String("event_id", eventID), zap.Error(err))
	}
}

// abortPending releases every snapshot hold and forgets the snapshot
func (c *CheckoutService) abortPending(ctx context.Context, pending *models.PendingPayment, reason string) {
	c.reservations.ReleaseSnapshot(ctx, pending.UserID, pending.Items, "", reason)
	c.dropPendingRecord(ctx, pending.ID)
	c.forgetPending(pending)
	c.publishAborted(ctx, pending, reason)
}

// forgetPending clears the session snapshot, and the basket code when basket
// items were part of it
func (c *CheckoutService) forgetPending(pending *models.PendingPayment) {
	fromBasket := false
	for _, item := range pending.Items {
		if item.Source == models.HoldSourceBasket {
			fromBasket = true
			break
		}
	}
	c.sessions().Update(pending.UserID, func(sess *session.Session) {
		if sess.Pending != nil && (pending.ID == "" || sess.Pending.ID == pending.ID) {
			sess.Pending = nil
		}
		if fromBasket {
			sess.Discount = nil
		}
	})
}

func (c *CheckoutService) dropPendingRecord(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := c.pending.DeletePending(ctx, id); err != nil {
		c.logger.Warn("Failed to delete pending payment", zap.String("pending_id", id), zap.Error(err))
	}
}

func (c *CheckoutService) publishAborted(ctx context.Context, pending *models.PendingPayment, reason string) {
	event := &models.CheckoutAbortedEvent{
		BaseEvent:  newBaseEvent(models.EventTypeCheckoutAborted, c.now()),
		UserID:     pending.UserID,
		PendingID:  pending.ID,
		Reason:     reason,
		ProductIDs: pending.ProductIDs(),
	}
	if err := c.events.PublishCheckoutAborted(ctx, event); err != nil {
		c.logger.Error("Failed to publish CheckoutAborted event", zap.Error(err))
	}
}

// pendingSaleKey is the processed_events key that makes a pending payment
// sellable only once
func pendingSaleKey(pendingID string) string {
	return "pending_sale:" + pendingID
}

func sumOriginal(items []models.SnapshotItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Price)
	}
	return total
}

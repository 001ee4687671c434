package worker

import (
	"context"
	"errors"

	"marketbot/internal/broker"
	"marketbot/internal/models"
	"marketbot/internal/service"
	"marketbot/internal/util"

	"go.uber.org/zap"
)

// CryptoPayments settles pending payments reported by the crypto collaborator
type CryptoPayments interface {
	ConfirmCryptoPayment(ctx context.Context, eventID, pendingID, txID string) (*models.Sale, error)
	FailCryptoPayment(ctx context.Context, eventID, pendingID, reason string) error
}

// SaleNotifier tells the buyer about a sale completed in the background
type SaleNotifier interface {
	NotifySale(ctx context.Context, sale *models.Sale)
}

// CryptoPaymentWorker consumes crypto callbacks from Kafka
type CryptoPaymentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	payments     CryptoPayments
	notifier     SaleNotifier
	logger       *zap.Logger
}

// NewCryptoPaymentWorker creates a new crypto payment worker. notifier may be nil.
func NewCryptoPaymentWorker(
	consumer *broker.Consumer,
	payments CryptoPayments,
	notifier SaleNotifier,
) *CryptoPaymentWorker {
	w := &CryptoPaymentWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		payments:     payments,
		notifier:     notifier,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnCryptoPaymentConfirmed(w.handleConfirmed)
	w.eventHandler.OnCryptoPaymentFailed(w.handleFailed)
	return w
}

// Start starts the worker
func (w *CryptoPaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting crypto payment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CryptoPaymentWorker) Stop() error {
	w.logger.Info("Stopping crypto payment worker")
	return w.consumer.Close()
}

// handleConfirmed returns nil for outcomes that redelivery cannot change so
// the message gets committed
func (w *CryptoPaymentWorker) handleConfirmed(ctx context.Context, event *models.CryptoPaymentConfirmedEvent) error {
	sale, err := w.payments.ConfirmCryptoPayment(ctx, event.EventID, event.PendingID, event.TxID)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrItemUnavailable), errors.Is(err, service.ErrNoPendingPayment):
		w.logger.Warn("Crypto payment could not be fulfilled",
			zap.String("pending_id", event.PendingID),
			zap.String("tx_id", event.TxID),
			zap.Error(err))
		return nil
	default:
		return err
	}

	if sale != nil && w.notifier != nil {
		w.notifier.NotifySale(ctx, sale)
	}
	return nil
}

func (w *CryptoPaymentWorker) handleFailed(ctx context.Context, event *models.CryptoPaymentFailedEvent) error {
	return w.payments.FailCryptoPayment(ctx, event.EventID, event.PendingID, event.Reason)
}

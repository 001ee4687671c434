package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"marketbot/internal/models"
	"marketbot/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func userKey(userID int64) string {
	return fmt.Sprintf("user-%d", userID)
}

// PublishSaleCompleted publishes SaleCompleted event
func (ep *EventPublisher) PublishSaleCompleted(ctx context.Context, event *models.SaleCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, userKey(event.UserID), event)
}

// PublishCryptoPaymentRequested publishes CryptoPaymentRequested event
func (ep *EventPublisher) PublishCryptoPaymentRequested(ctx context.Context, event *models.CryptoPaymentRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, userKey(event.UserID), event)
}

// PublishReservationsExpired publishes ReservationsExpired event
func (ep *EventPublisher) PublishReservationsExpired(ctx context.Context, event *models.ReservationsExpiredEvent) error {
	return ep.producer.PublishEvent(ctx, userKey(event.UserID), event)
}

// PublishCheckoutAborted publishes CheckoutAborted event
func (ep *EventPublisher) PublishCheckoutAborted(ctx context.Context, event *models.CheckoutAbortedEvent) error {
	return ep.producer.PublishEvent(ctx, userKey(event.UserID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onCryptoConfirmed func(context.Context, *models.CryptoPaymentConfirmedEvent) error
	onCryptoFailed    func(context.Context, *models.CryptoPaymentFailedEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnCryptoPaymentConfirmed registers a handler for CryptoPaymentConfirmed events
func (eh *EventHandler) OnCryptoPaymentConfirmed(handler func(context.Context, *models.CryptoPaymentConfirmedEvent) error) {
	eh.onCryptoConfirmed = handler
}

// OnCryptoPaymentFailed registers a handler for CryptoPaymentFailed events
func (eh *EventHandler) OnCryptoPaymentFailed(handler func(context.Context, *models.CryptoPaymentFailedEvent) error) {
	eh.onCryptoFailed = handler
}

// HandleMessage routes messages to appropriate handlers. Our own outbound
// events share the topic and are skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeCryptoPaymentConfirmed:
		if eh.onCryptoConfirmed != nil {
			var event models.CryptoPaymentConfirmedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CryptoPaymentConfirmed event: %w", err)
			}
			eh.logger.Info("Handling event", zap.String("type", baseEvent.EventType), zap.String("id", baseEvent.EventID))
			return eh.onCryptoConfirmed(ctx, &event)
		}

	case models.EventTypeCryptoPaymentFailed:
		if eh.onCryptoFailed != nil {
			var event models.CryptoPaymentFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CryptoPaymentFailed event: %w", err)
			}
			eh.logger.Info("Handling event", zap.String("type", baseEvent.EventType), zap.String("id", baseEvent.EventID))
			return eh.onCryptoFailed(ctx, &event)
		}

	default:
		eh.logger.Debug("Skipping event", zap.String("type", baseEvent.EventType))
	}

	return nil
}

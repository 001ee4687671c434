package service

import (
	"context"
	"fmt"

	"marketbot/internal/models"
	"marketbot/internal/util"

	"go.uber.org/zap"
)

// Sweep purges the user's expired holds and releases them. Every basket
// entry point calls it before reading basket state.
func (s *ReservationService) Sweep(ctx context.Context, userID int64) (int, error) {
	now := s.now().UTC()
	purged, err := s.holds.SweepExpired(ctx, userID, now.Add(-s.timeout), now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired holds: %w", err)
	}
	if len(purged) == 0 {
		return 0, nil
	}

	s.afterSweep(ctx, userID, purged)
	return len(purged), nil
}

// SweepAll purges expired holds of every user
func (s *ReservationService) SweepAll(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.SweepAll")
	defer span.End()

	now := s.now().UTC()
	purged, err := s.holds.SweepAllExpired(ctx, now.Add(-s.timeout), now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired holds: %w", err)
	}

	byUser := make(map[int64][]models.BasketEntry)
	for _, e := range purged {
		byUser[e.UserID] = append(byUser[e.UserID], e)
	}
	for userID, entries := range byUser {
		s.afterSweep(ctx, userID, entries)
	}
	return len(purged), nil
}

// afterSweep detaches the general code once the basket emptied and reports
// the released holds
func (s *ReservationService) afterSweep(ctx context.Context, userID int64, purged []models.BasketEntry) {
	util.ReservationsReleasedTotal.WithLabelValues("expired").Add(float64(len(purged)))

	ids := make([]int64, len(purged))
	for i, e := range purged {
		ids[i] = e.ProductID
	}
	s.logger.Info("Expired holds released",
		zap.Int64("user_id", userID),
		zap.Int64s("product_ids", ids))

	remaining, err := s.holds.ListHolds(ctx, userID, models.HoldSourceBasket)
	if err != nil {
		s.logger.Warn("Failed to check basket after sweep", zap.Int64("user_id", userID), zap.Error(err))
	} else if len(remaining) == 0 {
		s.clearDiscount(userID)
	}

	if s.events == nil {
		return
	}
	event := &models.ReservationsExpiredEvent{
		BaseEvent:  newBaseEvent(models.EventTypeReservationsExpired, s.now()),
		UserID:     userID,
		ProductIDs: ids,
	}
	if err := s.events.PublishReservationsExpired(ctx, event); err != nil {
		s.logger.Error("Failed to publish ReservationsExpired event", zap.Error(err))
	}
}

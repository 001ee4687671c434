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

// ReservationService claims and releases inventory holds and keeps the
// basket consistent with them
type ReservationService struct {
	catalog   CatalogStore
	holds     HoldStore
	users     UserStore
	discounts *DiscountService
	pricer    *Pricer
	sessions  Sessions
	events    EventPublisher
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewReservationService creates a new reservation service
func NewReservationService(
	catalog CatalogStore,
	holds HoldStore,
	users UserStore,
	resellers ResellerDiscounts,
	discounts *DiscountService,
	sessions Sessions,
	events EventPublisher,
	basketTimeout time.Duration,
) *ReservationService {
	logger := util.GetLogger()
	return &ReservationService{
		catalog:   catalog,
		holds:     holds,
		users:     users,
		discounts: discounts,
		pricer:    NewPricer(resellers, logger),
		sessions:  sessions,
		events:    events,
		timeout:   basketTimeout,
		now:       time.Now,
		logger:    logger,
	}
}

// ClaimResult is a successful claim
type ClaimResult struct {
	Unit       *models.InventoryUnit
	Entry      *models.BasketEntry
	Item       models.SnapshotItem
	BasketSize int
}

// BasketLine is one held unit as shown to the user
type BasketLine struct {
	EntryID   int64               `json:"entry_id"`
	Item      models.SnapshotItem `json:"item"`
	ExpiresIn time.Duration       `json:"expires_in"`
}

// BasketView is the live basket priced with reseller and general discounts
type BasketView struct {
	Lines       []BasketLine `json:"lines"`
	Totals      Totals       `json:"totals"`
	DroppedCode error        `json:"-"`
}

// Empty reports whether the basket has no lines
func (v *BasketView) Empty() bool {
	return len(v.Lines) == 0
}

// RemovalResult reports a basket removal
type RemovalResult struct {
	Removed     bool
	BasketEmpty bool
	DroppedCode error
}

// ResolveBucket returns the bucket a catalog unit belongs to
func (s *ReservationService) ResolveBucket(ctx context.Context, unitID int64) (models.UnitQuery, error) {
	unit, err := s.catalog.GetUnitByID(ctx, unitID)
	if errors.Is(err, store.ErrUnitNotFound) {
		return models.UnitQuery{}, ErrOutOfStock
	}
	if err != nil {
		return models.UnitQuery{}, err
	}
	return unit.Query(), nil
}

// AddToBasket claims one unit of the bucket into the user's basket
func (s *ReservationService) AddToBasket(ctx context.Context, userID int64, q models.UnitQuery) (*ClaimResult, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.AddToBasket")
	defer span.End()

	if _, err := s.Sweep(ctx, userID); err != nil {
		return nil, err
	}

	res, err := s.claim(ctx, userID, q, models.HoldSourceBasket)
	if err != nil {
		return nil, err
	}

	basket, err := s.holds.ListHolds(ctx, userID, models.HoldSourceBasket)
	if err != nil {
		s.logger.Warn("Failed to count basket after add", zap.Int64("user_id", userID), zap.Error(err))
	}
	res.BasketSize = len(basket)
	return res, nil
}

// ReserveSingle claims one unit outside the basket for an immediate purchase
func (s *ReservationService) ReserveSingle(ctx context.Context, userID int64, q models.UnitQuery) (*ClaimResult, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.ReserveSingle")
	defer span.End()

	return s.claim(ctx, userID, q, models.HoldSourceSingle)
}

func (s *ReservationService) claim(ctx context.Context, userID int64, q models.UnitQuery, source string) (*ClaimResult, error) {
	if err := s.users.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}

	start := time.Now()
	unit, entry, err := s.catalog.ClaimUnit(ctx, userID, q, source, s.now().UTC())
	util.ClaimLatency.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, store.ErrNoCandidate):
		util.ReservationsFailedTotal.WithLabelValues("out_of_stock").Inc()
		return nil, ErrOutOfStock
	case errors.Is(err, store.ErrClaimConflict):
		util.ReservationsFailedTotal.WithLabelValues("race_lost").Inc()
		s.logger.Info("Claim lost race",
			zap.Int64("user_id", userID),
			zap.String("product_type", q.ProductType),
			zap.String("size", q.Size))
		return nil, ErrRaceLost
	case err != nil:
		util.ReservationsFailedTotal.WithLabelValues("db_error").Inc()
		s.logger.Error("Claim failed", zap.Int64("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to claim unit: %w", err)
	}

	util.ReservationsClaimedTotal.WithLabelValues(source).Inc()
	s.logger.Info("Unit reserved",
		zap.Int64("user_id", userID),
		zap.Int64("product_id", unit.ID),
		zap.String("source", source))

	return &ClaimResult{
		Unit:  unit,
		Entry: entry,
		Item:  snapshotItem(unit, entry.ID, source),
	}, nil
}

// RemoveFromBasket drops one basket hold. Removing an entry that is already
// gone is not an error and releases nothing.
func (s *ReservationService) RemoveFromBasket(ctx context.Context, userID, entryID int64) (*RemovalResult, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.RemoveFromBasket")
	defer span.End()

	if _, err := s.Sweep(ctx, userID); err != nil {
		return nil, err
	}

	_, dropped, err := s.holds.DropHold(ctx, userID, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to remove basket item: %w", err)
	}
	result := &RemovalResult{Removed: dropped}
	if dropped {
		util.ReservationsReleasedTotal.WithLabelValues("removed").Inc()
	}

	view, err := s.Basket(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.BasketEmpty = view.Empty()
	result.DroppedCode = view.DroppedCode
	return result, nil
}

// ClearBasket drops every basket hold and the attached code
func (s *ReservationService) ClearBasket(ctx context.Context, userID int64) (int, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.ClearBasket")
	defer span.End()

	cleared, err := s.holds.ClearHolds(ctx, userID, models.HoldSourceBasket)
	if err != nil {
		return 0, fmt.Errorf("failed to clear basket: %w", err)
	}
	util.ReservationsReleasedTotal.WithLabelValues("cleared").Add(float64(len(cleared)))
	s.clearDiscount(userID)
	return len(cleared), nil
}

// Basket sweeps and returns the live, priced basket. An attached code that
// no longer validates is detached and reported in DroppedCode.
func (s *ReservationService) Basket(ctx context.Context, userID int64) (*BasketView, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Basket")
	defer span.End()

	if _, err := s.Sweep(ctx, userID); err != nil {
		return nil, err
	}

	entries, err := s.holds.ListHolds(ctx, userID, models.HoldSourceBasket)
	if err != nil {
		return nil, fmt.Errorf("failed to load basket: %w", err)
	}

	items, kept, err := s.liveItems(ctx, entries)
	if err != nil {
		return nil, err
	}
	priced, totals := s.pricer.Price(ctx, userID, items)

	now := s.now()
	view := &BasketView{Lines: make([]BasketLine, len(priced))}
	for i, item := range priced {
		remaining := kept[i].Deadline(s.timeout).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		view.Lines[i] = BasketLine{EntryID: kept[i].ID, Item: item, ExpiresIn: remaining}
	}

	if view.Empty() {
		s.clearDiscount(userID)
		view.Totals = totals
		return view, nil
	}

	res, dropped, err := s.revalidateAttached(ctx, userID, totals.AfterReseller)
	if err != nil {
		return nil, err
	}
	view.Totals = totals.WithDiscount(res)
	view.DroppedCode = dropped
	return view, nil
}

// ApplyBasketCode consumes a general code against the reseller-adjusted
// basket total and attaches it to the session
func (s *ReservationService) ApplyBasketCode(ctx context.Context, userID int64, code string) (*BasketView, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.ApplyBasketCode")
	defer span.End()

	view, err := s.Basket(ctx, userID)
	if err != nil {
		return nil, err
	}
	if view.Empty() {
		return view, ErrEmptyBasket
	}

	res, err := s.discounts.ApplyAtomic(ctx, code, view.Totals.AfterReseller, userID)
	if err != nil {
		s.clearDiscount(userID)
		view.Totals = view.Totals.WithDiscount(nil)
		return view, err
	}

	s.sessions.Update(userID, func(sess *session.Session) {
		sess.Discount = &session.AppliedDiscount{
			Code:           res.Code,
			DiscountAmount: res.DiscountAmount,
			FinalTotal:     res.FinalTotal,
		}
	})
	view.Totals = view.Totals.WithDiscount(res)
	view.DroppedCode = nil
	return view, nil
}

// RemoveBasketCode detaches the general code from the basket
func (s *ReservationService) RemoveBasketCode(userID int64) {
	s.clearDiscount(userID)
}

// ReleaseSnapshot drops the holds behind snapshot items. With onlySource set,
// items of other sources are left alone.
func (s *ReservationService) ReleaseSnapshot(ctx context.Context, userID int64, items []models.SnapshotItem, onlySource, reason string) (int, error) {
	selected := make([]models.SnapshotItem, 0, len(items))
	for _, item := range items {
		if onlySource != "" && item.Source != onlySource {
			continue
		}
		selected = append(selected, item)
	}
	if len(selected) == 0 {
		return 0, nil
	}

	released, err := s.holds.DropSnapshotHolds(ctx, userID, selected)
	util.ReservationsReleasedTotal.WithLabelValues(reason).Add(float64(released))
	if err != nil {
		s.logger.Error("Failed to release snapshot holds",
			zap.Int64("user_id", userID),
			zap.String("reason", reason),
			zap.Error(err))
		return released, fmt.Errorf("failed to release holds: %w", err)
	}
	return released, nil
}

// liveItems re-reads the units behind entries so prices are never taken from
// an earlier read. Entries whose unit row vanished are skipped.
func (s *ReservationService) liveItems(ctx context.Context, entries []models.BasketEntry) ([]models.SnapshotItem, []models.BasketEntry, error) {
	if len(entries) == 0 {
		return nil, nil, nil
	}

	seen := make(map[int64]bool, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if !seen[e.ProductID] {
			seen[e.ProductID] = true
			ids = append(ids, e.ProductID)
		}
	}

	units, err := s.catalog.GetUnitsByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load basket units: %w", err)
	}
	byID := make(map[int64]*models.InventoryUnit, len(units))
	for i := range units {
		byID[units[i].ID] = &units[i]
	}

	items := make([]models.SnapshotItem, 0, len(entries))
	kept := make([]models.BasketEntry, 0, len(entries))
	for _, e := range entries {
		unit, ok := byID[e.ProductID]
		if !ok {
			s.logger.Warn("Held unit missing from catalog", zap.Int64("product_id", e.ProductID))
			continue
		}
		items = append(items, snapshotItem(unit, e.ID, e.Source))
		kept = append(kept, e)
	}
	return items, kept, nil
}

// revalidateAttached re-checks the session's already consumed code against
// base. Rejections detach the code and come back as dropped, not as err.
func (s *ReservationService) revalidateAttached(ctx context.Context, userID int64, base decimal.Decimal) (*DiscountResult, error, error) {
	attached := s.sessions.Get(userID).Discount
	if attached == nil {
		return nil, nil, nil
	}

	res, err := s.discounts.Revalidate(ctx, attached.Code, base)
	if err == nil {
		s.sessions.Update(userID, func(sess *session.Session) {
			if sess.Discount != nil {
				sess.Discount.DiscountAmount = res.DiscountAmount
				sess.Discount.FinalTotal = res.FinalTotal
			}
		})
		return res, nil, nil
	}
	if IsCodeInvalid(err) {
		s.logger.Info("Attached discount code no longer valid",
			zap.Int64("user_id", userID),
			zap.String("code", attached.Code),
			zap.Error(err))
		s.clearDiscount(userID)
		return nil, err, nil
	}
	return nil, nil, err
}

func (s *ReservationService) clearDiscount(userID int64) {
	s.sessions.Update(userID, func(sess *session.Session) {
		sess.Discount = nil
	})
}

func newBaseEvent(eventType string, at time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}

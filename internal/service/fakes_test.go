package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/session"
	"marketbot/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeDB mirrors the guarded updates of the postgres store in memory
type fakeDB struct {
	mu        sync.Mutex
	units     map[int64]*models.InventoryUnit
	holds     []models.BasketEntry
	nextHold  int64
	codes     map[string]*models.DiscountCode
	usages    []models.DiscountUsage
	balances  map[int64]decimal.Decimal
	resellers map[string]decimal.Decimal
	sales     []models.Sale
	processed map[string]bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		units:     make(map[int64]*models.InventoryUnit),
		codes:     make(map[string]*models.DiscountCode),
		balances:  make(map[int64]decimal.Decimal),
		resellers: make(map[string]decimal.Decimal),
		processed: make(map[string]bool),
	}
}

func (f *fakeDB) addUnit(id int64, productType, price string, available int) models.UnitQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[id] = &models.InventoryUnit{
		ID:          id,
		City:        "Riga",
		District:    "Centre",
		ProductType: productType,
		Size:        "1g",
		Name:        fmt.Sprintf("%s #%d", productType, id),
		Price:       decimal.RequireFromString(price),
		Available:   available,
	}
	return f.units[id].Query()
}

func (f *fakeDB) addCode(dc models.DiscountCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dc.ID = int64(len(f.codes) + 1)
	f.codes[store.NormalizeCode(dc.Code)] = &dc
}

func (f *fakeDB) setBalance(userID int64, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = decimal.RequireFromString(amount)
}

func (f *fakeDB) balance(userID int64) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID]
}

func (f *fakeDB) counters(id int64) (available, reserved int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.units[id]
	return u.Available, u.Reserved
}

func (f *fakeDB) holdCount(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.holds {
		if h.UserID == userID {
			n++
		}
	}
	return n
}

func (f *fakeDB) saleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sales)
}

func (f *fakeDB) usesCount(code string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codes[store.NormalizeCode(code)].UsesCount
}

// CatalogStore

func (f *fakeDB) ClaimUnit(_ context.Context, userID int64, q models.UnitQuery, source string, at time.Time) (*models.InventoryUnit, *models.BasketEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var chosen *models.InventoryUnit
	for _, id := range f.sortedUnitIDs() {
		u := f.units[id]
		if u.Query() == q && u.Available > u.Reserved {
			chosen = u
			break
		}
	}
	if chosen == nil {
		return nil, nil, store.ErrNoCandidate
	}
	chosen.Reserved++

	f.nextHold++
	entry := models.BasketEntry{
		ID:          f.nextHold,
		UserID:      userID,
		ProductID:   chosen.ID,
		Price:       chosen.Price,
		ProductType: chosen.ProductType,
		Source:      source,
		ReservedAt:  at,
	}
	f.holds = append(f.holds, entry)
	unit := *chosen
	return &unit, &entry, nil
}

func (f *fakeDB) GetUnitByID(_ context.Context, id int64) (*models.InventoryUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", store.ErrUnitNotFound, id)
	}
	unit := *u
	return &unit, nil
}

func (f *fakeDB) GetUnitsByIDs(_ context.Context, ids []int64) ([]models.InventoryUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.InventoryUnit
	for _, id := range ids {
		if u, ok := f.units[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *fakeDB) sortedUnitIDs() []int64 {
	ids := make([]int64, 0, len(f.units))
	for id := range f.units {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HoldStore

func matchSource(h models.BasketEntry, source string) bool {
	return source == "" || h.Source == source
}

func (f *fakeDB) release(productID int64) {
	if u, ok := f.units[productID]; ok && u.Reserved > 0 {
		u.Reserved--
	}
}

func (f *fakeDB) removeAt(i int) models.BasketEntry {
	h := f.holds[i]
	f.holds = append(f.holds[:i], f.holds[i+1:]...)
	return h
}

func (f *fakeDB) dropItem(userID int64, item models.SnapshotItem) bool {
	for i, h := range f.holds {
		if h.UserID != userID || h.ProductID != item.ProductID {
			continue
		}
		if (item.HoldID != 0 && h.ID == item.HoldID) || (item.HoldID == 0 && matchSource(h, item.Source)) {
			f.removeAt(i)
			return true
		}
	}
	return false
}

func (f *fakeDB) ListHolds(_ context.Context, userID int64, source string) ([]models.BasketEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BasketEntry
	for _, h := range f.holds {
		if h.UserID == userID && matchSource(h, source) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeDB) DropHold(_ context.Context, userID, entryID int64) (*models.BasketEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, h := range f.holds {
		if h.ID == entryID && h.UserID == userID {
			f.removeAt(i)
			f.release(h.ProductID)
			return &h, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeDB) DropSnapshotHolds(_ context.Context, userID int64, items []models.SnapshotItem) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, item := range items {
		if f.dropItem(userID, item) {
			f.release(item.ProductID)
			n++
		}
	}
	return n, nil
}

func (f *fakeDB) ClearHolds(_ context.Context, userID int64, source string) ([]models.BasketEntry, error) {
	return f.purge(func(h models.BasketEntry) bool {
		return h.UserID == userID && matchSource(h, source)
	}), nil
}

func (f *fakeDB) ExtendHolds(_ context.Context, userID int64, items []models.SnapshotItem, until time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, item := range items {
		for i := range f.holds {
			h := &f.holds[i]
			if h.UserID != userID || h.ProductID != item.ProductID {
				continue
			}
			if item.HoldID != 0 && h.ID != item.HoldID {
				continue
			}
			if item.HoldID == 0 && (!matchSource(*h, item.Source) || (h.ExpiresAt.Valid && h.ExpiresAt.Time.Equal(until))) {
				continue
			}
			h.ExpiresAt = sql.NullTime{Time: until, Valid: true}
			n++
			break
		}
	}
	return n, nil
}

func expired(h models.BasketEntry, cutoff, now time.Time) bool {
	if h.ExpiresAt.Valid {
		return h.ExpiresAt.Time.Before(now)
	}
	return h.ReservedAt.Before(cutoff)
}

func (f *fakeDB) SweepExpired(_ context.Context, userID int64, cutoff, now time.Time) ([]models.BasketEntry, error) {
	return f.purge(func(h models.BasketEntry) bool {
		return h.UserID == userID && expired(h, cutoff, now)
	}), nil
}

func (f *fakeDB) SweepAllExpired(_ context.Context, cutoff, now time.Time) ([]models.BasketEntry, error) {
	return f.purge(func(h models.BasketEntry) bool {
		return expired(h, cutoff, now)
	}), nil
}

func (f *fakeDB) purge(match func(models.BasketEntry) bool) []models.BasketEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept, purged []models.BasketEntry
	for _, h := range f.holds {
		if match(h) {
			purged = append(purged, h)
			f.release(h.ProductID)
		} else {
			kept = append(kept, h)
		}
	}
	f.holds = kept
	return purged
}

// DiscountStore

func (f *fakeDB) GetDiscountCode(_ context.Context, code string) (*models.DiscountCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dc, ok := f.codes[store.NormalizeCode(code)]
	if !ok {
		return nil, store.ErrCodeMissing
	}
	c := *dc
	return &c, nil
}

func (f *fakeDB) ApplyDiscountCode(_ context.Context, code string, userID int64, at time.Time,
	compute func(*models.DiscountCode) (decimal.Decimal, error)) (*models.DiscountCode, decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dc, ok := f.codes[store.NormalizeCode(code)]
	if !ok {
		return nil, decimal.Zero, store.ErrCodeMissing
	}
	locked := *dc
	amount, err := compute(&locked)
	if err != nil {
		return &locked, decimal.Zero, err
	}
	if dc.MaxUses.Valid && dc.UsesCount >= dc.MaxUses.Int64 {
		return &locked, decimal.Zero, store.ErrUsesExhausted
	}
	dc.UsesCount++
	f.usages = append(f.usages, models.DiscountUsage{UserID: userID, Code: dc.Code, UsedAt: at, DiscountAmount: amount})
	locked.UsesCount = dc.UsesCount
	return &locked, amount, nil
}

// ResellerDiscounts

func (f *fakeDB) GetResellerDiscount(_ context.Context, userID int64, productType string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resellers[fmt.Sprintf("%d/%s", userID, productType)], nil
}

func (f *fakeDB) setReseller(userID int64, productType, pct string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resellers[fmt.Sprintf("%d/%s", userID, productType)] = decimal.RequireFromString(pct)
}

// UserStore

func (f *fakeDB) EnsureUser(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.balances[userID]; !ok {
		f.balances[userID] = decimal.Zero
	}
	return nil
}

func (f *fakeDB) GetBalance(_ context.Context, userID int64) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok {
		return decimal.Zero, store.ErrUserNotFound
	}
	return b, nil
}

// SaleStore

func (f *fakeDB) FinalizeSale(_ context.Context, req models.SaleRequest) (*models.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.IdempotencyKey != "" && f.processed[req.IdempotencyKey] {
		return nil, store.ErrDuplicateSale
	}

	// work on copies so a failure leaves nothing behind
	holds := append([]models.BasketEntry(nil), f.holds...)
	units := make(map[int64]models.InventoryUnit, len(f.units))
	for id, u := range f.units {
		units[id] = *u
	}
	rollback := func() {
		f.holds = holds
		for id, u := range units {
			unit := u
			f.units[id] = &unit
		}
	}

	sale := models.Sale{
		ID:            int64(len(f.sales) + 1),
		UserID:        req.UserID,
		TotalPaid:     req.Total,
		PaymentMethod: req.PaymentMethod,
	}
	for _, item := range req.Items {
		if !f.dropItem(req.UserID, item) {
			rollback()
			return nil, fmt.Errorf("%w: product %d", store.ErrHoldMissing, item.ProductID)
		}
		u := f.units[item.ProductID]
		if u == nil || u.Available == 0 || u.Reserved == 0 {
			rollback()
			return nil, fmt.Errorf("%w: product %d", store.ErrSoldOut, item.ProductID)
		}
		u.Available--
		u.Reserved--
		sale.Items = append(sale.Items, models.SaleItem{ProductID: item.ProductID, Name: item.Name, Price: item.PriceAfter})
	}

	if req.DebitBalance {
		if f.balances[req.UserID].LessThan(req.Total) {
			rollback()
			return nil, store.ErrInsufficientBalance
		}
		f.balances[req.UserID] = f.balances[req.UserID].Sub(req.Total)
	}

	if req.IdempotencyKey != "" {
		f.processed[req.IdempotencyKey] = true
	}
	f.sales = append(f.sales, sale)
	return &sale, nil
}

func (f *fakeDB) ListSalesByUser(_ context.Context, userID int64, limit int) ([]models.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Sale
	for i := len(f.sales) - 1; i >= 0 && len(out) < limit; i-- {
		if f.sales[i].UserID == userID {
			out = append(out, f.sales[i])
		}
	}
	return out, nil
}

func (f *fakeDB) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[eventID], nil
}

func (f *fakeDB) MarkEventProcessed(_ context.Context, eventID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[eventID] = true
	return nil
}

type fakePending struct {
	mu      sync.Mutex
	items   map[string]models.PendingPayment
	saveErr error
}

func (p *fakePending) SavePending(_ context.Context, pending *models.PendingPayment, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.items[pending.ID] = *pending
	return nil
}

func (p *fakePending) GetPending(_ context.Context, id string) (*models.PendingPayment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending, ok := p.items[id]
	if !ok {
		return nil, nil
	}
	return &pending, nil
}

func (p *fakePending) GetUserPending(_ context.Context, userID int64) (*models.PendingPayment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var latest *models.PendingPayment
	for _, pending := range p.items {
		if pending.UserID != userID {
			continue
		}
		if latest == nil || pending.CreatedAt.After(latest.CreatedAt) {
			pending := pending
			latest = &pending
		}
	}
	return latest, nil
}

func (p *fakePending) DeletePending(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, id)
	return nil
}

type fakeEvents struct {
	mu    sync.Mutex
	types []string
}

func (e *fakeEvents) record(t string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, t)
	return nil
}

func (e *fakeEvents) count(t string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, got := range e.types {
		if got == t {
			n++
		}
	}
	return n
}

func (e *fakeEvents) PublishSaleCompleted(_ context.Context, ev *models.SaleCompletedEvent) error {
	return e.record(ev.EventType)
}

func (e *fakeEvents) PublishCryptoPaymentRequested(_ context.Context, ev *models.CryptoPaymentRequestedEvent) error {
	return e.record(ev.EventType)
}

func (e *fakeEvents) PublishReservationsExpired(_ context.Context, ev *models.ReservationsExpiredEvent) error {
	return e.record(ev.EventType)
}

func (e *fakeEvents) PublishCheckoutAborted(_ context.Context, ev *models.CheckoutAbortedEvent) error {
	return e.record(ev.EventType)
}

type fakeGateway struct {
	err   error
	calls int
}

func (g *fakeGateway) CreateInvoice(_ context.Context, p *models.PendingPayment) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return "https://pay.example/invoice/" + p.ID, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const (
	testBasketTimeout = 15 * time.Minute
	testPendingTTL    = time.Hour
)

type harness struct {
	db           *fakeDB
	sessions     *session.Store
	events       *fakeEvents
	pending      *fakePending
	gateway      *fakeGateway
	clock        *fakeClock
	discounts    *DiscountService
	reservations *ReservationService
	checkout     *CheckoutService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:       newFakeDB(),
		sessions: session.NewStore(),
		events:   &fakeEvents{},
		pending:  &fakePending{items: make(map[string]models.PendingPayment)},
		gateway:  &fakeGateway{},
		clock:    &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.discounts = NewDiscountService(h.db)
	h.discounts.now = h.clock.Now
	h.reservations = NewReservationService(h.db, h.db, h.db, h.db, h.discounts, h.sessions, h.events, testBasketTimeout)
	h.reservations.now = h.clock.Now
	h.checkout = NewCheckoutService(h.reservations, h.discounts, h.db, h.db, h.pending, h.gateway, h.events, testPendingTTL, 10)
	h.checkout.now = h.clock.Now
	return h
}

func (h *harness) addToBasket(t *testing.T, userID int64, q models.UnitQuery) *ClaimResult {
	t.Helper()
	res, err := h.reservations.AddToBasket(context.Background(), userID, q)
	require.NoError(t, err)
	return res
}

func percentCode(code, value string) models.DiscountCode {
	return models.DiscountCode{
		Code:         code,
		DiscountType: models.DiscountTypePercentage,
		Value:        decimal.RequireFromString(value),
		IsActive:     true,
	}
}

func fixedCode(code, value string) models.DiscountCode {
	return models.DiscountCode{
		Code:         code,
		DiscountType: models.DiscountTypeFixed,
		Value:        decimal.RequireFromString(value),
		IsActive:     true,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

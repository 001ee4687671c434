package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmBasketPaysFromBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.db.addCode(percentCode("HALF", "50"))
	h.addToBasket(t, 100, q)
	h.db.setBalance(100, "10")

	_, err := h.reservations.ApplyBasketCode(ctx, 100, "HALF")
	require.NoError(t, err)

	res, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, CheckoutPaid, res.Status)
	require.NotNil(t, res.Sale)
	assert.Equal(t, "10.00", res.Sale.TotalPaid.StringFixed(2))
	assert.Equal(t, "0.00", res.Balance.StringFixed(2))
	assert.Equal(t, "0.00", h.db.balance(100).StringFixed(2))

	available, reserved := h.db.counters(1)
	assert.Equal(t, 0, available)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 0, h.db.holdCount(100))
	assert.Nil(t, h.sessions.Get(100).Discount)
	assert.Equal(t, 1, h.events.count(models.EventTypeSaleCompleted))
}

func TestConfirmBasketFallsBackToCrypto(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.db.addCode(fixedCode("SAVE5", "5"))
	h.addToBasket(t, 100, q)
	h.db.setBalance(100, "10")

	_, err := h.reservations.ApplyBasketCode(ctx, 100, "SAVE5")
	require.NoError(t, err)

	res, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, CheckoutAwaitingPayment, res.Status)
	require.NotNil(t, res.Pending)
	assert.Equal(t, "15.00", res.Pending.FinalTotal.StringFixed(2))
	assert.Equal(t, "SAVE5", res.Pending.DiscountCode)
	assert.Equal(t, "10.00", res.Balance.StringFixed(2))

	assert.Equal(t, 1, h.db.holdCount(100), "holds stay while the payment is pending")
	assert.Equal(t, res.Pending.ID, h.sessions.Get(100).Pending.ID)
	assert.Equal(t, 0, h.db.saleCount())
}

func TestConfirmBasketEmpty(t *testing.T) {
	h := newHarness(t)
	_, err := h.checkout.ConfirmBasket(context.Background(), 100)
	assert.ErrorIs(t, err, ErrEmptyBasket)
}

func TestConfirmBasketDropsInvalidatedCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.db.addCode(fixedCode("SAVE5", "5"))
	h.addToBasket(t, 100, q)
	h.db.setBalance(100, "50")

	_, err := h.reservations.ApplyBasketCode(ctx, 100, "SAVE5")
	require.NoError(t, err)
	h.db.codes["SAVE5"].IsActive = false

	res, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)
	assert.ErrorIs(t, res.DroppedCode, ErrCodeInactive)
	assert.Equal(t, "20.00", res.Sale.TotalPaid.StringFixed(2))
}

func TestApplyCodeToPendingSwitchesToBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.db.addCode(percentCode("HALF", "50"))
	h.addToBasket(t, 100, q)
	h.db.setBalance(100, "10")

	first, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, CheckoutAwaitingPayment, first.Status)

	res, err := h.checkout.ApplyCodeToPending(ctx, 100, "half")
	require.NoError(t, err)
	assert.Equal(t, CheckoutPaid, res.Status)
	assert.Equal(t, "0.00", h.db.balance(100).StringFixed(2))
	assert.Nil(t, h.sessions.Get(100).Pending)

	stored, err := h.pending.GetPending(ctx, first.Pending.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestApplyCodeToPendingReplacesEarlierCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.db.addCode(fixedCode("SAVE5", "5"))
	h.db.addCode(fixedCode("SAVE2", "2"))
	h.addToBasket(t, 100, q)

	_, err := h.reservations.ApplyBasketCode(ctx, 100, "SAVE5")
	require.NoError(t, err)
	first, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, "15.00", first.Pending.FinalTotal.StringFixed(2))

	res, err := h.checkout.ApplyCodeToPending(ctx, 100, "SAVE2")
	require.NoError(t, err)
	assert.Equal(t, CheckoutAwaitingPayment, res.Status)
	assert.Equal(t, first.Pending.ID, res.Pending.ID)
	assert.Equal(t, "18.00", res.Pending.FinalTotal.StringFixed(2))
	assert.Equal(t, "SAVE2", res.Pending.DiscountCode)
}

func TestApplyCodeToPendingRejectedKeepsSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.addToBasket(t, 100, q)

	first, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)

	res, err := h.checkout.ApplyCodeToPending(ctx, 100, "NOPE")
	assert.ErrorIs(t, err, ErrCodeNotFound)
	require.NotNil(t, res)
	assert.Equal(t, first.Pending.ID, res.Pending.ID)
	assert.Equal(t, "20.00", res.Totals.Final.StringFixed(2))
	assert.NotNil(t, h.sessions.Get(100).Pending)
}

func TestApplyCodeWithoutPending(t *testing.T) {
	h := newHarness(t)
	_, err := h.checkout.ApplyCodeToPending(context.Background(), 100, "SAVE5")
	assert.ErrorIs(t, err, ErrNoPendingPayment)

	_, err = h.checkout.PayWithCrypto(context.Background(), 100)
	assert.ErrorIs(t, err, ErrNoPendingPayment)
}

func TestCryptoPaymentConfirmedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.addToBasket(t, 100, q)
	h.db.setBalance(100, "10")

	res, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)

	invoice, err := h.checkout.PayWithCrypto(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, res.Pending.ID, invoice.PendingID)
	assert.Contains(t, invoice.URL, res.Pending.ID)
	assert.Equal(t, 1, h.events.count(models.EventTypeCryptoPaymentRequested))

	// the invoice outlives the basket timeout
	h.clock.Advance(testBasketTimeout + time.Minute)
	n, err := h.reservations.Sweep(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	sale, err := h.checkout.ConfirmCryptoPayment(ctx, "evt-1", res.Pending.ID, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, sale)
	assert.Equal(t, models.PaymentMethodCrypto, sale.PaymentMethod)
	assert.Equal(t, "10.00", h.db.balance(100).StringFixed(2), "crypto sales do not touch the balance")

	again, err := h.checkout.ConfirmCryptoPayment(ctx, "evt-1", res.Pending.ID, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 1, h.db.saleCount())
	assert.Nil(t, h.sessions.Get(100).Pending)

	available, reserved := h.db.counters(1)
	assert.Equal(t, 0, available)
	assert.Equal(t, 0, reserved)
}

func TestCryptoHoldsExpireAfterPendingTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.addToBasket(t, 100, q)

	_, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)
	_, err = h.checkout.PayWithCrypto(ctx, 100)
	require.NoError(t, err)

	h.clock.Advance(testPendingTTL + time.Second)
	n, err := h.reservations.SweepAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPayWithCryptoGatewayFailureReleasesHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 2)
	h.addToBasket(t, 100, q)
	h.addToBasket(t, 100, q)
	h.gateway.err = errors.New("gateway down")

	res, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)

	_, err = h.checkout.PayWithCrypto(ctx, 100)
	require.Error(t, err)

	_, reserved := h.db.counters(1)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 0, h.db.holdCount(100))
	assert.Nil(t, h.sessions.Get(100).Pending)
	assert.Equal(t, 1, h.events.count(models.EventTypeCheckoutAborted))

	stored, err := h.pending.GetPending(ctx, res.Pending.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestPayWithCryptoStoreFailureReleasesHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.addToBasket(t, 100, q)

	_, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)

	h.pending.saveErr = errors.New("redis down")
	_, err = h.checkout.PayWithCrypto(ctx, 100)
	require.Error(t, err)
	assert.Equal(t, 0, h.gateway.calls)
	assert.Equal(t, 0, h.db.holdCount(100))
}

func TestPayWithCryptoAfterHoldsExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.addToBasket(t, 100, q)

	_, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)

	h.clock.Advance(testBasketTimeout + time.Second)
	_, err = h.checkout.PayWithCrypto(ctx, 100)
	assert.ErrorIs(t, err, ErrItemUnavailable)
	assert.Equal(t, 0, h.gateway.calls)
	assert.Nil(t, h.sessions.Get(100).Pending)
}

func TestCryptoConfirmWithMissingHoldRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 2)
	h.addToBasket(t, 100, q)
	second := h.addToBasket(t, 100, q)

	res, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)
	require.Len(t, res.Pending.Items, 2)

	_, err = h.reservations.RemoveFromBasket(ctx, 100, second.Entry.ID)
	require.NoError(t, err)

	sale, err := h.checkout.ConfirmCryptoPayment(ctx, "evt-1", res.Pending.ID, "tx-1")
	assert.ErrorIs(t, err, ErrItemUnavailable)
	assert.Nil(t, sale)
	assert.Equal(t, 0, h.db.saleCount())

	available, reserved := h.db.counters(1)
	assert.Equal(t, 2, available)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 0, h.db.holdCount(100))
	assert.Equal(t, 1, h.events.count(models.EventTypeCheckoutAborted))

	processed, err := h.db.IsEventProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestCryptoConfirmUnknownPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.checkout.ConfirmCryptoPayment(ctx, "evt-1", "missing", "tx-1")
	assert.ErrorIs(t, err, ErrNoPendingPayment)

	processed, err := h.db.IsEventProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestFailCryptoPaymentReleasesHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.addToBasket(t, 100, q)

	res, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)
	_, err = h.checkout.PayWithCrypto(ctx, 100)
	require.NoError(t, err)

	require.NoError(t, h.checkout.FailCryptoPayment(ctx, "evt-2", res.Pending.ID, "expired"))
	require.NoError(t, h.checkout.FailCryptoPayment(ctx, "evt-2", res.Pending.ID, "expired"))

	_, reserved := h.db.counters(1)
	assert.Equal(t, 0, reserved)
	assert.Nil(t, h.sessions.Get(100).Pending)
	assert.Equal(t, 1, h.events.count(models.EventTypeCheckoutAborted))
}

func TestPaySingleItemWithPreAppliedCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.db.addCode(percentCode("HALF", "50"))
	h.db.setBalance(100, "10")

	preview, err := h.checkout.PreApplyCode(ctx, 100, 1, "half")
	require.NoError(t, err)
	assert.Equal(t, "10.00", preview.FinalTotal.StringFixed(2))
	assert.Equal(t, int64(0), h.db.usesCount("HALF"))

	res, err := h.checkout.PaySingleItem(ctx, 100, q)
	require.NoError(t, err)
	assert.Equal(t, CheckoutPaid, res.Status)
	assert.Equal(t, "0.00", h.db.balance(100).StringFixed(2))
	assert.Equal(t, int64(1), h.db.usesCount("HALF"))
	assert.Empty(t, h.sessions.Get(100).PreAppliedCode)
}

func TestPaySingleItemDropsInvalidPreAppliedCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.db.addCode(percentCode("HALF", "50"))

	_, err := h.checkout.PreApplyCode(ctx, 100, 1, "HALF")
	require.NoError(t, err)
	h.db.codes["HALF"].IsActive = false

	res, err := h.checkout.PaySingleItem(ctx, 100, q)
	require.NoError(t, err)
	assert.ErrorIs(t, res.DroppedCode, ErrCodeInactive)
	assert.Equal(t, CheckoutAwaitingPayment, res.Status)
	assert.Equal(t, "20.00", res.Pending.FinalTotal.StringFixed(2))
	assert.Empty(t, res.Pending.DiscountCode)
}

func TestPaySingleItemOutOfStock(t *testing.T) {
	h := newHarness(t)
	q := h.db.addUnit(1, "tea", "20", 0)

	_, err := h.checkout.PaySingleItem(context.Background(), 100, q)
	assert.ErrorIs(t, err, ErrOutOfStock)
}

func TestCancelPendingReleasesSingleHoldsOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	basketQ := h.db.addUnit(1, "tea", "20", 1)
	singleQ := h.db.addUnit(2, "coffee", "30", 1)
	h.addToBasket(t, 100, basketQ)

	res, err := h.checkout.PaySingleItem(ctx, 100, singleQ)
	require.NoError(t, err)
	require.Equal(t, CheckoutAwaitingPayment, res.Status)

	require.NoError(t, h.checkout.CancelPending(ctx, 100))

	_, basketReserved := h.db.counters(1)
	_, singleReserved := h.db.counters(2)
	assert.Equal(t, 1, basketReserved)
	assert.Equal(t, 0, singleReserved)
	assert.Nil(t, h.sessions.Get(100).Pending)

	assert.ErrorIs(t, h.checkout.CancelPending(ctx, 100), ErrNoPendingPayment)
}

func TestNewSingleCheckoutReplacesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	other := h.db.addUnit(2, "coffee", "30", 1)

	first, err := h.checkout.PaySingleItem(ctx, 100, q)
	require.NoError(t, err)

	second, err := h.checkout.PaySingleItem(ctx, 100, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.Pending.ID, second.Pending.ID)

	_, reserved := h.db.counters(1)
	assert.Equal(t, 0, reserved, "the abandoned single hold is released")
}

func TestHistoryNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "5", 2)
	h.db.setBalance(100, "100")

	for i := 0; i < 2; i++ {
		_, err := h.checkout.PaySingleItem(ctx, 100, q)
		require.NoError(t, err)
	}

	sales, err := h.checkout.History(ctx, 100)
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Greater(t, sales[0].ID, sales[1].ID)
}

func TestPayWithCryptoRecoversStoredPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	h.addToBasket(t, 100, q)
	h.db.setBalance(100, "5")

	res, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, CheckoutAwaitingPayment, res.Status)

	// a restart loses the in-memory session but not the stored snapshot
	h.sessions.Reset(100)

	invoice, err := h.checkout.PayWithCrypto(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, res.Pending.ID, invoice.PendingID)
	require.NotNil(t, h.sessions.Get(100).Pending)
	assert.Equal(t, res.Pending.ID, h.sessions.Get(100).Pending.ID)
}

func TestConfirmBasketResellerMarkdownCoversBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20.00", 1)
	h.db.setReseller(100, "tea", "50")
	h.addToBasket(t, 100, q)
	h.db.setBalance(100, "10")

	res, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, CheckoutPaid, res.Status)
	require.NotNil(t, res.Sale)
	assert.Equal(t, "10.00", res.Sale.TotalPaid.StringFixed(2))
	assert.Equal(t, "0.00", res.Balance.StringFixed(2))
	assert.Equal(t, "0.00", h.db.balance(100).StringFixed(2))
	assert.Equal(t, 0, h.db.holdCount(100))
}

// cryptoCheckoutWithNewerHold hands one basket unit to the crypto gateway and
// then puts a second unit of the same product into the basket
func cryptoCheckoutWithNewerHold(t *testing.T, h *harness) (pendingID string, newer *ClaimResult) {
	t.Helper()
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 3)
	h.addToBasket(t, 100, q)

	res, err := h.checkout.ConfirmBasket(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, CheckoutAwaitingPayment, res.Status)
	_, err = h.checkout.PayWithCrypto(ctx, 100)
	require.NoError(t, err)

	return res.Pending.ID, h.addToBasket(t, 100, q)
}

func TestConcurrentCryptoConfirmationsSellOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pendingID, newer := cryptoCheckoutWithNewerHold(t, h)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		sales int
	)
	for _, eventID := range []string{"evt-webhook", "evt-kafka"} {
		wg.Add(1)
		go func(eventID string) {
			defer wg.Done()
			sale, err := h.checkout.ConfirmCryptoPayment(ctx, eventID, pendingID, "tx-1")
			if err != nil {
				assert.ErrorIs(t, err, ErrNoPendingPayment)
				return
			}
			if sale != nil {
				mu.Lock()
				sales++
				mu.Unlock()
			}
		}(eventID)
	}
	wg.Wait()

	assert.Equal(t, 1, sales)
	assert.Equal(t, 1, h.db.saleCount())
	assert.Equal(t, 0, h.events.count(models.EventTypeCheckoutAborted))

	holds, err := h.db.ListHolds(ctx, 100, models.HoldSourceBasket)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, newer.Entry.ID, holds[0].ID)

	available, reserved := h.db.counters(1)
	assert.Equal(t, 2, available)
	assert.Equal(t, 1, reserved)
}

func TestLateCryptoConfirmationOfSoldPendingIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pendingID, newer := cryptoCheckoutWithNewerHold(t, h)

	stale, err := h.pending.GetPending(ctx, pendingID)
	require.NoError(t, err)
	require.NotNil(t, stale)

	sale, err := h.checkout.ConfirmCryptoPayment(ctx, "evt-1", pendingID, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, sale)

	// a second delivery that loaded the snapshot before the first one finished
	require.NoError(t, h.pending.SavePending(ctx, stale, testPendingTTL))

	again, err := h.checkout.ConfirmCryptoPayment(ctx, "evt-2", pendingID, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 1, h.db.saleCount())
	assert.Equal(t, 0, h.events.count(models.EventTypeCheckoutAborted))

	holds, err := h.db.ListHolds(ctx, 100, models.HoldSourceBasket)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, newer.Entry.ID, holds[0].ID)

	processed, err := h.db.IsEventProcessed(ctx, "evt-2")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestOutstandingInvoiceBlocksReplacement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	other := h.db.addUnit(2, "coffee", "30", 1)

	first, err := h.checkout.PaySingleItem(ctx, 100, q)
	require.NoError(t, err)
	require.Equal(t, CheckoutAwaitingPayment, first.Status)
	_, err = h.checkout.PayWithCrypto(ctx, 100)
	require.NoError(t, err)

	_, err = h.checkout.PaySingleItem(ctx, 100, other)
	assert.ErrorIs(t, err, ErrInvoiceOutstanding)
	assert.ErrorIs(t, h.checkout.CancelPending(ctx, 100), ErrInvoiceOutstanding)
	_, err = h.checkout.ApplyCodeToPending(ctx, 100, "ANY")
	assert.ErrorIs(t, err, ErrInvoiceOutstanding)

	_, reserved := h.db.counters(2)
	assert.Equal(t, 0, reserved, "nothing was claimed for the refused checkout")

	// the issued invoice is still payable
	sale, err := h.checkout.ConfirmCryptoPayment(ctx, "evt-1", first.Pending.ID, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, sale)
	assert.Equal(t, int64(1), sale.Items[0].ProductID)
}

func TestExpiredInvoiceNoLongerBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.addUnit(1, "tea", "20", 1)
	other := h.db.addUnit(2, "coffee", "30", 1)

	_, err := h.checkout.PaySingleItem(ctx, 100, q)
	require.NoError(t, err)
	_, err = h.checkout.PayWithCrypto(ctx, 100)
	require.NoError(t, err)

	h.clock.Advance(testPendingTTL + time.Second)

	res, err := h.checkout.PaySingleItem(ctx, 100, other)
	require.NoError(t, err)
	assert.Equal(t, CheckoutAwaitingPayment, res.Status)

	_, reserved := h.db.counters(1)
	assert.Equal(t, 0, reserved, "the expired invoice's hold was swept")
}

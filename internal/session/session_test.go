package session

import (
	"sync"
	"testing"

	"marketbot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Update(1, func(sess *Session) {
		sess.State = StateAwaitingBasketCode
		sess.Discount = &AppliedDiscount{Code: "SAVE5", FinalTotal: decimal.NewFromInt(15)}
	})

	got := s.Get(1)
	got.State = StateIdle

	assert.Equal(t, StateAwaitingBasketCode, s.Get(1).State)
	assert.Equal(t, "SAVE5", s.Get(1).Discount.Code)
	assert.Equal(t, Session{}, s.Get(2))
}

func TestResetAndPending(t *testing.T) {
	s := NewStore()
	s.Update(5, func(sess *Session) {
		sess.Pending = &models.PendingPayment{ID: "p-1", UserID: 5}
	})
	assert.Equal(t, "p-1", s.Get(5).Pending.ID)

	s.Reset(5)
	assert.Nil(t, s.Get(5).Pending)
}

func TestConcurrentUpdates(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.SetState(int64(i%5), StateAwaitingPendingCode)
		}(i)
	}
	wg.Wait()

	for i := int64(0); i < 5; i++ {
		assert.Equal(t, "awaiting_pending_code", s.Get(i).State.String())
	}
}

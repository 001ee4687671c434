// Package session keeps the per-chat conversational state of the bot.
package session

import (
	"sync"

	"marketbot/internal/models"

	"github.com/shopspring/decimal"
)

// State is the step of the conversation awaiting free text input
type State int

const (
	StateIdle State = iota
	// StateAwaitingBasketCode waits for a code to attach to the basket
	StateAwaitingBasketCode
	// StateAwaitingPendingCode waits for a code for the frozen checkout
	StateAwaitingPendingCode
	// StateAwaitingSingleCode waits for a code to pre-apply to a single item purchase
	StateAwaitingSingleCode
)

func (s State) String() string {
	switch s {
	case StateAwaitingBasketCode:
		return "awaiting_basket_code"
	case StateAwaitingPendingCode:
		return "awaiting_pending_code"
	case StateAwaitingSingleCode:
		return "awaiting_single_code"
	default:
		return "idle"
	}
}

// AppliedDiscount is the general code attached to the live basket
type AppliedDiscount struct {
	Code           string
	DiscountAmount decimal.Decimal
	FinalTotal     decimal.Decimal
}

// Session is the typed state of one chat
type Session struct {
	State          State
	Discount       *AppliedDiscount
	Pending        *models.PendingPayment
	PreAppliedCode string
	// SingleUnitID is the catalog unit a single-item code is entered for
	SingleUnitID int64
}

// Store holds sessions in memory. The mutex only guards the map and is never
// held while callers do I/O.
type Store struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[int64]*Session)}
}

// Get returns a copy of the user's session
func (s *Store) Get(userID int64) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[userID]; ok {
		return *sess
	}
	return Session{}
}

// Update mutates the user's session under the lock. fn must not block.
func (s *Store) Update(userID int64, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		sess = &Session{}
		s.sessions[userID] = sess
	}
	fn(sess)
}

// SetState moves the conversation to a new step
func (s *Store) SetState(userID int64, state State) {
	s.Update(userID, func(sess *Session) { sess.State = state })
}

// Reset forgets the user's session
func (s *Store) Reset(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
}

package service

import "errors"

var (
	// ErrOutOfStock means no unit of the bucket had free stock
	ErrOutOfStock = errors.New("out of stock")
	// ErrRaceLost means a unit existed but another buyer claimed it first
	ErrRaceLost = errors.New("unit was just taken")
	// ErrItemUnavailable means a held unit could not be sold; the checkout was aborted
	ErrItemUnavailable = errors.New("item no longer available")
	// ErrEmptyBasket means there is nothing to check out
	ErrEmptyBasket = errors.New("basket is empty")
	// ErrNoPendingPayment means there is no frozen checkout to act on
	ErrNoPendingPayment = errors.New("no pending payment")
	// ErrInvoiceOutstanding means the frozen checkout was already handed to the
	// crypto gateway and its invoice has not expired
	ErrInvoiceOutstanding = errors.New("crypto invoice still awaiting payment")

	ErrNoCode         = errors.New("no discount code entered")
	ErrCodeNotFound   = errors.New("discount code not found")
	ErrCodeInactive   = errors.New("discount code is inactive")
	ErrCodeExpired    = errors.New("discount code has expired")
	ErrLimitReached   = errors.New("discount code usage limit reached")
	ErrMinOrderNotMet = errors.New("order total below code minimum")
	ErrInternalType   = errors.New("discount code has an unknown type")
)

var errDiscountReasons = []error{
	ErrNoCode, ErrCodeNotFound, ErrCodeInactive, ErrCodeExpired,
	ErrLimitReached, ErrMinOrderNotMet, ErrInternalType,
}

// IsCodeInvalid reports whether err is a discount code rejection
func IsCodeInvalid(err error) bool {
	for _, reason := range errDiscountReasons {
		if errors.Is(err, reason) {
			return true
		}
	}
	return false
}

// IsUserFacing reports whether err carries a specific message for the user
// rather than a generic retry prompt
func IsUserFacing(err error) bool {
	return IsCodeInvalid(err) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrRaceLost) ||
		errors.Is(err, ErrItemUnavailable) ||
		errors.Is(err, ErrEmptyBasket) ||
		errors.Is(err, ErrNoPendingPayment) ||
		errors.Is(err, ErrInvoiceOutstanding)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketbot/internal/models"

	"github.com/shopspring/decimal"
)

// ErrUserNotFound means the users row does not exist
var ErrUserNotFound = errors.New("user not found")

// EnsureUser creates the users row on first contact
func (s *Store) EnsureUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING",
		userID)
	if err != nil {
		return fmt.Errorf("failed to ensure user %d: %w", userID, err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user,
		"SELECT user_id, balance, total_purchases, created_at FROM users WHERE user_id = $1",
		userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetBalance reads the current balance
func (s *Store) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.GetContext(ctx, &balance, "SELECT balance FROM users WHERE user_id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrUserNotFound
	}
	return balance, err
}

// CreditBalance adds funds, used by the top-up collaborator and tests
func (s *Store) CreditBalance(ctx context.Context, userID int64, amount decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET balance = balance + $1 WHERE user_id = $2",
		amount, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetResellerDiscount returns the percentage for (user, product type), zero
// when no row exists
func (s *Store) GetResellerDiscount(ctx context.Context, userID int64, productType string) (decimal.Decimal, error) {
	var pct decimal.Decimal
	err := s.db.GetContext(ctx, &pct,
		"SELECT discount_percentage FROM reseller_discounts WHERE user_id = $1 AND product_type = $2",
		userID, productType)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load reseller discount: %w", err)
	}
	return pct, nil
}

// SetResellerDiscount upserts a reseller percentage
func (s *Store) SetResellerDiscount(ctx context.Context, userID int64, productType string, pct decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reseller_discounts (user_id, product_type, discount_percentage)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_type) DO UPDATE SET discount_percentage = EXCLUDED.discount_percentage`,
		userID, productType, pct)
	return err
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketbot/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrCodeMissing means no discount code row matched
	ErrCodeMissing = errors.New("discount code not found")
	// ErrUsesExhausted means the guarded uses_count increment matched no row
	ErrUsesExhausted = errors.New("discount code usage limit reached")
)

const discountColumns = `id, code, discount_type, value, is_active, expiry_date, max_uses, uses_count, min_order_amount`

// NormalizeCode trims and upper-cases a user supplied code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GetDiscountCode looks a code up case-insensitively
func (s *Store) GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := s.db.GetContext(ctx, &dc,
		"SELECT "+discountColumns+" FROM discount_codes WHERE UPPER(code) = $1",
		NormalizeCode(code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load discount code: %w", err)
	}
	return &dc, nil
}

// ApplyDiscountCode locks the code row, runs compute against the locked
// state, records the usage and increments uses_count, all in one
// transaction. compute returning an error aborts without consuming the code.
func (s *Store) ApplyDiscountCode(
	ctx context.Context,
	code string,
	userID int64,
	at time.Time,
	compute func(*models.DiscountCode) (decimal.Decimal, error),
) (*models.DiscountCode, decimal.Decimal, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, decimal.Zero, err
	}
	defer tx.Rollback()

	var dc models.DiscountCode
	err = tx.GetContext(ctx, &dc,
		"SELECT "+discountColumns+" FROM discount_codes WHERE UPPER(code) = $1 FOR UPDATE",
		NormalizeCode(code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, decimal.Zero, ErrCodeMissing
	}
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to lock discount code: %w", err)
	}

	amount, err := compute(&dc)
	if err != nil {
		return &dc, decimal.Zero, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO discount_code_usage (user_id, code, used_at, discount_amount)
		VALUES ($1, $2, $3, $4)`,
		userID, dc.Code, at, amount); err != nil {
		return &dc, decimal.Zero, fmt.Errorf("failed to record code usage: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE discount_codes SET uses_count = uses_count + 1
		WHERE id = $1 AND (max_uses IS NULL OR uses_count < max_uses)`,
		dc.ID)
	if err != nil {
		return &dc, decimal.Zero, fmt.Errorf("failed to increment code usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &dc, decimal.Zero, err
	}
	if affected == 0 {
		return &dc, decimal.Zero, ErrUsesExhausted
	}

	if err := tx.Commit(); err != nil {
		return &dc, decimal.Zero, err
	}
	dc.UsesCount++
	return &dc, amount, nil
}

// ListDiscountUsage returns the audit rows of a code, newest first
func (s *Store) ListDiscountUsage(ctx context.Context, code string) ([]models.DiscountUsage, error) {
	usage := []models.DiscountUsage{}
	err := s.db.SelectContext(ctx, &usage, `
		SELECT id, user_id, code, used_at, discount_amount
		FROM discount_code_usage
		WHERE UPPER(code) = $1
		ORDER BY used_at DESC, id DESC`,
		NormalizeCode(code))
	return usage, err
}

// CreateDiscountCode inserts a code, used by admin tooling and tests
func (s *Store) CreateDiscountCode(ctx context.Context, dc *models.DiscountCode) error {
	return s.db.GetContext(ctx, &dc.ID, `
		INSERT INTO discount_codes (code, discount_type, value, is_active, expiry_date, max_uses, uses_count, min_order_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		dc.Code, dc.DiscountType, dc.Value, dc.IsActive, dc.ExpiryDate, dc.MaxUses, dc.UsesCount, dc.MinOrderAmount)
}

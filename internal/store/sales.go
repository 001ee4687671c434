package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketbot/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance means the locked balance is below the sale total
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrHoldMissing means a snapshot item no longer has a hold to convert
	ErrHoldMissing = errors.New("hold missing for item")
	// ErrSoldOut means the guarded inventory decrement matched no row
	ErrSoldOut = errors.New("unit sold out")
	// ErrDuplicateSale means a sale with the same idempotency key committed first
	ErrDuplicateSale = errors.New("sale already recorded")
)

const saleEventType = "SALE_FINALIZED"

// FinalizeSale converts one hold per item into a permanent sale. The whole
// conversion is one transaction: a missing hold or an insufficient balance
// rolls everything back and nothing is charged.
func (s *Store) FinalizeSale(ctx context.Context, req models.SaleRequest) (*models.Sale, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if req.IdempotencyKey != "" {
		// a concurrent holder of the same key blocks here until it commits
		res, err := tx.ExecContext(ctx, `
			INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2)
			ON CONFLICT (event_id) DO NOTHING`,
			req.IdempotencyKey, saleEventType)
		if err != nil {
			return nil, fmt.Errorf("failed to record sale key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrDuplicateSale
		}
	}

	if req.DebitBalance {
		var balance decimal.Decimal
		err := tx.GetContext(ctx, &balance,
			"SELECT balance FROM users WHERE user_id = $1 FOR UPDATE", req.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock balance: %w", err)
		}
		if balance.LessThan(req.Total) {
			return nil, ErrInsufficientBalance
		}
	}

	for _, item := range req.Items {
		if err := sellOneTx(ctx, tx, req.UserID, item); err != nil {
			return nil, err
		}
	}

	if req.DebitBalance {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET balance = balance - $1, total_purchases = total_purchases + 1
			WHERE user_id = $2 AND balance >= $1`,
			req.Total, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to debit balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrInsufficientBalance
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			"UPDATE users SET total_purchases = total_purchases + 1 WHERE user_id = $1",
			req.UserID); err != nil {
			return nil, fmt.Errorf("failed to count purchase: %w", err)
		}
	}

	sale := &models.Sale{
		UserID:        req.UserID,
		TotalPaid:     req.Total,
		DiscountCode:  nullString(req.DiscountCode),
		PaymentMethod: req.PaymentMethod,
		ProviderTxID:  nullString(req.ProviderTxID),
	}
	err = tx.GetContext(ctx, sale, `
		INSERT INTO sales (user_id, total_paid, discount_code, payment_method, provider_tx_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, user_id, total_paid, discount_code, payment_method, provider_tx_id, created_at`,
		sale.UserID, sale.TotalPaid, sale.DiscountCode, sale.PaymentMethod, sale.ProviderTxID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert sale: %w", err)
	}

	sale.Items = make([]models.SaleItem, 0, len(req.Items))
	for _, item := range req.Items {
		si := models.SaleItem{
			SaleID:      sale.ID,
			ProductID:   item.ProductID,
			Name:        item.Name,
			Size:        item.Size,
			ProductType: item.ProductType,
			City:        item.City,
			District:    item.District,
			Price:       item.PriceAfter,
		}
		err := tx.GetContext(ctx, &si.ID, `
			INSERT INTO sale_items (sale_id, product_id, name, size, product_type, city, district, price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			si.SaleID, si.ProductID, si.Name, si.Size, si.ProductType, si.City, si.District, si.Price)
		if err != nil {
			return nil, fmt.Errorf("failed to insert sale item: %w", err)
		}
		sale.Items = append(sale.Items, si)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

// sellOneTx drops the item's hold and turns it into a permanent decrement
func sellOneTx(ctx context.Context, tx *sqlx.Tx, userID int64, item models.SnapshotItem) error {
	dropped, err := dropSnapshotHoldTx(ctx, tx, userID, item)
	if err != nil {
		return err
	}
	if !dropped {
		return fmt.Errorf("%w: product %d", ErrHoldMissing, item.ProductID)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE products SET available = available - 1, reserved = reserved - 1
		WHERE id = $1 AND reserved > 0 AND available > 0`,
		item.ProductID)
	if err != nil {
		return fmt.Errorf("failed to sell unit %d: %w", item.ProductID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: product %d", ErrSoldOut, item.ProductID)
	}
	return nil
}

// ListSalesByUser returns the user's most recent sales with items
func (s *Store) ListSalesByUser(ctx context.Context, userID int64, limit int) ([]models.Sale, error) {
	sales := []models.Sale{}
	err := s.db.SelectContext(ctx, &sales, `
		SELECT id, user_id, total_paid, discount_code, payment_method, provider_tx_id, created_at
		FROM sales WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil || len(sales) == 0 {
		return sales, err
	}

	ids := make([]int64, len(sales))
	index := make(map[int64]int, len(sales))
	for i, sale := range sales {
		ids[i] = sale.ID
		index[sale.ID] = i
		sales[i].Items = []models.SaleItem{}
	}

	query, args, err := sqlx.In(`
		SELECT id, sale_id, product_id, name, size, product_type, city, district, price
		FROM sale_items WHERE sale_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	var items []models.SaleItem
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, item := range items {
		i := index[item.SaleID]
		sales[i].Items = append(sales[i].Items, item)
	}
	return sales, nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM processed_events WHERE event_id = $1", eventID)
	return count > 0, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		eventID, eventType)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

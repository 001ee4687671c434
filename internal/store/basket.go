package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketbot/internal/models"

	"github.com/jmoiron/sqlx"
)

const entryColumns = `id, user_id, product_id, price, product_type, source, reserved_at, expires_at`

// ListHolds returns the user's outstanding holds of one source, oldest first
func (s *Store) ListHolds(ctx context.Context, userID int64, source string) ([]models.BasketEntry, error) {
	entries := []models.BasketEntry{}
	err := s.db.SelectContext(ctx, &entries,
		"SELECT "+entryColumns+" FROM basket_entries WHERE user_id = $1 AND source = $2 ORDER BY id",
		userID, source)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	return entries, nil
}

// CountHolds counts every outstanding hold of the user
func (s *Store) CountHolds(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM basket_entries WHERE user_id = $1", userID)
	return n, err
}

// DropHold deletes one hold row and releases its reservation. A hold that is
// already gone (swept, sold, removed twice) releases nothing and returns
// false.
func (s *Store) DropHold(ctx context.Context, userID, entryID int64) (*models.BasketEntry, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var entry models.BasketEntry
	err = tx.GetContext(ctx, &entry,
		"DELETE FROM basket_entries WHERE id = $1 AND user_id = $2 RETURNING "+entryColumns,
		entryID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to delete hold: %w", err)
	}

	if err := releaseCountsTx(ctx, tx, map[int64]int{entry.ProductID: 1}); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

// DropSnapshotHolds drops the hold behind each snapshot item and releases
// it. It returns how many holds were actually dropped.
func (s *Store) DropSnapshotHolds(ctx context.Context, userID int64, items []models.SnapshotItem) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	counts := make(map[int64]int)
	dropped := 0
	for _, item := range items {
		ok, err := dropSnapshotHoldTx(ctx, tx, userID, item)
		if err != nil {
			return 0, err
		}
		if ok {
			counts[item.ProductID]++
			dropped++
		}
	}

	if err := releaseCountsTx(ctx, tx, counts); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return dropped, nil
}

// dropSnapshotHoldTx deletes exactly the hold row an item was frozen from.
// Items without a hold id fall back to the oldest hold on the same product
// and source.
func dropSnapshotHoldTx(ctx context.Context, tx *sqlx.Tx, userID int64, item models.SnapshotItem) (bool, error) {
	if item.HoldID == 0 {
		return dropOneHoldTx(ctx, tx, userID, item.ProductID, item.Source)
	}

	var id int64
	err := tx.GetContext(ctx, &id, `
		DELETE FROM basket_entries
		WHERE id = $1 AND user_id = $2 AND product_id = $3
		RETURNING id`,
		item.HoldID, userID, item.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to drop hold %d: %w", item.HoldID, err)
	}
	return true, nil
}

func dropOneHoldTx(ctx context.Context, tx *sqlx.Tx, userID, productID int64, source string) (bool, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `
		DELETE FROM basket_entries
		WHERE id = (
			SELECT id FROM basket_entries
			WHERE user_id = $1 AND product_id = $2 AND ($3 = '' OR source = $3)
			ORDER BY id
			LIMIT 1
			FOR UPDATE
		)
		RETURNING id`,
		userID, productID, source)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to drop hold on product %d: %w", productID, err)
	}
	return true, nil
}

// ClearHolds drops every hold of one source for the user
func (s *Store) ClearHolds(ctx context.Context, userID int64, source string) ([]models.BasketEntry, error) {
	return s.purge(ctx,
		"DELETE FROM basket_entries WHERE user_id = $1 AND source = $2 RETURNING "+entryColumns,
		userID, source)
}

// expiredClause matches holds reserved before cutoff, or past their explicit
// expires_at when one is set.
const expiredClause = `((expires_at IS NULL AND reserved_at < $1) OR (expires_at IS NOT NULL AND expires_at < $2))`

// SweepExpired drops the user's expired holds
func (s *Store) SweepExpired(ctx context.Context, userID int64, cutoff, now time.Time) ([]models.BasketEntry, error) {
	return s.purge(ctx,
		"DELETE FROM basket_entries WHERE "+expiredClause+" AND user_id = $3 RETURNING "+entryColumns,
		cutoff, now, userID)
}

// SweepAllExpired drops every expired hold, across users
func (s *Store) SweepAllExpired(ctx context.Context, cutoff, now time.Time) ([]models.BasketEntry, error) {
	return s.purge(ctx,
		"DELETE FROM basket_entries WHERE "+expiredClause+" RETURNING "+entryColumns,
		cutoff, now)
}

// ExtendHolds pins the hold behind each snapshot item to an explicit
// deadline. It returns how many holds were extended.
func (s *Store) ExtendHolds(ctx context.Context, userID int64, items []models.SnapshotItem, until time.Time) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	extended := 0
	for _, item := range items {
		res, err := tx.ExecContext(ctx, `
			UPDATE basket_entries SET expires_at = $5
			WHERE id = (
				SELECT id FROM basket_entries
				WHERE user_id = $1 AND product_id = $2
				  AND (($3 <> 0 AND id = $3) OR ($3 = 0 AND ($4 = '' OR source = $4)))
				  AND ($3 <> 0 OR expires_at IS NULL OR expires_at <> $5)
				ORDER BY id
				LIMIT 1
				FOR UPDATE
			)`,
			userID, item.ProductID, item.HoldID, item.Source, until)
		if err != nil {
			return 0, fmt.Errorf("failed to extend hold on product %d: %w", item.ProductID, err)
		}
		n, _ := res.RowsAffected()
		extended += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return extended, nil
}

// purge deletes hold rows and releases exactly the deleted ones in the same
// transaction.
func (s *Store) purge(ctx context.Context, query string, args ...interface{}) ([]models.BasketEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entries := []models.BasketEntry{}
	if err := tx.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to delete holds: %w", err)
	}

	counts := make(map[int64]int, len(entries))
	for _, e := range entries {
		counts[e.ProductID]++
	}
	if err := releaseCountsTx(ctx, tx, counts); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

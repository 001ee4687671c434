package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/util"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	// ErrNoCandidate means no unit in the bucket had free stock at read time
	ErrNoCandidate = errors.New("no unit with free stock")
	// ErrClaimConflict means the selected unit was taken before the guarded update
	ErrClaimConflict = errors.New("unit claimed concurrently")
	// ErrUnitNotFound means the product id does not exist
	ErrUnitNotFound = errors.New("unit not found")
)

type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewStoreFromDB(db), nil
}

// NewStoreFromDB wraps an existing connection
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db, logger: util.GetLogger()}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const unitColumns = `id, city, district, product_type, size, name, original_text, price, available, reserved`

// GetUnitByID retrieves a unit by ID
func (s *Store) GetUnitByID(ctx context.Context, id int64) (*models.InventoryUnit, error) {
	var unit models.InventoryUnit
	err := s.db.GetContext(ctx, &unit, "SELECT "+unitColumns+" FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrUnitNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// GetUnitsByIDs retrieves live rows for the given ids, missing ids are skipped
func (s *Store) GetUnitsByIDs(ctx context.Context, ids []int64) ([]models.InventoryUnit, error) {
	if len(ids) == 0 {
		return []models.InventoryUnit{}, nil
	}

	query, args, err := sqlx.In("SELECT "+unitColumns+" FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var units []models.InventoryUnit
	err = s.db.SelectContext(ctx, &units, query, args...)
	return units, err
}

// BucketSummary is one claimable (city, district, type, size) bucket
type BucketSummary struct {
	models.UnitQuery
	SampleID  int64  `db:"sample_id"`
	MinPrice  string `db:"min_price"`
	FreeUnits int    `db:"free_units"`
}

// ListBuckets lists buckets that still have free stock
func (s *Store) ListBuckets(ctx context.Context, limit int) ([]BucketSummary, error) {
	var buckets []BucketSummary
	err := s.db.SelectContext(ctx, &buckets, `
		SELECT city, district, product_type, size,
		       MIN(id) AS sample_id,
		       MIN(price)::text AS min_price,
		       SUM(available - reserved) AS free_units
		FROM products
		WHERE available > reserved
		GROUP BY city, district, product_type, size
		ORDER BY city, district, product_type, size
		LIMIT $1`, limit)
	return buckets, err
}

// claimTx selects the first free unit of the bucket and increments its
// reserved counter under the available > reserved guard.
func claimTx(ctx context.Context, tx *sqlx.Tx, q models.UnitQuery) (*models.InventoryUnit, error) {
	var unit models.InventoryUnit
	err := tx.GetContext(ctx, &unit, `
		SELECT `+unitColumns+`
		FROM products
		WHERE city = $1 AND district = $2 AND product_type = $3 AND size = $4
		  AND available > reserved
		ORDER BY id
		LIMIT 1`,
		q.City, q.District, q.ProductType, q.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCandidate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select unit: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE products SET reserved = reserved + 1 WHERE id = $1 AND available > reserved",
		unit.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve unit %d: %w", unit.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrClaimConflict
	}

	unit.Reserved++
	return &unit, nil
}

// ClaimUnit reserves one unit of the bucket and records the hold for userID
// in the same transaction. source is models.HoldSourceBasket or
// models.HoldSourceSingle.
func (s *Store) ClaimUnit(ctx context.Context, userID int64, q models.UnitQuery, source string, at time.Time) (*models.InventoryUnit, *models.BasketEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	unit, err := claimTx(ctx, tx, q)
	if err != nil {
		return nil, nil, err
	}

	entry := &models.BasketEntry{
		UserID:      userID,
		ProductID:   unit.ID,
		Price:       unit.Price,
		ProductType: unit.ProductType,
		Source:      source,
		ReservedAt:  at,
	}
	err = tx.GetContext(ctx, &entry.ID, `
		INSERT INTO basket_entries (user_id, product_id, price, product_type, source, reserved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		entry.UserID, entry.ProductID, entry.Price, entry.ProductType, entry.Source, entry.ReservedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to record hold: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return unit, entry, nil
}

// releaseCountsTx updates rows in id order so concurrent batches lock in the
// same sequence.
func releaseCountsTx(ctx context.Context, tx *sqlx.Tx, counts map[int64]int) error {
	ids := make([]int64, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, productID := range ids {
		n := counts[productID]
		if n <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE products SET reserved = GREATEST(0, reserved - $1) WHERE id = $2",
			n, productID); err != nil {
			return fmt.Errorf("failed to release unit %d: %w", productID, err)
		}
	}
	return nil
}

// CreateUnit inserts a catalog row, used by catalog management and tests
func (s *Store) CreateUnit(ctx context.Context, unit *models.InventoryUnit) error {
	return s.db.GetContext(ctx, &unit.ID, `
		INSERT INTO products (city, district, product_type, size, name, original_text, price, available, reserved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		unit.City, unit.District, unit.ProductType, unit.Size, unit.Name, unit.OriginalText,
		unit.Price, unit.Available, unit.Reserved)
}

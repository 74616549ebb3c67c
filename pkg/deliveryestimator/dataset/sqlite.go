package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/delivery-estimator/pkg/deliveryestimator/features"
)

// SQLiteSource stores historical orders in a local SQLite database
type SQLiteSource struct {
	db       *sql.DB
	dbPath   string
	mutex    sync.RWMutex
	prepared map[string]*sql.Stmt
}

// NewSQLiteSource opens (and creates when needed) the order database at dbPath
func NewSQLiteSource(dbPath string) (*SQLiteSource, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteSource{
		db:       db,
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteSource) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		purchased_at DATETIME NOT NULL,
		payment_approved_at DATETIME,
		customer_lat REAL NOT NULL,
		customer_lng REAL NOT NULL,
		seller_lat REAL NOT NULL,
		seller_lng REAL NOT NULL,
		weight_g REAL NOT NULL,
		length_cm REAL,
		width_cm REAL,
		height_cm REAL,
		freight_value REAL NOT NULL,
		delivery_days REAL, -- NULL until the order is delivered
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_orders_purchased_at ON orders(purchased_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteSource) prepareStatements() error {
	statements := map[string]string{
		"upsert": `
			INSERT OR REPLACE INTO orders (
				order_id, purchased_at, payment_approved_at, customer_lat, customer_lng,
				seller_lat, seller_lng, weight_g, length_cm, width_cm, height_cm,
				freight_value, delivery_days
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
		"select_all": `
			SELECT order_id, purchased_at, payment_approved_at, customer_lat, customer_lng,
				   seller_lat, seller_lng, weight_g, length_cm, width_cm, height_cm,
				   freight_value, delivery_days
			FROM orders
			ORDER BY purchased_at ASC, order_id ASC
		`,
		"count": `SELECT COUNT(*) FROM orders`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %w", name, err)
		}
		s.prepared[name] = stmt
	}

	return nil
}

// Store upserts records in a single transaction
func (s *SQLiteSource) Store(ctx context.Context, records []features.RawOrderRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt := tx.StmtContext(ctx, s.prepared["upsert"])
	for _, r := range records {
		var approved interface{}
		if !r.PaymentApprovedAt.IsZero() {
			approved = r.PaymentApprovedAt
		}
		var delivery interface{}
		if r.DeliveryDays != nil {
			delivery = *r.DeliveryDays
		}
		if _, err := stmt.ExecContext(ctx,
			r.OrderID,
			r.PurchasedAt,
			approved,
			r.Customer.Lat,
			r.Customer.Lng,
			r.Seller.Lat,
			r.Seller.Lng,
			r.WeightG,
			r.LengthCm,
			r.WidthCm,
			r.HeightCm,
			r.FreightValue,
			delivery,
		); err != nil {
			tx.Rollback()
			klog.V(2).InfoS("Failed to store order record", "error", err, "orderID", r.OrderID)
			return fmt.Errorf("failed to store order %s: %w", r.OrderID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit orders: %w", err)
	}

	klog.V(3).InfoS("Stored order records", "count", len(records), "db", s.dbPath)
	return nil
}

// Load returns every stored order, oldest purchase first
func (s *SQLiteSource) Load(ctx context.Context) ([]features.RawOrderRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["select_all"].QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// Count returns the number of stored orders
func (s *SQLiteSource) Count(ctx context.Context) (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var n int
	if err := s.prepared["count"].QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

func scanRows(rows *sql.Rows) ([]features.RawOrderRecord, error) {
	var records []features.RawOrderRecord

	for rows.Next() {
		var r features.RawOrderRecord
		var approved sql.NullTime
		var length, width, height, delivery sql.NullFloat64

		err := rows.Scan(
			&r.OrderID,
			&r.PurchasedAt,
			&approved,
			&r.Customer.Lat,
			&r.Customer.Lng,
			&r.Seller.Lat,
			&r.Seller.Lng,
			&r.WeightG,
			&length,
			&width,
			&height,
			&r.FreightValue,
			&delivery,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if approved.Valid {
			r.PaymentApprovedAt = approved.Time
		}
		r.LengthCm, r.WidthCm, r.HeightCm = length.Float64, width.Float64, height.Float64
		if delivery.Valid {
			d := delivery.Float64
			r.DeliveryDays = &d
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// Close closes the database connection
func (s *SQLiteSource) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, stmt := range s.prepared {
		stmt.Close()
	}

	return s.db.Close()
}

package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/store"
	"kasirsync/terminal/internal/xid"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

// Open prepares a connection pool without contacting the server, so a
// terminal can start while the backend is unreachable.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// New opens the pool and fails unless the server answers a ping.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	s, err := Open(databaseURL)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		_ = s.db.Close()
		return nil, classify(err)
	}
	return s, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := pgxmigrate.WithInstance(s.db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) InsertSale(ctx context.Context, sale domain.SaleRecord) (string, error) {
	if sale.ClientRef == "" || len(sale.Items) == 0 {
		return "", store.ErrInvalidSale
	}

	items, err := json.Marshal(sale.Items)
	if err != nil {
		return "", err
	}
	payments, err := json.Marshal(sale.Payments)
	if err != nil {
		return "", err
	}
	totals, err := json.Marshal(sale.Totals)
	if err != nil {
		return "", err
	}
	var change []byte
	if sale.Change != nil {
		if change, err = json.Marshal(sale.Change); err != nil {
			return "", err
		}
	}
	serverCreatedAt := sale.ServerCreatedAt
	if serverCreatedAt.IsZero() {
		serverCreatedAt = time.Now().UTC()
	}
	date := sale.Date
	if date == "" {
		date = store.DefaultDate(serverCreatedAt)
	}

	id := xid.New("sale")
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sales (
			id, client_ref, branch_id, staff_id, staff_name, client_name, status,
			currency, total, totals, items, payments, change,
			additional_discount_percent, business_date, created_at, server_created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, id, sale.ClientRef, sale.BranchID, sale.StaffID, sale.StaffName, sale.ClientName, string(sale.Status),
		string(sale.Currency), sale.Total, totals, items, payments, change,
		sale.AdditionalDiscountPercent, date, sale.CreatedAt, serverCreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return s.saleIDByClientRef(ctx, sale.ClientRef)
		}
		return "", classify(err)
	}
	return id, nil
}

func (s *Store) saleIDByClientRef(ctx context.Context, clientRef string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sales WHERE client_ref = $1`, clientRef).Scan(&id)
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

const productColumns = `id, barcode, branch_id, name, prices, discount_percent, stock, variants, version, updated_at`

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.ProductSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID)
	p, err := scanProduct(row)
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

func (s *Store) FindProductByBarcode(ctx context.Context, branchID string, barcode string) (*domain.ProductSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE branch_id = $1 AND barcode = $2
	`, branchID, barcode)
	p, err := scanProduct(row)
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

func (s *Store) ListProductsByBranch(ctx context.Context, branchID string) ([]domain.ProductSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE branch_id = $1
		ORDER BY id
	`, branchID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	products := make([]domain.ProductSnapshot, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, classify(err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return products, nil
}

// UpsertProduct writes a full product row. Used to seed branches.
func (s *Store) UpsertProduct(ctx context.Context, p domain.ProductSnapshot) error {
	prices, err := json.Marshal(p.Prices)
	if err != nil {
		return err
	}
	variants, err := marshalVariants(p.Variants)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (id, barcode, branch_id, name, prices, discount_percent, stock, variants, version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,now())
		ON CONFLICT (id)
		DO UPDATE SET barcode = EXCLUDED.barcode, branch_id = EXCLUDED.branch_id, name = EXCLUDED.name,
			prices = EXCLUDED.prices, discount_percent = EXCLUDED.discount_percent, stock = EXCLUDED.stock,
			variants = EXCLUDED.variants, version = products.version + 1, updated_at = now()
	`, p.ProductID, p.Barcode, p.BranchID, p.Name, prices, p.DiscountPercent,
		domain.RecomputeStock(p.Variants, p.Stock), variants)
	return classify(err)
}

func (s *Store) UpdateProductStock(ctx context.Context, productID string, variants []domain.Variant, stock int) error {
	raw, err := marshalVariants(variants)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock = $2, variants = $3, version = version + 1, updated_at = now()
		WHERE id = $1
	`, productID, max(stock, 0), raw)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CompareAndSwapStock(ctx context.Context, productID string, expectedVersion int64, variants []domain.Variant, stock int) (bool, error) {
	raw, err := marshalVariants(variants)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock = $3, variants = $4, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
	`, productID, expectedVersion, max(stock, 0), raw)
	if err != nil {
		return false, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	if affected == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return false, classify(err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.ProductSnapshot, error) {
	var (
		p        domain.ProductSnapshot
		prices   []byte
		variants []byte
		discount decimal.Decimal
	)
	if err := row.Scan(&p.ProductID, &p.Barcode, &p.BranchID, &p.Name, &prices, &discount, &p.Stock, &variants, &p.Version, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.DiscountPercent = discount
	if len(prices) > 0 {
		if err := json.Unmarshal(prices, &p.Prices); err != nil {
			return nil, fmt.Errorf("decode prices for %s: %w", p.ProductID, err)
		}
	}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &p.Variants); err != nil {
			return nil, fmt.Errorf("decode variants for %s: %w", p.ProductID, err)
		}
	}
	if len(p.Variants) == 0 {
		p.Variants = nil
	}
	return &p, nil
}

func marshalVariants(variants []domain.Variant) ([]byte, error) {
	if variants == nil {
		variants = []domain.Variant{}
	}
	return json.Marshal(variants)
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03":
			return store.Unavailable(err)
		case pgErr.Code == "42501":
			return fmt.Errorf("%w: %s", store.ErrPermissionDenied, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("%w: %s", store.ErrInvalidSale, pgErr.Message)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || store.IsUnavailable(err) {
		return store.Unavailable(err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

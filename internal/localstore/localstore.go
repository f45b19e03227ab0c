// Package localstore is the on-device durable queue for sales recorded
// while the terminal is offline, plus a read-through copy of branch
// inventory used for barcode lookups without connectivity.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotPending is returned by MarkSynced when the sale is no longer queued.
var ErrNotPending = errors.New("sale is not pending sync")

type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used to stamp queued sales.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func Open(ctx context.Context, path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{"busy_timeout(5000)", "journal_mode(WAL)", "synchronous(NORMAL)", "foreign_keys(ON)"},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping local store: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger.Named("localstore"), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open local migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create local migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create local migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run local migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// salePayload is the immutable part of a queued sale.
type salePayload struct {
	Items                     []domain.LineItem                   `json:"items"`
	Total                     decimal.Decimal                     `json:"total"`
	Currency                  domain.Currency                     `json:"currency"`
	Totals                    map[domain.Currency]decimal.Decimal `json:"totals,omitempty"`
	Rates                     domain.ExchangeRates                `json:"rates,omitempty"`
	Payments                  []domain.Payment                    `json:"payments"`
	Change                    *domain.Change                      `json:"change,omitempty"`
	ClientName                string                              `json:"client_name,omitempty"`
	AdditionalDiscountPercent decimal.Decimal                     `json:"additional_discount_percent"`
	Status                    domain.SaleStatus                   `json:"status"`
	StaffID                   string                              `json:"staff_id"`
	StaffName                 string                              `json:"staff_name"`
	Date                      string                              `json:"date,omitempty"`
}

// SaveOfflineSale queues the sale as PENDING_SYNC and returns its local id.
// A RemoteID and StockApplied already on the sale are stored with the row.
func (s *Store) SaveOfflineSale(ctx context.Context, sale domain.SaleRecord) (int64, error) {
	payload, err := json.Marshal(salePayload{
		Items:                     sale.Items,
		Total:                     sale.Total,
		Currency:                  sale.Currency,
		Totals:                    sale.Totals,
		Rates:                     sale.Rates,
		Payments:                  sale.Payments,
		Change:                    sale.Change,
		ClientName:                sale.ClientName,
		AdditionalDiscountPercent: sale.AdditionalDiscountPercent,
		Status:                    sale.Status,
		StaffID:                   sale.StaffID,
		StaffName:                 sale.StaffName,
		Date:                      sale.Date,
	})
	if err != nil {
		return 0, fmt.Errorf("encode offline sale: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sales (client_ref, branch_id, payload, created_at, sync_status, synced, synced_at, remote_id, stock_applied)
		VALUES (?, ?, ?, ?, ?, 0, NULL, ?, ?)
	`, sale.ClientRef, sale.BranchID, string(payload), formatTime(s.now()), string(domain.SyncStatusPending),
		sale.RemoteID, sale.StockApplied)
	if err != nil {
		return 0, fmt.Errorf("save offline sale: %w", err)
	}
	localID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save offline sale: %w", err)
	}
	return localID, nil
}

const saleColumns = `local_id, client_ref, branch_id, payload, created_at, sync_status, synced, synced_at, remote_id, stock_applied`

// QueryPending returns every PENDING_SYNC sale, oldest first.
func (s *Store) QueryPending(ctx context.Context) ([]domain.SaleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE sync_status = ?
		ORDER BY local_id
	`, string(domain.SyncStatusPending))
	if err != nil {
		return nil, fmt.Errorf("query pending sales: %w", err)
	}
	defer rows.Close()

	sales := make([]domain.SaleRecord, 0, 16)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending sale: %w", err)
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query pending sales: %w", err)
	}
	return sales, nil
}

func (s *Store) GetSale(ctx context.Context, localID int64) (*domain.SaleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE local_id = ?`, localID)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get sale %d: %w", localID, err)
	}
	return sale, nil
}

func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sales WHERE sync_status = ?`, string(domain.SyncStatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending sales: %w", err)
	}
	return n, nil
}

// RecordProgress persists partial sync progress. The sale stays pending.
func (s *Store) RecordProgress(ctx context.Context, localID int64, remoteID string, stockApplied int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET remote_id = ?, stock_applied = ?
		WHERE local_id = ? AND sync_status = ?
	`, remoteID, stockApplied, localID, string(domain.SyncStatusPending))
	if err != nil {
		return fmt.Errorf("record progress for sale %d: %w", localID, err)
	}
	return nil
}

// MarkSynced flips a pending sale to COMPLETED in a single statement.
func (s *Store) MarkSynced(ctx context.Context, localID int64, remoteID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET sync_status = ?, synced = 1, synced_at = ?, remote_id = ?
		WHERE local_id = ? AND sync_status = ?
	`, string(domain.SyncStatusCompleted), formatTime(s.now()), remoteID, localID, string(domain.SyncStatusPending))
	if err != nil {
		return fmt.Errorf("mark sale %d synced: %w", localID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark sale %d synced: %w", localID, err)
	}
	if affected == 0 {
		return ErrNotPending
	}
	return nil
}

func scanSale(row interface{ Scan(...any) error }) (*domain.SaleRecord, error) {
	var (
		sale         domain.SaleRecord
		payloadRaw   string
		createdAtRaw string
		syncStatus   string
		synced       int
		syncedAtRaw  sql.NullString
	)
	if err := row.Scan(&sale.LocalID, &sale.ClientRef, &sale.BranchID, &payloadRaw, &createdAtRaw,
		&syncStatus, &synced, &syncedAtRaw, &sale.RemoteID, &sale.StockApplied); err != nil {
		return nil, err
	}

	var payload salePayload
	if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
		return nil, fmt.Errorf("decode sale %d: %w", sale.LocalID, err)
	}
	sale.Items = payload.Items
	sale.Total = payload.Total
	sale.Currency = payload.Currency
	sale.Totals = payload.Totals
	sale.Rates = payload.Rates
	sale.Payments = payload.Payments
	sale.Change = payload.Change
	sale.ClientName = payload.ClientName
	sale.AdditionalDiscountPercent = payload.AdditionalDiscountPercent
	sale.Status = payload.Status
	sale.StaffID = payload.StaffID
	sale.StaffName = payload.StaffName
	sale.Date = payload.Date

	sale.SyncStatus = domain.SyncStatus(syncStatus)
	sale.Synced = synced == 1
	createdAt, err := parseTime(createdAtRaw)
	if err != nil {
		return nil, err
	}
	sale.CreatedAt = createdAt
	if syncedAtRaw.Valid {
		syncedAt, err := parseTime(syncedAtRaw.String)
		if err != nil {
			return nil, err
		}
		sale.SyncedAt = &syncedAt
	}
	return &sale, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", raw, err)
	}
	return t, nil
}

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"kasirsync/terminal/internal/domain"
)

// The inventory cache is advisory: write failures are logged and swallowed,
// read failures yield empty results.

// CacheInventory upserts the given snapshots in one transaction.
func (s *Store) CacheInventory(ctx context.Context, items []domain.ProductSnapshot) {
	if len(items) == 0 {
		return
	}
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsertProducts(ctx, tx, items)
	}); err != nil {
		s.logger.Warn("cache inventory failed", zap.Int("items", len(items)), zap.Error(err))
	}
}

// ReplaceBranchInventory swaps the cached inventory of a branch wholesale.
func (s *Store) ReplaceBranchInventory(ctx context.Context, branchID string, items []domain.ProductSnapshot) {
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE branch_id = ?`, branchID); err != nil {
			return err
		}
		return s.upsertProducts(ctx, tx, items)
	}); err != nil {
		s.logger.Warn("replace branch inventory failed", zap.String("branch_id", branchID), zap.Error(err))
	}
}

func (s *Store) UpsertProduct(ctx context.Context, p domain.ProductSnapshot) {
	s.CacheInventory(ctx, []domain.ProductSnapshot{p})
}

func (s *Store) LookupByBarcode(ctx context.Context, branchID string, barcode string) *domain.ProductSnapshot {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM products
		WHERE branch_id = ? AND barcode = ?
		LIMIT 1
	`, branchID, barcode)
	return s.scanCachedProduct(row, zap.String("barcode", barcode))
}

func (s *Store) GetProduct(ctx context.Context, productID string) *domain.ProductSnapshot {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM products WHERE product_id = ?`, productID)
	return s.scanCachedProduct(row, zap.String("product_id", productID))
}

func (s *Store) ListBranchInventory(ctx context.Context, branchID string) []domain.ProductSnapshot {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM products
		WHERE branch_id = ?
		ORDER BY product_id
	`, branchID)
	if err != nil {
		s.logger.Warn("list branch inventory failed", zap.String("branch_id", branchID), zap.Error(err))
		return []domain.ProductSnapshot{}
	}
	defer rows.Close()

	out := make([]domain.ProductSnapshot, 0, 32)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			s.logger.Warn("scan cached product failed", zap.Error(err))
			return []domain.ProductSnapshot{}
		}
		var p domain.ProductSnapshot
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Warn("decode cached product failed", zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("list branch inventory failed", zap.String("branch_id", branchID), zap.Error(err))
		return []domain.ProductSnapshot{}
	}
	return out
}

func (s *Store) scanCachedProduct(row *sql.Row, field zap.Field) *domain.ProductSnapshot {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("read cached product failed", field, zap.Error(err))
		}
		return nil
	}
	var p domain.ProductSnapshot
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.logger.Warn("decode cached product failed", field, zap.Error(err))
		return nil
	}
	return &p
}

func (s *Store) upsertProducts(ctx context.Context, tx *sql.Tx, items []domain.ProductSnapshot) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (product_id, branch_id, barcode, payload, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (product_id) DO UPDATE SET
			branch_id = excluded.branch_id,
			barcode = excluded.barcode,
			payload = excluded.payload,
			cached_at = excluded.cached_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	cachedAt := formatTime(s.now())
	for _, p := range items {
		if p.ProductID == "" {
			continue
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode product %s: %w", p.ProductID, err)
		}
		if _, err := stmt.ExecContext(ctx, p.ProductID, p.BranchID, p.Barcode, string(raw), cachedAt); err != nil {
			return fmt.Errorf("upsert product %s: %w", p.ProductID, err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const inventoryColumns = `product_id, stock, low_stock_threshold, updated_at`

// InventoryRepository хранит остатки; изменения — атомарные инкременты в базе.
type InventoryRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewInventoryRepository создаёт PostgreSQL-реализацию InventoryRepository.
func NewInventoryRepository(store *Store) *InventoryRepository {
	return &InventoryRepository{db: store.DB(), now: func() time.Time { return time.Now().UTC() }}
}

func (r *InventoryRepository) Get(ctx context.Context, productID string) (domain.InventoryRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var rec domain.InventoryRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+inventoryColumns+` FROM inventory WHERE product_id = $1`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InventoryRecord{}, domain.ErrInventoryNotFound
	}
	if err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("get inventory: %w", err)
	}
	return rec, nil
}

func (r *InventoryRepository) AddStock(ctx context.Context, productID string, qty, threshold int) (domain.InventoryRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if threshold <= 0 {
		threshold = domain.DefaultLowStockThreshold
	}
	var rec domain.InventoryRecord
	err := r.db.GetContext(ctx, &rec, `
		INSERT INTO inventory (product_id, stock, low_stock_threshold, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id) DO UPDATE
		SET stock = inventory.stock + EXCLUDED.stock,
		    updated_at = EXCLUDED.updated_at
		RETURNING `+inventoryColumns,
		productID, qty, threshold, r.now())
	if err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("add stock: %w", err)
	}
	return rec, nil
}

func (r *InventoryRepository) ReduceStock(ctx context.Context, productID string, qty int) (domain.InventoryRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var rec domain.InventoryRecord
	err := r.db.GetContext(ctx, &rec, `
		UPDATE inventory
		SET stock = stock - $2, updated_at = $3
		WHERE product_id = $1 AND stock >= $2
		RETURNING `+inventoryColumns,
		productID, qty, r.now())
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.InventoryRecord{}, fmt.Errorf("reduce stock: %w", err)
	}

	current, getErr := r.Get(ctx, productID)
	if getErr != nil {
		return domain.InventoryRecord{}, getErr
	}
	return current, fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientStock, qty, current.Stock)
}

// ApplyAdjustments применяет пакет в одной транзакции; отметка (orderID, kind)
// в inventory_adjustments не даёт применить его повторно. Пакеты одного заказа
// сериализуются advisory-блокировкой.
func (r *InventoryRepository) ApplyAdjustments(ctx context.Context, orderID string, kind domain.AdjustmentKind, adj []domain.StockAdjustment) (domain.AdjustmentResult, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.AdjustmentResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, orderID); err != nil {
		return domain.AdjustmentResult{}, fmt.Errorf("lock order adjustments: %w", err)
	}

	now := r.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_adjustments (order_id, kind, applied_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id, kind) DO NOTHING
	`, orderID, string(kind), now)
	if err != nil {
		return domain.AdjustmentResult{}, fmt.Errorf("record adjustment: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return domain.AdjustmentResult{}, fmt.Errorf("rows affected: %w", err)
	} else if affected == 0 {
		return domain.AdjustmentResult{Duplicate: true}, nil
	}

	var kinds []string
	if err := tx.SelectContext(ctx, &kinds, `
		SELECT kind FROM inventory_adjustments WHERE order_id = $1
	`, orderID); err != nil {
		return domain.AdjustmentResult{}, fmt.Errorf("load order adjustments: %w", err)
	}
	placed := lo.Contains(kinds, string(domain.AdjustmentOrderPlaced))
	canceled := lo.Contains(kinds, string(domain.AdjustmentOrderCanceled))
	if !domain.StockChangeApplies(kind, placed, canceled) {
		if err := tx.Commit(); err != nil {
			return domain.AdjustmentResult{}, fmt.Errorf("commit adjustment marker: %w", err)
		}
		return domain.AdjustmentResult{Skipped: true}, nil
	}

	var (
		result   domain.AdjustmentResult
		position = make(map[string]int, len(adj))
		missing  = make(map[string]bool)
	)
	for _, a := range adj {
		var rec domain.InventoryRecord
		err := tx.GetContext(ctx, &rec, `
			UPDATE inventory
			SET stock = stock + $2, updated_at = $3
			WHERE product_id = $1
			RETURNING `+inventoryColumns,
			a.ProductID, a.Delta, now)
		if errors.Is(err, sql.ErrNoRows) {
			if !missing[a.ProductID] {
				missing[a.ProductID] = true
				result.Missing = append(result.Missing, a.ProductID)
			}
			continue
		}
		if err != nil {
			return domain.AdjustmentResult{}, fmt.Errorf("adjust stock of %s: %w", a.ProductID, err)
		}
		if i, seen := position[rec.ProductID]; seen {
			result.Applied[i] = rec
			continue
		}
		position[rec.ProductID] = len(result.Applied)
		result.Applied = append(result.Applied, rec)
	}

	if err := tx.Commit(); err != nil {
		return domain.AdjustmentResult{}, fmt.Errorf("commit adjustments: %w", err)
	}
	return result, nil
}

func (r *InventoryRepository) ListLowStock(ctx context.Context) ([]domain.InventoryRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	records := make([]domain.InventoryRecord, 0)
	if err := r.db.SelectContext(ctx, &records, `
		SELECT `+inventoryColumns+` FROM inventory
		WHERE stock <= low_stock_threshold
		ORDER BY stock ASC, product_id ASC
	`); err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	return records, nil
}

var _ domain.InventoryRepository = (*InventoryRepository)(nil)

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type adjustmentKey struct {
	orderID string
	kind    domain.AdjustmentKind
}

// InventoryRepository — in-memory склад. Все изменения выполняются под одной блокировкой.
type InventoryRepository struct {
	mu      sync.RWMutex
	records map[string]domain.InventoryRecord
	applied map[adjustmentKey]struct{}
	now     func() time.Time
}

// NewInventoryRepository создаёт пустой склад.
func NewInventoryRepository() *InventoryRepository {
	return &InventoryRepository{
		records: make(map[string]domain.InventoryRecord),
		applied: make(map[adjustmentKey]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get возвращает запись или ErrInventoryNotFound.
func (r *InventoryRepository) Get(_ context.Context, productID string) (domain.InventoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[productID]
	if !ok {
		return domain.InventoryRecord{}, domain.ErrInventoryNotFound
	}
	return rec, nil
}

// AddStock увеличивает остаток, создавая запись при первом поступлении.
func (r *InventoryRepository) AddStock(_ context.Context, productID string, qty, threshold int) (domain.InventoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[productID]
	if !ok {
		if threshold <= 0 {
			threshold = domain.DefaultLowStockThreshold
		}
		rec = domain.InventoryRecord{ProductID: productID, LowStockThreshold: threshold}
	}
	rec.Stock += qty
	rec.UpdatedAt = r.now()
	r.records[productID] = rec
	return rec, nil
}

// ReduceStock списывает остаток, не допуская ухода в минус.
func (r *InventoryRepository) ReduceStock(_ context.Context, productID string, qty int) (domain.InventoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[productID]
	if !ok {
		return domain.InventoryRecord{}, domain.ErrInventoryNotFound
	}
	if qty > rec.Stock {
		return rec, fmt.Errorf("%w: product %s has %d, requested %d", domain.ErrInsufficientStock, productID, rec.Stock, qty)
	}
	rec.Stock -= qty
	rec.UpdatedAt = r.now()
	r.records[productID] = rec
	return rec, nil
}

// ApplyAdjustments применяет пакет изменений по заказу один раз для пары (orderID, kind).
func (r *InventoryRepository) ApplyAdjustments(_ context.Context, orderID string, kind domain.AdjustmentKind, adj []domain.StockAdjustment) (domain.AdjustmentResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := adjustmentKey{orderID: orderID, kind: kind}
	if _, done := r.applied[key]; done {
		return domain.AdjustmentResult{Duplicate: true}, nil
	}

	_, placed := r.applied[adjustmentKey{orderID: orderID, kind: domain.AdjustmentOrderPlaced}]
	_, canceled := r.applied[adjustmentKey{orderID: orderID, kind: domain.AdjustmentOrderCanceled}]
	r.applied[key] = struct{}{}
	if !domain.StockChangeApplies(kind, placed, canceled) {
		return domain.AdjustmentResult{Skipped: true}, nil
	}

	updated, missing := domain.ApplyAdjustments(r.records, adj, r.now())
	for _, rec := range updated {
		r.records[rec.ProductID] = rec
	}

	return domain.AdjustmentResult{Applied: updated, Missing: missing}, nil
}

// ListLowStock возвращает записи на пороге или ниже, отсортированные по товару.
func (r *InventoryRepository) ListLowStock(_ context.Context) ([]domain.InventoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.InventoryRecord, 0)
	for _, rec := range r.records {
		if rec.IsLow() {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}

var _ domain.InventoryRepository = (*InventoryRepository)(nil)

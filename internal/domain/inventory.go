package domain

import "time"

// DefaultLowStockThreshold используется, если порог не задан при создании записи.
const DefaultLowStockThreshold = 10

// InventoryRecord — складской остаток по одному товару.
type InventoryRecord struct {
	ProductID         string    `json:"productId" db:"product_id"`
	Stock             int       `json:"stock" db:"stock"`
	LowStockThreshold int       `json:"lowStockThreshold" db:"low_stock_threshold"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}

// IsLow сообщает, что остаток на пороге или ниже.
func (r InventoryRecord) IsLow() bool {
	return r.Stock <= r.LowStockThreshold
}

// AdjustmentKind — причина пакетного изменения остатков по заказу.
type AdjustmentKind string

const (
	// AdjustmentOrderPlaced — списание под новый заказ.
	AdjustmentOrderPlaced AdjustmentKind = "order_placed"
	// AdjustmentOrderCanceled — возврат остатков при отмене или истечении заказа.
	AdjustmentOrderCanceled AdjustmentKind = "order_canceled"
)

// StockChangeApplies решает, трогает ли пакет остатки, по уже записанным пакетам заказа.
// Отмена без списания остаётся отметкой, а списание после такой отметки пропускается.
func StockChangeApplies(kind AdjustmentKind, placed, canceled bool) bool {
	switch kind {
	case AdjustmentOrderCanceled:
		return placed
	case AdjustmentOrderPlaced:
		return !canceled
	default:
		return true
	}
}

// StockAdjustment — изменение остатка одного товара (Delta может быть отрицательной).
type StockAdjustment struct {
	ProductID string
	Delta     int
}

// AdjustmentResult описывает итог применения пакета изменений.
type AdjustmentResult struct {
	// Duplicate — пакет для (orderID, kind) уже применялся, остатки не тронуты.
	Duplicate bool
	// Skipped — пакет записан, но остатки не менялись: парный пакет заказа этого не допускает.
	Skipped bool
	// Applied — изменения, применённые к существующим записям, вместе с новым остатком.
	Applied []InventoryRecord
	// Missing — товары без складской записи, пропущены.
	Missing []string
}

// ApplyAdjustments применяет изменения к снимку остатков и возвращает изменённые записи.
// Исходная карта не модифицируется. Товары без записи попадают в missing.
func ApplyAdjustments(records map[string]InventoryRecord, adj []StockAdjustment, now time.Time) (updated []InventoryRecord, missing []string) {
	working := make(map[string]InventoryRecord, len(adj))
	order := make([]string, 0, len(adj))
	for _, a := range adj {
		rec, ok := working[a.ProductID]
		if !ok {
			rec, ok = records[a.ProductID]
			if !ok {
				missing = append(missing, a.ProductID)
				continue
			}
			order = append(order, a.ProductID)
		}
		rec.Stock += a.Delta
		rec.UpdatedAt = now
		working[a.ProductID] = rec
	}
	for _, id := range order {
		updated = append(updated, working[id])
	}
	return updated, missing
}

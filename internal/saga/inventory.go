package saga

import (
	"fmt"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/events"
)

// StockPlan — изменения остатков, которые склад должен применить в ответ на событие.
type StockPlan struct {
	OrderID     string
	Kind        domain.AdjustmentKind
	Adjustments []domain.StockAdjustment
}

// Empty сообщает, что событие не требует изменения остатков.
func (p StockPlan) Empty() bool { return len(p.Adjustments) == 0 }

// PlanStock определяет реакцию склада на событие жизненного цикла заказа:
// order_placed списывает остатки, order_canceled возвращает их, order_shipped ничего не меняет.
func PlanStock(ev events.Event) (StockPlan, error) {
	switch e := ev.(type) {
	case events.OrderPlaced:
		return StockPlan{OrderID: e.OrderID, Kind: domain.AdjustmentOrderPlaced, Adjustments: e.Adjustments(-1)}, nil
	case events.OrderCanceled:
		return StockPlan{OrderID: e.OrderID, Kind: domain.AdjustmentOrderCanceled, Adjustments: e.Adjustments(1)}, nil
	case events.OrderShipped:
		return StockPlan{OrderID: e.OrderID}, nil
	default:
		return StockPlan{}, fmt.Errorf("%w: inventory does not handle %s", events.ErrUnknownTopic, ev.Topic())
	}
}

// ValidateStockChange проверяет количество для прямых операций со складом.
func ValidateStockChange(productID string, qty int) error {
	if productID == "" {
		return domain.ErrProductIDRequired
	}
	if qty <= 0 {
		return domain.ErrQuantityInvalid
	}
	return nil
}

// ReduceStock — решение по прямому списанию: остаток не может уйти в минус.
func ReduceStock(rec domain.InventoryRecord, qty int) (domain.InventoryRecord, error) {
	if err := ValidateStockChange(rec.ProductID, qty); err != nil {
		return rec, err
	}
	if qty > rec.Stock {
		return rec, fmt.Errorf("%w: product %s has %d, requested %d", domain.ErrInsufficientStock, rec.ProductID, rec.Stock, qty)
	}
	rec.Stock -= qty
	return rec, nil
}

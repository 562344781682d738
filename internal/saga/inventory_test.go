package saga_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/events"
	"github.com/vladislavdragonenkov/storefront/internal/saga"
)

func TestPlanStock(t *testing.T) {
	snap := events.OrderSnapshot{
		OrderID:  "order-1",
		Products: []events.ProductQuantity{{ProductID: "A", Quantity: 2}, {ProductID: "B", Quantity: 1}},
	}

	placed, err := saga.PlanStock(events.OrderPlaced{OrderSnapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, domain.AdjustmentOrderPlaced, placed.Kind)
	assert.Equal(t, []domain.StockAdjustment{{ProductID: "A", Delta: -2}, {ProductID: "B", Delta: -1}}, placed.Adjustments)

	canceled, err := saga.PlanStock(events.OrderCanceled{OrderSnapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, domain.AdjustmentOrderCanceled, canceled.Kind)
	assert.Equal(t, []domain.StockAdjustment{{ProductID: "A", Delta: 2}, {ProductID: "B", Delta: 1}}, canceled.Adjustments)

	shipped, err := saga.PlanStock(events.OrderShipped{OrderSnapshot: snap})
	require.NoError(t, err)
	assert.True(t, shipped.Empty())

	_, err = saga.PlanStock(events.PaymentCompleted{OrderID: "order-1"})
	require.Error(t, err)
}

// Компенсация возвращает остатки ровно к уровню до размещения заказа.
func TestPlacementAndCancellationCompensate(t *testing.T) {
	snap := events.OrderSnapshot{
		OrderID:  "order-1",
		Products: []events.ProductQuantity{{ProductID: "A", Quantity: 2}, {ProductID: "B", Quantity: 1}},
	}
	records := map[string]domain.InventoryRecord{
		"A": {ProductID: "A", Stock: 10},
		"B": {ProductID: "B", Stock: 1},
	}

	placed, _ := saga.PlanStock(events.OrderPlaced{OrderSnapshot: snap})
	after, missing := domain.ApplyAdjustments(records, placed.Adjustments, now)
	require.Empty(t, missing)
	for _, rec := range after {
		records[rec.ProductID] = rec
	}
	assert.Equal(t, 8, records["A"].Stock)
	assert.Equal(t, 0, records["B"].Stock)

	canceled, _ := saga.PlanStock(events.OrderCanceled{OrderSnapshot: snap})
	restored, _ := domain.ApplyAdjustments(records, canceled.Adjustments, now)
	for _, rec := range restored {
		records[rec.ProductID] = rec
	}
	assert.Equal(t, 10, records["A"].Stock)
	assert.Equal(t, 1, records["B"].Stock)
}

func TestReduceStock(t *testing.T) {
	rec := domain.InventoryRecord{ProductID: "A", Stock: 3}

	got, err := saga.ReduceStock(rec, 5)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 3, got.Stock)

	got, err = saga.ReduceStock(rec, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Stock)

	_, err = saga.ReduceStock(rec, 0)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestValidateStockChange(t *testing.T) {
	require.NoError(t, saga.ValidateStockChange("A", 1))
	require.ErrorIs(t, saga.ValidateStockChange("", 1), domain.ErrValidation)
	require.ErrorIs(t, saga.ValidateStockChange("A", -1), domain.ErrValidation)
}

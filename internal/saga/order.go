// Package saga содержит чистые функции принятия решений участников саги заказа:
// (текущее состояние, триггер) -> (новое состояние, события). Здесь нет ввода-вывода,
// поэтому гонки и идемпотентность проверяются обычными unit-тестами.
package saga

import (
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/events"
)

// OrderOutcome — результат решения по заказу.
type OrderOutcome struct {
	// Order — состояние после решения.
	Order domain.Order
	// Changed — заказ нужно сохранить.
	Changed bool
	// Events публикуются после сохранения в указанном порядке.
	Events []events.Event
	// CancelJob — нужно снять задачу истечения (best-effort).
	CancelJob bool
}

func unchanged(o domain.Order) OrderOutcome {
	return OrderOutcome{Order: o}
}

func transition(o domain.Order, to domain.OrderStatus, now time.Time) domain.Order {
	next := o.Clone()
	next.Status = to
	next.UpdatedAt = now
	return next
}

// PlaceOrderInput — данные оформления заказа.
type PlaceOrderInput struct {
	OrderID         string
	UserID          string
	Items           []domain.LineItem
	ShippingAddress domain.ShippingAddress
	Phone           string
}

// PlaceOrder строит новый заказ в статусе Pending и событие order_placed.
func PlaceOrder(in PlaceOrderInput, now time.Time) (OrderOutcome, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return OrderOutcome{}, domain.ErrUnauthenticated
	}
	if err := domain.ValidateLineItems(in.Items); err != nil {
		return OrderOutcome{}, err
	}
	if err := in.ShippingAddress.Validate(); err != nil {
		return OrderOutcome{}, err
	}
	if len(strings.TrimSpace(in.Phone)) < 10 {
		return OrderOutcome{}, domain.ErrPhoneInvalid
	}

	items := make([]domain.LineItem, len(in.Items))
	copy(items, in.Items)

	order := domain.Order{
		ID:              in.OrderID,
		UserID:          in.UserID,
		Items:           items,
		ShippingAddress: in.ShippingAddress,
		Phone:           strings.TrimSpace(in.Phone),
		TotalPrice:      domain.ComputeTotal(items),
		Status:          domain.OrderStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	return OrderOutcome{
		Order:   order,
		Changed: true,
		Events:  []events.Event{events.OrderPlaced{OrderSnapshot: events.SnapshotOf(order, now)}},
	}, nil
}

// OnPaymentCompleted переводит Pending -> Processed и снимает задачу истечения.
// Для любого другого статуса решение пустое: оплата пришла после того, как заказ уже разрешился.
func OnPaymentCompleted(o domain.Order, now time.Time) OrderOutcome {
	if o.Status != domain.OrderStatusPending {
		return unchanged(o)
	}
	return OrderOutcome{
		Order:     transition(o, domain.OrderStatusProcessed, now),
		Changed:   true,
		CancelJob: true,
	}
}

// OnPaymentFailed отменяет заказ из Pending или Processed и публикует order_canceled.
// Уже отменённый заказ не меняется, order_canceled публикуется повторно; истёкший не меняется.
func OnPaymentFailed(o domain.Order, now time.Time) (OrderOutcome, error) {
	switch o.Status {
	case domain.OrderStatusPending, domain.OrderStatusProcessed:
	case domain.OrderStatusCancelled:
		out := unchanged(o)
		out.Events = []events.Event{events.OrderCanceled{OrderSnapshot: events.SnapshotOf(o, now)}}
		return out, nil
	case domain.OrderStatusExpired:
		return unchanged(o), nil
	default:
		return unchanged(o), fmt.Errorf("%w: %s -> %s", domain.ErrTransitionForbidden, o.Status, domain.OrderStatusCancelled)
	}

	next := transition(o, domain.OrderStatusCancelled, now)
	return OrderOutcome{
		Order:     next,
		Changed:   true,
		Events:    []events.Event{events.OrderCanceled{OrderSnapshot: events.SnapshotOf(next, now)}},
		CancelJob: o.Status == domain.OrderStatusPending,
	}, nil
}

// CancelByUser — отмена заказа владельцем, допустима только из Processed.
func CancelByUser(o domain.Order, userID string, now time.Time) (OrderOutcome, error) {
	if o.UserID != userID {
		return unchanged(o), domain.ErrOrderForbidden
	}
	if o.Status != domain.OrderStatusProcessed {
		return unchanged(o), fmt.Errorf("%w: status is %s", domain.ErrOrderNotCancellable, o.Status)
	}

	next := transition(o, domain.OrderStatusCancelled, now)
	return OrderOutcome{
		Order:   next,
		Changed: true,
		Events:  []events.Event{events.OrderCanceled{OrderSnapshot: events.SnapshotOf(next, now)}},
	}, nil
}

// Expire переводит Pending -> Expired и публикует order_expired, затем order_canceled.
// Если заказ уже не Pending, возвращается ErrOrderNotCancellable.
func Expire(o domain.Order, now time.Time) (OrderOutcome, error) {
	if o.Status != domain.OrderStatusPending {
		return unchanged(o), fmt.Errorf("%w: status is %s", domain.ErrOrderNotCancellable, o.Status)
	}

	next := transition(o, domain.OrderStatusExpired, now)
	return OrderOutcome{
		Order:   next,
		Changed: true,
		Events: []events.Event{
			events.OrderExpired{OrderID: next.ID},
			events.OrderCanceled{OrderSnapshot: events.SnapshotOf(next, now)},
		},
	}, nil
}

// ChangeStatus — операторская смена статуса (Shipped, Delivered и т.п.).
// Expired выставляется только задачей истечения.
func ChangeStatus(o domain.Order, to domain.OrderStatus, now time.Time) (OrderOutcome, error) {
	if _, err := domain.ParseOrderStatus(string(to)); err != nil {
		return unchanged(o), err
	}
	if o.Status == to {
		return unchanged(o), nil
	}
	if to == domain.OrderStatusExpired || !o.Status.CanTransitionTo(to) {
		return unchanged(o), fmt.Errorf("%w: %s -> %s", domain.ErrTransitionForbidden, o.Status, to)
	}

	next := transition(o, to, now)
	out := OrderOutcome{
		Order:     next,
		Changed:   true,
		CancelJob: o.Status == domain.OrderStatusPending,
	}
	switch to {
	case domain.OrderStatusShipped:
		out.Events = []events.Event{events.OrderShipped{OrderSnapshot: events.SnapshotOf(next, now)}}
	case domain.OrderStatusCancelled:
		out.Events = []events.Event{events.OrderCanceled{OrderSnapshot: events.SnapshotOf(next, now)}}
	}
	return out, nil
}

// DerivePaymentStatus — проекция статуса оплаты из статуса заказа.
func DerivePaymentStatus(s domain.OrderStatus) domain.PaymentStatus {
	switch s {
	case domain.OrderStatusCancelled, domain.OrderStatusExpired:
		return domain.PaymentStatusFailed
	case domain.OrderStatusProcessed, domain.OrderStatusShipped, domain.OrderStatusDelivered:
		return domain.PaymentStatusCompleted
	default:
		return domain.PaymentStatusPending
	}
}

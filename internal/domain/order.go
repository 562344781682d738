package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, ожидает оплаты.
	OrderStatusPending OrderStatus = "Pending"
	// OrderStatusProcessed — оплата подтверждена.
	OrderStatusProcessed OrderStatus = "Processed"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "Shipped"
	// OrderStatusDelivered — заказ доставлен, финальное состояние.
	OrderStatusDelivered OrderStatus = "Delivered"
	// OrderStatusCancelled — заказ отменён пользователем или из-за неуспешной оплаты.
	OrderStatusCancelled OrderStatus = "Cancelled"
	// OrderStatusExpired — заказ не был оплачен вовремя.
	OrderStatusExpired OrderStatus = "Expired"
)

// orderTransitions — рёбра машины состояний заказа.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusProcessed, OrderStatusExpired, OrderStatusCancelled},
	OrderStatusProcessed: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:   {OrderStatusDelivered},
}

// ParseOrderStatus приводит строку к OrderStatus или возвращает ErrUnknownOrderStatus.
func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	switch status {
	case OrderStatusPending, OrderStatusProcessed, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusExpired:
		return status, nil
	default:
		return "", ErrUnknownOrderStatus
	}
}

// IsTerminal сообщает, что из статуса нет переходов.
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// CanTransitionTo проверяет наличие ребра s -> next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LineItem — позиция заказа со снимком названия и цены на момент оформления.
type LineItem struct {
	ProductID string          `json:"productId" db:"product_id"`
	Name      string          `json:"name" db:"name"`
	UnitPrice decimal.Decimal `json:"price" db:"unit_price"`
	Quantity  int             `json:"quantity" db:"quantity"`
}

// Subtotal возвращает UnitPrice * Quantity.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// ShippingAddress — снимок адреса доставки.
type ShippingAddress struct {
	AddressID string `json:"addressId,omitempty"`
	Street    string `json:"street"`
	City      string `json:"city"`
	State     string `json:"state"`
	Pincode   string `json:"pincode"`
}

// Validate проверяет обязательные поля адреса.
func (a ShippingAddress) Validate() error {
	if strings.TrimSpace(a.Street) == "" ||
		strings.TrimSpace(a.City) == "" ||
		strings.TrimSpace(a.State) == "" ||
		len(strings.TrimSpace(a.Pincode)) < 5 {
		return ErrAddressInvalid
	}
	return nil
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Items           []LineItem      `json:"products"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	Phone           string          `json:"phone"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	Status          OrderStatus     `json:"status"`
	ExpirationJobID string          `json:"jobId,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// ComputeTotal считает сумму позиций.
func ComputeTotal(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// ValidateLineItems проверяет позиции заказа.
func ValidateLineItems(items []LineItem) error {
	if len(items) == 0 {
		return ErrItemsRequired
	}
	for _, item := range items {
		switch {
		case strings.TrimSpace(item.ProductID) == "":
			return ErrProductIDRequired
		case strings.TrimSpace(item.Name) == "":
			return ErrItemNameRequired
		case item.Quantity < 1:
			return ErrItemQtyInvalid
		case !item.UnitPrice.IsPositive():
			return ErrItemPriceInvalid
		}
	}
	return nil
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.UserID) == "" {
		errs = append(errs, ErrUserRequired)
	}
	if err := ValidateLineItems(o.Items); err != nil {
		errs = append(errs, err)
	}
	if err := o.ShippingAddress.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(strings.TrimSpace(o.Phone)) < 10 {
		errs = append(errs, ErrPhoneInvalid)
	}
	if _, err := ParseOrderStatus(string(o.Status)); err != nil {
		errs = append(errs, err)
	}
	if !ComputeTotal(o.Items).Equal(o.TotalPrice) {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// Clone возвращает копию заказа с независимым срезом позиций.
func (o Order) Clone() Order {
	items := make([]LineItem, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	return o
}

// Package events описывает типизированные события саги заказа и их JSON-представление на шине.
package events

import (
	"errors"
	"time"

	"github.com/samber/lo"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Топики шины событий.
const (
	TopicOrderPlaced      = "order_placed"
	TopicOrderShipped     = "order_shipped"
	TopicOrderCanceled    = "order_canceled"
	TopicOrderExpired     = "order_expired"
	TopicPaymentCompleted = "payment_completed"
	TopicPaymentFailed    = "payment_failed"
)

// Consumer groups участников саги.
const (
	GroupOrder     = "order-group"
	GroupInventory = "inventory-group"
	GroupPayment   = "payment-group"
)

// AllTopics перечисляет все известные топики.
var AllTopics = []string{
	TopicOrderPlaced,
	TopicOrderShipped,
	TopicOrderCanceled,
	TopicOrderExpired,
	TopicPaymentCompleted,
	TopicPaymentFailed,
}

// ErrMalformedEvent — сообщение не удалось разобрать; повторная доставка не поможет.
var ErrMalformedEvent = errors.Join(domain.ErrValidation, errors.New("malformed event"))

// ErrUnknownTopic — для топика нет типа события.
var ErrUnknownTopic = errors.New("unknown topic")

// Event — общий интерфейс всех событий саги.
type Event interface {
	// Topic возвращает топик, в который публикуется событие.
	Topic() string
	// Key — ключ партиционирования, всегда идентификатор заказа.
	Key() string
}

// ProductQuantity — позиция заказа в событии.
type ProductQuantity struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderSnapshot — общее тело событий order_placed, order_shipped и order_canceled.
type OrderSnapshot struct {
	OrderID   string            `json:"orderId"`
	UserID    string            `json:"userId"`
	Products  []ProductQuantity `json:"products"`
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// Key возвращает идентификатор заказа.
func (s OrderSnapshot) Key() string { return s.OrderID }

// SnapshotOf строит тело события по текущему состоянию заказа.
func SnapshotOf(order domain.Order, at time.Time) OrderSnapshot {
	return OrderSnapshot{
		OrderID: order.ID,
		UserID:  order.UserID,
		Products: lo.Map(order.Items, func(item domain.LineItem, _ int) ProductQuantity {
			return ProductQuantity{ProductID: item.ProductID, Quantity: item.Quantity}
		}),
		Status:    string(order.Status),
		Timestamp: at.UTC(),
	}
}

// OrderPlaced публикуется при создании заказа.
type OrderPlaced struct{ OrderSnapshot }

// OrderShipped публикуется при переводе заказа в Shipped.
type OrderShipped struct{ OrderSnapshot }

// OrderCanceled публикуется при любой отмене заказа: пользователем, из-за оплаты или по истечении.
type OrderCanceled struct{ OrderSnapshot }

// OrderExpired публикуется, когда заказ не был оплачен вовремя.
type OrderExpired struct {
	OrderID string `json:"orderId"`
}

// PaymentCompleted публикуется при успешной оплате.
type PaymentCompleted struct {
	OrderID string `json:"orderId"`
}

// PaymentFailed публикуется при неуспешной или отменённой оплате.
type PaymentFailed struct {
	OrderID string `json:"orderId"`
}

func (OrderPlaced) Topic() string      { return TopicOrderPlaced }
func (OrderShipped) Topic() string     { return TopicOrderShipped }
func (OrderCanceled) Topic() string    { return TopicOrderCanceled }
func (OrderExpired) Topic() string     { return TopicOrderExpired }
func (PaymentCompleted) Topic() string { return TopicPaymentCompleted }
func (PaymentFailed) Topic() string    { return TopicPaymentFailed }

func (e OrderExpired) Key() string     { return e.OrderID }
func (e PaymentCompleted) Key() string { return e.OrderID }
func (e PaymentFailed) Key() string    { return e.OrderID }

// Adjustments переводит позиции события в изменения остатков с заданным знаком.
func (s OrderSnapshot) Adjustments(sign int) []domain.StockAdjustment {
	return lo.Map(s.Products, func(p ProductQuantity, _ int) domain.StockAdjustment {
		return domain.StockAdjustment{ProductID: p.ProductID, Delta: sign * p.Quantity}
	})
}

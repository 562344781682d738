package saga

import (
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/events"
)

// PaymentOutcome — результат решения по платежу.
type PaymentOutcome struct {
	Payment domain.Payment
	Changed bool
	Events  []events.Event
}

func settle(p domain.Payment, to domain.PaymentStatus, now time.Time) domain.Payment {
	p.Status = to
	p.UpdatedAt = now
	return p
}

func outcomeEvents(orderID string, status domain.PaymentStatus) []events.Event {
	switch status {
	case domain.PaymentStatusCompleted:
		return []events.Event{events.PaymentCompleted{OrderID: orderID}}
	case domain.PaymentStatusFailed:
		return []events.Event{events.PaymentFailed{OrderID: orderID}}
	default:
		return nil
	}
}

// UpdatePaymentStatus применяет результат от провайдера. Completed публикует payment_completed,
// Failed — payment_failed. Повтор того же статуса платёж не меняет, но событие исхода
// публикуется снова: предыдущая публикация могла не дойти до шины.
func UpdatePaymentStatus(p domain.Payment, to domain.PaymentStatus, payerID *string, now time.Time) (PaymentOutcome, error) {
	if _, err := domain.ParsePaymentStatus(string(to)); err != nil {
		return PaymentOutcome{Payment: p}, err
	}
	if p.Status == to {
		return PaymentOutcome{Payment: p, Events: outcomeEvents(p.OrderID, to)}, nil
	}
	if !p.Status.CanTransitionTo(to) {
		return PaymentOutcome{Payment: p}, fmt.Errorf("%w: %s -> %s", domain.ErrPaymentTransitionForbidden, p.Status, to)
	}

	next := settle(p, to, now)
	if payerID != nil {
		id := *payerID
		next.PayerID = &id
	}
	return PaymentOutcome{Payment: next, Changed: true, Events: outcomeEvents(p.OrderID, to)}, nil
}

// CancelPayment — отмена платежа у провайдера пользователем, только из Pending.
func CancelPayment(p domain.Payment, now time.Time) (PaymentOutcome, error) {
	if p.Status != domain.PaymentStatusPending {
		return PaymentOutcome{Payment: p}, fmt.Errorf("%w: status is %s", domain.ErrPaymentNotPending, p.Status)
	}
	return PaymentOutcome{
		Payment: settle(p, domain.PaymentStatusFailed, now),
		Changed: true,
		Events:  []events.Event{events.PaymentFailed{OrderID: p.OrderID}},
	}, nil
}

// OnOrderExpired — компенсация истечения заказа: Pending -> Failed без публикации.
// Завершённый платёж не перезаписывается, возвращается ErrPaymentSettled.
func OnOrderExpired(p domain.Payment, now time.Time) (PaymentOutcome, error) {
	switch p.Status {
	case domain.PaymentStatusPending:
		return PaymentOutcome{Payment: settle(p, domain.PaymentStatusFailed, now), Changed: true}, nil
	case domain.PaymentStatusCompleted:
		return PaymentOutcome{Payment: p}, fmt.Errorf("%w: payment %s for order %s", domain.ErrPaymentSettled, p.ID, p.OrderID)
	default:
		return PaymentOutcome{Payment: p}, nil
	}
}

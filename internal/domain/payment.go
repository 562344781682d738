package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

const (
	// PaymentStatusPending — платёж создан у провайдера, ждёт подтверждения.
	PaymentStatusPending PaymentStatus = "Pending"
	// PaymentStatusCompleted — провайдер подтвердил списание.
	PaymentStatusCompleted PaymentStatus = "Completed"
	// PaymentStatusFailed — провайдер отклонил платёж, пользователь отменил или заказ истёк.
	PaymentStatusFailed PaymentStatus = "Failed"
	// PaymentStatusRefunded — деньги возвращены клиенту.
	PaymentStatusRefunded PaymentStatus = "Refunded"
)

// ParsePaymentStatus приводит строку к PaymentStatus.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	status := PaymentStatus(s)
	switch status {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return status, nil
	default:
		return "", ErrUnknownPaymentStatus
	}
}

// CanTransitionTo: Pending -> {Completed, Failed}, Completed -> Refunded.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusCompleted || next == PaymentStatusFailed
	case PaymentStatusCompleted:
		return next == PaymentStatusRefunded
	default:
		return false
	}
}

// Payment описывает платёж, связанный с заказом.
type Payment struct {
	// ID выдаётся платёжным провайдером.
	ID          string          `json:"paymentId"`
	UserID      string          `json:"userId"`
	OrderID     string          `json:"orderId"`
	Amount      decimal.Decimal `json:"amount"`
	Status      PaymentStatus   `json:"status"`
	PayerID     *string         `json:"payerId"`
	ApprovalURL string          `json:"approvalUrl,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *Payment) Validate() []error {
	var errs []error

	switch {
	case strings.TrimSpace(p.UserID) == "":
		errs = append(errs, ErrUserRequired)
	case strings.TrimSpace(p.OrderID) == "":
		errs = append(errs, ErrOrderIDRequired)
	case !p.Amount.IsPositive():
		errs = append(errs, ErrAmountInvalid)
	}

	return errs
}

// Package payment — участник саги, владеющий платежами: создаёт платёж у провайдера,
// публикует исход оплаты и компенсирует истечение заказа.
package payment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/events"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/saga"
)

const (
	maxSaveRetries = 3
	baseRetryDelay = 10 * time.Millisecond
)

var payerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// ErrPayerIDInvalid — payerId должен быть буквенно-цифровым.
var ErrPayerIDInvalid = errors.Join(domain.ErrValidation, errors.New("payerId must be alphanumeric"))

// CreatePaymentInput — запрос на оплату заказа.
type CreatePaymentInput struct {
	UserID  string
	OrderID string
	Amount  decimal.Decimal
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger.
func WithLogger(l *log.Entry) Option { return func(s *Service) { s.logger = l } }

// WithMetrics задаёт метрики саги.
func WithMetrics(m *metrics.SagaMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithRedirectURLs задаёт адреса возврата клиента после подтверждения или отмены у провайдера.
func WithRedirectURLs(returnURL, cancelURL string) Option {
	return func(s *Service) {
		s.returnURL = returnURL
		s.cancelURL = cancelURL
	}
}

// Service — участник саги «Оплата».
type Service struct {
	payments  domain.PaymentRepository
	provider  domain.PaymentProvider
	publisher events.Publisher
	logger    *log.Entry
	metrics   *metrics.SagaMetrics
	now       func() time.Time

	returnURL string
	cancelURL string
}

// NewService собирает участника из хранилища платежей, провайдера и шины.
func NewService(payments domain.PaymentRepository, provider domain.PaymentProvider, publisher events.Publisher, opts ...Option) *Service {
	s := &Service{
		payments:  payments,
		provider:  provider,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "payment-service")
	}
	return s
}

// CreatePayment создаёт платёж у провайдера и сохраняет его в Pending.
// Если запись не удалась после успешного вызова провайдера, платёж у провайдера остаётся сиротой.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (domain.Payment, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return domain.Payment{}, domain.ErrUnauthenticated
	}
	draft := domain.Payment{UserID: in.UserID, OrderID: in.OrderID, Amount: in.Amount}
	if errs := draft.Validate(); len(errs) > 0 {
		return domain.Payment{}, errs[0]
	}

	intent, err := s.provider.CreateIntent(ctx, in.Amount, s.returnURL, s.cancelURL)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", in.OrderID).Error("payment provider rejected intent")
		return domain.Payment{}, fmt.Errorf("%w: %v", domain.ErrProvider, err)
	}

	now := s.now()
	p := domain.Payment{
		ID:          intent.ProviderPaymentID,
		UserID:      in.UserID,
		OrderID:     in.OrderID,
		Amount:      in.Amount,
		Status:      domain.PaymentStatusPending,
		ApprovalURL: intent.ApprovalURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	logger := s.logger.WithFields(log.Fields{"order_id": p.OrderID, "payment_id": p.ID})
	if err := s.payments.Create(ctx, p); err != nil {
		logger.WithError(err).Error("provider payment created but not persisted")
		return domain.Payment{}, fmt.Errorf("%w: create payment: %v", domain.ErrPersistence, err)
	}
	logger.WithField("amount", p.Amount.StringFixed(2)).Info("payment created")
	return p, nil
}

// UpdatePaymentStatus применяет исход оплаты: Completed публикует payment_completed,
// Failed — payment_failed.
func (s *Service) UpdatePaymentStatus(ctx context.Context, paymentID, status string, payerID *string) (domain.Payment, error) {
	to, err := domain.ParsePaymentStatus(status)
	if err != nil {
		return domain.Payment{}, err
	}
	if payerID != nil && *payerID != "" && !payerIDPattern.MatchString(*payerID) {
		return domain.Payment{}, ErrPayerIDInvalid
	}
	if payerID != nil && *payerID == "" {
		payerID = nil
	}

	out, err := s.mutate(ctx, func(ctx context.Context) (domain.Payment, error) {
		return s.payments.Get(ctx, paymentID)
	}, func(p domain.Payment) (saga.PaymentOutcome, error) {
		return saga.UpdatePaymentStatus(p, to, payerID, s.now())
	})
	return out.Payment, err
}

// CancelPayment — отмена оплаты у провайдера пользователем; только из Pending.
func (s *Service) CancelPayment(ctx context.Context, orderID string) (domain.Payment, error) {
	if orderID == "" {
		return domain.Payment{}, domain.ErrOrderIDRequired
	}
	out, err := s.mutate(ctx, func(ctx context.Context) (domain.Payment, error) {
		return s.payments.GetByOrder(ctx, orderID)
	}, func(p domain.Payment) (saga.PaymentOutcome, error) {
		return saga.CancelPayment(p, s.now())
	})
	return out.Payment, err
}

// HandleOrderExpired переводит ожидающий платёж истёкшего заказа в Failed.
// Завершённый платёж не перезаписывается: конфликт фиксируется в логе и метрике.
func (s *Service) HandleOrderExpired(ctx context.Context, orderID string) error {
	logger := s.logger.WithFields(log.Fields{"order_id": orderID, "topic": events.TopicOrderExpired})
	out, err := s.mutate(ctx, func(ctx context.Context) (domain.Payment, error) {
		return s.payments.GetByOrder(ctx, orderID)
	}, func(p domain.Payment) (saga.PaymentOutcome, error) {
		return saga.OnOrderExpired(p, s.now())
	})
	switch {
	case err == nil:
		if out.Changed {
			s.metrics.RecordCompensation("payment_failed_on_expiry")
			logger.WithField("payment_id", out.Payment.ID).Info("payment failed after order expiry")
		}
		return nil
	case errors.Is(err, domain.ErrPaymentNotFound):
		logger.Info("no payment for expired order")
		return nil
	case errors.Is(err, domain.ErrPaymentSettled):
		s.metrics.RecordSettledConflict()
		logger.WithError(err).Warn("order expired after payment completed, payment left unchanged")
		return nil
	default:
		return err
	}
}

// ListUserPayments возвращает платежи пользователя.
func (s *Service) ListUserPayments(ctx context.Context, userID string) ([]domain.Payment, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	return s.payments.ListByUser(ctx, userID)
}

// GetPayment возвращает платёж по идентификатору провайдера.
func (s *Service) GetPayment(ctx context.Context, paymentID string) (domain.Payment, error) {
	return s.payments.Get(ctx, paymentID)
}

// GetPaymentByUserAndOrder возвращает последний платёж пользователя по заказу.
func (s *Service) GetPaymentByUserAndOrder(ctx context.Context, userID, orderID string) (domain.Payment, error) {
	if userID == "" || orderID == "" {
		return domain.Payment{}, fmt.Errorf("%w: both userId and orderId are required", domain.ErrValidation)
	}
	all, err := s.payments.ListByUser(ctx, userID)
	if err != nil {
		return domain.Payment{}, err
	}
	matching := lo.Filter(all, func(p domain.Payment, _ int) bool { return p.OrderID == orderID })
	if len(matching) == 0 {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return lo.MaxBy(matching, func(a, b domain.Payment) bool { return a.CreatedAt.After(b.CreatedAt) }), nil
}

// Router возвращает обработчики consumer group payment-group.
func (s *Service) Router() *events.Router {
	return events.NewRouter(s.logger.WithField("group", events.GroupPayment)).
		On(events.TopicOrderExpired, events.HandlerFunc(func(ctx context.Context, ev events.Event) error {
			start := time.Now()
			err := s.HandleOrderExpired(ctx, ev.Key())
			s.metrics.RecordConsumed(events.TopicOrderExpired, err, time.Since(start))
			return err
		}))
}

// mutate загружает платёж, принимает решение и сохраняет его с проверкой версии.
func (s *Service) mutate(
	ctx context.Context,
	load func(context.Context) (domain.Payment, error),
	decide func(domain.Payment) (saga.PaymentOutcome, error),
) (saga.PaymentOutcome, error) {
	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		current, err := load(ctx)
		if err != nil {
			return saga.PaymentOutcome{}, err
		}

		out, err := decide(current)
		if err != nil {
			return out, err
		}
		if !out.Changed {
			return out, s.publish(ctx, out.Events)
		}

		if err := s.payments.Save(ctx, out.Payment); err != nil {
			if domain.IsVersionConflict(err) && attempt < maxSaveRetries-1 {
				s.metrics.RecordVersionConflict("payment")
				s.logger.WithFields(log.Fields{
					"payment_id": current.ID,
					"attempt":    attempt + 1,
				}).Warn("version conflict detected, retrying")

				select {
				case <-ctx.Done():
					return saga.PaymentOutcome{}, ctx.Err()
				case <-time.After(baseRetryDelay * time.Duration(1<<uint(attempt))):
				}
				continue
			}
			return saga.PaymentOutcome{}, fmt.Errorf("%w: save payment %s: %v", domain.ErrPersistence, current.ID, err)
		}
		out.Payment.Version = current.Version + 1

		s.metrics.RecordPaymentTransition(string(current.Status), string(out.Payment.Status))
		s.logger.WithFields(log.Fields{
			"payment_id": current.ID,
			"order_id":   current.OrderID,
			"from":       current.Status,
			"to":         out.Payment.Status,
		}).Info("payment status changed")

		return out, s.publish(ctx, out.Events)
	}
	return saga.PaymentOutcome{}, fmt.Errorf("%w: save payment: %w", domain.ErrPersistence, domain.ErrVersionConflict)
}

func (s *Service) publish(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	if err := s.publisher.Publish(ctx, evs...); err != nil {
		return fmt.Errorf("%w: publish: %v", domain.ErrInfrastructure, err)
	}
	for _, ev := range evs {
		s.metrics.RecordPublished(ev.Topic())
		s.logger.WithFields(log.Fields{"order_id": ev.Key(), "topic": ev.Topic()}).Info("event published")
	}
	return nil
}

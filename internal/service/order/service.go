// Package order — участник саги, владеющий заказами: оформление, реакция на исход оплаты,
// отмена пользователем, истечение по отложенной задаче и операторская смена статуса.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/events"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/saga"
)

const (
	// ExpirationJobName — имя задачи истечения неоплаченного заказа.
	ExpirationJobName = "order-expiration-job"
	// DefaultExpirationDelay — через сколько неоплаченный заказ истекает.
	DefaultExpirationDelay = 15 * time.Minute

	maxSaveRetries = 3
	baseRetryDelay = 10 * time.Millisecond
)

// ExpirationPayload — тело задачи истечения.
type ExpirationPayload struct {
	OrderID string `json:"orderId"`
}

// CreateOrderInput — данные оформления заказа от клиента.
type CreateOrderInput struct {
	UserID          string
	Items           []domain.LineItem
	ShippingAddress domain.ShippingAddress
	Phone           string
}

// Details — заказ с производным статусом оплаты.
type Details struct {
	domain.Order
	PaymentStatus domain.PaymentStatus `json:"paymentStatus"`
}

// Option настраивает Service.
type Option func(*Service)

// WithCatalog включает снимок названия и цены позиций из каталога.
func WithCatalog(c domain.Catalog) Option { return func(s *Service) { s.catalog = c } }

// WithMetrics задаёт метрики саги.
func WithMetrics(m *metrics.SagaMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithLogger задаёт logger.
func WithLogger(l *log.Entry) Option { return func(s *Service) { s.logger = l } }

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithExpirationDelay задаёт задержку задачи истечения.
func WithExpirationDelay(d time.Duration) Option { return func(s *Service) { s.expirationDelay = d } }

// WithIDGenerator подменяет генератор идентификаторов заказа.
func WithIDGenerator(gen func() string) Option { return func(s *Service) { s.newID = gen } }

// Service — участник саги «Заказ».
type Service struct {
	orders    domain.OrderRepository
	jobs      domain.JobQueue
	publisher events.Publisher
	catalog   domain.Catalog
	metrics   *metrics.SagaMetrics
	logger    *log.Entry

	now             func() time.Time
	newID           func() string
	expirationDelay time.Duration
}

// NewService собирает участника из явно переданных хранилища, очереди задач и шины.
func NewService(orders domain.OrderRepository, jobs domain.JobQueue, publisher events.Publisher, opts ...Option) *Service {
	s := &Service{
		orders:          orders,
		jobs:            jobs,
		publisher:       publisher,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
		expirationDelay: DefaultExpirationDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "order-service")
	}
	if s.expirationDelay <= 0 {
		s.expirationDelay = DefaultExpirationDelay
	}
	return s
}

// CreateOrder сохраняет заказ в Pending, ставит задачу истечения и публикует order_placed.
// Задача ставится только после успешной записи заказа.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	items, err := s.snapshotItems(ctx, in.Items)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	out, err := saga.PlaceOrder(saga.PlaceOrderInput{
		OrderID:         s.newID(),
		UserID:          in.UserID,
		Items:           items,
		ShippingAddress: in.ShippingAddress,
		Phone:           in.Phone,
	}, now)
	if err != nil {
		return domain.Order{}, err
	}

	order := out.Order
	if err := s.orders.Create(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("%w: create order: %v", domain.ErrPersistence, err)
	}
	logger := s.logger.WithFields(log.Fields{"order_id": order.ID, "user_id": order.UserID})
	logger.WithField("total", order.TotalPrice.StringFixed(2)).Info("order created")

	if jobID, err := s.scheduleExpiration(ctx, order.ID); err != nil {
		// Заказ остаётся Pending без задачи истечения.
		logger.WithError(err).Error("failed to schedule order expiration")
	} else if updated, err := s.attachJob(ctx, order.ID, jobID); err != nil {
		logger.WithError(err).WithField("job_id", jobID).Error("failed to store expiration job handle")
	} else {
		order = updated
		logger.WithField("job_id", jobID).Debug("order expiration scheduled")
	}

	if err := s.publish(ctx, out.Events); err != nil {
		return order, err
	}
	return order, nil
}

func (s *Service) snapshotItems(ctx context.Context, items []domain.LineItem) ([]domain.LineItem, error) {
	snap := make([]domain.LineItem, len(items))
	copy(snap, items)
	if s.catalog == nil {
		return snap, nil
	}
	for i, item := range snap {
		if item.ProductID == "" {
			return nil, domain.ErrProductIDRequired
		}
		product, err := s.catalog.Product(ctx, item.ProductID)
		if err != nil {
			if domain.IsNotFound(err) {
				return nil, fmt.Errorf("%w: unknown product %s", domain.ErrValidation, item.ProductID)
			}
			return nil, fmt.Errorf("%w: catalog lookup %s: %v", domain.ErrInfrastructure, item.ProductID, err)
		}
		snap[i].Name = product.Name
		snap[i].UnitPrice = product.Price
	}
	return snap, nil
}

func (s *Service) scheduleExpiration(ctx context.Context, orderID string) (string, error) {
	if s.jobs == nil {
		return "", errors.New("job queue is not configured")
	}
	payload, err := json.Marshal(ExpirationPayload{OrderID: orderID})
	if err != nil {
		return "", err
	}
	jobID, err := s.jobs.Schedule(ctx, ExpirationJobName, payload, s.expirationDelay)
	if err != nil {
		return "", fmt.Errorf("%w: schedule expiration: %v", domain.ErrInfrastructure, err)
	}
	s.metrics.RecordExpirationJob("scheduled")
	return jobID, nil
}

func (s *Service) attachJob(ctx context.Context, orderID, jobID string) (domain.Order, error) {
	out, err := s.mutate(ctx, orderID, func(o domain.Order) (saga.OrderOutcome, error) {
		next := o.Clone()
		next.ExpirationJobID = jobID
		return saga.OrderOutcome{Order: next, Changed: true}, nil
	})
	return out.Order, err
}

// HandlePaymentCompleted снимает задачу истечения и переводит заказ в Processed.
// Повтор события и отсутствующий заказ не являются ошибкой.
func (s *Service) HandlePaymentCompleted(ctx context.Context, orderID string) error {
	_, err := s.mutate(ctx, orderID, func(o domain.Order) (saga.OrderOutcome, error) {
		return saga.OnPaymentCompleted(o, s.now()), nil
	})
	return s.asyncResult(orderID, events.TopicPaymentCompleted, err)
}

// HandlePaymentFailed снимает задачу истечения, отменяет заказ и публикует order_canceled.
func (s *Service) HandlePaymentFailed(ctx context.Context, orderID string) error {
	_, err := s.mutate(ctx, orderID, func(o domain.Order) (saga.OrderOutcome, error) {
		return saga.OnPaymentFailed(o, s.now())
	})
	return s.asyncResult(orderID, events.TopicPaymentFailed, err)
}

// asyncResult отделяет ошибки, которые повторная доставка не исправит, от инфраструктурных.
func (s *Service) asyncResult(orderID, topic string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound):
		s.logger.WithFields(log.Fields{"order_id": orderID, "topic": topic}).Warn("order not found, event ignored")
		return nil
	case errors.Is(err, domain.ErrInvalidState):
		s.logger.WithError(err).WithFields(log.Fields{"order_id": orderID, "topic": topic}).Warn("event does not apply to current order state")
		return nil
	default:
		return err
	}
}

// CancelOrder — отмена заказа владельцем; допустима только из Processed.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	if userID == "" {
		return domain.Order{}, domain.ErrUnauthenticated
	}
	out, err := s.mutate(ctx, orderID, func(o domain.Order) (saga.OrderOutcome, error) {
		return saga.CancelByUser(o, userID, s.now())
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.metrics.RecordCompensation("user_cancel")
	return out.Order, nil
}

// AutoCancelOrder переводит всё ещё неоплаченный заказ в Expired и публикует
// order_expired, затем order_canceled. Для заказа не в Pending — ErrOrderNotCancellable.
func (s *Service) AutoCancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	out, err := s.mutate(ctx, orderID, func(o domain.Order) (saga.OrderOutcome, error) {
		return saga.Expire(o, s.now())
	})
	if err != nil {
		return out.Order, err
	}
	s.metrics.RecordCompensation("order_expired")
	return out.Order, nil
}

// UpdateOrderStatus — смена статуса оператором. Shipped публикует order_shipped.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID, status string) (domain.Order, error) {
	to, err := domain.ParseOrderStatus(status)
	if err != nil {
		return domain.Order{}, err
	}
	out, err := s.mutate(ctx, orderID, func(o domain.Order) (saga.OrderOutcome, error) {
		return saga.ChangeStatus(o, to, s.now())
	})
	if err != nil {
		return domain.Order{}, err
	}
	return out.Order, nil
}

// GetOrderDetails возвращает заказ пользователя с производным статусом оплаты.
// Чужой заказ не отличим от отсутствующего.
func (s *Service) GetOrderDetails(ctx context.Context, userID, orderID string) (Details, error) {
	if userID == "" {
		return Details{}, domain.ErrUnauthenticated
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Details{}, err
	}
	if o.UserID != userID {
		return Details{}, domain.ErrOrderNotFound
	}
	return Details{Order: o, PaymentStatus: saga.DerivePaymentStatus(o.Status)}, nil
}

// ListUserOrders возвращает заказы пользователя, новые первыми.
func (s *Service) ListUserOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	if userID == "" {
		return nil, domain.ErrUnauthenticated
	}
	return s.orders.ListByUser(ctx, userID, 0)
}

// ListAllOrders возвращает все заказы (для оператора).
func (s *Service) ListAllOrders(ctx context.Context) ([]domain.Order, error) {
	return s.orders.ListAll(ctx, 0)
}

// mutate загружает заказ, принимает решение и сохраняет его с проверкой версии.
// При конфликте версий заказ перечитывается и решение принимается заново.
func (s *Service) mutate(ctx context.Context, orderID string, decide func(domain.Order) (saga.OrderOutcome, error)) (saga.OrderOutcome, error) {
	if orderID == "" {
		return saga.OrderOutcome{}, domain.ErrOrderIDRequired
	}

	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		current, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return saga.OrderOutcome{}, err
		}

		out, err := decide(current)
		if err != nil {
			return out, err
		}
		if !out.Changed {
			return out, s.publish(ctx, out.Events)
		}

		if err := s.orders.Save(ctx, out.Order); err != nil {
			if domain.IsVersionConflict(err) && attempt < maxSaveRetries-1 {
				s.metrics.RecordVersionConflict("order")
				s.logger.WithFields(log.Fields{
					"order_id": orderID,
					"attempt":  attempt + 1,
					"version":  current.Version,
				}).Warn("version conflict detected, retrying")

				delay := baseRetryDelay * time.Duration(1<<uint(attempt))
				select {
				case <-ctx.Done():
					return saga.OrderOutcome{}, ctx.Err()
				case <-time.After(delay):
				}
				continue
			}
			return saga.OrderOutcome{}, fmt.Errorf("%w: save order %s: %v", domain.ErrPersistence, orderID, err)
		}
		out.Order.Version = current.Version + 1

		if current.Status != out.Order.Status {
			s.metrics.RecordOrderTransition(string(current.Status), string(out.Order.Status))
			s.logger.WithFields(log.Fields{
				"order_id": orderID,
				"from":     current.Status,
				"to":       out.Order.Status,
			}).Info("order status changed")
		}
		if out.CancelJob {
			s.cancelExpiration(ctx, out.Order)
		}
		return out, s.publish(ctx, out.Events)
	}

	return saga.OrderOutcome{}, fmt.Errorf("%w: save order %s: %w", domain.ErrPersistence, orderID, domain.ErrVersionConflict)
}

// cancelExpiration снимает задачу истечения; её отсутствие (уже сработала или выполняется) не ошибка.
func (s *Service) cancelExpiration(ctx context.Context, o domain.Order) {
	if o.ExpirationJobID == "" || s.jobs == nil {
		return
	}
	logger := s.logger.WithFields(log.Fields{"order_id": o.ID, "job_id": o.ExpirationJobID})
	if err := s.jobs.Cancel(ctx, o.ExpirationJobID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.metrics.RecordExpirationJob("cancel_missed")
			logger.Debug("expiration job already gone")
			return
		}
		logger.WithError(err).Warn("failed to cancel expiration job")
		return
	}
	s.metrics.RecordExpirationJob("canceled")
	logger.Debug("expiration job canceled")
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

// Package inventory — участник саги, владеющий складскими остатками и компенсирующий отмены заказов.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/events"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/saga"
)

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger.
func WithLogger(l *log.Entry) Option { return func(s *Service) { s.logger = l } }

// WithMetrics задаёт метрики саги.
func WithMetrics(m *metrics.SagaMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithLowStockThreshold задаёт порог для новых складских записей.
func WithLowStockThreshold(n int) Option { return func(s *Service) { s.lowStockThreshold = n } }

// Service — участник саги «Склад».
type Service struct {
	repo              domain.InventoryRepository
	logger            *log.Entry
	metrics           *metrics.SagaMetrics
	lowStockThreshold int
}

// NewService создаёт участника поверх хранилища остатков.
func NewService(repo domain.InventoryRepository, opts ...Option) *Service {
	s := &Service{repo: repo, lowStockThreshold: domain.DefaultLowStockThreshold}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "inventory-service")
	}
	if s.lowStockThreshold <= 0 {
		s.lowStockThreshold = domain.DefaultLowStockThreshold
	}
	return s
}

// HandleOrderEvent применяет к складу событие жизненного цикла заказа.
// order_placed списывает остатки без проверки достаточности, order_canceled возвращает их,
// order_shipped только подтверждается. Повторная доставка по тому же заказу ничего не меняет,
// отмена без списания и списание после такой отмены остатки не трогают.
func (s *Service) HandleOrderEvent(ctx context.Context, ev events.Event) error {
	plan, err := saga.PlanStock(ev)
	if err != nil {
		return err
	}

	logger := s.logger.WithFields(log.Fields{"order_id": ev.Key(), "topic": ev.Topic()})
	if plan.Empty() {
		logger.Info("order event acknowledged, no stock change")
		return nil
	}

	res, err := s.repo.ApplyAdjustments(ctx, plan.OrderID, plan.Kind, plan.Adjustments)
	if err != nil {
		return fmt.Errorf("%w: apply %s adjustments: %v", domain.ErrPersistence, plan.Kind, err)
	}
	if res.Duplicate {
		logger.Info("stock adjustments already applied, redelivery skipped")
		return nil
	}
	if res.Skipped {
		logger.Warn("order placement and cancellation out of order, stock left unchanged")
		return nil
	}

	for _, productID := range res.Missing {
		logger.WithField("product_id", productID).Warn("inventory record not found, item skipped")
	}
	for _, rec := range res.Applied {
		fields := log.Fields{"product_id": rec.ProductID, "stock": rec.Stock}
		if plan.Kind == domain.AdjustmentOrderPlaced && rec.Stock < 0 {
			s.metrics.RecordNegativeStock()
			logger.WithFields(fields).Warn("stock went negative after order placement")
			continue
		}
		logger.WithFields(fields).Debug("stock adjusted")
	}
	if plan.Kind == domain.AdjustmentOrderCanceled {
		s.metrics.RecordCompensation("stock_restored")
	}
	logger.WithField("applied", len(res.Applied)).Info("stock adjustments applied")
	return nil
}

// AddStock увеличивает остаток товара, создавая запись при первом поступлении.
func (s *Service) AddStock(ctx context.Context, productID string, qty int) (domain.InventoryRecord, error) {
	if err := saga.ValidateStockChange(productID, qty); err != nil {
		return domain.InventoryRecord{}, err
	}
	rec, err := s.repo.AddStock(ctx, productID, qty, s.lowStockThreshold)
	if err != nil {
		return domain.InventoryRecord{}, fmt.Errorf("%w: add stock: %v", domain.ErrPersistence, err)
	}
	s.logger.WithFields(log.Fields{"product_id": productID, "qty": qty, "stock": rec.Stock}).Info("stock added")
	return rec, nil
}

// ReduceStock списывает остаток; ErrInsufficientStock, если запрошено больше, чем есть.
func (s *Service) ReduceStock(ctx context.Context, productID string, qty int) (domain.InventoryRecord, error) {
	if err := saga.ValidateStockChange(productID, qty); err != nil {
		return domain.InventoryRecord{}, err
	}
	rec, err := s.repo.ReduceStock(ctx, productID, qty)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) || domain.IsNotFound(err) {
			return rec, err
		}
		return rec, fmt.Errorf("%w: reduce stock: %v", domain.ErrPersistence, err)
	}
	s.logger.WithFields(log.Fields{"product_id": productID, "qty": qty, "stock": rec.Stock}).Info("stock reduced")
	return rec, nil
}

// GetStock возвращает складскую запись товара.
func (s *Service) GetStock(ctx context.Context, productID string) (domain.InventoryRecord, error) {
	if productID == "" {
		return domain.InventoryRecord{}, domain.ErrProductIDRequired
	}
	return s.repo.Get(ctx, productID)
}

// ListLowStock возвращает товары с остатком на пороге или ниже.
func (s *Service) ListLowStock(ctx context.Context) ([]domain.InventoryRecord, error) {
	return s.repo.ListLowStock(ctx)
}

// Router возвращает обработчики consumer group inventory-group.
func (s *Service) Router() *events.Router {
	r := events.NewRouter(s.logger.WithField("group", events.GroupInventory))
	for _, topic := range []string{events.TopicOrderPlaced, events.TopicOrderShipped, events.TopicOrderCanceled} {
		topic := topic
		r.On(topic, events.HandlerFunc(func(ctx context.Context, ev events.Event) error {
			start := time.Now()
			err := s.HandleOrderEvent(ctx, ev)
			s.metrics.RecordConsumed(topic, err, time.Since(start))
			return err
		}))
	}
	return r
}

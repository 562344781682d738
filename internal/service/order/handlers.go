package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/events"
)

// Router возвращает обработчики consumer group order-group.
func (s *Service) Router() *events.Router {
	return events.NewRouter(s.logger.WithField("group", events.GroupOrder)).
		On(events.TopicPaymentCompleted, s.observe(events.TopicPaymentCompleted, func(ctx context.Context, ev events.Event) error {
			return s.HandlePaymentCompleted(ctx, ev.Key())
		})).
		On(events.TopicPaymentFailed, s.observe(events.TopicPaymentFailed, func(ctx context.Context, ev events.Event) error {
			return s.HandlePaymentFailed(ctx, ev.Key())
		}))
}

func (s *Service) observe(topic string, fn events.HandlerFunc) events.HandlerFunc {
	return func(ctx context.Context, ev events.Event) error {
		start := time.Now()
		err := fn(ctx, ev)
		s.metrics.RecordConsumed(topic, err, time.Since(start))
		return err
	}
}

// HandleExpirationJob — обработчик задачи order-expiration-job.
// Заказ, который уже разрешился другим путём, — штатный no-op.
func (s *Service) HandleExpirationJob(ctx context.Context, job domain.Job) error {
	var payload ExpirationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: expiration payload: %v", domain.ErrValidation, err)
	}

	logger := s.logger.WithFields(log.Fields{"order_id": payload.OrderID, "job_id": job.ID})
	_, err := s.AutoCancelOrder(ctx, payload.OrderID)
	switch {
	case err == nil:
		logger.Info("order expired")
		return nil
	case errors.Is(err, domain.ErrOrderNotCancellable):
		logger.WithError(err).Info("order already resolved, expiration skipped")
		return nil
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn("order not found for expiration job")
		return nil
	default:
		return err
	}
}

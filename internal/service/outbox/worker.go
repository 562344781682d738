package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultPollInterval = time.Second
	defaultMaxAttempts  = 3
	defaultRetryDelay   = 50 * time.Millisecond
	batchSize           = 100

	// DefaultDLQTopic — топик для событий, которые не удалось ретранслировать.
	DefaultDLQTopic = "storefront.outbox.dlq"
)

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger.
func WithLogger(l *log.Entry) Option { return func(w *Worker) { w.logger = l } }

// WithMetrics задаёт метрики ретрансляции.
func WithMetrics(m *metrics.SagaMetrics) Option { return func(w *Worker) { w.metrics = m } }

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(d time.Duration) Option { return func(w *Worker) { w.pollInterval = d } }

// WithMaxAttempts задаёт число попыток публикации одного события за цикл.
func WithMaxAttempts(n int) Option { return func(w *Worker) { w.maxAttempts = n } }

// WithRetryDelay задаёт первую паузу между попытками, дальше она удваивается.
func WithRetryDelay(d time.Duration) Option { return func(w *Worker) { w.retryDelay = d } }

// WithDLQ включает DLQ: событие, исчерпавшее попытки, уходит в topic и помечается failed.
func WithDLQ(publisher domain.OutboxPublisher, topic string) Option {
	return func(w *Worker) {
		w.dlq = publisher
		w.dlqTopic = topic
	}
}

// Worker ретранслирует pending-события из outbox в шину в порядке добавления.
type Worker struct {
	repo         domain.OutboxRepository
	publisher    domain.OutboxPublisher
	dlq          domain.OutboxPublisher
	dlqTopic     string
	logger       *log.Entry
	metrics      *metrics.SagaMetrics
	pollInterval time.Duration
	maxAttempts  int
	retryDelay   time.Duration
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:         repo,
		publisher:    publisher,
		dlqTopic:     DefaultDLQTopic,
		pollInterval: defaultPollInterval,
		maxAttempts:  defaultMaxAttempts,
		retryDelay:   defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.dlqTopic == "" {
		w.dlqTopic = DefaultDLQTopic
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce ретранслирует один батч.
// Событие, которое не удалось отправить, останавливает батч: следующие события того же
// заказа не должны обогнать его в шине.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer w.reportBacklog(ctx)

	pending, err := w.repo.PullPending(ctx, batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return
	}
	for _, msg := range pending {
		if ctx.Err() != nil || !w.relay(ctx, msg) {
			return
		}
	}
}

// relay отправляет одно событие; false останавливает батч.
func (w *Worker) relay(ctx context.Context, msg domain.OutboxMessage) bool {
	logger := w.logger.WithFields(log.Fields{"outbox_id": msg.ID, "topic": msg.Topic, "order_id": msg.AggregateID})

	err := w.publish(ctx, msg)
	if err == nil {
		if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
			logger.WithError(err).Warn("failed to mark outbox message as sent")
		}
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	logger.WithError(err).Error("outbox publish failed after retries")
	w.metrics.RecordOutboxPublish("failed")
	if w.dlq == nil {
		// Остаётся pending до следующего цикла.
		return false
	}

	dead, err := w.deadLetter(msg, err)
	if err == nil {
		err = w.dlq.Publish(ctx, dead)
	}
	if err != nil {
		logger.WithError(err).Warn("failed to publish to DLQ")
		w.metrics.RecordOutboxPublish("dlq_failed")
		return false
	}
	w.metrics.RecordOutboxPublish("dead_lettered")

	if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
		logger.WithError(err).Warn("failed to mark outbox message as failed")
	}
	return true
}

func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) error {
	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if err = w.publisher.Publish(ctx, msg); err == nil {
			w.metrics.RecordOutboxPublish("sent")
			return nil
		}
		w.metrics.RecordOutboxPublish("retry_error")
		if attempt == w.maxAttempts {
			break
		}
		if delay := w.retryBackoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, err)
}

func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryDelay <= 0 {
		return 0
	}
	return w.retryDelay << (attempt - 1)
}

// deadLetterBody — тело сообщения в DLQ: исходное событие и причина отказа.
type deadLetterBody struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"publish_error"`
	FailedAt      time.Time       `json:"dlq_published_at"`
}

func (w *Worker) deadLetter(msg domain.OutboxMessage, cause error) (domain.OutboxMessage, error) {
	body, err := json.Marshal(deadLetterBody{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		Topic:         msg.Topic,
		Payload:       msg.Payload,
		Error:         cause.Error(),
		FailedAt:      time.Now().UTC(),
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal dlq payload: %w", err)
	}
	dead := msg
	dead.Topic = w.dlqTopic
	dead.Payload = body
	return dead, nil
}

func (w *Worker) reportBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = time.Since(stats.OldestPendingAt)
	}
	w.metrics.SetOutboxBacklog(stats.PendingCount, age)
}

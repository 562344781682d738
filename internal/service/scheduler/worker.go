// Package scheduler исполняет отложенные задачи из domain.JobStore: опрашивает созревшие задачи,
// вызывает обработчик по имени задачи и переназначает её с backoff при ошибке (at-least-once).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultBatchSize    = 50
	defaultMaxAttempts  = 5
	defaultBaseBackoff  = 1 * time.Second
	defaultMaxBackoff   = 5 * time.Minute
	defaultJobTimeout   = 1 * time.Minute
	storeTimeout        = 5 * time.Second
)

// Handler выполняет задачу. Ошибка приводит к повторному запуску.
type Handler func(ctx context.Context, job domain.Job) error

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithPollInterval задаёт частоту опроса очереди.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithBatchSize задаёт число задач, забираемых за один опрос.
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

// WithMaxAttempts задаёт число попыток до перевода задачи в failed.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) { w.maxAttempts = n }
}

// WithBackoff задаёт базовую и максимальную задержку повтора.
func WithBackoff(base, max time.Duration) Option {
	return func(w *Worker) {
		w.baseBackoff = base
		w.maxBackoff = max
	}
}

// WithJobTimeout ограничивает время одного запуска обработчика. Должен быть меньше
// аренды задачи в хранилище, иначе задачу заберёт другой воркер.
func WithJobTimeout(d time.Duration) Option {
	return func(w *Worker) { w.jobTimeout = d }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithMetrics включает учёт срабатываний задач.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// Worker — именованный пул обработчиков отложенных задач.
type Worker struct {
	store    domain.JobStore
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *log.Entry
	metrics  *metrics.SagaMetrics
	now      func() time.Time

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	jobTimeout   time.Duration
}

// NewWorker создаёт воркер поверх хранилища задач.
func NewWorker(store domain.JobStore, opts ...Option) *Worker {
	w := &Worker{
		store:        store,
		handlers:     make(map[string]Handler),
		now:          func() time.Time { return time.Now().UTC() },
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		maxAttempts:  defaultMaxAttempts,
		baseBackoff:  defaultBaseBackoff,
		maxBackoff:   defaultMaxBackoff,
		jobTimeout:   defaultJobTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "job-worker")
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = defaultJobTimeout
	}
	return w
}

// Register назначает обработчик задачам с именем name.
func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

func (w *Worker) handler(name string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

// Run опрашивает очередь до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.WithField("poll_interval", w.pollInterval).Info("job worker started")
	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("job worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает созревшие задачи и выполняет их по очереди. Возвращает число выполненных задач.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	jobs, err := w.store.ClaimDue(ctx, w.now(), w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to claim due jobs")
		return 0
	}

	done := 0
	for _, job := range jobs {
		// Невыполненные задачи останутся running и вернутся после аренды.
		if ctx.Err() != nil {
			break
		}
		if w.execute(ctx, job) {
			done++
		}
	}
	return done
}

func (w *Worker) execute(ctx context.Context, job domain.Job) bool {
	logger := w.logger.WithFields(log.Fields{
		"job_id":   job.ID,
		"job_name": job.Name,
		"attempt":  job.Attempts,
	})

	// Итог запуска записывается и после отмены ctx: иначе задача ждала бы конца аренды.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	h, ok := w.handler(job.Name)
	if !ok {
		logger.Error("no handler registered for job")
		if err := w.store.Fail(storeCtx, job.ID, "no handler registered"); err != nil {
			logger.WithError(err).Warn("failed to mark job as failed")
		}
		return false
	}

	w.metrics.RecordExpirationJob("fired")
	if err := w.safeRun(ctx, h, job); err != nil {
		if job.Attempts >= w.maxAttempts {
			logger.WithError(err).Error("job failed, attempts exhausted")
			if failErr := w.store.Fail(storeCtx, job.ID, err.Error()); failErr != nil {
				logger.WithError(failErr).Warn("failed to mark job as failed")
			}
			return false
		}

		runAt := w.now().Add(w.backoff(job.Attempts))
		logger.WithError(err).WithField("run_at", runAt).Warn("job failed, rescheduling")
		if retryErr := w.store.Retry(storeCtx, job.ID, runAt, err.Error()); retryErr != nil {
			logger.WithError(retryErr).Warn("failed to reschedule job")
		}
		return false
	}

	if err := w.store.Complete(storeCtx, job.ID); err != nil {
		logger.WithError(err).Warn("failed to complete job")
	}
	logger.Debug("job completed")
	return true
}

// safeRun не даёт панике обработчика остановить воркер.
func (w *Worker) safeRun(ctx context.Context, h Handler, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()
	return h(ctx, job)
}

func (w *Worker) backoff(attempt int) time.Duration {
	if w.baseBackoff <= 0 {
		return 0
	}
	delay := w.baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if w.maxBackoff > 0 && delay >= w.maxBackoff {
			return w.maxBackoff
		}
	}
	if w.maxBackoff > 0 && delay > w.maxBackoff {
		return w.maxBackoff
	}
	return delay
}

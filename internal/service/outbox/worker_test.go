package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/events"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/memory"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	storage "github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-1",
				AggregateType: "order",
				AggregateID:   "order-1",
				Topic:         events.TopicOrderPlaced,
				Payload:       []byte(`{"orderId":"order-1"}`),
			},
		},
	}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if repo.sentIDs[0] != "msg-1" {
		t.Fatalf("expected sent id msg-1, got %s", repo.sentIDs[0])
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish call, got %d", got)
	}
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-2",
				AggregateType: "order",
				AggregateID:   "order-2",
				Topic:         events.TopicOrderCanceled,
				Payload:       []byte(`{"orderId":"order-2","status":"Cancelled"}`),
			},
		},
	}
	publisher := &stubPublisher{err: errors.New("publish failed")}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithDLQ(dlqPublisher, "test.dlq"),
		WithRetryDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 0 {
		t.Fatalf("expected 0 sent marks, got %d", got)
	}
	if got := len(repo.failedIDs); got != 1 {
		t.Fatalf("expected 1 failed mark, got %d", got)
	}
	if got := dlqPublisher.calls(); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}

	dlq := dlqPublisher.last
	assert.Equal(t, "test.dlq", dlq.Topic)
	var body map[string]any
	require.NoError(t, json.Unmarshal(dlq.Payload, &body))
	assert.Equal(t, events.TopicOrderCanceled, body["topic"])
	assert.Equal(t, "order-2", body["aggregate_id"])
}

func TestWorker_ProcessOnce_StopsBatchWithoutDLQ(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{ID: "msg-a", AggregateID: "o-1", Topic: events.TopicOrderExpired, Payload: []byte(`{"orderId":"o-1"}`)},
			{ID: "msg-b", AggregateID: "o-1", Topic: events.TopicOrderCanceled, Payload: []byte(`{"orderId":"o-1"}`)},
		},
	}
	publisher := &stubPublisher{err: errors.New("broker down")}

	worker := NewWorker(repo, publisher, WithRetryDelay(0), WithMaxAttempts(2))
	worker.ProcessOnce(context.Background())

	assert.Equal(t, 2, publisher.calls(), "second message must not overtake the first")
	assert.Empty(t, repo.sentIDs)
	assert.Empty(t, repo.failedIDs)
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-3",
				AggregateType: "payment",
				AggregateID:   "order-3",
				Topic:         events.TopicPaymentCompleted,
				Payload:       []byte(`{"orderId":"order-3"}`),
			},
		},
	}
	publisher := &stubPublisher{
		sequenceErrors: []error{
			errors.New("attempt 1"),
			errors.New("attempt 2"),
			nil,
		},
	}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
}

func TestWorker_ProcessOnce_ReportsToRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{ID: "msg-a", AggregateID: "o-1", Topic: events.TopicOrderExpired, Payload: []byte(`{"orderId":"o-1"}`)},
			{ID: "msg-b", AggregateID: "o-1", Topic: events.TopicOrderCanceled, Payload: []byte(`{"orderId":"o-1"}`)},
		},
	}
	publisher := &stubPublisher{err: errors.New("broker down")}

	NewWorker(repo, publisher,
		WithRetryDelay(0),
		WithMaxAttempts(2),
		WithMetrics(metrics.NewSagaMetricsWithRegisterer(reg)),
	).ProcessOnce(context.Background())

	pending, err := testutil.GatherAndCount(reg, "storefront_outbox_pending_records")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil && len(m.GetLabel()) == 1:
				values[mf.GetName()+"/"+m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["storefront_outbox_pending_records"])
	assert.Positive(t, values["storefront_outbox_oldest_pending_age_seconds"])
	assert.Equal(t, 2.0, values["storefront_outbox_publish_attempts_total/retry_error"])
	assert.Equal(t, 1.0, values["storefront_outbox_publish_attempts_total/failed"])
}

func TestRetryBackoff(t *testing.T) {
	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryDelay(10*time.Millisecond))

	assert.Equal(t, 10*time.Millisecond, worker.retryBackoff(1))
	assert.Equal(t, 20*time.Millisecond, worker.retryBackoff(2))
	assert.Equal(t, 40*time.Millisecond, worker.retryBackoff(3))
}

func TestPublisherAndRelay_EndToEnd(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewOutboxRepository()
	bus := memory.NewBus(nil)

	var got []string
	bus.Subscribe(events.GroupPayment, events.NewRouter(nil).
		On(events.TopicOrderExpired, events.HandlerFunc(func(_ context.Context, ev events.Event) error {
			got = append(got, ev.Topic()+":"+ev.Key())
			return nil
		})))

	pub := NewPublisher(repo, "order")
	require.NoError(t, pub.Publish(ctx,
		events.OrderExpired{OrderID: "o-9"},
		events.OrderCanceled{OrderSnapshot: events.OrderSnapshot{OrderID: "o-9", Status: "Expired"}},
	))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.Empty(t, bus.Topics(), "nothing reaches the bus before the relay runs")

	NewWorker(repo, NewBusRelay(bus), WithRetryDelay(0)).ProcessOnce(ctx)

	assert.Equal(t, []string{events.TopicOrderExpired, events.TopicOrderCanceled}, bus.Topics())
	assert.Equal(t, []string{"order_expired:o-9"}, got)

	stats, err = repo.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
}

func TestBusRelay_RejectsMalformed(t *testing.T) {
	relay := NewBusRelay(memory.NewBus(nil))
	err := relay.Publish(context.Background(), domain.OutboxMessage{Topic: events.TopicOrderPlaced, Payload: []byte(`{}`)})
	require.ErrorIs(t, err, events.ErrMalformedEvent)
}

type stubOutboxRepo struct {
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(context.Context) (domain.OutboxStats, error) {
	stats := domain.OutboxStats{
		PendingCount: len(s.pending),
	}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	callCount      int
	last           domain.OutboxMessage
}

func (s *stubPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.last = msg
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}

	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var _ domain.OutboxRepository = (*stubOutboxRepo)(nil)
var _ domain.OutboxPublisher = (*stubPublisher)(nil)

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	repo := &stubOutboxRepo{}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithPollInterval(5*time.Millisecond),
		WithRetryDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture() (*memory.JobStore, *clock) {
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return memory.NewJobStore().WithClock(c.now), c
}

func TestWorker_RunsDueJobOnce(t *testing.T) {
	ctx := context.Background()
	store, c := newFixture()

	var payloads []string
	w := NewWorker(store, WithClock(c.now))
	w.Register("order-expiration-job", func(_ context.Context, job domain.Job) error {
		payloads = append(payloads, string(job.Payload))
		return nil
	})

	id, err := store.Schedule(ctx, "order-expiration-job", []byte(`{"orderId":"o-1"}`), 15*time.Minute)
	require.NoError(t, err)

	assert.Zero(t, w.ProcessOnce(ctx), "job must not fire before its delay")

	c.advance(15 * time.Minute)
	assert.Equal(t, 1, w.ProcessOnce(ctx))
	assert.Zero(t, w.ProcessOnce(ctx))
	assert.Equal(t, []string{`{"orderId":"o-1"}`}, payloads)

	_, err = store.Lookup(ctx, id)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestWorker_CanceledJobNeverFires(t *testing.T) {
	ctx := context.Background()
	store, c := newFixture()

	var fired atomic.Int32
	w := NewWorker(store, WithClock(c.now))
	w.Register("order-expiration-job", func(context.Context, domain.Job) error {
		fired.Add(1)
		return nil
	})

	id, err := store.Schedule(ctx, "order-expiration-job", nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, id))

	c.advance(time.Hour)
	w.ProcessOnce(ctx)
	assert.Zero(t, fired.Load())
}

func TestWorker_RetriesWithBackoffThenFails(t *testing.T) {
	ctx := context.Background()
	store, c := newFixture()

	var calls int
	w := NewWorker(store, WithClock(c.now), WithMaxAttempts(3), WithBackoff(time.Second, time.Minute))
	w.Register("flaky", func(context.Context, domain.Job) error {
		calls++
		return errors.New("store unavailable")
	})

	id, err := store.Schedule(ctx, "flaky", nil, 0)
	require.NoError(t, err)

	w.ProcessOnce(ctx)
	job, err := store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScheduled, job.Status)
	assert.Equal(t, c.now().Add(time.Second), job.RunAt)
	assert.Equal(t, "store unavailable", job.LastError)

	c.advance(time.Second)
	w.ProcessOnce(ctx)
	job, err = store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, c.now().Add(2*time.Second), job.RunAt)

	c.advance(2 * time.Second)
	w.ProcessOnce(ctx)
	job, err = store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 3, calls)
}

func TestWorker_UnknownJobIsFailed(t *testing.T) {
	ctx := context.Background()
	store, c := newFixture()
	w := NewWorker(store, WithClock(c.now))

	id, err := store.Schedule(ctx, "nobody-handles-this", nil, 0)
	require.NoError(t, err)
	w.ProcessOnce(ctx)

	job, err := store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
}

func TestWorker_PanicIsRetried(t *testing.T) {
	ctx := context.Background()
	store, c := newFixture()
	w := NewWorker(store, WithClock(c.now))
	w.Register("boom", func(context.Context, domain.Job) error { panic("nil map") })

	id, err := store.Schedule(ctx, "boom", nil, 0)
	require.NoError(t, err)
	w.ProcessOnce(ctx)

	job, err := store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScheduled, job.Status)
	assert.Contains(t, job.LastError, "panic")
}

func TestBackoff(t *testing.T) {
	w := NewWorker(memory.NewJobStore(), WithBackoff(time.Second, 5*time.Second))
	assert.Equal(t, time.Second, w.backoff(1))
	assert.Equal(t, 2*time.Second, w.backoff(2))
	assert.Equal(t, 4*time.Second, w.backoff(3))
	assert.Equal(t, 5*time.Second, w.backoff(4))
	assert.Equal(t, 5*time.Second, w.backoff(10))
}

func TestWorker_RunStopsWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w := NewWorker(memory.NewJobStore(), WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_OutcomeIsSavedWhenStopped(t *testing.T) {
	store, c := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(store, WithClock(c.now), WithBackoff(time.Second, time.Minute))
	w.Register("order-expiration-job", func(context.Context, domain.Job) error {
		cancel()
		return errors.New("shutting down")
	})

	id, err := store.Schedule(ctx, "order-expiration-job", nil, 0)
	require.NoError(t, err)
	w.ProcessOnce(ctx)

	job, err := store.Lookup(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScheduled, job.Status, "retry must be stored after cancellation")
	assert.Equal(t, c.now().Add(time.Second), job.RunAt)
}

func TestWorker_StalledJobIsReclaimedAfterLease(t *testing.T) {
	ctx := context.Background()
	store, c := newFixture()
	store.WithLease(time.Minute)

	id, err := store.Schedule(ctx, "order-expiration-job", []byte(`{"orderId":"o-1"}`), 0)
	require.NoError(t, err)

	// Воркер забрал задачу и упал, не записав результат.
	claimed, err := store.ClaimDue(ctx, c.now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	var runs []int
	w := NewWorker(store, WithClock(c.now))
	w.Register("order-expiration-job", func(_ context.Context, job domain.Job) error {
		runs = append(runs, job.Attempts)
		return nil
	})

	c.advance(59 * time.Second)
	assert.Zero(t, w.ProcessOnce(ctx), "lease still held")

	c.advance(time.Second)
	assert.Equal(t, 1, w.ProcessOnce(ctx))
	assert.Equal(t, []int{2}, runs)

	_, err = store.Lookup(ctx, id)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestWorker_HandlerGetsDeadline(t *testing.T) {
	ctx := context.Background()
	store, c := newFixture()

	var deadline time.Time
	w := NewWorker(store, WithClock(c.now), WithJobTimeout(time.Minute))
	w.Register("job", func(ctx context.Context, _ domain.Job) error {
		deadline, _ = ctx.Deadline()
		return nil
	})

	_, err := store.Schedule(ctx, "job", nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, w.ProcessOnce(ctx))
	assert.False(t, deadline.IsZero())
}

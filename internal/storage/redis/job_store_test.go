package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/scheduler"
	"github.com/vladislavdragonenkov/storefront/internal/storage/redis"
)

func newJobStore(t *testing.T, now time.Time) (*redis.JobStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return redis.NewJobStore(client, "test").WithClock(func() time.Time { return now }), mr
}

func TestJobStore_ScheduleClaimComplete(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store, mr := newJobStore(t, clock)

	late, err := store.Schedule(ctx, "order-expiration-job", []byte(`{"orderId":"o-2"}`), 20*time.Minute)
	require.NoError(t, err)
	early, err := store.Schedule(ctx, "order-expiration-job", []byte(`{"orderId":"o-1"}`), 15*time.Minute)
	require.NoError(t, err)

	job, err := store.Lookup(ctx, early)
	require.NoError(t, err)
	assert.Equal(t, clock.Add(15*time.Minute), job.RunAt)
	assert.Equal(t, clock, job.CreatedAt)
	assert.Equal(t, domain.JobStatusScheduled, job.Status)
	assert.Equal(t, []byte(`{"orderId":"o-1"}`), job.Payload)
	assert.True(t, mr.Exists("test:job:"+early))

	due, err := store.ClaimDue(ctx, clock.Add(14*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.ClaimDue(ctx, clock.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early, due[0].ID)
	assert.Equal(t, late, due[1].ID)
	assert.Equal(t, domain.JobStatusRunning, due[0].Status)
	assert.Equal(t, 1, due[0].Attempts)

	again, err := store.ClaimDue(ctx, clock.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased jobs are not claimed twice")

	require.ErrorIs(t, store.Cancel(ctx, early), domain.ErrJobNotFound)

	require.NoError(t, store.Complete(ctx, early))
	_, err = store.Lookup(ctx, early)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
	require.ErrorIs(t, store.Complete(ctx, early), domain.ErrJobNotFound)
}

func TestJobStore_ClaimRespectsLimit(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newJobStore(t, clock)

	for i := 0; i < 3; i++ {
		_, err := store.Schedule(ctx, "job", nil, time.Duration(i)*time.Second)
		require.NoError(t, err)
	}

	due, err := store.ClaimDue(ctx, clock.Add(time.Minute), 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	due, err = store.ClaimDue(ctx, clock.Add(time.Minute), 2)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestJobStore_Cancel(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store, mr := newJobStore(t, clock)

	id, err := store.Schedule(ctx, "job", nil, time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Cancel(ctx, id))
	require.ErrorIs(t, store.Cancel(ctx, id), domain.ErrJobNotFound)
	assert.False(t, mr.Exists("test:job:"+id))

	due, err := store.ClaimDue(ctx, clock.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestJobStore_RetryAndFail(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newJobStore(t, clock)

	id, err := store.Schedule(ctx, "job", []byte("x"), 0)
	require.NoError(t, err)
	_, err = store.ClaimDue(ctx, clock, 10)
	require.NoError(t, err)

	retryAt := clock.Add(30 * time.Second)
	require.NoError(t, store.Retry(ctx, id, retryAt, "bus unavailable"))

	job, err := store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScheduled, job.Status)
	assert.Equal(t, retryAt, job.RunAt)
	assert.Equal(t, "bus unavailable", job.LastError)

	due, err := store.ClaimDue(ctx, retryAt, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempts)

	require.NoError(t, store.Fail(ctx, id, "gave up"))
	job, err = store.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "gave up", job.LastError)

	due, err = store.ClaimDue(ctx, clock.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.ErrorIs(t, store.Retry(ctx, "missing", retryAt, ""), domain.ErrJobNotFound)
	require.ErrorIs(t, store.Fail(ctx, "missing", ""), domain.ErrJobNotFound)
}

func TestJobStore_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store, mr := newJobStore(t, clock)
	store.WithLease(2 * time.Minute)

	id, err := store.Schedule(ctx, "order-expiration-job", nil, time.Minute)
	require.NoError(t, err)

	claimAt := clock.Add(time.Minute)
	due, err := store.ClaimDue(ctx, claimAt, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, claimAt.Add(2*time.Minute), due[0].RunAt, "running job keeps its lease deadline")

	score, err := mr.ZScore("test:jobs:due", id)
	require.NoError(t, err)
	assert.Equal(t, float64(claimAt.Add(2*time.Minute).UnixMilli()), score)

	due, err = store.ClaimDue(ctx, claimAt.Add(2*time.Minute-time.Millisecond), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.ClaimDue(ctx, claimAt.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempts)
	assert.Equal(t, domain.JobStatusRunning, due[0].Status)
}

func TestJobStore_WorkerStoppedMidRunRerunsJob(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := clock
	store, _ := newJobStore(t, clock)

	id, err := store.Schedule(context.Background(), "order-expiration-job", []byte(`{"orderId":"o-1"}`), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := scheduler.NewWorker(store, scheduler.WithClock(func() time.Time { return now }))
	first.Register("order-expiration-job", func(context.Context, domain.Job) error {
		cancel()
		return context.Canceled
	})
	first.ProcessOnce(ctx)

	job, err := store.Lookup(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScheduled, job.Status)

	reruns := 0
	second := scheduler.NewWorker(store, scheduler.WithClock(func() time.Time { return now }))
	second.Register("order-expiration-job", func(context.Context, domain.Job) error {
		reruns++
		return nil
	})
	now = now.Add(24 * time.Hour)
	second.ProcessOnce(context.Background())

	assert.Equal(t, 1, reruns)
	_, err = store.Lookup(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestJobStore_RedisUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newJobStore(t, time.Now())
	mr.Close()

	_, err := store.Schedule(ctx, "job", nil, time.Minute)
	require.Error(t, err)
	require.Error(t, store.Ping(ctx))
}

package postgres_test

import (
	"context"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

var decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

func (s *postgresSuite) TestMigrations_DownAndUp() {
	ctx := context.Background()

	state, err := s.store.MigrationStatus(ctx)
	s.Require().NoError(err)
	s.Equal(postgres.MigrationState{Version: 5}, state)

	s.Require().NoError(s.store.MigrateDown(ctx, 1))
	state, err = s.store.MigrationStatus(ctx)
	s.Require().NoError(err)
	s.Equal(uint(4), state.Version)

	s.Require().NoError(s.store.MigrateUp(ctx, 0))
	s.Require().NoError(s.store.MigrateUp(ctx, 0), "repeated up is a no-op")
	state, err = s.store.MigrationStatus(ctx)
	s.Require().NoError(err)
	s.Equal(uint(5), state.Version)
	s.False(state.Dirty)
}

func (s *postgresSuite) TestOrderRepository_CreateGetListSave() {
	ctx := context.Background()
	repo := postgres.NewOrderRepository(s.store)
	userID := gofakeit.UUID()

	older := fakeOrder(userID, baseTime())
	newer := fakeOrder(userID, baseTime().Add(time.Minute))
	foreign := fakeOrder(gofakeit.UUID(), baseTime().Add(2*time.Minute))
	for _, o := range []domain.Order{older, newer, foreign} {
		s.Require().NoError(repo.Create(ctx, o))
	}
	s.ErrorIs(repo.Create(ctx, older), domain.ErrAlreadyExists)

	got, err := repo.Get(ctx, older.ID)
	s.Require().NoError(err)
	if diff := cmp.Diff(older, got, decimalEqual); diff != "" {
		s.Failf("order mismatch", "(-want +got):\n%s", diff)
	}

	_, err = repo.Get(ctx, gofakeit.UUID())
	s.ErrorIs(err, domain.ErrOrderNotFound)

	mine, err := repo.ListByUser(ctx, userID, 0)
	s.Require().NoError(err)
	s.Equal([]string{newer.ID, older.ID}, lo.Map(mine, func(o domain.Order, _ int) string { return o.ID }))

	limited, err := repo.ListByUser(ctx, userID, 1)
	s.Require().NoError(err)
	s.Require().Len(limited, 1)
	s.Equal(newer.ID, limited[0].ID)

	all, err := repo.ListAll(ctx, 0)
	s.Require().NoError(err)
	s.Len(all, 3)
	s.Equal(foreign.ID, all[0].ID)

	got.Status = domain.OrderStatusProcessed
	got.ExpirationJobID = "job-1"
	s.Require().NoError(repo.Save(ctx, got))

	saved, err := repo.Get(ctx, older.ID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusProcessed, saved.Status)
	s.Equal("job-1", saved.ExpirationJobID)
	s.Equal(got.Version+1, saved.Version)

	s.ErrorIs(repo.Save(ctx, got), domain.ErrVersionConflict, "stale version must be rejected")

	missing := fakeOrder(userID, baseTime())
	s.ErrorIs(repo.Save(ctx, missing), domain.ErrOrderNotFound)
}

func (s *postgresSuite) TestPaymentRepository_Lifecycle() {
	ctx := context.Background()
	repo := postgres.NewPaymentRepository(s.store)
	userID, orderID := gofakeit.UUID(), gofakeit.UUID()

	first := fakePayment(userID, orderID, baseTime())
	second := fakePayment(userID, orderID, baseTime().Add(time.Minute))
	s.Require().NoError(repo.Create(ctx, first))
	s.Require().NoError(repo.Create(ctx, second))
	s.ErrorIs(repo.Create(ctx, first), domain.ErrAlreadyExists)

	got, err := repo.Get(ctx, first.ID)
	s.Require().NoError(err)
	if diff := cmp.Diff(first, got, decimalEqual); diff != "" {
		s.Failf("payment mismatch", "(-want +got):\n%s", diff)
	}
	s.Nil(got.PayerID)

	latest, err := repo.GetByOrder(ctx, orderID)
	s.Require().NoError(err)
	s.Equal(second.ID, latest.ID)

	_, err = repo.GetByOrder(ctx, gofakeit.UUID())
	s.ErrorIs(err, domain.ErrPaymentNotFound)

	listed, err := repo.ListByUser(ctx, userID)
	s.Require().NoError(err)
	s.Len(listed, 2)

	got.Status = domain.PaymentStatusCompleted
	got.PayerID = lo.ToPtr("PAYER42")
	got.UpdatedAt = baseTime().Add(2 * time.Minute)
	s.Require().NoError(repo.Save(ctx, got))

	saved, err := repo.Get(ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(domain.PaymentStatusCompleted, saved.Status)
	s.Require().NotNil(saved.PayerID)
	s.Equal("PAYER42", *saved.PayerID)
	s.Equal(int64(1), saved.Version)

	s.ErrorIs(repo.Save(ctx, got), domain.ErrVersionConflict)
	s.ErrorIs(repo.Save(ctx, fakePayment(userID, orderID, baseTime())), domain.ErrPaymentNotFound)
}

func (s *postgresSuite) TestInventoryRepository_StockOperations() {
	ctx := context.Background()
	repo := postgres.NewInventoryRepository(s.store)

	rec, err := repo.AddStock(ctx, "sku-1", 5, 3)
	s.Require().NoError(err)
	s.Equal(5, rec.Stock)
	s.Equal(3, rec.LowStockThreshold)

	rec, err = repo.AddStock(ctx, "sku-1", 2, 100)
	s.Require().NoError(err)
	s.Equal(7, rec.Stock)
	s.Equal(3, rec.LowStockThreshold, "threshold is fixed on creation")

	rec, err = repo.ReduceStock(ctx, "sku-1", 4)
	s.Require().NoError(err)
	s.Equal(3, rec.Stock)

	_, err = repo.ReduceStock(ctx, "sku-1", 10)
	s.ErrorIs(err, domain.ErrInsufficientStock)

	_, err = repo.ReduceStock(ctx, "sku-missing", 1)
	s.ErrorIs(err, domain.ErrInventoryNotFound)

	_, err = repo.AddStock(ctx, "sku-2", 50, 10)
	s.Require().NoError(err)

	low, err := repo.ListLowStock(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"sku-1"}, lo.Map(low, func(r domain.InventoryRecord, _ int) string { return r.ProductID }))
}

func (s *postgresSuite) TestInventoryRepository_ApplyAdjustmentsOnce() {
	ctx := context.Background()
	repo := postgres.NewInventoryRepository(s.store)

	_, err := repo.AddStock(ctx, "A", 10, 1)
	s.Require().NoError(err)
	_, err = repo.AddStock(ctx, "B", 1, 1)
	s.Require().NoError(err)

	adj := []domain.StockAdjustment{
		{ProductID: "A", Delta: -2},
		{ProductID: "B", Delta: -3},
		{ProductID: "C", Delta: -1},
		{ProductID: "A", Delta: -1},
	}
	res, err := repo.ApplyAdjustments(ctx, "order-1", domain.AdjustmentOrderPlaced, adj)
	s.Require().NoError(err)
	s.False(res.Duplicate)
	s.Equal([]string{"C"}, res.Missing)
	s.Require().Len(res.Applied, 2)
	s.Equal(7, res.Applied[0].Stock)
	s.Equal(-2, res.Applied[1].Stock, "stock may go negative")

	dup, err := repo.ApplyAdjustments(ctx, "order-1", domain.AdjustmentOrderPlaced, adj)
	s.Require().NoError(err)
	s.True(dup.Duplicate)

	rec, err := repo.Get(ctx, "A")
	s.Require().NoError(err)
	s.Equal(7, rec.Stock)

	restore := lo.Map(adj, func(a domain.StockAdjustment, _ int) domain.StockAdjustment {
		return domain.StockAdjustment{ProductID: a.ProductID, Delta: -a.Delta}
	})
	res, err = repo.ApplyAdjustments(ctx, "order-1", domain.AdjustmentOrderCanceled, restore)
	s.Require().NoError(err)
	s.False(res.Duplicate)

	rec, err = repo.Get(ctx, "A")
	s.Require().NoError(err)
	s.Equal(10, rec.Stock)
}

func (s *postgresSuite) TestInventoryRepository_CancelBeforePlacement() {
	ctx := context.Background()
	repo := postgres.NewInventoryRepository(s.store)

	_, err := repo.AddStock(ctx, "early-cancel", 10, 1)
	s.Require().NoError(err)

	res, err := repo.ApplyAdjustments(ctx, "order-early", domain.AdjustmentOrderCanceled, []domain.StockAdjustment{{ProductID: "early-cancel", Delta: 2}})
	s.Require().NoError(err)
	s.True(res.Skipped)

	res, err = repo.ApplyAdjustments(ctx, "order-early", domain.AdjustmentOrderPlaced, []domain.StockAdjustment{{ProductID: "early-cancel", Delta: -2}})
	s.Require().NoError(err)
	s.True(res.Skipped)
	s.False(res.Duplicate)

	rec, err := repo.Get(ctx, "early-cancel")
	s.Require().NoError(err)
	s.Equal(10, rec.Stock)
}

func (s *postgresSuite) TestJobStore_Lifecycle() {
	ctx := context.Background()
	now := baseTime()
	jobs := postgres.NewJobStore(s.store).WithClock(func() time.Time { return now })

	late, err := jobs.Schedule(ctx, "order-expiration-job", []byte(`{"orderId":"o-2"}`), 20*time.Minute)
	s.Require().NoError(err)
	early, err := jobs.Schedule(ctx, "order-expiration-job", []byte(`{"orderId":"o-1"}`), 15*time.Minute)
	s.Require().NoError(err)
	cancelled, err := jobs.Schedule(ctx, "order-expiration-job", nil, 15*time.Minute)
	s.Require().NoError(err)

	s.Require().NoError(jobs.Cancel(ctx, cancelled))
	s.ErrorIs(jobs.Cancel(ctx, cancelled), domain.ErrJobNotFound)

	due, err := jobs.ClaimDue(ctx, now.Add(10*time.Minute), 10)
	s.Require().NoError(err)
	s.Empty(due)

	due, err = jobs.ClaimDue(ctx, now.Add(30*time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 2)
	s.Equal(early, due[0].ID)
	s.Equal(late, due[1].ID)
	s.Equal(domain.JobStatusRunning, due[0].Status)
	s.Equal(1, due[0].Attempts)
	s.Equal([]byte(`{"orderId":"o-1"}`), due[0].Payload)

	s.ErrorIs(jobs.Cancel(ctx, early), domain.ErrJobNotFound, "running job cannot be cancelled")

	s.Require().NoError(jobs.Retry(ctx, late, now.Add(40*time.Minute), "bus down"))
	job, err := jobs.Lookup(ctx, late)
	s.Require().NoError(err)
	s.Equal(domain.JobStatusScheduled, job.Status)
	s.Equal("bus down", job.LastError)
	s.True(job.RunAt.Equal(now.Add(40*time.Minute)))

	s.Require().NoError(jobs.Fail(ctx, late, "gave up"))
	job, err = jobs.Lookup(ctx, late)
	s.Require().NoError(err)
	s.Equal(domain.JobStatusFailed, job.Status)

	s.Require().NoError(jobs.Complete(ctx, early))
	_, err = jobs.Lookup(ctx, early)
	s.ErrorIs(err, domain.ErrJobNotFound)
	s.ErrorIs(jobs.Complete(ctx, early), domain.ErrJobNotFound)
}

func (s *postgresSuite) TestJobStore_ExpiredLeaseIsReclaimed() {
	ctx := context.Background()
	now := baseTime()
	jobs := postgres.NewJobStore(s.store).WithClock(func() time.Time { return now }).WithLease(2 * time.Minute)

	id, err := jobs.Schedule(ctx, "order-expiration-job", nil, time.Minute)
	s.Require().NoError(err)

	claimAt := now.Add(time.Minute)
	due, err := jobs.ClaimDue(ctx, claimAt, 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.True(due[0].RunAt.Equal(claimAt.Add(2*time.Minute)))

	due, err = jobs.ClaimDue(ctx, claimAt.Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Empty(due, "lease still held")

	due, err = jobs.ClaimDue(ctx, claimAt.Add(2*time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(id, due[0].ID)
	s.Equal(2, due[0].Attempts)
}

func (s *postgresSuite) TestOutboxRepository_PullInInsertOrder() {
	ctx := context.Background()
	repo := postgres.NewOutboxRepository(s.store)

	stats, err := repo.Stats(ctx)
	s.Require().NoError(err)
	s.Zero(stats.PendingCount)
	s.True(stats.OldestPendingAt.IsZero())

	ids := make([]string, 0, 3)
	for i, topic := range []string{"order_placed", "order_canceled", "order_expired"} {
		msg, err := repo.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: "order",
			AggregateID:   gofakeit.UUID(),
			Topic:         topic,
			Payload:       []byte(`{}`),
			CreatedAt:     baseTime().Add(time.Duration(i) * time.Second),
		})
		s.Require().NoError(err)
		s.NotEmpty(msg.ID)
		ids = append(ids, msg.ID)
	}

	pending, err := repo.PullPending(ctx, 10)
	s.Require().NoError(err)
	s.Equal(ids, lo.Map(pending, func(m domain.OutboxMessage, _ int) string { return m.ID }))
	s.Equal("order_canceled", pending[1].Topic)

	s.Require().NoError(repo.MarkSent(ctx, ids[0]))
	s.Require().NoError(repo.MarkFailed(ctx, ids[1]))
	s.ErrorIs(repo.MarkSent(ctx, "missing"), postgres.ErrOutboxMessageNotFound)

	stats, err = repo.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.PendingCount)
	if diff := cmp.Diff(baseTime().Add(2*time.Second), stats.OldestPendingAt, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		s.Failf("oldest pending mismatch", "(-want +got):\n%s", diff)
	}
}

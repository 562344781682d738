package postgres_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

// STOREFRONT_POSTGRES_TEST_DSN позволяет прогнать тесты на уже поднятой базе без Docker.
const testDSNEnv = "STOREFRONT_POSTGRES_TEST_DSN"

type postgresSuite struct {
	suite.Suite

	container testcontainers.Container
	store     *postgres.Store
}

func TestPostgresSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres integration tests are skipped in -short mode")
	}
	suite.Run(t, new(postgresSuite))
}

func (s *postgresSuite) SetupSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := strings.TrimSpace(os.Getenv(testDSNEnv))
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(s.T())
		dsn = s.startContainer(ctx)
	}

	store, err := postgres.Open(ctx, dsn)
	s.Require().NoError(err)
	s.store = store
	s.Require().NoError(store.MigrateUp(ctx, 0))
}

func (s *postgresSuite) startContainer(ctx context.Context) string {
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("storefront"),
		tcpostgres.WithUsername("storefront"),
		tcpostgres.WithPassword("storefront"),
		tcpostgres.BasicWaitStrategies(),
	)
	if ctr != nil {
		s.container = ctr
	}
	s.Require().NoError(err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)
	return dsn
}

func (s *postgresSuite) TearDownSuite() {
	if s.store != nil {
		s.NoError(s.store.Close())
	}
	if s.container != nil {
		s.NoError(testcontainers.TerminateContainer(s.container))
	}
}

func (s *postgresSuite) SetupTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.store.DB().ExecContext(ctx, `
		TRUNCATE TABLE
			orders,
			payments,
			inventory,
			inventory_adjustments,
			jobs,
			outbox_messages
		RESTART IDENTITY CASCADE
	`)
	s.Require().NoError(err)
}

// baseTime округлён до микросекунд: точнее TIMESTAMPTZ не хранит.
func baseTime() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func fakeOrder(userID string, createdAt time.Time) domain.Order {
	items := []domain.LineItem{
		{ProductID: gofakeit.UUID(), Name: gofakeit.ProductName(), UnitPrice: decimal.RequireFromString("10.50"), Quantity: 2},
		{ProductID: gofakeit.UUID(), Name: gofakeit.ProductName(), UnitPrice: decimal.RequireFromString("4.00"), Quantity: 1},
	}
	return domain.Order{
		ID:     gofakeit.UUID(),
		UserID: userID,
		Items:  items,
		ShippingAddress: domain.ShippingAddress{
			Street:  gofakeit.Street(),
			City:    gofakeit.City(),
			State:   gofakeit.State(),
			Pincode: gofakeit.Zip(),
		},
		Phone:      "5551234567",
		TotalPrice: domain.ComputeTotal(items),
		Status:     domain.OrderStatusPending,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func fakePayment(userID, orderID string, createdAt time.Time) domain.Payment {
	return domain.Payment{
		ID:          gofakeit.UUID(),
		UserID:      userID,
		OrderID:     orderID,
		Amount:      decimal.RequireFromString("25.00"),
		Status:      domain.PaymentStatusPending,
		ApprovalURL: "https://sandbox.example/approve?token=abc",
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

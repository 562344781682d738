package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type orderRow struct {
	ID              string          `db:"id"`
	UserID          string          `db:"user_id"`
	Products        []byte          `db:"products"`
	ShippingAddress []byte          `db:"shipping_address"`
	Phone           string          `db:"phone"`
	TotalPrice      decimal.Decimal `db:"total_price"`
	Status          string          `db:"status"`
	JobID           string          `db:"job_id"`
	Version         int64           `db:"version"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

const orderColumns = `id, user_id, products, shipping_address, phone, total_price, status, job_id, version, created_at, updated_at`

func newOrderRow(o domain.Order) (orderRow, error) {
	products, err := json.Marshal(o.Items)
	if err != nil {
		return orderRow{}, fmt.Errorf("encode products: %w", err)
	}
	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return orderRow{}, fmt.Errorf("encode shipping address: %w", err)
	}
	return orderRow{
		ID:              o.ID,
		UserID:          o.UserID,
		Products:        products,
		ShippingAddress: address,
		Phone:           o.Phone,
		TotalPrice:      o.TotalPrice,
		Status:          string(o.Status),
		JobID:           o.ExpirationJobID,
		Version:         o.Version,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}, nil
}

func (r orderRow) toDomain() (domain.Order, error) {
	o := domain.Order{
		ID:              r.ID,
		UserID:          r.UserID,
		Phone:           r.Phone,
		TotalPrice:      r.TotalPrice,
		Status:          domain.OrderStatus(r.Status),
		ExpirationJobID: r.JobID,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal(r.Products, &o.Items); err != nil {
		return domain.Order{}, fmt.Errorf("decode products of order %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.ShippingAddress, &o.ShippingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address of order %s: %w", r.ID, err)
	}
	return o, nil
}

type orderRepository struct {
	db *sqlx.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row, err := newOrderRow(order)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (:id, :user_id, :products, :shipping_address, :phone, :total_price,
		        :status, :job_id, :version, :created_at, :updated_at)
	`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var row orderRow
	err := r.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	return row.toDomain()
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	return r.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limitOrAll(limit))
}

func (r *orderRepository) ListAll(ctx context.Context, limit int) ([]domain.Order, error) {
	return r.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limitOrAll(limit))
}

func (r *orderRepository) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var rows []orderRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	orders := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		o, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// Save обновляет заказ, если его версия в базе совпадает с order.Version.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row, err := newOrderRow(order)
	if err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE orders
		SET products = :products,
		    shipping_address = :shipping_address,
		    phone = :phone,
		    total_price = :total_price,
		    status = :status,
		    job_id = :job_id,
		    version = version + 1,
		    updated_at = :updated_at
		WHERE id = :id
		  AND version = :version
	`, row)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return r.missOrConflict(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID, domain.ErrOrderNotFound)
	}
	return nil
}

func (r *orderRepository) missOrConflict(ctx context.Context, query, id string, notFound error) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, id); err != nil {
		return fmt.Errorf("check existence: %w", err)
	}
	if !exists {
		return notFound
	}
	return domain.ErrVersionConflict
}

// limitOrAll: в PostgreSQL LIMIT NULL означает «без ограничения».
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)

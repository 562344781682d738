package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type paymentRow struct {
	ID          string          `db:"payment_id"`
	UserID      string          `db:"user_id"`
	OrderID     string          `db:"order_id"`
	Amount      decimal.Decimal `db:"amount"`
	Status      string          `db:"status"`
	PayerID     sql.NullString  `db:"payer_id"`
	ApprovalURL string          `db:"approval_url"`
	Version     int64           `db:"version"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

const paymentColumns = `payment_id, user_id, order_id, amount, status, payer_id, approval_url, version, created_at, updated_at`

func newPaymentRow(p domain.Payment) paymentRow {
	row := paymentRow{
		ID:          p.ID,
		UserID:      p.UserID,
		OrderID:     p.OrderID,
		Amount:      p.Amount,
		Status:      string(p.Status),
		ApprovalURL: p.ApprovalURL,
		Version:     p.Version,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.PayerID != nil {
		row.PayerID = sql.NullString{String: *p.PayerID, Valid: true}
	}
	return row
}

func (r paymentRow) toDomain() domain.Payment {
	p := domain.Payment{
		ID:          r.ID,
		UserID:      r.UserID,
		OrderID:     r.OrderID,
		Amount:      r.Amount,
		Status:      domain.PaymentStatus(r.Status),
		ApprovalURL: r.ApprovalURL,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.PayerID.Valid {
		p.PayerID = lo.ToPtr(r.PayerID.String)
	}
	return p
}

type paymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository создаёт PostgreSQL-реализацию PaymentRepository.
func NewPaymentRepository(store *Store) domain.PaymentRepository {
	return &paymentRepository{db: store.DB()}
}

func (r *paymentRepository) Create(ctx context.Context, payment domain.Payment) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (:payment_id, :user_id, :order_id, :amount, :status, :payer_id,
		        :approval_url, :version, :created_at, :updated_at)
	`, newPaymentRow(payment))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) Get(ctx context.Context, id string) (domain.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_id = $1`, id)
}

func (r *paymentRepository) GetByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return r.getOne(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID)
}

func (r *paymentRepository) getOne(ctx context.Context, query, arg string) (domain.Payment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var row paymentRow
	err := r.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	if err != nil {
		return domain.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return row.toDomain(), nil
}

func (r *paymentRepository) ListByUser(ctx context.Context, userID string) ([]domain.Payment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var rows []paymentRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT `+paymentColumns+` FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return lo.Map(rows, func(row paymentRow, _ int) domain.Payment { return row.toDomain() }), nil
}

func (r *paymentRepository) Save(ctx context.Context, payment domain.Payment) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.NamedExecContext(ctx, `
		UPDATE payments
		SET status = :status,
		    payer_id = :payer_id,
		    approval_url = :approval_url,
		    version = version + 1,
		    updated_at = :updated_at
		WHERE payment_id = :payment_id
		  AND version = :version
	`, newPaymentRow(payment))
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM payments WHERE payment_id = $1)`, payment.ID); err != nil {
		return fmt.Errorf("check payment existence: %w", err)
	}
	if !exists {
		return domain.ErrPaymentNotFound
	}
	return domain.ErrVersionConflict
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)

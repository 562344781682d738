package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrAlreadyExists, если запись с таким ID уже существует.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// ListByUser возвращает заказы пользователя, новые первыми; limit <= 0 — без ограничения.
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// ListAll возвращает все заказы, новые первыми.
	ListAll(ctx context.Context, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking и увеличивает Version.
	Save(ctx context.Context, order Order) error
}

// InventoryRepository — хранилище складских остатков.
type InventoryRepository interface {
	// Get возвращает запись или ErrInventoryNotFound.
	Get(ctx context.Context, productID string) (InventoryRecord, error)
	// AddStock атомарно увеличивает остаток, создавая запись при отсутствии.
	AddStock(ctx context.Context, productID string, qty, threshold int) (InventoryRecord, error)
	// ReduceStock атомарно уменьшает остаток; ErrInsufficientStock, если остатка не хватает.
	ReduceStock(ctx context.Context, productID string, qty int) (InventoryRecord, error)
	// ApplyAdjustments применяет пакет изменений по заказу ровно один раз для пары (orderID, kind).
	// Записи без складской позиции пропускаются, остаток может уйти в минус.
	// Порядок пакетов одного заказа учитывается через StockChangeApplies.
	ApplyAdjustments(ctx context.Context, orderID string, kind AdjustmentKind, adj []StockAdjustment) (AdjustmentResult, error)
	// ListLowStock возвращает записи, у которых Stock <= LowStockThreshold.
	ListLowStock(ctx context.Context) ([]InventoryRecord, error)
}

// PaymentRepository — хранилище платежей.
type PaymentRepository interface {
	Create(ctx context.Context, payment Payment) error
	// Get ищет по идентификатору провайдера.
	Get(ctx context.Context, id string) (Payment, error)
	// GetByOrder возвращает последний платёж по заказу.
	GetByOrder(ctx context.Context, orderID string) (Payment, error)
	ListByUser(ctx context.Context, userID string) ([]Payment, error)
	// Save сохраняет платёж с проверкой Version.
	Save(ctx context.Context, payment Payment) error
}

// JobQueue — очередь отложенных задач.
type JobQueue interface {
	// Schedule ставит задачу name с payload на выполнение не раньше now+delay.
	Schedule(ctx context.Context, name string, payload []byte, delay time.Duration) (string, error)
	// Cancel удаляет ожидающую задачу. ErrJobNotFound, если её нет или она уже выполняется.
	Cancel(ctx context.Context, jobID string) error
	// Lookup возвращает задачу или ErrJobNotFound.
	Lookup(ctx context.Context, jobID string) (Job, error)
}

// JobStore — серверная сторона очереди, которой пользуется воркер.
type JobStore interface {
	JobQueue
	// ClaimDue переводит до limit созревших задач в running с арендой до now+lease и
	// возвращает их. Running-задачи с истёкшей арендой забираются повторно.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// Complete удаляет успешно выполненную задачу.
	Complete(ctx context.Context, jobID string) error
	// Retry возвращает задачу в очередь с новым временем запуска.
	Retry(ctx context.Context, jobID string, runAt time.Time, reason string) error
	// Fail помечает задачу проваленной после исчерпания попыток.
	Fail(ctx context.Context, jobID string, reason string) error
}

// PaymentIntent — ответ провайдера на создание платежа.
type PaymentIntent struct {
	ProviderPaymentID string
	ApprovalURL       string
}

// PaymentProvider описывает взаимодействие с платёжным провайдером.
type PaymentProvider interface {
	// CreateIntent создаёт платёж на стороне провайдера.
	CreateIntent(ctx context.Context, amount decimal.Decimal, returnURL, cancelURL string) (PaymentIntent, error)
}

// Product — карточка товара из каталога.
type Product struct {
	ID    string          `json:"_id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Catalog — read-only доступ к каталогу товаров.
type Catalog interface {
	Product(ctx context.Context, productID string) (Product, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, msg OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	// Topic — топик шины, в который уйдёт событие.
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

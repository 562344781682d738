package domain

import "errors"

// Базовые классы ошибок. Конкретные ошибки оборачивают их через fmt.Errorf("%w: ...").
var (
	// ErrValidation — некорректный или неполный ввод (400, без повторов).
	ErrValidation = errors.New("validation error")
	// ErrAuthorization — отсутствует или не совпадает субъект запроса (401/403).
	ErrAuthorization = errors.New("authorization error")
	// ErrNotFound — сущность не найдена (404).
	ErrNotFound = errors.New("not found")
	// ErrInvalidState — операция недопустима для текущего состояния сущности (400).
	ErrInvalidState = errors.New("invalid state")
	// ErrInsufficientStock — запрошено больше, чем есть на складе.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPersistence — ошибка записи в хранилище (500).
	ErrPersistence = errors.New("persistence error")
	// ErrProvider — ошибка внешнего платёжного провайдера (500).
	ErrProvider = errors.New("payment provider error")
	// ErrInfrastructure — шина событий или очередь задач недоступны.
	ErrInfrastructure = errors.New("infrastructure error")
)

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.Join(ErrValidation, errors.New("user id is required"))
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.Join(ErrValidation, errors.New("order must contain at least one product"))
	// Ошибка при некорректном количестве товара (< 1).
	ErrItemQtyInvalid = errors.Join(ErrValidation, errors.New("quantity must be at least 1"))
	// Ошибка, если цена позиции не положительная.
	ErrItemPriceInvalid = errors.Join(ErrValidation, errors.New("price must be positive"))
	// Ошибка отсутствующего идентификатора товара.
	ErrProductIDRequired = errors.Join(ErrValidation, errors.New("product id is required"))
	// Ошибка отсутствующего названия товара.
	ErrItemNameRequired = errors.Join(ErrValidation, errors.New("name is required"))
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.Join(ErrValidation, errors.New("order total does not match items sum"))
	// Ошибка неполного адреса доставки.
	ErrAddressInvalid = errors.Join(ErrValidation, errors.New("shipping address is incomplete"))
	// Ошибка слишком короткого телефона.
	ErrPhoneInvalid = errors.Join(ErrValidation, errors.New("phone number must be at least 10 digits"))
	// ErrUnknownOrderStatus — статус не входит в перечисление.
	ErrUnknownOrderStatus = errors.Join(ErrValidation, errors.New("invalid order status"))
	// ErrUnknownPaymentStatus — статус платежа не входит в перечисление.
	ErrUnknownPaymentStatus = errors.Join(ErrValidation, errors.New("invalid payment status"))
	// ErrQuantityInvalid — изменение стока на неположительное количество.
	ErrQuantityInvalid = errors.Join(ErrValidation, errors.New("quantity must be greater than zero"))
	// ErrAmountInvalid — сумма платежа должна быть положительной.
	ErrAmountInvalid = errors.Join(ErrValidation, errors.New("amount must be greater than 0"))
	// ErrOrderIDRequired — не передан идентификатор заказа.
	ErrOrderIDRequired = errors.Join(ErrValidation, errors.New("order id is required"))

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.Join(ErrNotFound, errors.New("order not found"))
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.Join(ErrNotFound, errors.New("payment not found"))
	// ErrInventoryNotFound — товар отсутствует на складе.
	ErrInventoryNotFound = errors.Join(ErrNotFound, errors.New("product not found in inventory"))
	// ErrProductNotFound — каталог не знает товар.
	ErrProductNotFound = errors.Join(ErrNotFound, errors.New("product not found in catalog"))
	// ErrJobNotFound — задача уже выполнена, отменена или взята в работу.
	ErrJobNotFound = errors.Join(ErrNotFound, errors.New("job not found"))

	// ErrOrderNotCancellable — пользователь может отменить только заказ в статусе Processed.
	ErrOrderNotCancellable = errors.Join(ErrInvalidState, errors.New("order cannot be cancelled"))
	// ErrTransitionForbidden — переход не предусмотрен машиной состояний.
	ErrTransitionForbidden = errors.Join(ErrInvalidState, errors.New("order status transition is not allowed"))
	// ErrPaymentNotPending — отменить можно только платёж в статусе Pending.
	ErrPaymentNotPending = errors.Join(ErrInvalidState, errors.New("only payments in Pending state can be cancelled"))
	// ErrPaymentTransitionForbidden — смена статуса платежа вне Pending -> {Completed, Failed}.
	ErrPaymentTransitionForbidden = errors.Join(ErrInvalidState, errors.New("payment status transition is not allowed"))
	// ErrPaymentSettled — платёж уже завершён и не может быть помечен проваленным.
	ErrPaymentSettled = errors.Join(ErrInvalidState, errors.New("payment already completed"))

	// ErrOrderForbidden — заказ принадлежит другому пользователю.
	ErrOrderForbidden = errors.Join(ErrAuthorization, errors.New("order belongs to another user"))
	// ErrUnauthenticated — запрос без проверенного субъекта.
	ErrUnauthenticated = errors.Join(ErrAuthorization, errors.New("user not authenticated"))

	// ErrVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrVersionConflict = errors.New("version conflict")
	// ErrAlreadyExists — запись с таким ключом уже есть.
	ErrAlreadyExists = errors.New("already exists")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound проверяет принадлежность ошибки к классу NotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

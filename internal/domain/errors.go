package domain

import "errors"

// Классы ошибок. Конкретные ошибки ниже оборачивают один (или несколько) из них,
// транспортный слой маппит коды ответа по классу через errors.Is.
var (
	// ErrUnauthorized — нет идентичности или она не совпадает с владельцем ресурса.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound — ресурс отсутствует или не принадлежит вызывающему.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput — некорректные входные данные.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInternal — сбой хранилища или инфраструктуры.
	ErrInternal = errors.New("internal error")
)

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = kindError("customer_id is required", ErrUnauthorized)
	// Ошибка отсутствующего идентификатора магазина.
	ErrShopkeeperRequired = kindError("shopkeeper id is required", ErrInvalidInput)
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = kindError("order items are required", ErrInvalidInput)
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = kindError("item quantity must be greater than zero", ErrInvalidInput)
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = kindError("item price must be non-negative", ErrInvalidInput)
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = kindError("order total does not match items sum", ErrInvalidInput)
	// ErrInvalidStatus — статус не входит в перечисление.
	ErrInvalidStatus = kindError("invalid status", ErrInvalidInput)
	// ErrInvalidTransition — переход запрещён политикой переходов.
	ErrInvalidTransition = kindError("status transition is not allowed", ErrInvalidInput)
	// ErrRecipientRequired — у уведомления нет получателя.
	ErrRecipientRequired = kindError("notification recipient is required", ErrInvalidInput)

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = kindError("order not found", ErrNotFound)
	// ErrOrderNotOwned — пара {id, shopkeeper} не нашлась: заказа нет либо он чужой.
	ErrOrderNotOwned = kindError("order not found or unauthorized", ErrNotFound, ErrUnauthorized)
	// ErrProductNotFound — позиция ссылается на несуществующий товар.
	ErrProductNotFound = kindError("product not found", ErrNotFound)
	// ErrUserNotFound — профиль пользователя отсутствует в справочнике.
	ErrUserNotFound = kindError("user not found", ErrNotFound)
	// ErrNotificationNotFound — уведомление отсутствует или принадлежит другому получателю.
	ErrNotificationNotFound = kindError("notification not found", ErrNotFound)
	// ErrOrderAlreadyExists — конфликт идентификатора при создании.
	ErrOrderAlreadyExists = errors.New("order already exists")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxUndeliverable — событие не может быть опубликовано ни при какой попытке (битый payload).
	ErrOutboxUndeliverable = errors.New("outbox message is undeliverable")

	// ErrIdempotencyKeyAlreadyExists — ключ уже занят другим запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyKeyRequired — пустой ключ идемпотентности.
	ErrIdempotencyKeyRequired = kindError("idempotency key is required", ErrInvalidInput)
	// ErrIdempotencyKeyInvalid — ключ слишком длинный или содержит управляющие символы.
	ErrIdempotencyKeyInvalid = kindError("idempotency key must be at most 128 printable characters", ErrInvalidInput)
	// ErrIdempotencyRequestHashRequired — не передан хэш тела запроса.
	ErrIdempotencyRequestHashRequired = kindError("idempotency request hash is required", ErrInvalidInput)
	// ErrIdempotencyKeyNotFound — ключ не найден или истёк.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different payload")
)

type classifiedError struct {
	msg   string
	kinds []error
}

func kindError(msg string, kinds ...error) error {
	return &classifiedError{msg: msg, kinds: kinds}
}

func (e *classifiedError) Error() string { return e.msg }

func (e *classifiedError) Unwrap() []error { return e.kinds }

// IsIdempotencyConflict сообщает, что повтор запроса конфликтует с уже сохранённым ключом.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsNotFound проверяет, относится ли ошибка к классу NotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnauthorized проверяет, относится ли ошибка к классу Unauthorized.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsInvalidInput проверяет, относится ли ошибка к классу InvalidInput.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

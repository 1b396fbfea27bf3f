package domain

import (
	"strings"
	"time"
	"unicode"
)

// MaxIdempotencyKeyLength ограничивает длину Idempotency-Key от клиента.
const MaxIdempotencyKeyLength = 128

// anonymousIdempotencyScope — пространство ключей для запросов без пользователя.
const anonymousIdempotencyScope = "anonymous"

// IdempotencyStatus — стадия обработки запроса на создание заказа с Idempotency-Key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// Valid сообщает, что статус известен хранилищу.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Finished сообщает, что ответ уже сохранён и его можно отдать повторно.
func (s IdempotencyStatus) Finished() bool {
	return s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyRecord — сохранённый результат запроса. Key уже содержит пространство пользователя.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired сообщает, что запись больше не защищает ключ.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// IdempotencyReplay — как ответить на повтор запроса с уже занятым ключом.
type IdempotencyReplay int

const (
	// IdempotencyReplayStored — отдать сохранённый ответ.
	IdempotencyReplayStored IdempotencyReplay = iota + 1
	// IdempotencyReplayInFlight — первый запрос ещё обрабатывается.
	IdempotencyReplayInFlight
	// IdempotencyReplayConflict — ключ использован с другим телом.
	IdempotencyReplayConflict
	// IdempotencyReplayCorrupted — запись завершена, но ответа в ней нет.
	IdempotencyReplayCorrupted
)

// ReplayFor решает судьбу повтора с хэшем requestHash.
func (r IdempotencyRecord) ReplayFor(requestHash string) IdempotencyReplay {
	if r.RequestHash != strings.TrimSpace(requestHash) {
		return IdempotencyReplayConflict
	}
	switch {
	case r.Status == IdempotencyStatusProcessing:
		return IdempotencyReplayInFlight
	case r.Status.Finished() && len(r.ResponseBody) > 0 && r.HTTPStatus > 0:
		return IdempotencyReplayStored
	default:
		return IdempotencyReplayCorrupted
	}
}

// ScopeIdempotencyKey привязывает клиентский ключ к покупателю:
// одинаковые ключи разных покупателей не пересекаются.
func ScopeIdempotencyKey(userID, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrIdempotencyKeyRequired
	}
	if len(key) > MaxIdempotencyKeyLength || strings.IndexFunc(key, unicode.IsControl) >= 0 {
		return "", ErrIdempotencyKeyInvalid
	}

	scope := strings.TrimSpace(userID)
	if scope == "" {
		scope = anonymousIdempotencyScope
	}
	return scope + ":" + key, nil
}

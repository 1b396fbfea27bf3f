package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

const (
	idempotencyKeyHeader      = "Idempotency-Key"
	idempotencyReplayedHeader = "Idempotency-Replayed"
)

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: request body is too large or unreadable", domain.ErrInvalidInput)
	}
	return body, nil
}

func decodeBytes(body []byte, dst any) error {
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed request body", domain.ErrInvalidInput)
	}
	return nil
}

func errorResponse(err error) (int, any) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		return status, messageResponse{Message: "Internal server error"}
	}
	return status, messageResponse{Message: err.Error()}
}

// withIdempotency выполняет handler один раз на пару {пользователь, Idempotency-Key}.
// Повтор с тем же телом получает сохранённый ответ, с другим телом или во время обработки — 409.
func (s *server) withIdempotency(w http.ResponseWriter, r *http.Request, body []byte, handler func() (int, any)) {
	key := r.Header.Get(idempotencyKeyHeader)
	if s.idempotency == nil || strings.TrimSpace(key) == "" {
		status, payload := handler()
		writeJSON(w, status, payload)
		return
	}

	id, _ := IdentityFrom(r.Context())
	scopedKey, err := domain.ScopeIdempotencyKey(id.UserID, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logger := s.logger.WithFields(log.Fields{
		"idempotency_key": scopedKey,
		"user_id":         id.UserID,
	})

	hash := requestHash(r, body)
	record, err := s.idempotency.CreateProcessing(r.Context(), scopedKey, hash, time.Now().UTC().Add(s.idempotencyTTL))
	if err != nil {
		if !domain.IsIdempotencyConflict(err) {
			logger.WithError(err).Warn("failed to create idempotency record")
			s.writeError(w, r, err)
			return
		}
		s.replayIdempotency(w, record.ReplayFor(hash), record, logger)
		return
	}

	status, payload := handler()
	encoded, err := json.Marshal(payload)
	if err != nil {
		logger.WithError(err).Error("failed to encode response")
		status, encoded = http.StatusInternalServerError, []byte(`{"message":"Internal server error"}`)
	}

	// ответ сохраняется даже если клиент уже ушёл: повтор должен его получить
	storeCtx := context.WithoutCancel(r.Context())
	if status < http.StatusBadRequest {
		err = s.idempotency.MarkDone(storeCtx, scopedKey, encoded, status)
	} else {
		err = s.idempotency.MarkFailed(storeCtx, scopedKey, encoded, status)
	}
	if err != nil {
		logger.WithError(err).Warn("failed to store idempotent response")
	}

	writeRaw(w, status, encoded)
}

func (s *server) replayIdempotency(w http.ResponseWriter, replay domain.IdempotencyReplay, record domain.IdempotencyRecord, logger *log.Entry) {
	switch replay {
	case domain.IdempotencyReplayStored:
		w.Header().Set(idempotencyReplayedHeader, "true")
		writeRaw(w, record.HTTPStatus, record.ResponseBody)
	case domain.IdempotencyReplayConflict:
		writeMessage(w, http.StatusConflict, "idempotency key is already used with different request payload")
	case domain.IdempotencyReplayInFlight:
		writeMessage(w, http.StatusConflict, "request with the same idempotency key is already processing")
	default:
		logger.WithField("status", record.Status).Error("idempotency record has no stored response")
		writeMessage(w, http.StatusInternalServerError, "idempotency cache is empty")
	}
}

func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{':'})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

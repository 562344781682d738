// Package httpapi — HTTP-поверхность участников саги: заказы, платежи и склад.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CodeSuccess — значение поля code в успешных ответах.
const CodeSuccess = "SUCCESS"

const maxBodyBytes = 1 << 20

// errorResponse — тело ответа об ошибке.
type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// classify сопоставляет ошибку доменной таксономии со статусом HTTP и кодом ответа.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, domain.ErrAuthorization):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusBadRequest, "INSUFFICIENT_STOCK"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusBadRequest, "INVALID_STATE"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrProvider):
		return http.StatusInternalServerError, "PROVIDER_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeError отвечает клиенту по таксономии ошибок. Детали 5xx остаются в логе.
func writeError(w http.ResponseWriter, r *http.Request, logger *log.Entry, message string, err error) {
	status, code := classify(err)
	resp := errorResponse{Message: message, Code: code}
	entry := logger.WithError(err).WithFields(log.Fields{"path": r.URL.Path, "status": status})
	if status >= http.StatusInternalServerError {
		entry.Error(message)
	} else {
		resp.Error = err.Error()
		entry.Warn(message)
	}
	writeJSON(w, status, resp)
}

// decodeBody читает JSON-тело; неизвестные поля допустимы, мусор — ошибка валидации.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.Join(domain.ErrValidation, errors.New("malformed request body"), err)
	}
	return nil
}

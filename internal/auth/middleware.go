package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CookieName — cookie, в которой браузерный клиент хранит токен.
const CookieName = "user_token"

type subjectKey struct{}

// WithSubject кладёт субъекта в контекст.
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

// SubjectFrom достаёт субъекта из контекста.
func SubjectFrom(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(subjectKey{}).(Subject)
	return s, ok
}

// Verifier проверяет токен и возвращает субъекта.
type Verifier interface {
	Verify(token string) (Subject, error)
}

type errorBody struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

func deny(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Message: message, ErrorCode: code})
}

func tokenFrom(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", "NO_TOKEN"
		}
		return strings.TrimSpace(parts[1]), ""
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, ""
	}
	return "", "NO_AUTH_HEADER"
}

// Middleware требует валидный токен и кладёт субъекта в контекст запроса.
func Middleware(v Verifier, logger *log.Entry) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.WithField("component", "auth")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, code := tokenFrom(r)
			if code != "" {
				logger.WithField("path", r.URL.Path).Warn("unauthorized request: no token")
				deny(w, http.StatusUnauthorized, "Unauthorized - Missing token", code)
				return
			}

			subject, err := v.Verify(token)
			if err != nil {
				logger.WithError(err).WithField("path", r.URL.Path).Warn("unauthorized request")
				switch {
				case errors.Is(err, ErrTokenExpired):
					deny(w, http.StatusUnauthorized, "Unauthorized - Token expired", "EXPIRE_TOKEN")
				case errors.Is(err, ErrSubjectMissing):
					deny(w, http.StatusUnauthorized, "Unauthorized - Missing ID", "NO_ID")
				default:
					deny(w, http.StatusUnauthorized, "Unauthorized - Invalid token", "INVALID_TOKEN")
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

// RequireRole пропускает только субъектов с ролью role. Ставится после Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, ok := SubjectFrom(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "Unauthorized - Missing token", "NO_TOKEN")
				return
			}
			if s.Role != role {
				deny(w, http.StatusForbidden, "Forbidden - insufficient role", "FORBIDDEN")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

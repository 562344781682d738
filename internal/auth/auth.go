// Package auth выпускает и проверяет bearer-токены (HS256) с идентификатором и ролью пользователя.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin открывает операторские ручки.
const RoleAdmin = "admin"

// DefaultTTL — срок жизни выпущенного токена.
const DefaultTTL = 24 * time.Hour

var (
	// ErrTokenMissing — запрос без токена.
	ErrTokenMissing = errors.New("token missing")
	// ErrTokenExpired — срок действия токена истёк.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid — подпись или формат токена неверны.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrSubjectMissing — в токене нет идентификатора пользователя.
	ErrSubjectMissing = errors.New("token has no subject id")
)

// Subject — проверенный субъект запроса.
type Subject struct {
	ID   string
	Role string
}

// IsAdmin сообщает, есть ли у субъекта операторская роль.
func (s Subject) IsAdmin() bool { return s.Role == RoleAdmin }

// Claims — полезная нагрузка токена.
type Claims struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Manager выпускает и проверяет токены общим секретом.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager создаёт Manager; ttl <= 0 заменяется DefaultTTL.
func NewManager(secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock подменяет источник времени для выпуска и проверки.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue подписывает токен для субъекта.
func (m *Manager) Issue(s Subject) (string, error) {
	if s.ID == "" {
		return "", ErrSubjectMissing
	}
	now := m.now()
	claims := Claims{
		ID:   s.ID,
		Role: s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify проверяет подпись и срок действия и возвращает субъекта.
func (m *Manager) Verify(token string) (Subject, error) {
	if token == "" {
		return Subject{}, ErrTokenMissing
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Subject{}, ErrTokenExpired
	case err != nil:
		return Subject{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.ID == "" {
		return Subject{}, ErrSubjectMissing
	}
	return Subject{ID: claims.ID, Role: claims.Role}, nil
}

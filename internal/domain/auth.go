package domain

import (
	"fmt"
	"time"
)

// Claims: полезная нагрузка bearer-токена после проверки.
// Значения в том виде, как их вернул JSON-декодер (string, float64, []any, map[string]any).
type Claims map[string]any

// Subject возвращает sub или пустую строку.
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// ID возвращает jti или пустую строку.
func (c Claims) ID() string {
	s, _ := c["jti"].(string)
	return s
}

// Strings приводит claim к списку строк: массив берется поэлементно,
// скаляр превращается в список из одного элемента.
func (c Claims) Strings(name string) ([]string, bool) {
	v, ok := c[name]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	default:
		return []string{fmt.Sprint(t)}, true
	}
}

// Secure Token Issuing (Console API)
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Никогда не отправляем на фронт
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Revocation: отозванный субъект или конкретный токен (jti).
type Revocation struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

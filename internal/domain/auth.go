package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims — клеймы операторского токена (RS256). Токены выпускает
// внешняя консоль; шлюз их только проверяет публичным ключом.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true
	jwt.RegisteredClaims
}

// Role — роль API-ключа для REST-авторизации.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// APIKey — учетная запись вызывателя REST/tool-call адаптеров.
// Secret хранится только bcrypt-хэшем.
type APIKey struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Actor — разрешенная identity запроса. Ложится в контекст после
// аутентификации: Identity служит ключом для лимитера, Role решает
// доступ к управляющим операциям (открыть/закрыть сессию).
type Actor struct {
	Identity string // id API-ключа либо fallback на сетевой адрес
	Role     Role
}

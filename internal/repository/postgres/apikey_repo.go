package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xela07ax/wagate/internal/domain"
)

type APIKeyRepo struct {
	db *sql.DB
}

func NewAPIKeyRepo(db *sql.DB) *APIKeyRepo {
	return &APIKeyRepo{db: db}
}

// GetByID достает ключ по публичному идентификатору. Само значение
// секрета в БД не живет — только bcrypt-хэш.
func (r *APIKeyRepo) GetByID(ctx context.Context, id string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, secret_hash, role, created_at, last_used_at
		 FROM api_keys WHERE id = $1 AND revoked_at IS NULL`, id).
		Scan(&key.ID, &key.Name, &key.SecretHash, &key.Role, &key.CreatedAt, &key.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return &key, nil
}

// TouchLastUsed обновляет момент последнего обращения. Ошибка не
// критична для запроса, вызывающая сторона ее только логирует.
func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

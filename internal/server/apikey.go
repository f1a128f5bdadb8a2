package server

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/wagate/internal/domain"
)

// KeyStore — источник API-ключей (постгрес в проде, мапа в тестах).
type KeyStore interface {
	GetByID(ctx context.Context, id string) (*domain.APIKey, error)
	TouchLastUsed(ctx context.Context, id string) error
}

type actorCtxKey struct{}

// ActorFrom достает аутентифицированного вызывателя из контекста.
func ActorFrom(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorCtxKey{}).(domain.Actor)
	return a, ok
}

// APIKeyMiddleware аутентифицирует вызов по заголовку X-API-Key формата
// "id:secret". Любой провал — одинаковый 401: по ответу нельзя понять,
// существует ли ключ.
func APIKeyMiddleware(keys KeyStore, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("X-API-Key")
			id, secret, ok := strings.Cut(raw, ":")
			if !ok || id == "" || secret == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			key, err := keys.GetByID(r.Context(), id)
			if err != nil {
				logger.Error("api key lookup failed", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if key == nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)) != nil {
				logger.Warn("api key secret mismatch", zap.String("key_id", id))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Best-effort: запросу не мешаем
			if err := keys.TouchLastUsed(r.Context(), id); err != nil {
				logger.Debug("failed to touch api key", zap.Error(err))
			}

			actor := domain.Actor{Identity: key.ID, Role: key.Role}
			ctx := context.WithValue(r.Context(), actorCtxKey{}, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireAdminKey пускает дальше только ключи с ролью admin. Вешается
// поверх APIKeyMiddleware на управляющие операции сессий.
func requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		if !ok || actor.Role != domain.RoleAdmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

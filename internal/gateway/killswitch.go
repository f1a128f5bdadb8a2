package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/infra"
)

// BlockStore — долговечное хранилище блокировок (постгрес в проде).
// Источник правды при прогреве: Redis — лишь кэш и сигнальная шина.
type BlockStore interface {
	List(ctx context.Context) ([]string, error)
	Add(ctx context.Context, identity string) error
	Remove(ctx context.Context, identity string) error
}

// KillSwitch — мгновенная блокировка identity вызывателя. Состояние
// живет в RAM (hot path), переживает рестарты в постгресе и
// синхронизируется между инстансами через Redis: set для прогрева,
// pub/sub для live-сигналов.
type KillSwitch struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	rdb     *redis.Client
	store   BlockStore
	logger  *zap.Logger
}

func NewKillSwitch(rdb *redis.Client, store BlockStore, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		blocked: make(map[string]struct{}),
		rdb:     rdb,
		store:   store,
		logger:  logger.With(zap.String("mod", "killswitch")),
	}
}

// Init загружает блокировки при старте: из долговечного хранилища,
// если оно подключено, иначе из Redis-сета. Прогрев заливает пустой
// Redis хранимым состоянием, чтобы остальные инстансы увидели его.
func (k *KillSwitch) Init(ctx context.Context) error {
	var ids []string
	var err error
	if k.store != nil {
		ids, err = k.store.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to load blocked identities from store: %w", err)
		}
	} else {
		ids, err = k.rdb.SMembers(ctx, infra.RedisKeyBlockedIdentities).Result()
		if err != nil {
			return fmt.Errorf("failed to fetch blocked identities: %w", err)
		}
	}

	return warmupState(ctx, k.rdb, k.logger, ids,
		infra.RedisKeyBlockedIdentities, infra.RedisKeyLockWarmupBlocked,
		func(items []string) {
			k.mu.Lock()
			defer k.mu.Unlock()
			for _, id := range items {
				k.blocked[id] = struct{}{}
			}
		},
	)
}

// StartListener подписывается на сигналы блокировки в реальном времени.
func (k *KillSwitch) StartListener(ctx context.Context) {
	listenStateResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch,
		func() error { return k.Init(ctx) }, // Переподключение
		func(id string, blocked bool) {
			k.mu.Lock()
			defer k.mu.Unlock()
			if blocked {
				k.blocked[id] = struct{}{}
			} else {
				delete(k.blocked, id)
			}
		},
	)
}

// IsBlocked — максимально быстрая проверка в hot path.
func (k *KillSwitch) IsBlocked(identity string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, blocked := k.blocked[identity]
	return blocked
}

// Block применяет блокировку локально и транслирует ее остальным
// инстансам. Операторская ручка, ходит через аудит. Сначала фиксация
// в хранилище: незаписанная блокировка не должна разлететься по шине.
func (k *KillSwitch) Block(ctx context.Context, identity string) error {
	if k.store != nil {
		if err := k.store.Add(ctx, identity); err != nil {
			return fmt.Errorf("failed to persist block: %w", err)
		}
	}

	k.mu.Lock()
	k.blocked[identity] = struct{}{}
	k.mu.Unlock()

	pipe := k.rdb.Pipeline()
	pipe.SAdd(ctx, infra.RedisKeyBlockedIdentities, identity)
	pipe.Publish(ctx, infra.RedisChanKillSwitch, identity+":on")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to broadcast block: %w", err)
	}

	k.logger.Warn("identity blocked", zap.String("identity", identity))
	return nil
}

// Unblock снимает блокировку.
func (k *KillSwitch) Unblock(ctx context.Context, identity string) error {
	if k.store != nil {
		if err := k.store.Remove(ctx, identity); err != nil {
			return fmt.Errorf("failed to persist unblock: %w", err)
		}
	}

	k.mu.Lock()
	delete(k.blocked, identity)
	k.mu.Unlock()

	pipe := k.rdb.Pipeline()
	pipe.SRem(ctx, infra.RedisKeyBlockedIdentities, identity)
	pipe.Publish(ctx, infra.RedisChanKillSwitch, identity+":off")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to broadcast unblock: %w", err)
	}

	k.logger.Info("identity unblocked", zap.String("identity", identity))
	return nil
}

// Blocked отдает снимок заблокированных identity.
func (k *KillSwitch) Blocked() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.blocked))
	for id := range k.blocked {
		out = append(out, id)
	}
	return out
}

// PublishDenial применяет изменение denylist локально и транслирует его
// остальным инстансам тем же сигналом, что слушает StartDenylistListener.
func PublishDenial(ctx context.Context, rdb *redis.Client, policy *Policy, name string, denied bool) error {
	policy.SetDenied(name, denied)
	if rdb == nil {
		return nil
	}

	pipe := rdb.Pipeline()
	if denied {
		pipe.SAdd(ctx, infra.RedisKeyDeniedCapabilities, name)
		pipe.Publish(ctx, infra.RedisChanDenylist, name+":on")
	} else {
		pipe.SRem(ctx, infra.RedisKeyDeniedCapabilities, name)
		pipe.Publish(ctx, infra.RedisChanDenylist, name+":off")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to broadcast denylist change: %w", err)
	}
	return nil
}

// StartDenylistListener подписывает динамический denylist возможностей
// на тот же сигнальный механизм: "capability:on" добавляет запрет,
// ":off" снимает.
func StartDenylistListener(ctx context.Context, rdb *redis.Client, logger *zap.Logger, policy *Policy) {
	listenStateResilient(ctx, rdb, logger.With(zap.String("mod", "denylist")), infra.RedisChanDenylist,
		func() error {
			names, err := rdb.SMembers(ctx, infra.RedisKeyDeniedCapabilities).Result()
			if err != nil {
				return fmt.Errorf("failed to fetch denied capabilities: %w", err)
			}
			for _, name := range names {
				policy.SetDenied(name, true)
			}
			return nil
		},
		func(name string, denied bool) {
			policy.SetDenied(name, denied)
			logger.Warn("capability denylist updated",
				zap.String("capability", name), zap.Bool("denied", denied))
		},
	)
}

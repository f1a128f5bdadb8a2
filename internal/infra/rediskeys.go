package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "wagate"
)

// Ключи для Sets (состояние)
const (
	RedisKeyBlockedIdentities  = RedisNamespace + ":identities:blocked_set"
	RedisKeyDeniedCapabilities = RedisNamespace + ":capabilities:denied_set"
	RedisKeyLockWarmupBlocked  = RedisNamespace + ":lock:warmup:blocked"
)

// Каналы Pub/Sub (события)
const (
	RedisChanKillSwitch = RedisNamespace + ":identities:kill-switch-signal"
	RedisChanDenylist   = RedisNamespace + ":capabilities:denylist-signal"
	RedisChanEvents     = RedisNamespace + ":events"
)

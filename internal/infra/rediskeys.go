package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "authz"
)

// Ключи для Sets (состояние)
const (
	RedisKeyRevokedSet  = RedisNamespace + ":tokens:revoked_set"
	RedisKeyLockRevoked = RedisNamespace + ":lock:warmup:revoked"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanRevocation: сигналы "id:on" / "id:off" для списка отзыва.
	RedisChanRevocation = RedisNamespace + ":tokens:revocation-signal"
	// RedisChanPolicyUpdate: консоль сообщает ревизию нового бандла.
	RedisChanPolicyUpdate = RedisNamespace + ":policy:update"
)

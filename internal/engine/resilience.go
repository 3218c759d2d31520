package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	resubscribeDelay = 5 * time.Second
	reconnectDelay   = 1 * time.Second
)

// ListenResilient — универсальный цикл для "живучей" подписки на канал Redis.
// Переподписывается после обрыва; onReconnect вызывается после каждой успешной подписки,
// чтобы догнать пропущенные за время обрыва сигналы. Возвращается при отмене ctx.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(payload string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, resubscribeDelay) {
				return
			}
			continue
		}

		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}

		_ = pubsub.Close()
		logger.Warn("subscription lost, reconnecting", zap.String("chan", channel))
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// ListenStateResilient — ListenResilient для сигналов формата "id:on" / "id:off".
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(id string, status bool),
) {
	ListenResilient(ctx, rdb, logger, channel, onReconnect, func(payload string) {
		id, status, ok := ParseStateSignal(payload)
		if !ok {
			logger.Error("invalid signal format", zap.String("chan", channel), zap.String("payload", payload))
			return
		}
		onMessage(id, status)
	})
}

// ParseStateSignal разбирает "id:status". Делим по последнему двоеточию:
// в субъектах они встречаются (spiffe://..., user:42).
func ParseStateSignal(payload string) (id string, status bool, ok bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	id, flag := payload[:i], strings.ToLower(payload[i+1:])
	switch flag {
	case "on", "true":
		return id, true, true
	case "off", "false":
		return id, false, true
	default:
		return "", false, false
	}
}

// FormatStateSignal — обратная операция для издателя (консоль).
func FormatStateSignal(id string, status bool) string {
	if status {
		return id + ":on"
	}
	return id + ":off"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

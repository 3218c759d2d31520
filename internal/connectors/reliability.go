package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReliabilitySettings: параметры обвязки исходящих вызовов (бандл, коллектор).
type ReliabilitySettings struct {
	Name        string
	MaxRequests uint32        // пробных запросов в half-open
	Interval    time.Duration // окно сброса счетчиков в closed
	Timeout     time.Duration // Время, через которое CB попробует "закрыться"
	RateLimit   float64       // запросов в секунду
	Burst       int
	Attempts    uint
	CallTimeout time.Duration // предел одной попытки

	// IsSuccessful: ошибки, которые не должны открывать предохранитель (например, 304)
	IsSuccessful func(err error) bool

	// OnStateChange: хук для метрик; логирование делается и без него
	OnStateChange func(name string, to gobreaker.State)
}

// Reliability: Rate Limiter -> Circuit Breaker -> Retry с учетом Retry-After.
type Reliability struct {
	cfg     ReliabilitySettings
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliability(cfg ReliabilitySettings, logger *zap.Logger) *Reliability {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	log := logger.With(zap.String("mod", "reliability"), zap.String("target", cfg.Name))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд: открываемся
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, to)
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return cfg.IsSuccessful != nil && cfg.IsSuccessful(err)
		},
	})

	return &Reliability{
		cfg:     cfg,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
	}
}

// Do выполняет fn под лимитером, предохранителем и ретраями.
func (r *Reliability) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	_, err := r.cb.Execute(func() (interface{}, error) {
		retrier := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.cfg.Attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, retrier.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
			defer cancel()
			return fn(tCtx)
		})
	})
	return err
}

// State: текущее состояние предохранителя (для /readyz и логов).
func (r *Reliability) State() gobreaker.State {
	return r.cb.State()
}

func retryable(err error) bool {
	var sErr *StatusError
	if errors.As(err, &sErr) {
		// ThrottleError оборачивает StatusError с 429: его ретраим по Retry-After
		var tErr *ThrottleError
		return errors.As(err, &tErr) || sErr.Retryable()
	}
	return !errors.Is(err, errNotRetryable)
}

// errNotRetryable помечает ошибки, которые повторять бессмысленно (битый ответ, 304).
var errNotRetryable = errors.New("not retryable")

func permanent(err error) error {
	return fmt.Errorf("%w: %w", errNotRetryable, err)
}

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/audit"
	"github.com/xela07ax/authz-sidecar/internal/domain"
	"github.com/xela07ax/authz-sidecar/internal/infra"
	"github.com/xela07ax/authz-sidecar/internal/infra/auth"
	"github.com/xela07ax/authz-sidecar/internal/policy"
)

const tracerName = "github.com/xela07ax/authz-sidecar/internal/engine"

// PolicySource: активная ревизия политик (policy.Store).
type PolicySource interface {
	Current() *policy.Revision
}

// Evaluator: движок решений (policy.Engine).
type Evaluator interface {
	Evaluate(ctx context.Context, doc *policy.Document, in domain.Input) (domain.Decision, error)
}

// Decider: то, что нужно транспортам (HTTP, gRPC) от точки принятия решений.
type Decider interface {
	Authorize(ctx context.Context, attrs domain.RequestAttributes) domain.Decision
}

// Settings: поведение точки принятия решений.
type Settings struct {
	Package  string
	Timeout  time.Duration
	FailOpen bool // по истечении дедлайна пропускать, а не отказывать
	DryRun   bool // решение пишется в журнал, вызывающий всегда получает allow
}

// SettingsFromConfig собирает Settings из секций engine и policy.
func SettingsFromConfig(cfg *infra.Config) Settings {
	return Settings{
		Package:  cfg.Policy.Package,
		Timeout:  cfg.Engine.DecisionTimeout(),
		FailOpen: cfg.Engine.FailMode == "open",
		DryRun:   cfg.Engine.DryRun,
	}
}

// Authorizer: ядро сайдкара: токен -> Input -> политика -> Decision -> журнал.
type Authorizer struct {
	store    PolicySource
	engine   Evaluator
	verifier auth.TokenVerifier // nil: токены не проверяются, claims всегда пусты
	recorder audit.Recorder
	metrics  *Metrics
	logger   *zap.Logger
	cfg      Settings
	tracer   trace.Tracer
	now      func() time.Time
}

func NewAuthorizer(
	store PolicySource,
	engine Evaluator,
	verifier auth.TokenVerifier,
	recorder audit.Recorder,
	metrics *Metrics,
	logger *zap.Logger,
	cfg Settings,
) *Authorizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Authorizer{
		store:    store,
		engine:   engine,
		verifier: verifier,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.With(zap.String("mod", "authorizer")),
		cfg:      cfg,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// outcome: результат фоновой части решения.
type outcome struct {
	decision domain.Decision
	input    domain.Input
	revision string
	err      error
}

// Authorize принимает решение по одному запросу. Никогда не возвращает ошибку:
// любой сбой превращается в явный Decision (deny или fail_mode при дедлайне).
// Если вызывающий ушел (ctx отменен снаружи), решение не пишется в журнал.
func (a *Authorizer) Authorize(ctx context.Context, attrs domain.RequestAttributes) domain.Decision {
	start := a.now()
	parent := ctx

	ctx, span := a.tracer.Start(ctx, "authz.Authorize", trace.WithAttributes(
		attribute.String("authz.package", a.cfg.Package),
		attribute.String("http.request.method", attrs.Method),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	in := domain.NewInput(attrs)
	rec := audit.DecisionRecord{
		DecisionID: uuid.New().String(),
		TraceID:    TraceIDFromContext(parent),
		Timestamp:  start,
		Package:    a.cfg.Package,
		DryRun:     a.cfg.DryRun,
	}

	// Буфер на 1: горутина не зависнет, даже если результат уже никому не нужен
	done := make(chan outcome, 1)
	go func() {
		done <- a.decide(ctx, in)
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res = outcome{input: in, err: ctx.Err()}
	}

	if res.err != nil {
		if parent.Err() != nil {
			// Вызывающий ушел: отвечать некому, записи нет
			a.metrics.DecisionsTotal.WithLabelValues(a.cfg.Package, ResultCancelled).Inc()
			span.SetStatus(otelcodes.Error, "caller cancelled")
			return domain.Deny("request cancelled")
		}
		return a.failMode(span, rec, res, start)
	}

	rec.Input = res.input.Redacted()
	rec.Revision = res.revision
	rec.Result = res.decision
	rec.DurationUs = a.now().Sub(start).Microseconds()
	a.recorder.Record(rec)

	d := res.decision
	result := ResultDeny
	if d.Allowed {
		result = ResultAllow
	}
	if a.cfg.DryRun {
		result = ResultDryRun
		d = domain.Allow("dry run", d.HeadersToAdd)
	}

	a.observe(start, result)
	span.SetAttributes(
		attribute.Bool("authz.allowed", res.decision.Allowed),
		attribute.String("authz.rule", res.decision.Rule),
		attribute.String("authz.revision", res.revision),
	)
	return d
}

// decide: проверка токена и вычисление политики под общим дедлайном.
func (a *Authorizer) decide(ctx context.Context, in domain.Input) outcome {
	if raw, ok := in.BearerToken(); ok && a.verifier != nil {
		claims, err := a.verifier.Verify(ctx, raw)
		if err != nil {
			// Токен не прошел: личности нет, политика видит анонимный запрос
			kind := auth.Kind(err)
			in.TokenError = kind
			a.metrics.TokenErrors.WithLabelValues(kind).Inc()
			a.logger.Debug("bearer token rejected", zap.String("kind", kind), zap.Error(err))
		} else {
			in.Claims = claims
		}
	}
	if err := ctx.Err(); err != nil {
		return outcome{input: in, err: err}
	}

	rev := a.store.Current()
	if rev == nil {
		return outcome{input: in, decision: domain.Deny("policy not loaded")}
	}

	d, err := a.engine.Evaluate(ctx, rev.Document(a.cfg.Package), in)
	return outcome{decision: d, input: in, revision: rev.ID, err: err}
}

// failMode: дедлайн истек раньше, чем политика ответила.
func (a *Authorizer) failMode(span trace.Span, rec audit.DecisionRecord, res outcome, start time.Time) domain.Decision {
	d := domain.Deny("decision timeout")
	if a.cfg.FailOpen {
		d = domain.Allow("decision timeout, fail open", nil)
	}

	err := res.err
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, policy.ErrEvaluationTimeout) {
		err = policy.ErrEvaluationTimeout
	}

	rec.Input = res.input.Redacted()
	rec.Revision = res.revision
	rec.Result = d
	rec.Error = err.Error()
	rec.DurationUs = a.now().Sub(start).Microseconds()
	a.recorder.Record(rec)

	a.logger.Warn("decision deadline exceeded",
		zap.Duration("timeout", a.cfg.Timeout),
		zap.Bool("fail_open", a.cfg.FailOpen),
		zap.String("trace_id", rec.TraceID))
	a.observe(start, ResultTimeout)
	span.SetStatus(otelcodes.Error, err.Error())

	if a.cfg.DryRun {
		return domain.Allow("dry run", nil)
	}
	return d
}

func (a *Authorizer) observe(start time.Time, result string) {
	a.metrics.DecisionsTotal.WithLabelValues(a.cfg.Package, result).Inc()
	a.metrics.DecisionDuration.WithLabelValues(a.cfg.Package).Observe(a.now().Sub(start).Seconds())
}

package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/apperr"
	"github.com/xela07ax/wagate/internal/audit"
	"github.com/xela07ax/wagate/internal/breaker"
	"github.com/xela07ax/wagate/internal/ratelimit"
)

// Adapter — путь, которым пришел запрос. Агентский путь строже:
// allowlist плюс более жесткие лимиты.
type Adapter string

const (
	AdapterAgent Adapter = "agent"
	AdapterRest  Adapter = "rest"
)

// Gateway — единственная точка входа агентских действий к доменным
// возможностям. Композирует проверку allowlist, лимитер и предохранитель
// перед каждым вызовом. REST-путь заходит через InvokeDirect: без
// allowlist (там ролевая авторизация), но с теми же лимитером,
// предохранителем и таксономией ошибок.
type Gateway struct {
	registry   *Registry
	policy     *Policy
	killSwitch *KillSwitch
	limiter    *ratelimit.Limiter
	agentTier  ratelimit.Config
	restTier   ratelimit.Config
	breakers   *breaker.Registry
	auditor    audit.Auditor
	metrics    *Metrics
	logger     *zap.Logger
}

func New(
	registry *Registry,
	policy *Policy,
	ks *KillSwitch,
	limiter *ratelimit.Limiter,
	agentTier, restTier ratelimit.Config,
	breakers *breaker.Registry,
	auditor audit.Auditor,
	metrics *Metrics,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		registry:   registry,
		policy:     policy,
		killSwitch: ks,
		limiter:    limiter,
		agentTier:  agentTier,
		restTier:   restTier,
		breakers:   breakers,
		auditor:    auditor,
		metrics:    metrics,
		logger:     logger.With(zap.String("mod", "gateway")),
	}
}

// Invoke обрабатывает агентский tool-call. Любой отказ — no-op:
// ни доменных событий, ни аудита, только security-телеметрия.
func (g *Gateway) Invoke(ctx context.Context, actionName string, rawArgs Args, identity string) (result any, err error) {
	start := time.Now()
	g.metrics.TotalRequests.WithLabelValues(actionName, string(AdapterAgent)).Inc()

	defer func() {
		status := "success"
		if err != nil {
			status = string(apperr.From(err).Code)
		}
		g.metrics.RequestDuration.WithLabelValues(actionName, status).Observe(time.Since(start).Seconds())
	}()

	// 1. Kill-switch: самая дешевая проверка (in-memory)
	if g.killSwitch != nil && g.killSwitch.IsBlocked(identity) {
		g.metrics.DeniedTotal.WithLabelValues("blocked").Inc()
		g.logger.Warn("blocked identity attempted a tool call",
			zap.String("identity", identity),
			zap.String("capability", actionName),
		)
		// Наружу — та же форма, что и у любого другого отказа
		return nil, apperr.Denied(actionName)
	}

	// 2. Allowlist/denylist. Решение различается только во внутренней
	// телеметрии: снаружи denylisted и несуществующее имя неразличимы
	if decision := g.policy.Evaluate(actionName); decision != DecisionAllowed {
		g.metrics.DeniedTotal.WithLabelValues("denied").Inc()
		g.logger.Warn("capability denied",
			zap.String("identity", identity),
			zap.String("capability", actionName),
			zap.String("decision", decision.String()),
			zap.String("trace_id", ExtractTraceID(ctx)),
		)
		return nil, apperr.Denied(actionName)
	}

	// 3. Имя в allowlist, но хендлера нет — конфигурационный перекос.
	// Для вызывателя неотличимо от запрета
	capDef, ok := g.registry.Get(actionName)
	if !ok {
		g.metrics.DeniedTotal.WithLabelValues("denied").Inc()
		g.logger.Error("allowlisted capability has no registered handler",
			zap.String("capability", actionName))
		return nil, apperr.Denied(actionName)
	}

	// 4. Валидация формы аргументов — до любых побочных эффектов
	if err := capDef.Schema.Validate(rawArgs); err != nil {
		g.metrics.DeniedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	// 5. Лимитер агентского пути
	if d := g.limiter.Admit(identity, g.agentTier); !d.Allowed {
		g.metrics.DeniedTotal.WithLabelValues("rate_limit").Inc()
		return nil, apperr.RateLimited(d.RetryAfter)
	}

	// 6. Предохранитель зависимости + сам вызов
	result, err = g.execute(ctx, capDef, rawArgs)
	if err != nil {
		return nil, err
	}

	// Успешный tool-вызов попадает в аудит (отказы — никогда)
	if g.auditor != nil {
		g.auditor.Append(audit.Record{
			TraceID:    ExtractTraceID(ctx),
			Actor:      identity,
			Action:     "capability.invoke",
			Result:     "success",
			Details:    map[string]any{"capability": actionName},
			DurationMs: time.Since(start).Milliseconds(),
		})
	}
	return result, nil
}

// InvokeDirect — REST-путь к тем же возможностям. Allowlist не
// применяется (авторизация ролевая, в middleware), но лимитер REST-тира,
// предохранитель и таксономия — общие.
func (g *Gateway) InvokeDirect(ctx context.Context, actionName string, rawArgs Args, identity string) (result any, err error) {
	start := time.Now()
	g.metrics.TotalRequests.WithLabelValues(actionName, string(AdapterRest)).Inc()

	defer func() {
		status := "success"
		if err != nil {
			status = string(apperr.From(err).Code)
		}
		g.metrics.RequestDuration.WithLabelValues(actionName, status).Observe(time.Since(start).Seconds())
	}()

	capDef, ok := g.registry.Get(actionName)
	if !ok {
		// REST-путь доверенный: честный NOT_FOUND вместо маскировки
		return nil, apperr.NotFound("capability")
	}

	if err := capDef.Schema.Validate(rawArgs); err != nil {
		g.metrics.DeniedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	if d := g.limiter.Admit(identity, g.restTier); !d.Allowed {
		g.metrics.DeniedTotal.WithLabelValues("rate_limit").Inc()
		return nil, apperr.RateLimited(d.RetryAfter)
	}

	return g.execute(ctx, capDef, rawArgs)
}

// execute прогоняет хендлер через предохранитель зависимости и
// нормализует любую его ошибку к закрытой таксономии. Сырой текст
// хендлера через эту границу не проходит.
func (g *Gateway) execute(ctx context.Context, capDef Capability, args Args) (any, error) {
	res, err := g.breakers.Execute(capDef.Dependency, func() (any, error) {
		return capDef.Handler(ctx, args)
	})
	if err != nil {
		ae := apperr.From(err)
		if ae.Code == apperr.CodeInternal || ae.Code == apperr.CodeTransient {
			// Детали — только во внутренний лог
			g.logger.Error("capability handler failed",
				zap.String("capability", capDef.Name),
				zap.String("trace_id", ExtractTraceID(ctx)),
				zap.Error(err),
			)
		}
		if ae.Code == apperr.CodeCircuitOpen {
			g.metrics.DeniedTotal.WithLabelValues("circuit_open").Inc()
		}
		return nil, ae
	}
	return res, nil
}

// Remaining отдает остатки квот identity для self-throttling агентов.
func (g *Gateway) Remaining(identity string, adapter Adapter) (sustained, burst int) {
	tier := g.restTier
	if adapter == AdapterAgent {
		tier = g.agentTier
	}
	return g.limiter.Remaining(identity, tier)
}

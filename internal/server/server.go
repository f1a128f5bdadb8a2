package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/audit"
	"github.com/xela07ax/wagate/internal/breaker"
	"github.com/xela07ax/wagate/internal/gateway"
	"github.com/xela07ax/wagate/internal/infra/auth"
	"github.com/xela07ax/wagate/internal/queue"
)

// Deps — все, что нужно HTTP-слою. Собирается один раз в main.
type Deps struct {
	Gateway    *gateway.Gateway
	Registry   *gateway.Registry
	Policy     *gateway.Policy
	KillSwitch *gateway.KillSwitch
	Breakers   *breaker.Registry
	Queue      *queue.Queue
	Keys       KeyStore
	Validator  auth.TokenValidator
	Auditor    audit.Auditor
	AuditLog   AuditReader
	Redis      *redis.Client
}

// Server — оба адаптера под одним роутером: REST (/v1), tool-call
// (/v1/tools) и операторская админка (/admin/v1) под JWT.
type Server struct {
	router *chi.Mux
	logger *zap.Logger

	gw         *gateway.Gateway
	registry   *gateway.Registry
	policy     *gateway.Policy
	killSwitch *gateway.KillSwitch
	breakers   *breaker.Registry
	jobs       *queue.Queue
	keys       KeyStore
	validator  auth.TokenValidator
	auditor    audit.Auditor
	auditLog   AuditReader
	rdb        *redis.Client
}

func New(logger *zap.Logger, d Deps) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger.With(zap.String("mod", "http")),
		gw:         d.Gateway,
		registry:   d.Registry,
		policy:     d.Policy,
		killSwitch: d.KillSwitch,
		breakers:   d.Breakers,
		jobs:       d.Queue,
		keys:       d.Keys,
		validator:  d.Validator,
		auditor:    d.Auditor,
		auditLog:   d.AuditLog,
		rdb:        d.Redis,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(gateway.TracingMiddleware)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	// /metrics живет на отдельном слушателе (MetricsPort), наружу не торчит
	r.Group(func(r chi.Router) {
		r.Get("/health", s.health)
	})

	// --- 3. КЛИЕНТСКИЙ ПЕРИМЕТР (API-ключ) ---
	r.Group(func(r chi.Router) {
		r.Use(APIKeyMiddleware(s.keys, s.logger))

		// REST-адаптер
		r.Post("/v1/messages/text", s.sendText)
		r.Post("/v1/messages/media", s.sendMedia)
		r.Post("/v1/contacts/check", s.checkContact)
		r.Route("/v1/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.sessionStatus)
			// Жизненный цикл сессии — только ключам с ролью admin
			r.Group(func(r chi.Router) {
				r.Use(requireAdminKey)
				r.Post("/open", s.openSession)
				r.Post("/logout", s.logoutSession)
			})
		})
		r.Get("/v1/limits", s.limits)

		// Tool-call адаптер (строгий путь)
		r.Post("/v1/tools/execute", s.executeTool)
	})

	// --- 4. ОПЕРАТОРСКИЙ ПЕРИМЕТР (RS256 токен + scope admin) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))
		r.Use(adminOnly)

		r.Route("/admin/v1", func(r chi.Router) {
			r.Get("/queue/stats", s.queueStats)
			r.Get("/queue/dead", s.deadLetter)
			r.Post("/queue/dead/{id}/retry", s.retryDead)

			r.Get("/breakers", s.breakerStates)

			r.Get("/identities/blocked", s.blockedIdentities)
			r.Post("/identities/{id}/block", s.blockIdentity)
			r.Post("/identities/{id}/unblock", s.unblockIdentity)

			r.Get("/capabilities", s.listCapabilities)
			r.Post("/capabilities/{name}/deny", s.denyCapability)
			r.Post("/capabilities/{name}/allow", s.allowCapability)

			r.Get("/audit", s.auditTail)
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

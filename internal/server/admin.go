package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/apperr"
	"github.com/xela07ax/wagate/internal/audit"
	"github.com/xela07ax/wagate/internal/gateway"
	"github.com/xela07ax/wagate/internal/infra/auth"
)

// AuditReader читает хвост аудита для операторских ручек.
type AuditReader interface {
	List(ctx context.Context, limit int) ([]audit.Record, error)
}

// adminAudit пишет операторское действие в аудит. Админка ходит под
// JWT, поэтому actor — user_id из клеймов.
func (s *Server) adminAudit(r *http.Request, action string, details map[string]any) {
	if s.auditor == nil {
		return
	}
	actor := "unknown"
	if claims, ok := auth.ClaimsFrom(r.Context()); ok {
		actor = claims.UserID
	}
	s.auditor.Append(audit.Record{
		TraceID: gateway.ExtractTraceID(r.Context()),
		Actor:   actor,
		Action:  action,
		Result:  "success",
		Details: details,
	})
}

// GET /admin/v1/queue/stats
func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.Stats())
}

// GET /admin/v1/queue/dead
func (s *Server) deadLetter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.DeadLetter())
}

// POST /admin/v1/queue/dead/{id}/retry
func (s *Server) retryDead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.RetryDeadLetter(id); err != nil {
		writeError(w, s.logger, apperr.NotFound("dead-letter job"))
		return
	}

	s.adminAudit(r, "queue.retry_dead", map[string]any{"job_id": id})
	w.WriteHeader(http.StatusNoContent)
}

// GET /admin/v1/breakers — состояние всех предохранителей.
func (s *Server) breakerStates(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for _, name := range s.breakers.Names() {
		state, _ := s.breakers.State(name)
		counts, _ := s.breakers.Counts(name)
		out[name] = map[string]any{
			"state":                 state.String(),
			"requests":              counts.Requests,
			"consecutive_failures":  counts.ConsecutiveFailures,
			"consecutive_successes": counts.ConsecutiveSuccesses,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /admin/v1/identities/blocked
func (s *Server) blockedIdentities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"blocked": s.killSwitch.Blocked()})
}

// POST /admin/v1/identities/{id}/block — мгновенный kill-switch.
func (s *Server) blockIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.killSwitch.Block(r.Context(), id); err != nil {
		s.logger.Error("block broadcast failed", zap.String("identity", id), zap.Error(err))
		writeError(w, s.logger, apperr.Transient(err))
		return
	}

	s.adminAudit(r, "identity.block", map[string]any{"identity": id})
	w.WriteHeader(http.StatusNoContent)
}

// POST /admin/v1/identities/{id}/unblock
func (s *Server) unblockIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.killSwitch.Unblock(r.Context(), id); err != nil {
		writeError(w, s.logger, apperr.Transient(err))
		return
	}

	s.adminAudit(r, "identity.unblock", map[string]any{"identity": id})
	w.WriteHeader(http.StatusNoContent)
}

// GET /admin/v1/capabilities — что зарегистрировано и что разрешено.
func (s *Server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"registered": s.registry.Names(),
		"allowlist":  s.policy.Allowed(),
		"denylist":   s.policy.Denied(),
	})
}

// POST /admin/v1/capabilities/{name}/deny — динамический запрет имени
// на всех инстансах.
func (s *Server) denyCapability(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := gateway.PublishDenial(r.Context(), s.rdb, s.policy, name, true); err != nil {
		writeError(w, s.logger, apperr.Transient(err))
		return
	}

	s.adminAudit(r, "capability.deny", map[string]any{"capability": name})
	w.WriteHeader(http.StatusNoContent)
}

// POST /admin/v1/capabilities/{name}/allow
func (s *Server) allowCapability(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := gateway.PublishDenial(r.Context(), s.rdb, s.policy, name, false); err != nil {
		writeError(w, s.logger, apperr.Transient(err))
		return
	}

	s.adminAudit(r, "capability.allow", map[string]any{"capability": name})
	w.WriteHeader(http.StatusNoContent)
}

// GET /admin/v1/audit?limit=100 — хвост журнала аудита.
func (s *Server) auditTail(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeError(w, s.logger, apperr.NotFound("audit storage"))
		return
	}

	// Верхняя граница совпадает с клампом хранилища
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	records, err := s.auditLog.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("audit fetch failed", zap.Error(err))
		writeError(w, s.logger, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// adminOnly поверх JWT-middleware: нужен scope "admin".
func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFrom(r.Context())
		if !ok || !claims.Scopes["admin"] {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

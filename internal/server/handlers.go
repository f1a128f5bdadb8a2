package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/wagate/internal/apperr"
	"github.com/xela07ax/wagate/internal/gateway"
)

// invokeRest прогоняет запрос через REST-путь шлюза и пишет ответ.
func (s *Server) invokeRest(w http.ResponseWriter, r *http.Request, capability string, args gateway.Args) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	res, err := s.gw.InvokeDirect(r.Context(), capability, args, actor.Identity)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeBody разбирает JSON-тело в Args. Пустое тело — пустые Args.
func decodeBody(r *http.Request) (gateway.Args, error) {
	args := gateway.Args{}
	if r.Body == nil || r.ContentLength == 0 {
		return args, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		return nil, apperr.Validation("request body is not valid JSON")
	}
	return args, nil
}

// POST /v1/messages/text
func (s *Server) sendText(w http.ResponseWriter, r *http.Request) {
	args, err := decodeBody(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.invokeRest(w, r, "message.send_text", args)
}

// POST /v1/messages/media
func (s *Server) sendMedia(w http.ResponseWriter, r *http.Request) {
	args, err := decodeBody(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.invokeRest(w, r, "message.send_media", args)
}

// POST /v1/contacts/check
func (s *Server) checkContact(w http.ResponseWriter, r *http.Request) {
	args, err := decodeBody(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.invokeRest(w, r, "contact.check", args)
}

// POST /v1/sessions/{id}/open
func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	s.invokeRest(w, r, "session.open", gateway.Args{"session_id": chi.URLParam(r, "id")})
}

// GET /v1/sessions/{id}
func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	s.invokeRest(w, r, "session.status", gateway.Args{"session_id": chi.URLParam(r, "id")})
}

// POST /v1/sessions/{id}/logout
func (s *Server) logoutSession(w http.ResponseWriter, r *http.Request) {
	s.invokeRest(w, r, "session.logout", gateway.Args{"session_id": chi.URLParam(r, "id")})
}

// GET /v1/limits — остатки квот вызывателя для self-throttling.
func (s *Server) limits(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	restSustained, restBurst := s.gw.Remaining(actor.Identity, gateway.AdapterRest)
	agentSustained, agentBurst := s.gw.Remaining(actor.Identity, gateway.AdapterAgent)
	writeJSON(w, http.StatusOK, map[string]any{
		"rest":  map[string]int{"remaining": restSustained, "remaining_burst": restBurst},
		"agent": map[string]int{"remaining": agentSustained, "remaining_burst": agentBurst},
	})
}

// toolCallRequest — форма tool-call адаптера: один вызов, плоские
// аргументы. Имя инструмента приходит от модели как есть.
type toolCallRequest struct {
	Tool      string       `json:"tool"`
	Arguments gateway.Args `json:"arguments"`
}

// POST /v1/tools/execute — агентский адаптер. Строгий путь: allowlist,
// жесткие лимиты, единая форма отказа.
func (s *Server) executeTool(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, apperr.Validation("request body is not valid JSON"))
		return
	}
	if req.Tool == "" {
		writeError(w, s.logger, apperr.Validation(`missing required field "tool"`))
		return
	}
	if req.Arguments == nil {
		req.Arguments = gateway.Args{}
	}

	res, err := s.gw.Invoke(r.Context(), req.Tool, req.Arguments, actor.Identity)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

// GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

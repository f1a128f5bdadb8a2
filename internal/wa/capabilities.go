package wa

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/breaker"
	"github.com/xela07ax/wagate/internal/events"
	"github.com/xela07ax/wagate/internal/gateway"
	"github.com/xela07ax/wagate/internal/queue"
)

// BreakerWhatsApp — имя предохранителя, за которым живет транспорт.
const BreakerWhatsApp = "whatsapp"

// Service — доменный слой поверх сессий: публикует возможности в шлюз
// и разгребает очередь исходящих. Отправки идут асинхронно (хендлер
// возможности лишь ставит задачу), проверки — синхронно через
// предохранитель.
type Service struct {
	sessions *Manager
	jobs     *queue.Queue
	events   events.Sink
	breakers *breaker.Registry
	logger   *zap.Logger
}

func NewService(sessions *Manager, jobs *queue.Queue, sink events.Sink, breakers *breaker.Registry, logger *zap.Logger) *Service {
	s := &Service{
		sessions: sessions,
		jobs:     jobs,
		events:   sink,
		breakers: breakers,
		logger:   logger.With(zap.String("mod", "wa")),
	}
	jobs.RegisterHandler(queue.JobTypeOutboundSend, s.processOutbound)
	return s
}

// Register публикует возможности в реестр шлюза. Вызывается один раз на
// старте, до Seal. Какие из них доступны агентскому пути — решает
// allowlist, не реестр.
func (s *Service) Register(reg *gateway.Registry) {
	reg.Register(gateway.Capability{
		Name: "message.send_text",
		Schema: gateway.Schema{Fields: []gateway.Field{
			{Name: "session_id", Required: true},
			{Name: "to", Required: true, Recipient: true},
			{Name: "text", Required: true, MaxLen: gateway.MaxTextLength},
		}},
		Handler: s.sendText,
	})

	reg.Register(gateway.Capability{
		Name: "message.send_media",
		Schema: gateway.Schema{Fields: []gateway.Field{
			{Name: "session_id", Required: true},
			{Name: "to", Required: true, Recipient: true},
			{Name: "media_url", Required: true, MaxLen: 2048},
			{Name: "caption", MaxLen: gateway.MaxTextLength},
		}},
		Handler: s.sendMedia,
	})

	reg.Register(gateway.Capability{
		Name:       "contact.check",
		Dependency: BreakerWhatsApp,
		Schema: gateway.Schema{Fields: []gateway.Field{
			{Name: "session_id", Required: true},
			{Name: "to", Required: true, Recipient: true},
		}},
		Handler: s.checkContact,
	})

	reg.Register(gateway.Capability{
		Name:       "session.status",
		Dependency: BreakerWhatsApp,
		Schema: gateway.Schema{Fields: []gateway.Field{
			{Name: "session_id", Required: true},
		}},
		Handler: s.sessionStatus,
	})

	reg.Register(gateway.Capability{
		Name:       "session.open",
		Dependency: BreakerWhatsApp,
		Schema: gateway.Schema{Fields: []gateway.Field{
			{Name: "session_id", Required: true},
		}},
		Handler: s.sessionOpen,
	})

	reg.Register(gateway.Capability{
		Name:       "session.logout",
		Dependency: BreakerWhatsApp,
		Schema: gateway.Schema{Fields: []gateway.Field{
			{Name: "session_id", Required: true},
		}},
		Handler: s.sessionLogout,
	})
}

// sendText ставит сообщение в очередь. Сессия проверяется до постановки:
// несуществующая сессия — ошибка вызова, а не мертвая задача.
func (s *Service) sendText(ctx context.Context, args gateway.Args) (any, error) {
	sessionID, _ := args["session_id"].(string)
	if _, err := s.sessions.Get(sessionID); err != nil {
		return nil, err
	}

	to, _ := args["to"].(string)
	text, _ := args["text"].(string)

	jobID, err := s.jobs.Enqueue(queue.OutboundSendPayload{
		SessionID: sessionID,
		To:        to,
		Text:      text,
	}, queue.PriorityNormal)
	if err != nil {
		return nil, err
	}

	s.events.Emit("message.queued", map[string]any{
		"job_id":     jobID,
		"session_id": sessionID,
		"to":         to,
	})
	return map[string]any{"job_id": jobID, "status": "queued"}, nil
}

func (s *Service) sendMedia(ctx context.Context, args gateway.Args) (any, error) {
	sessionID, _ := args["session_id"].(string)
	if _, err := s.sessions.Get(sessionID); err != nil {
		return nil, err
	}

	to, _ := args["to"].(string)
	mediaURL, _ := args["media_url"].(string)
	caption, _ := args["caption"].(string)

	jobID, err := s.jobs.Enqueue(queue.OutboundSendPayload{
		SessionID: sessionID,
		To:        to,
		Text:      caption,
		MediaURL:  mediaURL,
	}, queue.PriorityNormal)
	if err != nil {
		return nil, err
	}

	s.events.Emit("message.queued", map[string]any{
		"job_id":     jobID,
		"session_id": sessionID,
		"to":         to,
		"media":      true,
	})
	return map[string]any{"job_id": jobID, "status": "queued"}, nil
}

func (s *Service) checkContact(ctx context.Context, args gateway.Args) (any, error) {
	sessionID, _ := args["session_id"].(string)
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	to, _ := args["to"].(string)
	registered, err := sess.CheckRecipient(ctx, to)
	if err != nil {
		return nil, err
	}
	return map[string]any{"to": to, "registered": registered}, nil
}

func (s *Service) sessionStatus(ctx context.Context, args gateway.Args) (any, error) {
	sessionID, _ := args["session_id"].(string)
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	state, err := sess.State(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sessionID, "state": string(state)}, nil
}

func (s *Service) sessionOpen(ctx context.Context, args gateway.Args) (any, error) {
	sessionID, _ := args["session_id"].(string)
	if _, err := s.sessions.Open(ctx, sessionID); err != nil {
		return nil, err
	}

	s.events.Emit("session.opened", map[string]any{"session_id": sessionID})
	return map[string]any{"session_id": sessionID, "status": "open"}, nil
}

func (s *Service) sessionLogout(ctx context.Context, args gateway.Args) (any, error) {
	sessionID, _ := args["session_id"].(string)
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	if err := sess.Logout(ctx); err != nil {
		return nil, err
	}
	if err := s.sessions.Close(ctx, sessionID); err != nil {
		return nil, err
	}

	s.events.Emit("session.logged_out", map[string]any{"session_id": sessionID})
	return map[string]any{"session_id": sessionID, "status": "logged_out"}, nil
}

// processOutbound — воркер очереди исходящих. Сама отправка ходит через
// предохранитель: лежащий транспорт гасит серию задач быстро, ретраи
// очереди добивают остальное.
func (s *Service) processOutbound(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(queue.OutboundSendPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", job.Payload)
	}

	sess, err := s.sessions.Get(payload.SessionID)
	if err != nil {
		return err
	}

	res, err := s.breakers.Execute(BreakerWhatsApp, func() (any, error) {
		if payload.MediaURL != "" {
			return sess.SendMedia(ctx, payload.To, payload.MediaURL, payload.Text)
		}
		return sess.SendText(ctx, payload.To, payload.Text)
	})
	if err != nil {
		return err
	}

	messageID, _ := res.(string)
	s.events.Emit("message.sent", map[string]any{
		"job_id":     job.ID,
		"session_id": payload.SessionID,
		"to":         payload.To,
		"message_id": messageID,
	})
	return nil
}

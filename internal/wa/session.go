package wa

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/apperr"
)

// Session — один сокет одного тенанта. Владеет транспортным клиентом
// и временем жизни соединения.
type Session struct {
	ID      string
	client  Client
	logger  *zap.Logger
	created time.Time
}

// Manager — реестр сессий по тенантам. Процессное разделяемое
// состояние; явный объект, не синглтон.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	factory  ClientFactory
	logger   *zap.Logger
	onEvent  func(evt TransportEvent)
}

func NewManager(factory ClientFactory, logger *zap.Logger, onEvent func(evt TransportEvent)) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		factory:  factory,
		logger:   logger.With(zap.String("mod", "wa")),
		onEvent:  onEvent,
	}
}

// Open создает и подключает сессию тенанта. Подключение ретраится с
// экспоненциальным backoff; ThrottleError от транспорта уважается —
// ждем присланный Retry-After вместо расчетного.
func (m *Manager) Open(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	if s, ok := m.sessions[sessionID]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	client := m.factory(sessionID)
	if m.onEvent != nil {
		client.SetEventHandler(m.onEvent)
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(5),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			var tErr *ThrottleError
			if errors.As(err, &tErr) {
				return tErr.RetryAfter
			}
			return retry.BackOffDelay(n, err, config)
		}),
	)

	if err := r.Do(func() error { return client.Connect(ctx) }); err != nil {
		m.logger.Error("session connect failed after retries",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil, apperr.Transient(err)
	}

	s := &Session{
		ID:      sessionID,
		client:  client,
		logger:  m.logger.With(zap.String("session_id", sessionID)),
		created: time.Now(),
	}

	m.mu.Lock()
	// Перепроверка: параллельный Open мог успеть раньше
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		_ = client.Disconnect(ctx)
		return existing, nil
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.logger.Info("session opened", zap.String("session_id", sessionID))
	return s, nil
}

// Get возвращает живую сессию или NOT_FOUND.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s, nil
	}
	return nil, apperr.NotFound("session")
}

// Close отключает сессию и убирает ее из реестра.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return apperr.NotFound("session")
	}
	return s.client.Disconnect(ctx)
}

// CloseAll — graceful shutdown всех сокетов.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.client.Disconnect(ctx); err != nil {
			m.logger.Warn("session disconnect failed",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// IDs перечисляет открытые сессии (операторские ручки).
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Методы-делегаты сессии. Ошибки транспорта наружу не выходят сырыми:
// их размечает вызывающий слой (breaker + таксономия).

func (s *Session) SendText(ctx context.Context, to, text string) (string, error) {
	return s.client.SendText(ctx, to, text)
}

func (s *Session) SendMedia(ctx context.Context, to, mediaURL, caption string) (string, error) {
	return s.client.SendMedia(ctx, to, mediaURL, caption)
}

func (s *Session) CheckRecipient(ctx context.Context, jid string) (bool, error) {
	return s.client.CheckRecipient(ctx, jid)
}

func (s *Session) State(ctx context.Context) (ConnState, error) {
	return s.client.State(ctx)
}

func (s *Session) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

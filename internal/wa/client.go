package wa

import (
	"context"
	"fmt"
	"time"
)

// ConnState — состояние сокета сессии.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateLoggedOut    ConnState = "logged_out"
)

// Client — узкий интерфейс внешнего мессенджер-клиента. Протокол,
// медиа-кодирование и сам сокет живут за этим интерфейсом; шлюз знает
// только эти примитивы.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Logout(ctx context.Context) error
	State(ctx context.Context) (ConnState, error)

	SendText(ctx context.Context, to, text string) (messageID string, err error)
	SendMedia(ctx context.Context, to, mediaURL, caption string) (messageID string, err error)
	CheckRecipient(ctx context.Context, jid string) (bool, error)

	// SetEventHandler регистрирует приемник входящих событий транспорта
	// (сообщения, статусы доставки). Вызывается один раз при подключении.
	SetEventHandler(h func(evt TransportEvent))
}

// TransportEvent — входящее событие от мессенджера.
type TransportEvent struct {
	Name      string         `json:"name"` // "message.received", "message.ack", "connection.update"
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// ClientFactory создает транспортный клиент для конкретной сессии.
// Продовая реализация оборачивает реальный протокольный клиент,
// тестовая — MockClient.
type ClientFactory func(sessionID string) Client

// ThrottleError — транспорт сообщил, что нас душат (прочитал Retry-After).
// Ретраи обязаны уважать присланную задержку, а не свой backoff.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sink — публикация доменных событий. Каждая успешная доменная операция
// эмитит ровно одно событие, и делает это сама capability, а не шлюз и
// не адаптеры — иначе действие, достижимое из двух адаптеров, давало бы
// дубли.
type Sink interface {
	Emit(eventName string, payload map[string]any)
}

// Event — доменное событие в полете.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscriber получает события синхронно в горутине шины.
// Обязан быть быстрым: тяжелая работа уходит в очередь задач.
type Subscriber func(evt Event)

// Bus — внутрипроцессная шина с опциональной трансляцией в Redis
// (fan-out на другие инстансы). Подписчики фиксируются на старте.
type Bus struct {
	mu     sync.RWMutex
	subs   []Subscriber
	rdb    *redis.Client // nil — без внешней трансляции
	chann  string
	logger *zap.Logger

	ch     chan Event
	wg     sync.WaitGroup
	closed bool
}

func NewBus(rdb *redis.Client, channel string, logger *zap.Logger) *Bus {
	return &Bus{
		rdb:    rdb,
		chann:  channel,
		logger: logger.With(zap.String("mod", "events")),
		ch:     make(chan Event, 1024),
	}
}

// Subscribe регистрирует приемник. Вызывается до Start.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
}

// Start поднимает воркер доставки. Эмит не блокирует hot path:
// события идут через буферизованный канал.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.worker()
}

// Stop дожидается доставки всего, что уже в канале.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.ch)
	b.wg.Wait()
}

// Emit реализует Sink.
func (b *Bus) Emit(eventName string, payload map[string]any) {
	evt := Event{
		ID:        uuid.New().String(),
		Name:      eventName,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	// RLock держится на время отправки: Stop берет Lock до close(ch),
	// так что отправка в закрытый канал невозможна
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("event dropped: bus is stopping", zap.String("event", eventName))
		return
	}

	select {
	case b.ch <- evt:
	default:
		// Переполнение буфера: событие дешевле потерять, чем
		// заблокировать обработку запроса
		b.logger.Error("event_buffer_overflow", zap.String("event", eventName))
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()

	for evt := range b.ch {
		b.mu.RLock()
		subs := b.subs
		b.mu.RUnlock()

		for _, s := range subs {
			s(evt)
		}

		if b.rdb != nil {
			raw, err := json.Marshal(evt)
			if err == nil {
				if err := b.rdb.Publish(context.Background(), b.chann, raw).Err(); err != nil {
					b.logger.Warn("event publish to redis failed",
						zap.String("event", evt.Name), zap.Error(err))
				}
			}
		}
	}
}

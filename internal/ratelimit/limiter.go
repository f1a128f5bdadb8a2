package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock отделяет лимитер от wall-clock: в тестах подменяется на ручные часы,
// чтобы не спать по-настоящему.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config описывает пару окон для одного адаптера (REST или tool-call).
type Config struct {
	Window      time.Duration // Длинное окно (по умолчанию 60с)
	Limit       int           // Лимит запросов в длинном окне
	BurstWindow time.Duration // Короткое окно (по умолчанию 1с)
	BurstLimit  int           // Лимит в коротком окне
}

// EnsureStricter проверяет стоящие инварианты конфигурации: лимиты
// агентского пути никогда не мягче REST-овых, а длины окон обоих тиров
// совпадают. Второе обязательно: счетчики identity общие для обоих
// адаптеров, и разные длины окон ломали бы общий момент сброса.
// Проверяется при загрузке конфига, а не только дефолтами.
func EnsureStricter(agent, rest Config) error {
	if agent.Limit > rest.Limit {
		return fmt.Errorf("agent sustained limit %d exceeds rest limit %d", agent.Limit, rest.Limit)
	}
	if agent.BurstLimit > rest.BurstLimit {
		return fmt.Errorf("agent burst limit %d exceeds rest burst limit %d", agent.BurstLimit, rest.BurstLimit)
	}
	if agent.Window != rest.Window {
		return fmt.Errorf("agent window %v differs from rest window %v", agent.Window, rest.Window)
	}
	if agent.BurstWindow != rest.BurstWindow {
		return fmt.Errorf("agent burst window %v differs from rest burst window %v", agent.BurstWindow, rest.BurstWindow)
	}
	return nil
}

// Decision — результат допуска. Remaining-значения отдаются всегда,
// чтобы вызыватель мог троттлить себя сам.
type Decision struct {
	Allowed        bool
	RetryAfter     time.Duration // Заполнено только при отказе
	Remaining      int           // Остаток квоты длинного окна
	RemainingBurst int           // Остаток квоты короткого окна
}

// entry — счетчики одной identity. Окна сбрасываются независимо друг
// от друга, каждое по своему таймеру.
type entry struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	burstStart  time.Time
	burstCount  int
	lastSeen    time.Time
}

// Limiter — таблица лимитов по identity (id API-ключа или IP).
// Разные ключи не блокируют друг друга: общий мьютекс держится только
// на время поиска записи, счетчики защищены мьютексом самой записи.
type Limiter struct {
	mu      sync.RWMutex
	entries map[string]*entry
	clock   Clock
	logger  *zap.Logger
}

func NewLimiter(logger *zap.Logger) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		clock:   realClock{},
		logger:  logger.With(zap.String("mod", "ratelimit")),
	}
}

// NewLimiterWithClock используется в тестах для детерминированного времени.
func NewLimiterWithClock(logger *zap.Logger, clock Clock) *Limiter {
	l := NewLimiter(logger)
	l.clock = clock
	return l
}

func (l *Limiter) get(identity string) *entry {
	l.mu.RLock()
	e, ok := l.entries[identity]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Перепроверка: запись могла появиться, пока мы брали write-lock
	if e, ok = l.entries[identity]; ok {
		return e
	}
	e = &entry{}
	l.entries[identity] = e
	return e
}

// Admit решает, пропускать ли запрос. Сначала проверяется короткое окно
// («не долбят ли нас прямо сейчас»), потом длинное.
func (l *Limiter) Admit(identity string, cfg Config) Decision {
	now := l.clock.Now()
	e := l.get(identity)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastSeen = now

	// Независимые сбросы окон
	if e.windowStart.IsZero() || now.Sub(e.windowStart) >= cfg.Window {
		e.windowStart = now
		e.count = 0
	}
	if e.burstStart.IsZero() || now.Sub(e.burstStart) >= cfg.BurstWindow {
		e.burstStart = now
		e.burstCount = 0
	}

	e.count++
	e.burstCount++

	if e.burstCount > cfg.BurstLimit {
		return Decision{
			Allowed:        false,
			RetryAfter:     cfg.BurstWindow,
			Remaining:      remaining(cfg.Limit, e.count),
			RemainingBurst: 0,
		}
	}
	if e.count > cfg.Limit {
		return Decision{
			Allowed:        false,
			RetryAfter:     e.windowStart.Add(cfg.Window).Sub(now),
			Remaining:      0,
			RemainingBurst: remaining(cfg.BurstLimit, e.burstCount),
		}
	}

	return Decision{
		Allowed:        true,
		Remaining:      remaining(cfg.Limit, e.count),
		RemainingBurst: remaining(cfg.BurstLimit, e.burstCount),
	}
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

// Remaining отдает остатки квот без инкремента счетчиков.
func (l *Limiter) Remaining(identity string, cfg Config) (sustained, burst int) {
	now := l.clock.Now()

	l.mu.RLock()
	e, ok := l.entries[identity]
	l.mu.RUnlock()
	if !ok {
		return cfg.Limit, cfg.BurstLimit
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sustained = cfg.Limit
	if now.Sub(e.windowStart) < cfg.Window {
		sustained = remaining(cfg.Limit, e.count)
	}
	burst = cfg.BurstLimit
	if now.Sub(e.burstStart) < cfg.BurstWindow {
		burst = remaining(cfg.BurstLimit, e.burstCount)
	}
	return sustained, burst
}

// StartSweeper запускает фоновую чистку простаивающих записей.
// Выселение влияет только на память, не на корректность: запись без
// трафика с истекшим длинным окном эквивалентна отсутствующей.
func (l *Limiter) StartSweeper(ctx context.Context, interval, idleAfter time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep(idleAfter)
			}
		}
	}()
}

func (l *Limiter) sweep(idleAfter time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for id, e := range l.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastSeen) >= idleAfter
		e.mu.Unlock()
		if idle {
			delete(l.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		l.logger.Debug("evicted idle rate-limit entries", zap.Int("count", evicted))
	}
}

// Size используется в метриках (заполненность таблицы лимитов).
func (l *Limiter) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

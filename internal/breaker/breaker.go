package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/apperr"
)

// Settings — пороги одного предохранителя.
type Settings struct {
	FailureThreshold uint32        // Столько последовательных ошибок переводят в OPEN
	ResetTimeout     time.Duration // Пауза перед пробной серией (OPEN -> HALF_OPEN)
	HalfOpenRequests uint32        // Размер пробной серии в HALF_OPEN
}

// StateHook вызывается на каждом переходе состояния (для метрик).
type StateHook func(name string, state gobreaker.State)

// Registry — набор независимых предохранителей, по одному на защищаемую
// зависимость (postgres, redis, whatsapp). Состояние между ними не
// разделяется; обновления сериализуются внутри gobreaker per-instance.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
	onState  StateHook
}

func NewRegistry(logger *zap.Logger, onState StateHook) *Registry {
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.With(zap.String("mod", "breaker")),
		onState:  onState,
	}
}

// Register создает предохранитель. Вызывается один раз на старте,
// повторная регистрация того же имени перезаписывает настройки.
func (r *Registry) Register(name string, s Settings) {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenRequests,
		// Interval = 0: счетчики в CLOSED не сбрасываются по таймеру,
		// только успехом — иначе порог «подряд» размывается
		Interval: 0,
		Timeout:  s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			// Переходы — единственный внешний сигнал здоровья предохранителя
			// помимо прямых запросов состояния
			r.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if r.onState != nil {
				r.onState(name, to)
			}
		},
	})

	r.mu.Lock()
	r.breakers[name] = cb
	r.mu.Unlock()
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Execute прогоняет fn через предохранитель name. В состоянии OPEN fn не
// вызывается вовсе — вызыватель получает CIRCUIT_OPEN. Незарегистрированное
// имя означает незащищаемый вызов: fn выполняется напрямую.
func (r *Registry) Execute(name string, fn func() (any, error)) (any, error) {
	cb := r.get(name)
	if cb == nil {
		return fn()
	}

	res, err := cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperr.CircuitOpen(name)
		}
		return nil, err
	}
	return res, nil
}

// State отдает текущее состояние для операторских ручек.
func (r *Registry) State(name string) (gobreaker.State, bool) {
	cb := r.get(name)
	if cb == nil {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

// Counts отдает счетчики для операторских ручек.
func (r *Registry) Counts(name string) (gobreaker.Counts, bool) {
	cb := r.get(name)
	if cb == nil {
		return gobreaker.Counts{}, false
	}
	return cb.Counts(), true
}

// Names возвращает все зарегистрированные предохранители.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

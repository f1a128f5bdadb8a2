package queue

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Clock подменяется в тестах, чтобы backoff проверялся без настоящего сна.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Handler исполняет одну попытку задачи. Ошибка (включая таймаут
// контекста) считается неуспехом попытки и уходит в retry-цикл.
type Handler func(ctx context.Context, job *Job) error

// Hook — телеметрия жизненного цикла ("job completed", "job dead").
// Это не доменные события: те эмитят сами capability-хендлеры.
type Hook func(event string, job Job)

// События жизненного цикла, передаваемые в Hook.
const (
	HookCompleted = "job completed"
	HookRetried   = "job retried"
	HookDead      = "job dead"
)

// Config — настройки очереди. DispatchRate/DispatchBurst задают
// token-bucket темп выборки (0 — без ограничения темпа).
type Config struct {
	Concurrency    int
	MaxAttempts    int
	BaseRetryDelay time.Duration
	HandlerTimeout time.Duration
	PollInterval   time.Duration
	DispatchRate   float64
	DispatchBurst  int
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
}

// Queue — внутрипроцессная приоритетная очередь с ограниченными
// повторами и dead-letter. Явный инжектируемый объект, не синглтон:
// тесты собирают изолированные экземпляры.
type Queue struct {
	cfg    Config
	logger *zap.Logger
	clock  Clock
	hook   Hook

	mu      sync.Mutex
	waiting jobHeap         // pending + retrying, упорядочены для выборки
	jobs    map[string]*Job // активное множество (все, кроме dead)
	dead    map[string]*Job // dead-letter, отдельное множество
	nextSeq uint64

	completed int // счетчик завершенных (сами задачи из памяти убираем)

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// Option — настройка очереди при сборке.
type Option func(*Queue)

// WithClock подменяет источник времени (тесты).
func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithHook подключает телеметрию жизненного цикла.
func WithHook(h Hook) Option {
	return func(q *Queue) { q.hook = h }
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		cfg:      cfg,
		logger:   logger.With(zap.String("mod", "queue")),
		clock:    realClock{},
		jobs:     make(map[string]*Job),
		dead:     make(map[string]*Job),
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RegisterHandler привязывает обработчик к виду работ. Вызывается на
// старте, до запуска воркеров.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.handlersMu.Lock()
	q.handlers[jobType] = h
	q.handlersMu.Unlock()
}

func (q *Queue) handler(jobType string) (Handler, bool) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Enqueue ставит задачу и сразу возвращает ее ID. Постановка не ждет
// исполнения: это и есть развязка request path от воркеров.
func (q *Queue) Enqueue(payload Payload, priority Priority) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("nil payload")
	}
	jobType := payload.Kind()
	if _, ok := q.handler(jobType); !ok {
		return "", fmt.Errorf("no handler registered for job type %q", jobType)
	}

	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   q.clock.Now(),
	}

	q.mu.Lock()
	job.seq = q.nextSeq
	q.nextSeq++
	q.jobs[job.ID] = job
	heap.Push(&q.waiting, job)
	q.mu.Unlock()

	return job.ID, nil
}

// dequeue атомарно выбирает лучшую из доступных задач: помечает
// processing и инкрементирует счетчик попыток под общим мьютексом,
// так что два воркера никогда не получат одну задачу.
func (q *Queue) dequeue() *Job {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	// Верх кучи может быть еще не готов (NotBefore в будущем) —
	// откладываем такие и ищем дальше
	var deferred []*Job
	var picked *Job
	for q.waiting.Len() > 0 {
		j := heap.Pop(&q.waiting).(*Job)
		if j.NotBefore.After(now) {
			deferred = append(deferred, j)
			continue
		}
		picked = j
		break
	}
	for _, j := range deferred {
		heap.Push(&q.waiting, j)
	}

	if picked == nil {
		return nil
	}

	picked.Status = StatusProcessing
	picked.Attempts++
	picked.ProcessedAt = now
	return picked
}

// complete фиксирует успех попытки.
func (q *Queue) complete(job *Job) {
	q.mu.Lock()
	job.Status = StatusCompleted
	job.CompletedAt = q.clock.Now()
	job.LastError = ""
	delete(q.jobs, job.ID)
	q.completed++
	q.mu.Unlock()

	if q.hook != nil {
		q.hook(HookCompleted, *job)
	}
}

// fail решает судьбу неуспешной попытки: retry с экспоненциальным
// backoff либо dead-letter, если бюджет попыток исчерпан.
func (q *Queue) fail(job *Job, cause error) {
	q.mu.Lock()
	job.LastError = cause.Error()

	if job.Attempts >= job.MaxAttempts {
		job.Status = StatusDead
		job.CompletedAt = q.clock.Now()
		delete(q.jobs, job.ID)
		q.dead[job.ID] = job
		q.mu.Unlock()

		q.logger.Error("job moved to dead-letter",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempts", job.Attempts),
			zap.String("last_error", job.LastError),
		)
		if q.hook != nil {
			q.hook(HookDead, *job)
		}
		return
	}

	// baseDelay * 2^(attempts-1)
	delay := time.Duration(float64(q.cfg.BaseRetryDelay) * math.Pow(2, float64(job.Attempts-1)))
	job.Status = StatusRetrying
	job.NotBefore = q.clock.Now().Add(delay)
	heap.Push(&q.waiting, job)
	q.mu.Unlock()

	q.logger.Warn("job attempt failed, scheduled for retry",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.Duration("retry_in", delay),
		zap.Error(cause),
	)
	if q.hook != nil {
		q.hook(HookRetried, *job)
	}
}

// Stats отдает срез по статусам для операторских ручек и метрик.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Completed: q.completed, Dead: len(q.dead)}
	for _, j := range q.jobs {
		switch j.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusRetrying:
			s.Retrying++
		}
	}
	return s
}

// Get возвращает копию задачи из активного или dead-letter множества.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok {
		return *j, true
	}
	if j, ok := q.dead[id]; ok {
		return *j, true
	}
	return Job{}, false
}

// DeadLetter отдает копии всех мертвых задач для операторского осмотра.
func (q *Queue) DeadLetter() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.dead))
	for _, j := range q.dead {
		out = append(out, *j)
	}
	return out
}

// RetryDeadLetter вручную возвращает мертвую задачу в работу:
// счетчик попыток обнуляется, задача снова pending.
func (q *Queue) RetryDeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.dead[id]
	if !ok {
		return fmt.Errorf("job %s is not in dead-letter", id)
	}
	delete(q.dead, id)

	job.Status = StatusPending
	job.Attempts = 0
	job.LastError = ""
	job.NotBefore = time.Time{}
	job.CompletedAt = time.Time{}
	q.jobs[job.ID] = job
	heap.Push(&q.waiting, job)

	q.logger.Info("dead-letter job manually requeued", zap.String("job_id", id))
	return nil
}

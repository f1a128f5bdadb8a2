package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Start поднимает пул воркеров фиксированного размера. Больше
// cfg.Concurrency задач одновременно в processing не бывает: новых
// воркеров под нагрузкой не порождаем, выборка просто ждет.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	var pacer *rate.Limiter
	if q.cfg.DispatchRate > 0 {
		burst := q.cfg.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(q.cfg.DispatchRate), burst)
	}

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx, i, pacer)
	}
	q.logger.Info("queue workers started", zap.Int("concurrency", q.cfg.Concurrency))
}

// Stop останавливает прием выборки и ждет завершения текущих попыток.
// Оставшиеся pending-задачи бросаются: слой не дает гарантий
// персистентности, рестарт процесса теряет очередь.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
	q.logger.Info("queue workers stopped")
}

func (q *Queue) workerLoop(ctx context.Context, id int, pacer *rate.Limiter) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
		}

		// Вычерпываем все доступное, потом снова на тикер
		for {
			if pacer != nil {
				if err := pacer.Wait(ctx); err != nil {
					return
				}
			}

			job := q.dequeue()
			if job == nil {
				break
			}
			q.process(ctx, job)

			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			default:
			}
		}
	}
}

// process выполняет одну попытку под жестким таймаутом. Просроченный
// хендлер — это неуспех попытки, со всеми последствиями для retry.
func (q *Queue) process(ctx context.Context, job *Job) {
	h, ok := q.handler(job.Type)
	if !ok {
		// Хендлеры регистрируются до старта, сюда попадать не должны
		q.fail(job, fmt.Errorf("no handler for job type %q", job.Type))
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.HandlerTimeout)
	err := h(attemptCtx, job)
	cancel()

	if err != nil {
		q.fail(job, err)
		return
	}
	q.complete(job)
}

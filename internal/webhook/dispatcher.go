package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/apperr"
	"github.com/xela07ax/wagate/internal/events"
	"github.com/xela07ax/wagate/internal/queue"
)

// Dispatcher транслирует доменные события на внешние URL. Подписчик
// шины только ставит задачу доставки — сама доставка (и ее ретраи с
// backoff) живут в очереди, по задаче на каждый URL.
type Dispatcher struct {
	urls    []string
	jobs    *queue.Queue
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewDispatcher(urls []string, jobs *queue.Queue, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		urls:    urls,
		jobs:    jobs,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger.With(zap.String("mod", "webhook")),
	}
	jobs.RegisterHandler(queue.JobTypeWebhookDelivery, d.deliver)
	return d
}

// Attach подписывает диспетчер на шину. Без настроенных URL подписка
// не создается вовсе.
func (d *Dispatcher) Attach(bus *events.Bus) {
	if len(d.urls) == 0 {
		return
	}
	bus.Subscribe(d.onEvent)
}

func (d *Dispatcher) onEvent(evt events.Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		d.logger.Error("event serialization failed", zap.String("event", evt.Name), zap.Error(err))
		return
	}

	for _, url := range d.urls {
		if _, err := d.jobs.Enqueue(queue.WebhookDeliveryPayload{
			URL:       url,
			EventName: evt.Name,
			Body:      body,
		}, queue.PriorityLow); err != nil {
			d.logger.Error("webhook job enqueue failed",
				zap.String("url", url), zap.String("event", evt.Name), zap.Error(err))
		}
	}
}

// deliver — обработчик задачи доставки. Любой не-2xx ответ считается
// временным сбоем: очередь доретраит и при исчерпании попыток положит
// задачу в dead letter.
func (d *Dispatcher) deliver(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(queue.WebhookDeliveryPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", job.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.URL, bytes.NewReader(payload.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Name", payload.EventName)

	resp, err := d.client.Do(req)
	if err != nil {
		return apperr.Transient(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) // Вычитываем для переиспользования соединения

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Transient(fmt.Errorf("webhook %s answered %d", payload.URL, resp.StatusCode))
	}

	d.logger.Debug("webhook delivered",
		zap.String("url", payload.URL), zap.String("event", payload.EventName))
	return nil
}

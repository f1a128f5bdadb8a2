package queue

import (
	"time"
)

// Priority — порядок обслуживания. Больше — раньше.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Status — жизненный цикл задачи. Переходы монотонны, кроме цикла
// повтора processing -> retrying -> pending.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusDead       Status = "dead"
)

// Payload — сумма типов полезной нагрузки. Набор видов работ конечен и
// известен на этапе компиляции, никаких duck-typed map[string]any.
type Payload interface {
	Kind() string
}

// JobTypeOutboundSend / JobTypeWebhookDelivery — теги видов работ,
// под которые регистрируются обработчики.
const (
	JobTypeOutboundSend    = "outbound.send"
	JobTypeWebhookDelivery = "webhook.delivery"
)

// OutboundSendPayload — исходящее сообщение через сессию мессенджера.
type OutboundSendPayload struct {
	SessionID string `json:"session_id"`
	To        string `json:"to"`
	Text      string `json:"text"`
	MediaURL  string `json:"media_url,omitempty"`
}

func (OutboundSendPayload) Kind() string { return JobTypeOutboundSend }

// WebhookDeliveryPayload — доставка доменного события на внешний URL.
type WebhookDeliveryPayload struct {
	URL       string `json:"url"`
	EventName string `json:"event_name"`
	Body      []byte `json:"body"`
}

func (WebhookDeliveryPayload) Kind() string { return JobTypeWebhookDelivery }

// Job — единица асинхронной работы. Пока задача в processing, ею владеет
// ровно один воркер; мутации делает только он (под общим мьютексом очереди).
type Job struct {
	ID          string
	Type        string
	Payload     Payload
	Priority    Priority
	Status      Status
	Attempts    int
	MaxAttempts int
	LastError   string

	CreatedAt   time.Time
	ProcessedAt time.Time
	CompletedAt time.Time

	// NotBefore — момент, раньше которого задача не подлежит выборке.
	// Через него честно выдерживается вычисленный backoff.
	NotBefore time.Time

	// seq фиксирует порядок постановки: среди равных приоритетов — FIFO
	seq uint64
}

// Stats — срез количества задач по статусам.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	Dead       int `json:"dead"`
}

// jobHeap упорядочивает ожидающие задачи: приоритет по убыванию,
// внутри приоритета — порядок постановки.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

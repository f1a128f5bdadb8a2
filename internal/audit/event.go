package audit

import "time"

// Record — одна запись аудита. Пишется для админских операций
// (ручной retry dead-letter, kill-switch) и успешных tool-вызовов.
// Обычный отказ агенту сюда НЕ попадает: отказ обязан быть no-op,
// он виден только в security-телеметрии.
type Record struct {
	ID      string         `json:"id"`       // UUID записи
	TraceID string         `json:"trace_id"` // Сквозной ID запроса
	Actor   string         `json:"actor"`    // Кто делал (identity вызывателя)
	Action  string         `json:"action"`   // Что делал ("capability.invoke", "dlq.retry", ...)
	Result  string         `json:"result"`   // "success" / "failed"
	Details map[string]any `json:"details"`  // Контекст операции

	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code — закрытый набор кодов ошибок. Это единственное, на что могут
// опираться внешние вызыватели: текст сообщения не является контрактом.
type Code string

const (
	CodeDenied      Code = "DENIED"           // Возможность не разрешена для вызывателя
	CodeNotFound    Code = "NOT_FOUND"        // Ресурс отсутствует
	CodeValidation  Code = "VALIDATION_ERROR" // Некорректные аргументы
	CodeRateLimited Code = "RATE_LIMITED"     // Сработал лимитер
	CodeCircuitOpen Code = "CIRCUIT_OPEN"     // Зависимость изолирована предохранителем
	CodeTransient   Code = "TRANSIENT"        // Временный сбой ниже по стеку, можно повторить
	CodeInternal    Code = "INTERNAL"         // Неожиданный сбой, детали подавлены
)

// Error — тегированный результат для границы доверия.
// Внутренние детали (stack trace, тексты драйверов) сюда не попадают.
type Error struct {
	Code       Code          `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"-"`
	Transient  bool          `json:"-"`
	RetryAfter time.Duration `json:"-"` // Только для RATE_LIMITED

	// Исходная причина. Хранится для внутреннего логирования,
	// наружу никогда не сериализуется.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Public возвращает текст, безопасный для недоверенного вызывателя.
func (e *Error) Public() string { return e.Message }

// Конструкторы по кодам. HTTP-класс фиксирован за кодом,
// чтобы оба адаптера (REST и tool-call) отвечали одинаково.

func Denied(capability string) *Error {
	// Единый текст для denylisted и несуществующих имен — по нему нельзя
	// отличить «есть, но запрещено» от «не существует вовсе».
	return &Error{
		Code:       CodeDenied,
		Message:    fmt.Sprintf("capability %q is not available", capability),
		HTTPStatus: http.StatusForbidden,
	}
}

func NotFound(what string) *Error {
	return &Error{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", what),
		HTTPStatus: http.StatusNotFound,
	}
}

func Validation(msg string) *Error {
	return &Error{
		Code:       CodeValidation,
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
	}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
		Transient:  true,
		RetryAfter: retryAfter,
	}
}

func CircuitOpen(dependency string) *Error {
	return &Error{
		Code:       CodeCircuitOpen,
		Message:    "service temporarily unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Transient:  true,
		cause:      fmt.Errorf("circuit %q is open", dependency),
	}
}

func Transient(cause error) *Error {
	return &Error{
		Code:       CodeTransient,
		Message:    "temporary failure, retry later",
		HTTPStatus: http.StatusServiceUnavailable,
		Transient:  true,
		cause:      cause,
	}
}

func Internal(cause error) *Error {
	return &Error{
		Code:       CodeInternal,
		Message:    "internal error",
		HTTPStatus: http.StatusInternalServerError,
		cause:      cause,
	}
}

// From нормализует произвольную ошибку к таксономии.
// Все, что не размечено явно, схлопывается в INTERNAL: сырой текст
// хендлера через границу не проходит.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// IsRetryable сообщает вызывателю, имеет ли смысл повтор.
func IsRetryable(err error) bool {
	if ae := From(err); ae != nil {
		return ae.Transient
	}
	return false
}

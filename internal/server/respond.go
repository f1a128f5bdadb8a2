package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/apperr"
)

// errorBody — единая форма ошибки обоих адаптеров. Наружу уходят только
// код таксономии и безопасный текст.
type errorBody struct {
	Error struct {
		Code    apperr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError маппит ошибку таксономии на HTTP-ответ. RATE_LIMITED
// дополнительно несет Retry-After в секундах (округление вверх, чтобы
// клиент не пришел на миллисекунду раньше сброса окна).
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	ae := apperr.From(err)

	if ae.Code == apperr.CodeRateLimited && ae.RetryAfter > 0 {
		secs := int64((ae.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}

	var body errorBody
	body.Error.Code = ae.Code
	body.Error.Message = ae.Public()
	writeJSON(w, ae.HTTPStatus, body)
}

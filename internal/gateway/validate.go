package gateway

import (
	"fmt"
	"strings"

	"github.com/xela07ax/wagate/internal/apperr"
)

// Лимиты аргументов. Адрес получателя обязан содержать разделитель
// домена и один из допустимых суффиксов мессенджера.
const (
	MaxTextLength       = 4096
	MaxIdentifierLength = 64
)

var allowedRecipientSuffixes = []string{
	"@s.whatsapp.net", // личный адрес
	"@g.us",           // группа
	"@lid",            // скрытый идентификатор
}

// Field — правило одного аргумента.
type Field struct {
	Name      string
	Required  bool
	MaxLen    int
	Recipient bool // Включает проверку формата адреса получателя
}

// Schema — декларативная форма аргументов возможности. Валидация
// отделена от исполнения: она не имеет побочных эффектов и тестируется
// сама по себе.
type Schema struct {
	Fields []Field
}

// Validate проверяет форму аргументов до любых побочных эффектов.
// Все нарушения — VALIDATION_ERROR с безопасным для вызывателя текстом.
func (s Schema) Validate(args Args) error {
	known := make(map[string]struct{}, len(s.Fields))

	for _, f := range s.Fields {
		known[f.Name] = struct{}{}

		raw, present := args[f.Name]
		if !present || raw == nil {
			if f.Required {
				return apperr.Validation(fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}

		// Аргументы приходят из JSON: все скаляры, кроме чисел и bool,
		// обязаны быть строками
		val, ok := raw.(string)
		if !ok {
			return apperr.Validation(fmt.Sprintf("field %q must be a string", f.Name))
		}
		if f.Required && val == "" {
			return apperr.Validation(fmt.Sprintf("field %q must not be empty", f.Name))
		}

		maxLen := f.MaxLen
		if maxLen <= 0 {
			maxLen = MaxIdentifierLength
		}
		if len(val) > maxLen {
			return apperr.Validation(fmt.Sprintf("field %q exceeds maximum length of %d", f.Name, maxLen))
		}

		if f.Recipient && val != "" {
			if err := validateRecipient(val); err != nil {
				return err
			}
		}
	}

	// Неизвестные поля отвергаем: агент не должен протаскивать
	// параметры мимо схемы
	for name := range args {
		if _, ok := known[name]; !ok {
			return apperr.Validation(fmt.Sprintf("unknown field %q", name))
		}
	}

	return nil
}

func validateRecipient(addr string) error {
	at := strings.Index(addr, "@")
	if at <= 0 {
		return apperr.Validation("recipient must contain a domain separator")
	}
	for _, suffix := range allowedRecipientSuffixes {
		if strings.HasSuffix(addr, suffix) && len(addr) > len(suffix) {
			return nil
		}
	}
	return apperr.Validation("recipient has an unsupported address suffix")
}

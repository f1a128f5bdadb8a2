package gateway

import (
	"strings"
	"testing"

	"github.com/xela07ax/wagate/internal/apperr"
)

func sendTextSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "session_id", Required: true},
		{Name: "to", Required: true, Recipient: true},
		{Name: "text", Required: true, MaxLen: MaxTextLength},
		{Name: "media_url", MaxLen: 2048},
	}}
}

func TestSchemaValidateAccepts(t *testing.T) {
	s := sendTextSchema()

	cases := map[string]Args{
		"personal recipient": {"session_id": "primary", "to": "79001234567@s.whatsapp.net", "text": "hi"},
		"group recipient":    {"session_id": "primary", "to": "12036302@g.us", "text": "hi"},
		"hidden recipient":   {"session_id": "primary", "to": "8812345@lid", "text": "hi"},
		"optional present":   {"session_id": "primary", "to": "79001234567@s.whatsapp.net", "text": "hi", "media_url": "https://cdn.example.com/a.jpg"},
		"optional nil":       {"session_id": "primary", "to": "79001234567@s.whatsapp.net", "text": "hi", "media_url": nil},
	}
	for name, args := range cases {
		if err := s.Validate(args); err != nil {
			t.Errorf("%s: unexpected validation error: %v", name, err)
		}
	}
}

func TestSchemaValidateRejects(t *testing.T) {
	s := sendTextSchema()

	cases := []struct {
		name    string
		args    Args
		wantSub string // Обязательный фрагмент текста ошибки
	}{
		{"missing required", Args{"to": "1@s.whatsapp.net", "text": "hi"}, `missing required field "session_id"`},
		{"empty required", Args{"session_id": "", "to": "1@s.whatsapp.net", "text": "hi"}, "must not be empty"},
		{"non-string", Args{"session_id": 7, "to": "1@s.whatsapp.net", "text": "hi"}, "must be a string"},
		{"unknown field", Args{"session_id": "p", "to": "1@s.whatsapp.net", "text": "hi", "force": "yes"}, `unknown field "force"`},
		{"identifier too long", Args{"session_id": strings.Repeat("x", MaxIdentifierLength+1), "to": "1@s.whatsapp.net", "text": "hi"}, "maximum length"},
		{"text too long", Args{"session_id": "p", "to": "1@s.whatsapp.net", "text": strings.Repeat("a", MaxTextLength+1)}, "maximum length"},
		{"no domain separator", Args{"session_id": "p", "to": "79001234567", "text": "hi"}, "domain separator"},
		{"foreign suffix", Args{"session_id": "p", "to": "user@example.com", "text": "hi"}, "unsupported address suffix"},
		{"bare suffix", Args{"session_id": "p", "to": "@s.whatsapp.net", "text": "hi"}, "domain separator"},
	}

	for _, c := range cases {
		err := s.Validate(c.args)
		if err == nil {
			t.Errorf("%s: expected a validation error", c.name)
			continue
		}
		ae := apperr.From(err)
		if ae.Code != apperr.CodeValidation {
			t.Errorf("%s: expected VALIDATION_ERROR, got %s", c.name, ae.Code)
		}
		if !strings.Contains(ae.Message, c.wantSub) {
			t.Errorf("%s: message %q lacks %q", c.name, ae.Message, c.wantSub)
		}
	}
}

// Поле с Recipient и MaxLen по умолчанию: адрес длиннее 64 байт
// отбрасывается до разбора суффикса.
func TestRecipientLengthCheckedFirst(t *testing.T) {
	s := Schema{Fields: []Field{{Name: "to", Required: true, Recipient: true}}}
	long := strings.Repeat("9", MaxIdentifierLength) + "@s.whatsapp.net"
	err := s.Validate(Args{"to": long})
	if err == nil || !strings.Contains(err.Error(), "maximum length") {
		t.Errorf("expected a length violation, got %v", err)
	}
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/apperr"
	"github.com/xela07ax/wagate/internal/audit"
	"github.com/xela07ax/wagate/internal/breaker"
	"github.com/xela07ax/wagate/internal/ratelimit"
)

// memAuditor собирает записи в память вместо канала Trail
type memAuditor struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *memAuditor) Append(rec audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *memAuditor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func (a *memAuditor) last() audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records[len(a.records)-1]
}

type testEnv struct {
	gw      *Gateway
	auditor *memAuditor
	policy  *Policy
	calls   int
}

// newTestEnv собирает шлюз с одной зарегистрированной возможностью.
// "contact.check" в allowlist намеренно без хендлера (проверка перекоса
// конфигурации). handlerErr != nil заставляет хендлер падать.
func newTestEnv(handlerErr error) *testEnv {
	env := &testEnv{auditor: &memAuditor{}}

	reg := NewRegistry()
	reg.Register(Capability{
		Name:       "message.send_text",
		Dependency: "whatsapp",
		Schema: Schema{Fields: []Field{
			{Name: "session_id", Required: true},
			{Name: "to", Required: true, Recipient: true},
			{Name: "text", Required: true, MaxLen: MaxTextLength},
		}},
		Handler: func(ctx context.Context, args Args) (any, error) {
			env.calls++
			if handlerErr != nil {
				return nil, handlerErr
			}
			return map[string]any{"status": "queued"}, nil
		},
	})
	reg.Seal()

	env.policy = NewPolicy([]string{"message.send_text", "contact.check"}, nil)

	breakers := breaker.NewRegistry(zap.NewNop(), nil)
	breakers.Register("whatsapp", breaker.Settings{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		HalfOpenRequests: 1,
	})

	env.gw = New(
		reg, env.policy, nil,
		ratelimit.NewLimiter(zap.NewNop()),
		ratelimit.Config{Window: time.Minute, Limit: 30, BurstWindow: time.Second, BurstLimit: 5},
		ratelimit.Config{Window: time.Minute, Limit: 100, BurstWindow: time.Second, BurstLimit: 10},
		breakers, env.auditor, NewMetrics(nil), zap.NewNop(),
	)
	return env
}

func validArgs() Args {
	return Args{
		"session_id": "primary",
		"to":         "79001234567@s.whatsapp.net",
		"text":       "hello",
	}
}

// Denylisted и несуществующее имя обязаны давать побайтно одинаковую
// форму отказа: по ответу нельзя понять, существует ли возможность.
func TestUniformDenialShape(t *testing.T) {
	env := newTestEnv(nil)
	env.policy.SetDenied("message.send_media", true)

	_, errUnknown := env.gw.Invoke(context.Background(), "message.purge_all", validArgs(), "agent-1")
	_, errExplicit := env.gw.Invoke(context.Background(), "message.send_media", validArgs(), "agent-1")

	for name, err := range map[string]error{"unknown": errUnknown, "denylisted": errExplicit} {
		ae := apperr.From(err)
		if ae == nil || ae.Code != apperr.CodeDenied {
			t.Fatalf("%s: expected DENIED, got %v", name, err)
		}
	}

	aeU, aeE := apperr.From(errUnknown), apperr.From(errExplicit)
	wantU := fmt.Sprintf("capability %q is not available", "message.purge_all")
	wantE := fmt.Sprintf("capability %q is not available", "message.send_media")
	if aeU.Message != wantU || aeE.Message != wantE {
		t.Errorf("denial messages diverge from the uniform template: %q / %q", aeU.Message, aeE.Message)
	}
	if aeU.HTTPStatus != aeE.HTTPStatus {
		t.Errorf("denial HTTP statuses differ: %d vs %d", aeU.HTTPStatus, aeE.HTTPStatus)
	}

	if env.calls != 0 {
		t.Errorf("handler invoked on denied call: %d times", env.calls)
	}
	if env.auditor.count() != 0 {
		t.Errorf("denials must not be audited, got %d records", env.auditor.count())
	}
}

// Отказ — no-op: повторный идентичный вызов отвечает тем же самым.
func TestDenialIsIdempotent(t *testing.T) {
	env := newTestEnv(nil)

	var msgs []string
	for i := 0; i < 3; i++ {
		_, err := env.gw.Invoke(context.Background(), "session.hijack", validArgs(), "agent-1")
		msgs = append(msgs, apperr.From(err).Message)
	}
	if msgs[0] != msgs[1] || msgs[1] != msgs[2] {
		t.Errorf("repeated denials differ: %v", msgs)
	}
	if env.calls != 0 || env.auditor.count() != 0 {
		t.Errorf("denied calls produced side effects: calls=%d audit=%d", env.calls, env.auditor.count())
	}
}

// Имя в allowlist, но без хендлера — для вызывателя та же форма отказа.
func TestAllowlistedWithoutHandlerDenied(t *testing.T) {
	env := newTestEnv(nil)

	_, err := env.gw.Invoke(context.Background(), "contact.check", Args{}, "agent-1")
	ae := apperr.From(err)
	if ae.Code != apperr.CodeDenied {
		t.Fatalf("expected DENIED for the registry gap, got %v", err)
	}
	if ae.Message != fmt.Sprintf("capability %q is not available", "contact.check") {
		t.Errorf("registry gap leaks through the message: %q", ae.Message)
	}
}

// Заблокированная identity получает тот же отказ, что и запрет имени.
func TestBlockedIdentityDenied(t *testing.T) {
	env := newTestEnv(nil)

	ks := NewKillSwitch(nil, nil, zap.NewNop())
	ks.blocked["agent-rogue"] = struct{}{}
	env.gw.killSwitch = ks

	_, err := env.gw.Invoke(context.Background(), "message.send_text", validArgs(), "agent-rogue")
	if ae := apperr.From(err); ae.Code != apperr.CodeDenied {
		t.Fatalf("expected DENIED for a blocked identity, got %v", err)
	}
	if env.calls != 0 {
		t.Errorf("handler invoked for a blocked identity")
	}

	// Остальные identity работают как прежде
	if _, err := env.gw.Invoke(context.Background(), "message.send_text", validArgs(), "agent-ok"); err != nil {
		t.Fatalf("unblocked identity must pass: %v", err)
	}
}

func TestValidationRunsBeforeSideEffects(t *testing.T) {
	env := newTestEnv(nil)

	cases := map[string]Args{
		"missing required": {"session_id": "primary", "to": "79001234567@s.whatsapp.net"},
		"empty required":   {"session_id": "primary", "to": "79001234567@s.whatsapp.net", "text": ""},
		"bad recipient":    {"session_id": "primary", "to": "nobody@example.com", "text": "hi"},
		"non-string":       {"session_id": "primary", "to": "79001234567@s.whatsapp.net", "text": 42},
		"unknown field":    {"session_id": "primary", "to": "79001234567@s.whatsapp.net", "text": "hi", "debug": "1"},
		"oversized text":   {"session_id": "primary", "to": "79001234567@s.whatsapp.net", "text": strings.Repeat("a", MaxTextLength+1)},
	}

	for name, args := range cases {
		_, err := env.gw.Invoke(context.Background(), "message.send_text", args, "agent-1")
		if ae := apperr.From(err); ae.Code != apperr.CodeValidation {
			t.Errorf("%s: expected VALIDATION_ERROR, got %v", name, err)
		}
	}
	if env.calls != 0 {
		t.Errorf("handler invoked on invalid args: %d times", env.calls)
	}
}

func TestSuccessfulInvokeIsAuditedOnce(t *testing.T) {
	env := newTestEnv(nil)

	res, err := env.gw.Invoke(context.Background(), "message.send_text", validArgs(), "agent-1")
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if res == nil {
		t.Fatal("expected a handler result")
	}
	if env.auditor.count() != 1 {
		t.Fatalf("expected exactly one audit record, got %d", env.auditor.count())
	}

	rec := env.auditor.last()
	if rec.Action != "capability.invoke" || rec.Result != "success" || rec.Actor != "agent-1" {
		t.Errorf("unexpected audit record: %+v", rec)
	}
}

// Агентский burst-лимит (5/с) срабатывает на шестом быстром вызове.
func TestAgentBurstLimit(t *testing.T) {
	env := newTestEnv(nil)

	for i := 0; i < 5; i++ {
		if _, err := env.gw.Invoke(context.Background(), "message.send_text", validArgs(), "agent-1"); err != nil {
			t.Fatalf("call %d unexpectedly rejected: %v", i+1, err)
		}
	}

	_, err := env.gw.Invoke(context.Background(), "message.send_text", validArgs(), "agent-1")
	ae := apperr.From(err)
	if ae.Code != apperr.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED on the sixth burst call, got %v", err)
	}
	if ae.RetryAfter <= 0 || ae.RetryAfter > time.Second {
		t.Errorf("retry-after outside the burst window: %v", ae.RetryAfter)
	}
	if env.calls != 5 {
		t.Errorf("expected 5 handler executions, got %d", env.calls)
	}
}

// REST-тир мягче: те же шесть быстрых вызовов проходят целиком.
func TestRestTierIsLooser(t *testing.T) {
	env := newTestEnv(nil)

	for i := 0; i < 6; i++ {
		if _, err := env.gw.InvokeDirect(context.Background(), "message.send_text", validArgs(), "user-1"); err != nil {
			t.Fatalf("rest call %d rejected: %v", i+1, err)
		}
	}
}

// REST-путь доверенный: неизвестное имя — честный NOT_FOUND.
func TestInvokeDirectUnknownIsNotFound(t *testing.T) {
	env := newTestEnv(nil)

	_, err := env.gw.InvokeDirect(context.Background(), "message.purge_all", validArgs(), "user-1")
	if ae := apperr.From(err); ae.Code != apperr.CodeNotFound {
		t.Fatalf("expected NOT_FOUND on the rest path, got %v", err)
	}
}

// Сырой текст хендлера не проходит через границу: неразмеченная ошибка
// схлопывается в INTERNAL с подавленными деталями.
func TestUntaggedHandlerErrorCollapsesToInternal(t *testing.T) {
	env := newTestEnv(errors.New(`pq: duplicate key value violates unique constraint "sessions_pkey"`))

	_, err := env.gw.Invoke(context.Background(), "message.send_text", validArgs(), "agent-1")
	ae := apperr.From(err)
	if ae.Code != apperr.CodeInternal {
		t.Fatalf("expected INTERNAL, got %v", err)
	}
	if strings.Contains(ae.Public(), "pq:") || strings.Contains(ae.Public(), "sessions_pkey") {
		t.Errorf("driver details leaked to the caller: %q", ae.Public())
	}
	if env.auditor.count() != 0 {
		t.Errorf("failed invoke must not be audited")
	}
}

func TestTaggedHandlerErrorPassesThrough(t *testing.T) {
	env := newTestEnv(apperr.NotFound("contact"))

	_, err := env.gw.Invoke(context.Background(), "message.send_text", validArgs(), "agent-1")
	if ae := apperr.From(err); ae.Code != apperr.CodeNotFound {
		t.Fatalf("expected the handler's NOT_FOUND to pass through, got %v", err)
	}
}

// Три последовательных сбоя открывают предохранитель; четвертый вызов
// отбивается без исполнения хендлера.
func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	env := newTestEnv(errors.New("connection reset by peer"))

	for i := 0; i < 3; i++ {
		_, err := env.gw.Invoke(context.Background(), "message.send_text", validArgs(), "agent-1")
		if ae := apperr.From(err); ae.Code != apperr.CodeInternal {
			t.Fatalf("failure %d: expected INTERNAL, got %v", i+1, err)
		}
	}

	_, err := env.gw.Invoke(context.Background(), "message.send_text", validArgs(), "agent-1")
	if ae := apperr.From(err); ae.Code != apperr.CodeCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN after the threshold, got %v", err)
	}
	if env.calls != 3 {
		t.Errorf("handler must not run while the circuit is open: %d calls", env.calls)
	}
}

func TestRemainingQuotas(t *testing.T) {
	env := newTestEnv(nil)

	for i := 0; i < 2; i++ {
		if _, err := env.gw.Invoke(context.Background(), "message.send_text", validArgs(), "agent-1"); err != nil {
			t.Fatalf("invoke %d failed: %v", i+1, err)
		}
	}

	sustained, burst := env.gw.Remaining("agent-1", AdapterAgent)
	if sustained != 28 {
		t.Errorf("expected 28 sustained remaining, got %d", sustained)
	}
	if burst != 3 {
		t.Errorf("expected 3 burst remaining, got %d", burst)
	}

	// Незнакомая identity — полные квоты
	sustained, burst = env.gw.Remaining("agent-new", AdapterAgent)
	if sustained != 30 || burst != 5 {
		t.Errorf("fresh identity must see full quotas, got %d/%d", sustained, burst)
	}
}

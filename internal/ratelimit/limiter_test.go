package ratelimit

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeClock — ручные часы для детерминированных окон.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testCfg = Config{
	Window:      60 * time.Second,
	Limit:       5,
	BurstWindow: time.Second,
	BurstLimit:  3,
}

func newTestLimiter(clock Clock) *Limiter {
	return NewLimiterWithClock(zap.NewNop(), clock)
}

func TestSustainedLimit(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < testCfg.Limit; i++ {
		// Разносим запросы, чтобы не задеть burst-окно
		clock.Advance(2 * time.Second)
		if d := l.Admit("key-1", testCfg); !d.Allowed {
			t.Fatalf("request %d unexpectedly rejected", i+1)
		}
	}

	clock.Advance(2 * time.Second)
	d := l.Admit("key-1", testCfg)
	if d.Allowed {
		t.Fatal("request over sustained limit must be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > testCfg.Window {
		t.Fatalf("retry-after must point at window reset, got %v", d.RetryAfter)
	}

	// После истечения окна квота восстанавливается
	clock.Advance(testCfg.Window)
	if d := l.Admit("key-1", testCfg); !d.Allowed {
		t.Fatal("request after window reset must be admitted")
	}
}

func TestBurstLimitCheckedFirst(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < testCfg.BurstLimit; i++ {
		if d := l.Admit("key-1", testCfg); !d.Allowed {
			t.Fatalf("burst request %d unexpectedly rejected", i+1)
		}
	}

	// Длинное окно еще не исчерпано, но burst — да
	d := l.Admit("key-1", testCfg)
	if d.Allowed {
		t.Fatal("request over burst limit must be rejected")
	}
	if d.RetryAfter != testCfg.BurstWindow {
		t.Fatalf("burst rejection retry-after = %v, want %v", d.RetryAfter, testCfg.BurstWindow)
	}
}

func TestBurstWindowResetsIndependently(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < testCfg.BurstLimit; i++ {
		l.Admit("key-1", testCfg)
	}
	// Ждем только burst-окно; длинное окно продолжает тикать
	clock.Advance(testCfg.BurstWindow)

	if d := l.Admit("key-1", testCfg); !d.Allowed {
		t.Fatal("burst counter must reset after its own window")
	}
}

func TestTenRequestsInOneSecond(t *testing.T) {
	// Сценарий из эксплуатации: burst-лимит 5, 10 запросов за секунду —
	// запросы 6..10 получают отказ с retry-after = 1s.
	clock := newFakeClock()
	l := newTestLimiter(clock)
	cfg := Config{Window: 60 * time.Second, Limit: 100, BurstWindow: time.Second, BurstLimit: 5}

	for i := 1; i <= 10; i++ {
		clock.Advance(50 * time.Millisecond)
		d := l.Admit("agent-x", cfg)
		if i <= 5 && !d.Allowed {
			t.Fatalf("request %d must be admitted", i)
		}
		if i > 5 {
			if d.Allowed {
				t.Fatalf("request %d must be rejected", i)
			}
			if d.RetryAfter != time.Second {
				t.Fatalf("request %d retry-after = %v, want 1s", i, d.RetryAfter)
			}
		}
	}
}

func TestIdentitiesAreIsolated(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < testCfg.BurstLimit+1; i++ {
		l.Admit("noisy", testCfg)
	}
	if d := l.Admit("quiet", testCfg); !d.Allowed {
		t.Fatal("limits of one identity must not affect another")
	}
}

func TestRemainingQuota(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	s, b := l.Remaining("fresh", testCfg)
	if s != testCfg.Limit || b != testCfg.BurstLimit {
		t.Fatalf("fresh identity: remaining = %d/%d", s, b)
	}

	l.Admit("fresh", testCfg)
	s, b = l.Remaining("fresh", testCfg)
	if s != testCfg.Limit-1 || b != testCfg.BurstLimit-1 {
		t.Fatalf("after one request: remaining = %d/%d", s, b)
	}
}

func TestSweeperEvictsIdleEntries(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	l.Admit("stale", testCfg)
	l.Admit("active", testCfg)
	if l.Size() != 2 {
		t.Fatalf("size = %d, want 2", l.Size())
	}

	clock.Advance(2 * time.Minute)
	l.Admit("active", testCfg)
	l.sweep(90 * time.Second)

	if l.Size() != 1 {
		t.Fatalf("stale entry not evicted, size = %d", l.Size())
	}
	// Выселение не влияет на корректность: новая запись стартует с чистой квотой
	if d := l.Admit("stale", testCfg); !d.Allowed {
		t.Fatal("re-created entry must start with full quota")
	}
}

func TestEnsureStricter(t *testing.T) {
	rest := Config{Window: time.Minute, Limit: 100, BurstWindow: time.Second, BurstLimit: 10}

	ok := Config{Window: time.Minute, Limit: 30, BurstWindow: time.Second, BurstLimit: 5}
	if err := EnsureStricter(ok, rest); err != nil {
		t.Fatalf("valid tier ordering rejected: %v", err)
	}

	bad := Config{Window: time.Minute, Limit: 200, BurstWindow: time.Second, BurstLimit: 5}
	if err := EnsureStricter(bad, rest); err == nil {
		t.Fatal("agent limits looser than REST must be rejected")
	}
	badBurst := Config{Window: time.Minute, Limit: 30, BurstWindow: time.Second, BurstLimit: 50}
	if err := EnsureStricter(badBurst, rest); err == nil {
		t.Fatal("agent burst looser than REST must be rejected")
	}

	// Счетчики общие для обоих тиров, поэтому разные длины окон запрещены
	badWindow := Config{Window: 30 * time.Second, Limit: 30, BurstWindow: time.Second, BurstLimit: 5}
	if err := EnsureStricter(badWindow, rest); err == nil {
		t.Fatal("mismatched sustained windows must be rejected")
	}
	badBurstWindow := Config{Window: time.Minute, Limit: 30, BurstWindow: 2 * time.Second, BurstLimit: 5}
	if err := EnsureStricter(badBurstWindow, rest); err == nil {
		t.Fatal("mismatched burst windows must be rejected")
	}
}

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/wagate/internal/infra"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// waitUntil крутит cond до успеха или дедлайна.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

type memBlockStore struct {
	ids map[string]struct{}
}

func newMemBlockStore(ids ...string) *memBlockStore {
	s := &memBlockStore{ids: make(map[string]struct{})}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s *memBlockStore) List(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	return out, nil
}

func (s *memBlockStore) Add(ctx context.Context, identity string) error {
	s.ids[identity] = struct{}{}
	return nil
}

func (s *memBlockStore) Remove(ctx context.Context, identity string) error {
	delete(s.ids, identity)
	return nil
}

func TestKillSwitchInitLoadsBlockedSet(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.SAdd(infra.RedisKeyBlockedIdentities, "agent-rogue", "agent-spam")

	ks := NewKillSwitch(rdb, nil, zap.NewNop())
	if err := ks.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if !ks.IsBlocked("agent-rogue") || !ks.IsBlocked("agent-spam") {
		t.Errorf("expected preloaded identities to be blocked, got %v", ks.Blocked())
	}
	if ks.IsBlocked("agent-ok") {
		t.Error("unrelated identity reported as blocked")
	}
}

// Хранилище — источник правды: пустой Redis на старте заливается
// его содержимым, чтобы соседние инстансы прогрелись из сета.
func TestKillSwitchWarmsRedisFromStore(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	store := newMemBlockStore("agent-rogue", "agent-spam")
	ks := NewKillSwitch(rdb, store, zap.NewNop())
	if err := ks.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if !ks.IsBlocked("agent-rogue") || !ks.IsBlocked("agent-spam") {
		t.Errorf("expected stored identities to be blocked, got %v", ks.Blocked())
	}

	members, err := rdb.SMembers(ctx, infra.RedisKeyBlockedIdentities).Result()
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("redis set not warmed from store: %v", members)
	}
}

// Рестарт с живым Redis: прогрев ничего не перезаливает, но
// локальный кэш собирается из хранилища.
func TestKillSwitchInitPrefersStoreOverRedis(t *testing.T) {
	mr, rdb := newTestRedis(t)
	mr.SAdd(infra.RedisKeyBlockedIdentities, "agent-stale")

	store := newMemBlockStore("agent-rogue")
	ks := NewKillSwitch(rdb, store, zap.NewNop())
	if err := ks.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if !ks.IsBlocked("agent-rogue") {
		t.Error("stored identity not loaded")
	}
	if ks.IsBlocked("agent-stale") {
		t.Error("identity absent from store must not be blocked")
	}
}

// Block/Unblock фиксируются в хранилище до трансляции по шине.
func TestKillSwitchBlockPersistsToStore(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	store := newMemBlockStore()
	ks := NewKillSwitch(rdb, store, zap.NewNop())

	if err := ks.Block(ctx, "agent-rogue"); err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if _, ok := store.ids["agent-rogue"]; !ok {
		t.Error("block not persisted to store")
	}

	if err := ks.Unblock(ctx, "agent-rogue"); err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	if _, ok := store.ids["agent-rogue"]; ok {
		t.Error("unblock not removed from store")
	}
}

func TestKillSwitchBlockUnblockRoundTrip(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	ks := NewKillSwitch(rdb, nil, zap.NewNop())
	if err := ks.Block(ctx, "agent-rogue"); err != nil {
		t.Fatalf("block failed: %v", err)
	}

	if !ks.IsBlocked("agent-rogue") {
		t.Error("block did not apply locally")
	}
	if !mr.Exists(infra.RedisKeyBlockedIdentities) {
		t.Error("block did not reach redis")
	}
	if members, _ := rdb.SMembers(ctx, infra.RedisKeyBlockedIdentities).Result(); len(members) != 1 || members[0] != "agent-rogue" {
		t.Errorf("unexpected redis set contents: %v", members)
	}

	if err := ks.Unblock(ctx, "agent-rogue"); err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	if ks.IsBlocked("agent-rogue") {
		t.Error("unblock did not apply locally")
	}
	if members, _ := rdb.SMembers(ctx, infra.RedisKeyBlockedIdentities).Result(); len(members) != 0 {
		t.Errorf("redis set not emptied: %v", members)
	}
}

// Live-сигнал "id:on"/"id:off" через pub/sub доходит до локального кэша.
func TestKillSwitchListenerAppliesSignals(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ks := NewKillSwitch(rdb, nil, zap.NewNop())
	go ks.StartListener(ctx)

	// Подписка поднимается асинхронно: шлем сигнал до срабатывания
	ok := waitUntil(t, 3*time.Second, func() bool {
		rdb.Publish(ctx, infra.RedisChanKillSwitch, "agent-rogue:on")
		return ks.IsBlocked("agent-rogue")
	})
	if !ok {
		t.Fatal("block signal never applied")
	}

	ok = waitUntil(t, 3*time.Second, func() bool {
		rdb.Publish(ctx, infra.RedisChanKillSwitch, "agent-rogue:off")
		return !ks.IsBlocked("agent-rogue")
	})
	if !ok {
		t.Fatal("unblock signal never applied")
	}
}

// Динамический denylist живет на том же сигнальном механизме.
func TestDenylistListenerUpdatesPolicy(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Прогрев: одно имя уже запрещено на момент подписки
	mr.SAdd(infra.RedisKeyDeniedCapabilities, "message.send_media")

	policy := NewPolicy([]string{"message.send_text", "message.send_media"}, nil)
	go StartDenylistListener(ctx, rdb, zap.NewNop(), policy)

	ok := waitUntil(t, 3*time.Second, func() bool {
		return policy.Evaluate("message.send_media") == DecisionDeniedExplicit
	})
	if !ok {
		t.Fatal("warm-up denial never applied")
	}

	ok = waitUntil(t, 3*time.Second, func() bool {
		rdb.Publish(ctx, infra.RedisChanDenylist, "message.send_text:on")
		return policy.Evaluate("message.send_text") == DecisionDeniedExplicit
	})
	if !ok {
		t.Fatal("denylist signal never applied")
	}

	ok = waitUntil(t, 3*time.Second, func() bool {
		rdb.Publish(ctx, infra.RedisChanDenylist, "message.send_text:off")
		return policy.Evaluate("message.send_text") == DecisionAllowed
	})
	if !ok {
		t.Fatal("denylist lift never applied")
	}
}

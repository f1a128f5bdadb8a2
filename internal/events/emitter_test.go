package events

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func collect() (*Bus, *sync.Mutex, *[]Event) {
	var mu sync.Mutex
	var got []Event

	bus := NewBus(nil, "", zap.NewNop())
	bus.Subscribe(func(evt Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})
	return bus, &mu, &got
}

func TestEmitDeliversToSubscribers(t *testing.T) {
	bus, mu, got := collect()
	bus.Start()

	bus.Emit("message.sent", map[string]any{"message_id": "m-1"})
	bus.Emit("session.opened", map[string]any{"session_id": "tenant-a"})
	bus.Stop() // Дожидается доставки буфера

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 2 {
		t.Fatalf("expected 2 delivered events, got %d", len(*got))
	}
	if (*got)[0].Name != "message.sent" || (*got)[1].Name != "session.opened" {
		t.Errorf("unexpected delivery order: %s, %s", (*got)[0].Name, (*got)[1].Name)
	}
	if (*got)[0].ID == "" || (*got)[0].Timestamp.IsZero() {
		t.Errorf("event envelope not filled: %+v", (*got)[0])
	}
}

func TestEmitAfterStopIsDropped(t *testing.T) {
	bus, mu, got := collect()
	bus.Start()
	bus.Stop()

	// Не должно ни паниковать, ни доставляться
	bus.Emit("message.sent", map[string]any{})

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 0 {
		t.Errorf("event delivered after stop: %d", len(*got))
	}
}

// Emit из множества горутин одновременно с Stop: отправка в закрытый
// канал недопустима ни при каком чередовании.
func TestConcurrentEmitAndStop(t *testing.T) {
	bus, _, _ := collect()
	bus.Start()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Emit("message.sent", map[string]any{})
			}
		}()
	}

	time.Sleep(time.Millisecond)
	bus.Stop()
	wg.Wait()

	// Повторный Stop — no-op
	bus.Stop()
}

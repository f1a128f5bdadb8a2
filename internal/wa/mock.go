package wa

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient — имитация транспорта для локальной разработки и тестов.
// Ведет себя как настоящий клиент: задержки, состояние соединения,
// входящие события через колбэк.
type MockClient struct {
	SessionID string

	mu      sync.Mutex
	state   ConnState
	handler func(evt TransportEvent)

	// FailSends включает имитацию деградации транспорта
	FailSends bool
	// Latency фиксирует задержку; 0 — случайная 20..120мс
	Latency time.Duration
}

// NewMockFactory — ClientFactory поверх MockClient.
func NewMockFactory() ClientFactory {
	return func(sessionID string) Client {
		return &MockClient{SessionID: sessionID, state: StateDisconnected}
	}
}

func (c *MockClient) simulate(ctx context.Context) error {
	latency := c.Latency
	if latency == 0 {
		latency = time.Duration(20+rand.Intn(100)) * time.Millisecond
	}
	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MockClient) Connect(ctx context.Context) error {
	if err := c.simulate(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()
	return nil
}

func (c *MockClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	return nil
}

func (c *MockClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateLoggedOut
	c.mu.Unlock()
	return nil
}

func (c *MockClient) State(ctx context.Context) (ConnState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, nil
}

func (c *MockClient) ensureConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return fmt.Errorf("session %s is not connected", c.SessionID)
	}
	return nil
}

func (c *MockClient) SendText(ctx context.Context, to, text string) (string, error) {
	if err := c.ensureConnected(); err != nil {
		return "", err
	}
	if err := c.simulate(ctx); err != nil {
		return "", err
	}
	if c.FailSends {
		return "", fmt.Errorf("transport send failed")
	}
	return uuid.New().String(), nil
}

func (c *MockClient) SendMedia(ctx context.Context, to, mediaURL, caption string) (string, error) {
	if err := c.ensureConnected(); err != nil {
		return "", err
	}
	if err := c.simulate(ctx); err != nil {
		return "", err
	}
	if c.FailSends {
		return "", fmt.Errorf("transport send failed")
	}
	return uuid.New().String(), nil
}

func (c *MockClient) CheckRecipient(ctx context.Context, jid string) (bool, error) {
	if err := c.ensureConnected(); err != nil {
		return false, err
	}
	if err := c.simulate(ctx); err != nil {
		return false, err
	}
	// Считаем существующими всех, кроме явной заглушки
	return !strings.HasPrefix(jid, "0000"), nil
}

func (c *MockClient) SetEventHandler(h func(evt TransportEvent)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Inject подбрасывает событие, как будто его прислал мессенджер.
// Используется в тестах и demo-режиме.
func (c *MockClient) Inject(evt TransportEvent) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		evt.SessionID = c.SessionID
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now()
		}
		h(evt)
	}
}

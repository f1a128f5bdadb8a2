package gateway

import (
	"context"
	"fmt"
)

// Args — провалидированные аргументы вызова.
type Args map[string]any

// Handler исполняет доменную операцию. Эмит доменного события —
// ответственность самого хендлера (ровно один на успех), шлюз событий
// не эмитит.
type Handler func(ctx context.Context, args Args) (any, error)

// Capability — именованное доменное действие. Регистрируется один раз
// на старте, не создается per-request.
type Capability struct {
	Name       string
	Dependency string // Имя предохранителя ("whatsapp", "postgres"); пусто — без защиты
	Schema     Schema
	Handler    Handler
}

// Registry — неизменяемый после Seal набор возможностей.
type Registry struct {
	caps   map[string]Capability
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register добавляет возможность. Паника при дубле или после Seal —
// это ошибка программирования на старте, а не рантайм-состояние.
func (r *Registry) Register(c Capability) {
	if r.sealed {
		panic("capability registry is sealed")
	}
	if c.Name == "" || c.Handler == nil {
		panic("capability must have a name and a handler")
	}
	if _, exists := r.caps[c.Name]; exists {
		panic(fmt.Sprintf("capability %q registered twice", c.Name))
	}
	r.caps[c.Name] = c
}

// Seal замораживает реестр. Вызывается после регистрации всех
// возможностей, до приема трафика.
func (r *Registry) Seal() { r.sealed = true }

func (r *Registry) Get(name string) (Capability, bool) {
	c, ok := r.caps[name]
	return c, ok
}

// Names — список зарегистрированных имен (операторские ручки).
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	return names
}

package gateway

import (
	"sync"
)

// Decision — исход проверки имени действия против allowlist/denylist.
type Decision int

const (
	DecisionAllowed Decision = iota
	// DecisionDeniedUnknown — имени нет в allowlist. С точки зрения
	// вызывателя неотличимо от «не существует вовсе».
	DecisionDeniedUnknown
	// DecisionDeniedExplicit — имя в denylist. Наружу отдается в том же
	// виде, что и DeniedUnknown: различие существует только для
	// внутренней телеметрии.
	DecisionDeniedExplicit
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionDeniedExplicit:
		return "denied_explicit"
	default:
		return "denied_unknown"
	}
}

// Policy — пара независимых множеств. Allowlist и denylist заполняются
// в конфигурации порознь и не выводятся друг из друга: дизайн
// сознательно трактует «нет в allowlist» и «есть в denylist» одинаково.
// Denylist может дополняться на лету (redis-сигнал), allowlist
// фиксируется на старте.
type Policy struct {
	allow map[string]struct{}

	mu   sync.RWMutex
	deny map[string]struct{}
}

func NewPolicy(allowlist, denylist []string) *Policy {
	p := &Policy{
		allow: make(map[string]struct{}, len(allowlist)),
		deny:  make(map[string]struct{}, len(denylist)),
	}
	for _, name := range allowlist {
		p.allow[name] = struct{}{}
	}
	for _, name := range denylist {
		p.deny[name] = struct{}{}
	}
	return p
}

// Evaluate — O(1) проверка членства. Denylist первым: явный запрет
// сильнее явного разрешения.
func (p *Policy) Evaluate(name string) Decision {
	p.mu.RLock()
	_, denied := p.deny[name]
	p.mu.RUnlock()
	if denied {
		return DecisionDeniedExplicit
	}
	if _, ok := p.allow[name]; !ok {
		return DecisionDeniedUnknown
	}
	return DecisionAllowed
}

// SetDenied включает или снимает динамический запрет имени.
// Используется redis-слушателем и операторскими ручками.
func (p *Policy) SetDenied(name string, denied bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if denied {
		p.deny[name] = struct{}{}
	} else {
		delete(p.deny, name)
	}
}

// Denied отдает снимок текущего denylist (операторские ручки).
func (p *Policy) Denied() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.deny))
	for name := range p.deny {
		out = append(out, name)
	}
	return out
}

// Allowed отдает снимок allowlist.
func (p *Policy) Allowed() []string {
	out := make([]string, 0, len(p.allow))
	for name := range p.allow {
		out = append(out, name)
	}
	return out
}

package breaker

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ClassConfig resolves the effective Config for a named operation class
// (user_stats, user_sync, backend_operations, logs_streaming,
// system_monitoring).
type ClassConfig func(class string) Config

// Manager owns one Breaker per (node, operation-class) pair for a single
// node client.
type Manager struct {
	node    string
	resolve ClassConfig
	reg     prometheus.Registerer
	log     *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager constructs a Manager for one node. resolve supplies the
// per-class Config (typically config.PanelConfig.ResolveBreakerClass).
func NewManager(node string, resolve ClassConfig, reg prometheus.Registerer, log *slog.Logger) *Manager {
	return &Manager{
		node:     node,
		resolve:  resolve,
		reg:      reg,
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the Breaker for class, creating it lazily on first use.
func (m *Manager) For(class string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[class]; ok {
		return b
	}
	b := New(m.node, class, m.resolve(class), m.reg, m.log)
	m.breakers[class] = b
	return b
}

// ResetAll resets every breaker owned by this manager.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}

// Snapshot returns a class -> state map for observability surfaces
// (health endpoint, monitor loop's "any critical breaker OPEN" check).
func (m *Manager) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.breakers))
	for class, b := range m.breakers {
		out[class] = b.State()
	}
	return out
}

// AnyOpen reports whether any breaker is currently OPEN; the client's
// monitor loop downgrades the node when one stays open too long.
func (m *Manager) AnyOpen() bool {
	for _, s := range m.Snapshot() {
		if s == Open {
			return true
		}
	}
	return false
}

func (m *Manager) String() string {
	return fmt.Sprintf("breaker.Manager{node=%s}", m.node)
}

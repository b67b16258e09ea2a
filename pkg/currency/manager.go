package currency

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Manager is the allowlist of settlement currencies. The engine only ever
// asks for membership; add/remove is operator plumbing.
type Manager struct {
	mu      sync.RWMutex
	allowed map[common.Address]bool
}

func NewManager() *Manager {
	return &Manager{allowed: make(map[common.Address]bool)}
}

func (m *Manager) Add(currency common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowed[currency] = true
}

func (m *Manager) Remove(currency common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allowed, currency)
}

func (m *Manager) IsCurrencyAllowed(currency common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowed[currency]
}

// List returns the allowlisted currencies in no particular order.
func (m *Manager) List() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]common.Address, 0, len(m.allowed))
	for c := range m.allowed {
		out = append(out, c)
	}
	return out
}

package wallet

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is the approval oracle for participating wallets. The engine
// checks the submitting wallet before any settlement and the receiving
// wallet before any asset transfer.
type Registry struct {
	mu       sync.RWMutex
	approved map[common.Address]bool
}

func NewRegistry() *Registry {
	return &Registry{approved: make(map[common.Address]bool)}
}

func (r *Registry) Approve(w common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approved[w] = true
}

func (r *Registry) Revoke(w common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.approved, w)
}

func (r *Registry) IsWalletApproved(w common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.approved[w]
}

package exchange

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceStore is the authoritative replay/cancellation state: a per-signer
// minimum-nonce watermark plus per-(signer, nonce) consumed flags. A flag,
// once set by a successful settlement or an explicit cancel, never resets;
// ClearUsed exists solely so the engine can roll back a settlement that
// failed after marking the nonce.
type NonceStore interface {
	MinNonce(signer common.Address) uint64
	SetMinNonce(signer common.Address, nonce uint64)
	IsUsed(signer common.Address, nonce uint64) bool
	SetUsed(signer common.Address, nonce uint64)
	ClearUsed(signer common.Address, nonce uint64)
}

// MemoryNonceStore keeps nonce state in process. The pebble-backed store in
// pkg/storage implements the same interface for durable nodes.
type MemoryNonceStore struct {
	mu   sync.Mutex
	min  map[common.Address]uint64
	used map[common.Address]map[uint64]bool
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		min:  make(map[common.Address]uint64),
		used: make(map[common.Address]map[uint64]bool),
	}
}

func (s *MemoryNonceStore) MinNonce(signer common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.min[signer]
}

func (s *MemoryNonceStore) SetMinNonce(signer common.Address, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.min[signer] = nonce
}

func (s *MemoryNonceStore) IsUsed(signer common.Address, nonce uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[signer][nonce]
}

func (s *MemoryNonceStore) SetUsed(signer common.Address, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used[signer] == nil {
		s.used[signer] = make(map[uint64]bool)
	}
	s.used[signer][nonce] = true
}

func (s *MemoryNonceStore) ClearUsed(signer common.Address, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.used[signer], nonce)
}

var _ NonceStore = (*MemoryNonceStore)(nil)

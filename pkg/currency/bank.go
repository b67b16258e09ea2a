package currency

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Bank resolves a currency id to the token ledger that holds its balances.
type Bank struct {
	mu     sync.RWMutex
	tokens map[common.Address]*Token
}

func NewBank() *Bank {
	return &Bank{tokens: make(map[common.Address]*Token)}
}

func (b *Bank) Register(t *Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[t.Address()] = t
}

func (b *Bank) TokenFor(currency common.Address) (*Token, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tokens[currency]
	return t, ok
}

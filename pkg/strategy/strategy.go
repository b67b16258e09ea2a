package strategy

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/oxrent/rentex/pkg/core"
)

// Strategy is the pluggable compatibility predicate between a taker order
// and the opposing maker order. A strategy never moves funds or assets; it
// only decides go/no-go and reports what would transfer, plus the protocol
// fee rate applied to the match.
type Strategy interface {
	// CheckTakerBidAgainstMakerAsk decides whether a borrower's bid can take
	// a lender's ask. Returns (ok, assetID, quantity).
	CheckTakerBidAgainstMakerAsk(taker *core.TakerOrder, maker *core.MakerOrder) (bool, *big.Int, *big.Int)

	// CheckTakerAskAgainstMakerBid decides whether a lender's ask can take a
	// borrower's standing bid.
	CheckTakerAskAgainstMakerBid(taker *core.TakerOrder, maker *core.MakerOrder) (bool, *big.Int, *big.Int)

	// FeeRateBps is this strategy's protocol fee in basis points.
	FeeRateBps() uint64
}

// ExecutionManager is the strategy allowlist. A maker selects a strategy by
// id; the engine resolves and validates it here at settlement time, so new
// pricing variants plug in without engine changes.
type ExecutionManager struct {
	mu         sync.RWMutex
	strategies map[common.Address]Strategy
}

func NewExecutionManager() *ExecutionManager {
	return &ExecutionManager{strategies: make(map[common.Address]Strategy)}
}

func (m *ExecutionManager) Add(id common.Address, s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[id] = s
}

func (m *ExecutionManager) Remove(id common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strategies, id)
}

func (m *ExecutionManager) IsStrategyAllowed(id common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.strategies[id]
	return ok
}

// Resolve returns the implementation registered under id.
func (m *ExecutionManager) Resolve(id common.Address) (Strategy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[id]
	return s, ok
}

// List returns the allowlisted strategy ids in no particular order.
func (m *ExecutionManager) List() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]common.Address, 0, len(m.strategies))
	for id := range m.strategies {
		out = append(out, id)
	}
	return out
}

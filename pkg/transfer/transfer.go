package transfer

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Backend moves custody of assets within one or more collections. The engine
// and the receipt ledger only see this capability; where custody actually
// lives is a backend concern.
type Backend interface {
	TransferAsset(collection, from, to common.Address, assetID, quantity *big.Int) error
}

// Mode selects the custody shape of a collection.
type Mode int

const (
	// Unique collections hold one custodian per asset id; quantity must be 1.
	Unique Mode = iota
	// Batch collections track per-holder balances per asset id.
	Batch
)

// CustodyBackend is an in-process custody ledger for a set of collections
// sharing one mode.
type CustodyBackend struct {
	mode Mode

	mu sync.Mutex
	// holdings[collection][assetID decimal string][holder] = quantity
	holdings map[common.Address]map[string]map[common.Address]*big.Int
}

func NewCustodyBackend(mode Mode) *CustodyBackend {
	return &CustodyBackend{
		mode:     mode,
		holdings: make(map[common.Address]map[string]map[common.Address]*big.Int),
	}
}

// Deposit seeds custody. Used to register assets before they can be rented.
func (b *CustodyBackend) Deposit(collection, holder common.Address, assetID, quantity *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	holders := b.holders(collection, assetID)
	if cur, ok := holders[holder]; ok {
		cur.Add(cur, quantity)
	} else {
		holders[holder] = new(big.Int).Set(quantity)
	}
}

// HoldingOf returns how much of an asset a holder currently has in custody.
func (b *CustodyBackend) HoldingOf(collection, holder common.Address, assetID *big.Int) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.holders(collection, assetID)[holder]; ok {
		return new(big.Int).Set(q)
	}
	return new(big.Int)
}

func (b *CustodyBackend) TransferAsset(collection, from, to common.Address, assetID, quantity *big.Int) error {
	if quantity == nil || quantity.Sign() <= 0 {
		return fmt.Errorf("invalid quantity")
	}
	if b.mode == Unique && quantity.Cmp(big.NewInt(1)) != 0 {
		return fmt.Errorf("unique collection: quantity must be 1, got %s", quantity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	holders := b.holders(collection, assetID)
	have, ok := holders[from]
	if !ok || have.Cmp(quantity) < 0 {
		return fmt.Errorf("holder %s has %s of asset %s, need %s", from.Hex(), have, assetID, quantity)
	}
	have.Sub(have, quantity)
	if have.Sign() == 0 {
		delete(holders, from)
	}
	if cur, ok := holders[to]; ok {
		cur.Add(cur, quantity)
	} else {
		holders[to] = new(big.Int).Set(quantity)
	}
	return nil
}

// holders assumes b.mu is held.
func (b *CustodyBackend) holders(collection common.Address, assetID *big.Int) map[common.Address]*big.Int {
	assets, ok := b.holdings[collection]
	if !ok {
		assets = make(map[string]map[common.Address]*big.Int)
		b.holdings[collection] = assets
	}
	key := assetID.String()
	holders, ok := assets[key]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		assets[key] = holders
	}
	return holders
}

var _ Backend = (*CustodyBackend)(nil)

// Selector routes a collection to its transfer backend. Per-collection
// overrides win over the mode defaults, mirroring how the original protocol
// let collections bring their own transfer manager.
type Selector struct {
	mu        sync.RWMutex
	unique    Backend
	batch     Backend
	modes     map[common.Address]Mode
	overrides map[common.Address]Backend
}

func NewSelector(unique, batch Backend) *Selector {
	return &Selector{
		unique:    unique,
		batch:     batch,
		modes:     make(map[common.Address]Mode),
		overrides: make(map[common.Address]Backend),
	}
}

// Register declares a collection's custody mode. Unregistered collections
// have no backend.
func (s *Selector) Register(collection common.Address, mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[collection] = mode
}

// Override pins a collection to a specific backend regardless of mode.
func (s *Selector) Override(collection common.Address, b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[collection] = b
}

// BackendFor returns the backend responsible for a collection, or false if
// the collection is unknown.
func (s *Selector) BackendFor(collection common.Address) (Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.overrides[collection]; ok {
		return b, true
	}
	mode, ok := s.modes[collection]
	if !ok {
		return nil, false
	}
	if mode == Batch {
		return s.batch, true
	}
	return s.unique, true
}

package core

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Side of an order: asks lend an asset out, bids borrow one.
type Side uint8

const (
	SideUnknown Side = 0
	SideAsk     Side = 1 // lender: offers the asset, receives funds
	SideBid     Side = 2 // borrower: pays funds, receives custody
)

func (s Side) String() string {
	switch s {
	case SideAsk:
		return "ask"
	case SideBid:
		return "bid"
	default:
		return "unknown"
	}
}

// Opposite returns the matching counter-side.
func (s Side) Opposite() Side {
	switch s {
	case SideAsk:
		return SideBid
	case SideBid:
		return SideAsk
	default:
		return SideUnknown
	}
}

// Target identifies a rentable unit within a collection.
// Quantity is 1 for unique (non-fungible) assets and may be >1 for
// batch (semi-fungible) collections.
type Target struct {
	Collection common.Address
	AssetID    *big.Int
	Quantity   *big.Int
}

// RentalConfig describes the commercial terms of a rental offer.
type RentalConfig struct {
	Target       Target
	PricePerHour *big.Int
	MinHours     uint64
	MaxHours     uint64
	Currency     common.Address
}

// Validate checks the config's internal invariants. It does not consult
// allowlists; the settlement engine does that at match time.
func (c *RentalConfig) Validate() error {
	if c.PricePerHour == nil || c.PricePerHour.Sign() <= 0 {
		return fmt.Errorf("price per hour must be positive")
	}
	if c.Target.Quantity == nil || c.Target.Quantity.Sign() <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if c.MinHours > c.MaxHours {
		return fmt.Errorf("min hours (%d) exceeds max hours (%d)", c.MinHours, c.MaxHours)
	}
	return nil
}

// MakerOrder is a standing, off-line signed rental offer. The engine never
// stores maker orders; it only tracks their nonces once consumed or cancelled.
type MakerOrder struct {
	Config         RentalConfig
	Side           Side
	Signer         common.Address
	Strategy       common.Address
	Nonce          uint64
	StartTime      int64 // unix seconds, inclusive
	EndTime        int64 // unix seconds, inclusive
	StrategyParams []byte
	Signature      []byte // 65-byte [R || S || V] over the order digest
}

// TakerOrder is submitted directly in the settlement call. Never signed,
// never persisted.
type TakerOrder struct {
	Side         Side
	Taker        common.Address
	PricePerHour *big.Int
	NumHours     uint64
	Target       Target
}

// TotalPrice is pricePerHour x numHours.
func (t *TakerOrder) TotalPrice() *big.Int {
	return new(big.Int).Mul(t.PricePerHour, new(big.Int).SetUint64(t.NumHours))
}

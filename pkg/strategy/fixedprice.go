package strategy

import (
	"math/big"

	"github.com/oxrent/rentex/pkg/core"
	"github.com/oxrent/rentex/pkg/util"
)

// FixedPrice matches a taker against a maker only on exactly the maker's
// terms: identical price per hour, identical asset, requested duration inside
// the maker's [minHours, maxHours] band, and the maker's validity window
// containing now.
type FixedPrice struct {
	feeBps uint64
	clock  util.Clock
}

func NewFixedPrice(feeBps uint64, clock util.Clock) *FixedPrice {
	return &FixedPrice{feeBps: feeBps, clock: clock}
}

func (s *FixedPrice) FeeRateBps() uint64 { return s.feeBps }

func (s *FixedPrice) CheckTakerBidAgainstMakerAsk(taker *core.TakerOrder, maker *core.MakerOrder) (bool, *big.Int, *big.Int) {
	return s.check(taker, maker)
}

func (s *FixedPrice) CheckTakerAskAgainstMakerBid(taker *core.TakerOrder, maker *core.MakerOrder) (bool, *big.Int, *big.Int) {
	return s.check(taker, maker)
}

// check is direction-agnostic: fixed-price terms read the same whichever
// side stands.
func (s *FixedPrice) check(taker *core.TakerOrder, maker *core.MakerOrder) (bool, *big.Int, *big.Int) {
	cfg := &maker.Config
	if taker.PricePerHour == nil || taker.PricePerHour.Cmp(cfg.PricePerHour) != 0 {
		return false, nil, nil
	}
	if taker.Target.Collection != cfg.Target.Collection {
		return false, nil, nil
	}
	if taker.Target.AssetID == nil || taker.Target.AssetID.Cmp(cfg.Target.AssetID) != 0 {
		return false, nil, nil
	}
	if taker.NumHours < cfg.MinHours || taker.NumHours > cfg.MaxHours {
		return false, nil, nil
	}
	now := s.clock.Now().Unix()
	if now < maker.StartTime || now > maker.EndTime {
		return false, nil, nil
	}
	return true, cfg.Target.AssetID, cfg.Target.Quantity
}

var _ Strategy = (*FixedPrice)(nil)

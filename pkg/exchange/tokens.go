package exchange

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/oxrent/rentex/pkg/currency"
)

// bankResolver adapts the currency bank to the engine's TokenResolver.
type bankResolver struct {
	bank *currency.Bank
}

// NewBankResolver wraps a currency.Bank for use as the engine's token source.
func NewBankResolver(bank *currency.Bank) TokenResolver {
	return &bankResolver{bank: bank}
}

func (r *bankResolver) ResolveToken(addr common.Address) (FungibleToken, bool) {
	t, ok := r.bank.TokenFor(addr)
	if !ok {
		return nil, false
	}
	return t, true
}

package currency

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Token is an in-process fungible balance ledger with the transfer surface
// the settlement engine pulls funds through: direct transfers plus
// approval-gated third-party pulls.
type Token struct {
	addr common.Address

	mu        sync.Mutex
	balances  map[common.Address]*big.Int
	operators map[common.Address]map[common.Address]bool // owner -> spender -> approved
}

func NewToken(addr common.Address) *Token {
	return &Token{
		addr:      addr,
		balances:  make(map[common.Address]*big.Int),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

// Address is the token's currency identity.
func (t *Token) Address() common.Address { return t.addr }

// Mint credits a holder out of thin air. Funding hook for bridges and tests.
func (t *Token) Mint(holder common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(holder, amount)
}

func (t *Token) BalanceOf(holder common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.balances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Approve lets spender move owner's balance via TransferFrom.
func (t *Token) Approve(owner, spender common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.operators[owner] == nil {
		t.operators[owner] = make(map[common.Address]bool)
	}
	t.operators[owner][spender] = true
}

// Transfer moves amount from `from` to `to`. The caller asserts `from`'s
// authority; the engine only ever passes its own identity here.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// TransferFrom moves amount from `from` to `to` on behalf of spender, which
// must have been approved by `from`.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if spender != from && !t.operators[from][spender] {
		return fmt.Errorf("spender %s not approved by %s", spender.Hex(), from.Hex())
	}
	return t.move(from, to, amount)
}

func (t *Token) move(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid amount")
	}
	bal, ok := t.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance: have %s, need %s", bal, amount)
	}
	bal.Sub(bal, amount)
	t.credit(to, amount)
	return nil
}

// credit assumes t.mu is held.
func (t *Token) credit(holder common.Address, amount *big.Int) {
	if b, ok := t.balances[holder]; ok {
		b.Add(b, amount)
		return
	}
	t.balances[holder] = new(big.Int).Set(amount)
}

// Burn debits a holder, shrinking supply. Counterpart of Mint.
func (t *Token) Burn(holder common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid amount")
	}
	bal, ok := t.balances[holder]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance: have %s, need %s", bal, amount)
	}
	bal.Sub(bal, amount)
	return nil
}

// WrappedNative is the wrapped-native-currency facility: a Token whose
// supply grows when native value is deposited into it.
type WrappedNative struct {
	*Token
}

func NewWrappedNative(addr common.Address) *WrappedNative {
	return &WrappedNative{Token: NewToken(addr)}
}

// Deposit wraps native value carried by the caller into a token balance
// credited to holder.
func (w *WrappedNative) Deposit(holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid deposit amount")
	}
	w.Mint(holder, amount)
	return nil
}

// Withdraw unwraps a token balance back into native value.
func (w *WrappedNative) Withdraw(holder common.Address, amount *big.Int) error {
	return w.Burn(holder, amount)
}

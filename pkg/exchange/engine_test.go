package exchange

import (
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/oxrent/rentex/pkg/core"
	"github.com/oxrent/rentex/pkg/crypto"
	"github.com/oxrent/rentex/pkg/currency"
	"github.com/oxrent/rentex/pkg/events"
	"github.com/oxrent/rentex/pkg/receipt"
	"github.com/oxrent/rentex/pkg/strategy"
	"github.com/oxrent/rentex/pkg/transfer"
	"github.com/oxrent/rentex/pkg/util"
	"github.com/oxrent/rentex/pkg/wallet"
)

var (
	exchangeAddr = common.HexToAddress("0x00000000000000000000000000000000000e1a57")
	feeAddr      = common.HexToAddress("0x000000000000000000000000000000000000fee5")
	wethAddr     = common.HexToAddress("0x0000000000000000000000000000000000010001")
	usdAddr      = common.HexToAddress("0x0000000000000000000000000000000000010002")
	fixedStrat   = common.HexToAddress("0x0000000000000000000000000000000000020001")
	lowFeeStrat  = common.HexToAddress("0x0000000000000000000000000000000000020002")
	collectionA  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

// captureEmitter records every emitted event for assertions.
type captureEmitter struct {
	topics []string
	evts   []interface{}
}

func (c *captureEmitter) Emit(topic string, event interface{}) {
	c.topics = append(c.topics, topic)
	c.evts = append(c.evts, event)
}

func (c *captureEmitter) countType(tag string) int {
	n := 0
	for _, e := range c.evts {
		switch v := e.(type) {
		case events.MatchEvent:
			if v.Type == tag {
				n++
			}
		case events.FillEvent:
			if v.Type == tag {
				n++
			}
		case events.BulkCancelEvent:
			if v.Type == tag {
				n++
			}
		case events.SpecificCancelEvent:
			if v.Type == tag {
				n++
			}
		case events.ReceiptEvent:
			if v.Type == tag {
				n++
			}
		}
	}
	return n
}

type fixture struct {
	t *testing.T

	clock      *util.FixedClock
	hasher     *crypto.OrderHasher
	currencies *currency.Manager
	strategies *strategy.ExecutionManager
	wallets    *wallet.Registry
	selector   *transfer.Selector
	unique     *transfer.CustodyBackend
	bank       *currency.Bank
	weth       *currency.WrappedNative
	usd        *currency.Token
	ledger     *receipt.Ledger
	nonces     *MemoryNonceStore
	emitted    *captureEmitter
	engine     *Engine

	lender   *crypto.Signer
	borrower *crypto.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	lender, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate lender key: %v", err)
	}
	borrower, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate borrower key: %v", err)
	}

	f := &fixture{
		t:          t,
		clock:      &util.FixedClock{T: time.Unix(1_000_000, 0)},
		currencies: currency.NewManager(),
		strategies: strategy.NewExecutionManager(),
		wallets:    wallet.NewRegistry(),
		bank:       currency.NewBank(),
		weth:       currency.NewWrappedNative(wethAddr),
		usd:        currency.NewToken(usdAddr),
		nonces:     NewMemoryNonceStore(),
		emitted:    &captureEmitter{},
		lender:     lender,
		borrower:   borrower,
	}

	f.hasher = crypto.NewOrderHasher(crypto.SigningDomain{
		Name:              "RentalExchange",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: exchangeAddr,
	})

	f.currencies.Add(wethAddr)
	f.currencies.Add(usdAddr)
	f.bank.Register(f.weth.Token)
	f.bank.Register(f.usd)

	f.strategies.Add(fixedStrat, strategy.NewFixedPrice(400, f.clock))
	f.strategies.Add(lowFeeStrat, strategy.NewFixedPrice(250, f.clock))

	f.wallets.Approve(lender.Address())
	f.wallets.Approve(borrower.Address())

	f.unique = transfer.NewCustodyBackend(transfer.Unique)
	f.selector = transfer.NewSelector(f.unique, transfer.NewCustodyBackend(transfer.Batch))
	f.selector.Register(collectionA, transfer.Unique)
	f.unique.Deposit(collectionA, lender.Address(), big.NewInt(42), big.NewInt(1))

	f.ledger, err = receipt.NewLedger(exchangeAddr, f.selector, f.clock, f.emitted, nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	f.engine = f.buildEngine(Config{Self: exchangeAddr, FeeRecipient: feeAddr, MaxNonceJump: 500_000})
	return f
}

func (f *fixture) buildEngine(cfg Config) *Engine {
	return NewEngine(cfg, f.hasher, f.currencies, f.strategies, f.wallets, f.selector,
		f.weth, NewBankResolver(f.bank), f.nonces, f.ledger, f.clock, f.emitted, nil)
}

// makerAsk builds and signs a standing lend offer: asset 42 of collectionA
// at 10_000/hour for 1..4 hours, valid around the fixture clock.
func (f *fixture) makerAsk(signer *crypto.Signer, nonce uint64, curr common.Address) *core.MakerOrder {
	now := f.clock.Now().Unix()
	o := &core.MakerOrder{
		Config: core.RentalConfig{
			Target:       core.Target{Collection: collectionA, AssetID: big.NewInt(42), Quantity: big.NewInt(1)},
			PricePerHour: big.NewInt(10_000),
			MinHours:     1,
			MaxHours:     4,
			Currency:     curr,
		},
		Side:      core.SideAsk,
		Signer:    signer.Address(),
		Strategy:  fixedStrat,
		Nonce:     nonce,
		StartTime: now - 60,
		EndTime:   now + 3600,
	}
	f.sign(signer, o)
	return o
}

// makerBid is the borrower-side standing offer used on the bid path.
func (f *fixture) makerBid(signer *crypto.Signer, nonce uint64, curr common.Address) *core.MakerOrder {
	o := f.makerAsk(signer, nonce, curr)
	o.Side = core.SideBid
	f.sign(signer, o)
	return o
}

func (f *fixture) sign(signer *crypto.Signer, o *core.MakerOrder) {
	f.t.Helper()
	sig, err := f.hasher.SignOrder(signer, o)
	if err != nil {
		f.t.Fatalf("sign order: %v", err)
	}
	o.Signature = sig
}

func counterOrder(taker common.Address, maker *core.MakerOrder, hours uint64) *core.TakerOrder {
	return &core.TakerOrder{
		Side:         maker.Side.Opposite(),
		Taker:        taker,
		PricePerHour: new(big.Int).Set(maker.Config.PricePerHour),
		NumHours:     hours,
		Target:       maker.Config.Target,
	}
}

func checkBalance(t *testing.T, tok *currency.Token, holder common.Address, want int64) {
	t.Helper()
	if got := tok.BalanceOf(holder); got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance of %s = %s, want %d", holder.Hex(), got, want)
	}
}

func checkHolding(t *testing.T, b *transfer.CustodyBackend, holder common.Address, want int64) {
	t.Helper()
	if got := b.HoldingOf(collectionA, holder, big.NewInt(42)); got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("holding of %s = %s, want %d", holder.Hex(), got, want)
	}
}

func TestSettleAskWithToken(t *testing.T) {
	f := newFixture(t)
	f.usd.Mint(f.borrower.Address(), big.NewInt(100_000))
	f.usd.Approve(f.borrower.Address(), exchangeAddr)

	maker := f.makerAsk(f.lender, 1, usdAddr)
	taker := counterOrder(f.borrower.Address(), maker, 3)

	id, err := f.engine.SettleAskWithToken(f.borrower.Address(), taker, maker)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	// 3h x 10_000 = 30_000 total; 400 bps fee = 1_200.
	checkBalance(t, f.usd, f.borrower.Address(), 70_000)
	checkBalance(t, f.usd, f.lender.Address(), 28_800)
	checkBalance(t, f.usd, feeAddr, 1_200)
	checkHolding(t, f.unique, f.borrower.Address(), 1)
	checkHolding(t, f.unique, f.lender.Address(), 0)

	r, err := f.ledger.GetData(id)
	if err != nil {
		t.Fatalf("receipt data: %v", err)
	}
	if r.Owner != f.lender.Address() || r.Custodian != f.borrower.Address() {
		t.Errorf("receipt parties: owner=%s custodian=%s", r.Owner.Hex(), r.Custodian.Hex())
	}
	if want := f.clock.Now().Add(3 * time.Hour).Unix(); r.Expiry != want {
		t.Errorf("receipt expiry = %d, want %d", r.Expiry, want)
	}
	if !f.engine.IsNonceUsed(maker.Signer, maker.Nonce) {
		t.Error("nonce should be consumed after settlement")
	}
	for _, tag := range []string{events.TypeAskMatched, events.TypeTakerBidFilled, events.TypeReceiptMinted} {
		if f.emitted.countType(tag) != 1 {
			t.Errorf("event %q emitted %d times, want 1", tag, f.emitted.countType(tag))
		}
	}

	// Replaying the same standing order must fail without moving funds.
	if _, err := f.engine.SettleAskWithToken(f.borrower.Address(), taker, maker); err == nil {
		t.Fatal("replay should fail")
	} else {
		var stale *core.StaleOrderError
		if !errors.As(err, &stale) {
			t.Fatalf("replay error = %v, want stale order", err)
		}
	}
	checkBalance(t, f.usd, f.borrower.Address(), 70_000)

	// After expiry the lender reclaims the asset via the receipt.
	f.clock.Advance(3*time.Hour + time.Second)
	if err := f.ledger.Redeem(f.lender.Address(), id); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	checkHolding(t, f.unique, f.lender.Address(), 1)
	checkHolding(t, f.unique, f.borrower.Address(), 0)
}

func TestSettleAskFeeRounding(t *testing.T) {
	f := newFixture(t)
	f.usd.Mint(f.borrower.Address(), big.NewInt(1_000))
	f.usd.Approve(f.borrower.Address(), exchangeAddr)

	maker := f.makerAsk(f.lender, 1, usdAddr)
	maker.Config.PricePerHour = big.NewInt(333)
	maker.Strategy = lowFeeStrat
	f.sign(f.lender, maker)
	taker := counterOrder(f.borrower.Address(), maker, 3)

	if _, err := f.engine.SettleAskWithToken(f.borrower.Address(), taker, maker); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// total 999 at 250 bps: fee floors to 24, the remainder stays with the payee.
	checkBalance(t, f.usd, feeAddr, 24)
	checkBalance(t, f.usd, f.lender.Address(), 975)
	checkBalance(t, f.usd, f.borrower.Address(), 1)
}

func TestSplitFee(t *testing.T) {
	cases := []struct {
		total int64
		bps   uint64
		fee   int64
		payee int64
	}{
		{10_000, 400, 400, 9_600},
		{999, 250, 24, 975},
		{1, 400, 0, 1},
		{30_000, 0, 0, 30_000},
		{10_000, 10_000, 10_000, 0},
	}
	for _, c := range cases {
		fee, payee := splitFee(big.NewInt(c.total), c.bps)
		if fee.Cmp(big.NewInt(c.fee)) != 0 || payee.Cmp(big.NewInt(c.payee)) != 0 {
			t.Errorf("splitFee(%d, %d) = (%s, %s), want (%d, %d)", c.total, c.bps, fee, payee, c.fee, c.payee)
		}
		if new(big.Int).Add(fee, payee).Cmp(big.NewInt(c.total)) != 0 {
			t.Errorf("splitFee(%d, %d) does not conserve the total", c.total, c.bps)
		}
	}
}

func TestSettleAskWithNativeExact(t *testing.T) {
	f := newFixture(t)

	maker := f.makerAsk(f.lender, 1, wethAddr)
	taker := counterOrder(f.borrower.Address(), maker, 3)

	if _, err := f.engine.SettleAskWithNative(f.borrower.Address(), big.NewInt(30_000), taker, maker); err != nil {
		t.Fatalf("settle: %v", err)
	}
	checkBalance(t, f.weth.Token, f.lender.Address(), 28_800)
	checkBalance(t, f.weth.Token, feeAddr, 1_200)
	checkBalance(t, f.weth.Token, exchangeAddr, 0)
	checkHolding(t, f.unique, f.borrower.Address(), 1)
}

func TestSettleAskWithNativeShortfall(t *testing.T) {
	f := newFixture(t)
	f.weth.Mint(f.borrower.Address(), big.NewInt(25_000))
	f.weth.Approve(f.borrower.Address(), exchangeAddr)

	maker := f.makerAsk(f.lender, 1, wethAddr)
	taker := counterOrder(f.borrower.Address(), maker, 3)

	// 10_000 native, 20_000 pulled from the taker's wrapped balance.
	if _, err := f.engine.SettleAskWithNative(f.borrower.Address(), big.NewInt(10_000), taker, maker); err != nil {
		t.Fatalf("settle: %v", err)
	}
	checkBalance(t, f.weth.Token, f.borrower.Address(), 5_000)
	checkBalance(t, f.weth.Token, f.lender.Address(), 28_800)
	checkBalance(t, f.weth.Token, feeAddr, 1_200)
	checkBalance(t, f.weth.Token, exchangeAddr, 0)
}

func TestSettleAskWithNativeOversupplied(t *testing.T) {
	f := newFixture(t)

	maker := f.makerAsk(f.lender, 1, wethAddr)
	taker := counterOrder(f.borrower.Address(), maker, 3)

	_, err := f.engine.SettleAskWithNative(f.borrower.Address(), big.NewInt(30_001), taker, maker)
	var match *core.MatchError
	if !errors.As(err, &match) {
		t.Fatalf("oversupplied native error = %v, want match error", err)
	}
	if f.engine.IsNonceUsed(maker.Signer, maker.Nonce) {
		t.Error("nonce should survive a rejected settlement")
	}
}

func TestSettleAskWithNativeWrongCurrency(t *testing.T) {
	f := newFixture(t)

	maker := f.makerAsk(f.lender, 1, usdAddr)
	taker := counterOrder(f.borrower.Address(), maker, 3)

	_, err := f.engine.SettleAskWithNative(f.borrower.Address(), big.NewInt(30_000), taker, maker)
	var policy *core.PolicyError
	if !errors.As(err, &policy) {
		t.Fatalf("non-wrapped currency error = %v, want policy error", err)
	}
}

func TestSettleBidWithToken(t *testing.T) {
	f := newFixture(t)
	f.usd.Mint(f.borrower.Address(), big.NewInt(100_000))
	f.usd.Approve(f.borrower.Address(), exchangeAddr)

	// The borrower signs a standing bid; the lender takes it.
	maker := f.makerBid(f.borrower, 7, usdAddr)
	taker := counterOrder(f.lender.Address(), maker, 2)

	id, err := f.engine.SettleBidWithToken(f.lender.Address(), taker, maker)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	// 2h x 10_000 = 20_000; fee 800; funds flow maker -> taker.
	checkBalance(t, f.usd, f.borrower.Address(), 80_000)
	checkBalance(t, f.usd, f.lender.Address(), 19_200)
	checkBalance(t, f.usd, feeAddr, 800)
	checkHolding(t, f.unique, f.borrower.Address(), 1)

	r, err := f.ledger.GetData(id)
	if err != nil {
		t.Fatalf("receipt data: %v", err)
	}
	if r.Owner != f.lender.Address() || r.Custodian != f.borrower.Address() {
		t.Errorf("receipt parties: owner=%s custodian=%s", r.Owner.Hex(), r.Custodian.Hex())
	}
	if f.emitted.countType(events.TypeBidMatched) != 1 || f.emitted.countType(events.TypeTakerAskFilled) != 1 {
		t.Error("bid-path events not emitted")
	}
}

// errKind names the settlement error category for table assertions.
func errKind(err error) string {
	var (
		auth   *core.AuthorizationError
		stale  *core.StaleOrderError
		policy *core.PolicyError
		match  *core.MatchError
		xfer   *core.TransferError
		state  *core.StateError
	)
	switch {
	case err == nil:
		return "nil"
	case errors.As(err, &auth):
		return "authorization"
	case errors.As(err, &stale):
		return "stale"
	case errors.As(err, &policy):
		return "policy"
	case errors.As(err, &match):
		return "match"
	case errors.As(err, &xfer):
		return "transfer"
	case errors.As(err, &state):
		return "state"
	default:
		return "unknown"
	}
}

func TestSettlePreconditions(t *testing.T) {
	stranger := common.HexToAddress("0x000000000000000000000000000000000000dead")

	cases := []struct {
		name string
		// mutate returns the caller for the settlement attempt.
		mutate func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address
		want   string
	}{
		{
			name: "unapproved caller",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				taker.Taker = stranger
				return stranger
			},
			want: "authorization",
		},
		{
			name: "sides not opposite",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				taker.Side = core.SideAsk
				return f.borrower.Address()
			},
			want: "match",
		},
		{
			name: "caller is not declared taker",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				return f.lender.Address()
			},
			want: "match",
		},
		{
			name: "nonce below watermark",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				if err := f.engine.CancelAllBelow(f.lender.Address(), maker.Nonce+1); err != nil {
					f.t.Fatalf("cancel all below: %v", err)
				}
				return f.borrower.Address()
			},
			want: "stale",
		},
		{
			name: "nonce cancelled individually",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				if err := f.engine.CancelNonces(f.lender.Address(), []uint64{maker.Nonce}); err != nil {
					f.t.Fatalf("cancel nonces: %v", err)
				}
				return f.borrower.Address()
			},
			want: "stale",
		},
		{
			name: "before start time",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				maker.StartTime = f.clock.Now().Unix() + 10
				f.sign(f.lender, maker)
				return f.borrower.Address()
			},
			want: "stale",
		},
		{
			name: "after end time",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				maker.EndTime = f.clock.Now().Unix() - 10
				f.sign(f.lender, maker)
				return f.borrower.Address()
			},
			want: "stale",
		},
		{
			name: "null signer",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				maker.Signer = common.Address{}
				return f.borrower.Address()
			},
			want: "authorization",
		},
		{
			name: "zero price",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				maker.Config.PricePerHour = big.NewInt(0)
				taker.PricePerHour = big.NewInt(0)
				f.sign(f.lender, maker)
				return f.borrower.Address()
			},
			want: "match",
		},
		{
			name: "tampered order",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				maker.Config.PricePerHour = big.NewInt(1)
				taker.PricePerHour = big.NewInt(1)
				return f.borrower.Address()
			},
			want: "authorization",
		},
		{
			name: "currency not allowlisted",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				f.currencies.Remove(usdAddr)
				return f.borrower.Address()
			},
			want: "policy",
		},
		{
			name: "strategy not allowlisted",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				maker.Strategy = common.HexToAddress("0x00000000000000000000000000000000000beef5")
				f.sign(f.lender, maker)
				return f.borrower.Address()
			},
			want: "policy",
		},
		{
			name: "price mismatch",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				taker.PricePerHour = big.NewInt(9_999)
				return f.borrower.Address()
			},
			want: "match",
		},
		{
			name: "duration above maximum",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				taker.NumHours = 5
				return f.borrower.Address()
			},
			want: "match",
		},
		{
			name: "no token ledger for currency",
			mutate: func(f *fixture, taker *core.TakerOrder, maker *core.MakerOrder) common.Address {
				ghost := common.HexToAddress("0x0000000000000000000000000000000000010003")
				f.currencies.Add(ghost)
				maker.Config.Currency = ghost
				f.sign(f.lender, maker)
				return f.borrower.Address()
			},
			want: "transfer",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.usd.Mint(f.borrower.Address(), big.NewInt(100_000))
			f.usd.Approve(f.borrower.Address(), exchangeAddr)

			maker := f.makerAsk(f.lender, 1, usdAddr)
			taker := counterOrder(f.borrower.Address(), maker, 3)
			caller := tc.mutate(f, taker, maker)

			_, err := f.engine.SettleAskWithToken(caller, taker, maker)
			if got := errKind(err); got != tc.want {
				t.Fatalf("error kind = %s (%v), want %s", got, err, tc.want)
			}
			checkBalance(t, f.usd, f.borrower.Address(), 100_000)
		})
	}
}

func TestSettleRejectsOverflowingDuration(t *testing.T) {
	f := newFixture(t)
	f.usd.Mint(f.borrower.Address(), big.NewInt(40_000_000_000))
	f.usd.Approve(f.borrower.Address(), exchangeAddr)

	// 3M hours at 10_000/hour passes every order invariant but its expiry
	// cannot be represented; it must fail whole, not mint a receipt whose
	// expiry wrapped into the past.
	maker := f.makerAsk(f.lender, 1, usdAddr)
	maker.Config.MaxHours = 4_000_000
	f.sign(f.lender, maker)
	taker := counterOrder(f.borrower.Address(), maker, 3_000_000)

	_, err := f.engine.SettleAskWithToken(f.borrower.Address(), taker, maker)
	if got := errKind(err); got != "match" {
		t.Fatalf("error kind = %s (%v), want match", got, err)
	}
	checkBalance(t, f.usd, f.borrower.Address(), 40_000_000_000)
	checkBalance(t, f.usd, f.lender.Address(), 0)
	checkHolding(t, f.unique, f.lender.Address(), 1)
	if f.engine.IsNonceUsed(maker.Signer, maker.Nonce) {
		t.Error("nonce should be released on rollback")
	}
	if _, err := f.ledger.GetData(1); err == nil {
		t.Error("no receipt should exist after the rejected settlement")
	}
}

func TestRollbackOnAssetTransferFailure(t *testing.T) {
	f := newFixture(t)
	f.usd.Mint(f.borrower.Address(), big.NewInt(100_000))
	f.usd.Approve(f.borrower.Address(), exchangeAddr)

	// Asset 99 was never deposited with the custody backend, so the funds
	// move and then the delivery fails.
	maker := f.makerAsk(f.lender, 1, usdAddr)
	maker.Config.Target.AssetID = big.NewInt(99)
	f.sign(f.lender, maker)
	taker := counterOrder(f.borrower.Address(), maker, 3)

	_, err := f.engine.SettleAskWithToken(f.borrower.Address(), taker, maker)
	if got := errKind(err); got != "transfer" {
		t.Fatalf("error kind = %s (%v), want transfer", got, err)
	}

	checkBalance(t, f.usd, f.borrower.Address(), 100_000)
	checkBalance(t, f.usd, f.lender.Address(), 0)
	checkBalance(t, f.usd, feeAddr, 0)
	if f.engine.IsNonceUsed(maker.Signer, maker.Nonce) {
		t.Error("nonce should be released on rollback")
	}
	if _, err := f.ledger.GetData(1); err == nil {
		t.Error("no receipt should survive a failed settlement")
	}
}

func TestRollbackOnUnapprovedReceiver(t *testing.T) {
	f := newFixture(t)
	f.usd.Mint(f.borrower.Address(), big.NewInt(100_000))
	f.usd.Approve(f.borrower.Address(), exchangeAddr)

	// Bid path: the caller (lender) is approved, but the receiving wallet
	// (the maker who signed the bid) lost approval after signing.
	maker := f.makerBid(f.borrower, 1, usdAddr)
	taker := counterOrder(f.lender.Address(), maker, 2)
	f.wallets.Revoke(f.borrower.Address())

	_, err := f.engine.SettleBidWithToken(f.lender.Address(), taker, maker)
	if got := errKind(err); got != "authorization" {
		t.Fatalf("error kind = %s (%v), want authorization", got, err)
	}

	checkBalance(t, f.usd, f.borrower.Address(), 100_000)
	checkBalance(t, f.usd, f.lender.Address(), 0)
	checkBalance(t, f.usd, feeAddr, 0)
	checkHolding(t, f.unique, f.lender.Address(), 1)
	if f.engine.IsNonceUsed(maker.Signer, maker.Nonce) {
		t.Error("nonce should be released on rollback")
	}
}

func TestRollbackOnNativeShortfallFailure(t *testing.T) {
	f := newFixture(t)
	// No wrapped balance and no approval: the top-up pull must fail and the
	// already-marked nonce must be released.
	maker := f.makerAsk(f.lender, 1, wethAddr)
	taker := counterOrder(f.borrower.Address(), maker, 3)

	_, err := f.engine.SettleAskWithNative(f.borrower.Address(), big.NewInt(10_000), taker, maker)
	if got := errKind(err); got != "transfer" {
		t.Fatalf("error kind = %s (%v), want transfer", got, err)
	}
	if f.engine.IsNonceUsed(maker.Signer, maker.Nonce) {
		t.Error("nonce should be released on rollback")
	}

	// The same order still settles once the taker is funded.
	f.weth.Mint(f.borrower.Address(), big.NewInt(20_000))
	f.weth.Approve(f.borrower.Address(), exchangeAddr)
	if _, err := f.engine.SettleAskWithNative(f.borrower.Address(), big.NewInt(10_000), taker, maker); err != nil {
		t.Fatalf("retry after funding: %v", err)
	}
}

func TestCancelAllBelow(t *testing.T) {
	f := newFixture(t)
	signer := f.lender.Address()

	if err := f.engine.CancelAllBelow(signer, 5); err != nil {
		t.Fatalf("raise watermark: %v", err)
	}
	if got := f.engine.MinNonce(signer); got != 5 {
		t.Fatalf("watermark = %d, want 5", got)
	}

	// Never decreases and never stays put.
	for _, n := range []uint64{5, 4, 0} {
		if err := f.engine.CancelAllBelow(signer, n); errKind(err) != "state" {
			t.Errorf("non-increasing watermark %d: error = %v, want state error", n, err)
		}
	}
	// A jump past the bound is rejected.
	if err := f.engine.CancelAllBelow(signer, 5+500_001); errKind(err) != "state" {
		t.Errorf("oversized jump: error = %v, want state error", err)
	}
	// A jump exactly at the bound is allowed.
	if err := f.engine.CancelAllBelow(signer, 5+500_000); err != nil {
		t.Errorf("maximal jump: %v", err)
	}
	if f.emitted.countType(events.TypeOrderCancelledBulk) != 2 {
		t.Error("each accepted watermark raise should emit one event")
	}
}

func TestCancelAllBelowNearMaxNonce(t *testing.T) {
	f := newFixture(t)
	signer := f.lender.Address()

	// A watermark near the top of the range must still accept a small raise;
	// the bound check may not wrap around.
	f.nonces.SetMinNonce(signer, math.MaxUint64-2)
	if err := f.engine.CancelAllBelow(signer, math.MaxUint64); err != nil {
		t.Fatalf("raise near max: %v", err)
	}
	if got := f.engine.MinNonce(signer); got != math.MaxUint64 {
		t.Fatalf("watermark = %d, want %d", got, uint64(math.MaxUint64))
	}
}

func TestCancelAllBelowInvalidatesOrders(t *testing.T) {
	f := newFixture(t)
	f.usd.Mint(f.borrower.Address(), big.NewInt(100_000))
	f.usd.Approve(f.borrower.Address(), exchangeAddr)

	maker := f.makerAsk(f.lender, 3, usdAddr)
	taker := counterOrder(f.borrower.Address(), maker, 3)

	if err := f.engine.CancelAllBelow(f.lender.Address(), 4); err != nil {
		t.Fatalf("cancel all below: %v", err)
	}
	if _, err := f.engine.SettleAskWithToken(f.borrower.Address(), taker, maker); errKind(err) != "stale" {
		t.Fatalf("settling below watermark: error = %v, want stale", err)
	}

	// A nonce at the watermark remains live.
	live := f.makerAsk(f.lender, 4, usdAddr)
	if _, err := f.engine.SettleAskWithToken(f.borrower.Address(), counterOrder(f.borrower.Address(), live, 3), live); err != nil {
		t.Fatalf("settling at watermark: %v", err)
	}
}

func TestCancelNonces(t *testing.T) {
	f := newFixture(t)
	f.usd.Mint(f.borrower.Address(), big.NewInt(100_000))
	f.usd.Approve(f.borrower.Address(), exchangeAddr)
	signer := f.lender.Address()

	if err := f.engine.CancelNonces(signer, nil); errKind(err) != "state" {
		t.Fatalf("empty batch: error = %v, want state error", err)
	}

	if err := f.engine.CancelNonces(signer, []uint64{7, 9}); err != nil {
		t.Fatalf("cancel nonces: %v", err)
	}
	if !f.engine.IsNonceUsed(signer, 7) || !f.engine.IsNonceUsed(signer, 9) {
		t.Fatal("cancelled nonces should be flagged")
	}

	cancelled := f.makerAsk(f.lender, 7, usdAddr)
	if _, err := f.engine.SettleAskWithToken(f.borrower.Address(), counterOrder(f.borrower.Address(), cancelled, 3), cancelled); errKind(err) != "stale" {
		t.Fatalf("settling cancelled nonce: error = %v, want stale", err)
	}

	// The untouched nonce between them still settles.
	live := f.makerAsk(f.lender, 8, usdAddr)
	if _, err := f.engine.SettleAskWithToken(f.borrower.Address(), counterOrder(f.borrower.Address(), live, 3), live); err != nil {
		t.Fatalf("settling untouched nonce: %v", err)
	}

	// Nonces below the watermark cannot be flagged; they are already dead.
	if err := f.engine.CancelAllBelow(signer, 20); err != nil {
		t.Fatalf("raise watermark: %v", err)
	}
	if err := f.engine.CancelNonces(signer, []uint64{21, 19}); errKind(err) != "state" {
		t.Fatalf("batch with sub-watermark nonce: error = %v, want state error", err)
	}
	if f.emitted.countType(events.TypeOrdersCancelledSpecific) != 1 {
		t.Error("only the accepted batch should emit an event")
	}
}

func TestFeeSkippedWithoutRecipient(t *testing.T) {
	f := newFixture(t)
	f.engine = f.buildEngine(Config{Self: exchangeAddr, MaxNonceJump: 500_000})
	f.usd.Mint(f.borrower.Address(), big.NewInt(100_000))
	f.usd.Approve(f.borrower.Address(), exchangeAddr)

	maker := f.makerAsk(f.lender, 1, usdAddr)
	taker := counterOrder(f.borrower.Address(), maker, 3)

	if _, err := f.engine.SettleAskWithToken(f.borrower.Address(), taker, maker); err != nil {
		t.Fatalf("settle: %v", err)
	}
	checkBalance(t, f.usd, f.lender.Address(), 30_000)
	checkBalance(t, f.usd, feeAddr, 0)
}

func TestReceiptIDsIncreaseAcrossSettlements(t *testing.T) {
	f := newFixture(t)
	f.usd.Mint(f.borrower.Address(), big.NewInt(100_000))
	f.usd.Approve(f.borrower.Address(), exchangeAddr)
	f.unique.Deposit(collectionA, f.lender.Address(), big.NewInt(43), big.NewInt(1))

	first := f.makerAsk(f.lender, 1, usdAddr)
	id1, err := f.engine.SettleAskWithToken(f.borrower.Address(), counterOrder(f.borrower.Address(), first, 1), first)
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}

	second := f.makerAsk(f.lender, 2, usdAddr)
	second.Config.Target.AssetID = big.NewInt(43)
	f.sign(f.lender, second)
	id2, err := f.engine.SettleAskWithToken(f.borrower.Address(), counterOrder(f.borrower.Address(), second, 1), second)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("receipt ids must increase: got %d then %d", id1, id2)
	}
}

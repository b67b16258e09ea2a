package exchange

import (
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/oxrent/rentex/pkg/core"
	"github.com/oxrent/rentex/pkg/crypto"
	"github.com/oxrent/rentex/pkg/events"
	"github.com/oxrent/rentex/pkg/strategy"
	"github.com/oxrent/rentex/pkg/transfer"
	"github.com/oxrent/rentex/pkg/util"
)

// Collaborator capabilities the engine consumes. Concrete implementations
// live in pkg/currency, pkg/wallet, pkg/transfer, pkg/strategy, pkg/receipt;
// the engine only needs these slices of them.

type CurrencyAllowlist interface {
	IsCurrencyAllowed(currency common.Address) bool
}

type StrategyRegistry interface {
	IsStrategyAllowed(id common.Address) bool
	Resolve(id common.Address) (strategy.Strategy, bool)
}

type WalletOracle interface {
	IsWalletApproved(wallet common.Address) bool
}

type TransferSelector interface {
	BackendFor(collection common.Address) (transfer.Backend, bool)
}

type FungibleToken interface {
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
}

// WrappedCurrency is the wrapped-native facility: a fungible token that can
// absorb native value carried with a settlement call.
type WrappedCurrency interface {
	FungibleToken
	Address() common.Address
	Deposit(holder common.Address, amount *big.Int) error
	Withdraw(holder common.Address, amount *big.Int) error
}

// TokenResolver maps a currency id to its fungible token ledger.
type TokenResolver interface {
	ResolveToken(currency common.Address) (FungibleToken, bool)
}

// ReceiptMinter is the slice of the receipt ledger the engine drives.
type ReceiptMinter interface {
	Mint(caller, owner, custodian, collection common.Address, assetID, quantity *big.Int, expiry int64) (uint64, error)
	Unmint(caller common.Address, id uint64) error
}

// Config carries the deployment constants the engine needs.
type Config struct {
	// Self is the engine's own identity: receipt minter, token spender, and
	// the verifying contract of the signing domain.
	Self common.Address

	// FeeRecipient receives the protocol fee. Zero disables fee collection.
	FeeRecipient common.Address

	// MaxNonceJump bounds a single bulk-cancellation watermark raise.
	MaxNonceJump uint64
}

// Engine validates maker/taker pairs and settles them atomically: fee-split
// fund transfer, asset custody move, receipt mint, audit events. It owns the
// nonce-based replay and cancellation state.
type Engine struct {
	cfg        Config
	hasher     *crypto.OrderHasher
	currencies CurrencyAllowlist
	strategies StrategyRegistry
	wallets    WalletOracle
	selector   TransferSelector
	wrapped    WrappedCurrency
	tokens     TokenResolver
	nonces     NonceStore
	receipts   ReceiptMinter
	clock      util.Clock
	emitter    events.Emitter
	log        *zap.SugaredLogger

	// mu serializes every settlement and cancellation call: the call guard
	// that, together with marking nonces before transfer effects, closes the
	// replay window.
	mu sync.Mutex
}

func NewEngine(
	cfg Config,
	hasher *crypto.OrderHasher,
	currencies CurrencyAllowlist,
	strategies StrategyRegistry,
	wallets WalletOracle,
	selector TransferSelector,
	wrapped WrappedCurrency,
	tokens TokenResolver,
	nonces NonceStore,
	receipts ReceiptMinter,
	clock util.Clock,
	emitter events.Emitter,
	log *zap.SugaredLogger,
) *Engine {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		cfg:        cfg,
		hasher:     hasher,
		currencies: currencies,
		strategies: strategies,
		wallets:    wallets,
		selector:   selector,
		wrapped:    wrapped,
		tokens:     tokens,
		nonces:     nonces,
		receipts:   receipts,
		clock:      clock,
		emitter:    emitter,
		log:        log,
	}
}

// journal collects undo actions for the current call so that any failure
// leaves no partial effect.
type journal struct {
	undos []func() error
	log   *zap.SugaredLogger
}

func (j *journal) record(undo func() error) {
	j.undos = append(j.undos, undo)
}

func (j *journal) rollback() {
	for i := len(j.undos) - 1; i >= 0; i-- {
		if err := j.undos[i](); err != nil {
			// An undo can only fail if a collaborator mutated state outside
			// this call, which the serialization lock forbids.
			j.log.Errorw("settlement_rollback_failed", "err", err)
		}
	}
}

// SettleAskWithNative settles a taker bid against a maker ask, paying with
// native value topped up from the taker's wrapped balance when undersupplied.
// nativeAmount above the computed price is rejected unless exactly equal.
func (e *Engine) SettleAskWithNative(caller common.Address, nativeAmount *big.Int, taker *core.TakerOrder, maker *core.MakerOrder) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if nativeAmount == nil || nativeAmount.Sign() < 0 {
		return 0, &core.MatchError{Reason: "invalid native amount"}
	}

	strat, orderHash, assetID, quantity, err := e.validatePair(caller, taker, maker, core.SideBid, true)
	if err != nil {
		return 0, err
	}

	totalPrice := taker.TotalPrice()
	if nativeAmount.Cmp(totalPrice) > 0 {
		return 0, &core.MatchError{Reason: fmt.Sprintf("native amount %s exceeds price %s", nativeAmount, totalPrice)}
	}

	j := &journal{log: e.log}
	if err := e.consumeNonce(j, maker); err != nil {
		return 0, err
	}

	// Top up the shortfall from the taker's wrapped balance, then wrap the
	// native value; fee and remainder are both paid from the wrapped side.
	shortfall := new(big.Int).Sub(totalPrice, nativeAmount)
	if shortfall.Sign() > 0 {
		if err := e.wrapped.TransferFrom(e.cfg.Self, taker.Taker, e.cfg.Self, shortfall); err != nil {
			j.rollback()
			return 0, &core.TransferError{Reason: fmt.Sprintf("wrapped top-up rejected: %v", err)}
		}
		j.record(func() error { return e.wrapped.Transfer(e.cfg.Self, taker.Taker, shortfall) })
	}
	if nativeAmount.Sign() > 0 {
		if err := e.wrapped.Deposit(e.cfg.Self, nativeAmount); err != nil {
			j.rollback()
			return 0, &core.TransferError{Reason: fmt.Sprintf("native deposit rejected: %v", err)}
		}
		j.record(func() error { return e.wrapped.Withdraw(e.cfg.Self, nativeAmount) })
	}

	feeAmount, payeeAmount := splitFee(totalPrice, strat.FeeRateBps())
	if err := e.payFromSelf(j, e.wrapped, feeAmount, payeeAmount, maker.Signer); err != nil {
		j.rollback()
		return 0, err
	}

	receiptID, err := e.deliverAndMint(j, maker, taker, maker.Signer, taker.Taker, assetID, quantity)
	if err != nil {
		j.rollback()
		return 0, err
	}

	e.emitMatch(events.TypeAskMatched, events.TypeTakerBidFilled, orderHash, maker, taker, assetID, quantity, receiptID, totalPrice, feeAmount)
	return receiptID, nil
}

// SettleAskWithToken settles a taker bid against a maker ask, paying entirely
// in the order's currency token pulled from the taker.
func (e *Engine) SettleAskWithToken(caller common.Address, taker *core.TakerOrder, maker *core.MakerOrder) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	strat, orderHash, assetID, quantity, err := e.validatePair(caller, taker, maker, core.SideBid, false)
	if err != nil {
		return 0, err
	}
	token, ok := e.tokens.ResolveToken(maker.Config.Currency)
	if !ok {
		return 0, &core.TransferError{Reason: fmt.Sprintf("no token ledger for currency %s", maker.Config.Currency.Hex())}
	}

	j := &journal{log: e.log}
	if err := e.consumeNonce(j, maker); err != nil {
		return 0, err
	}

	totalPrice := taker.TotalPrice()
	feeAmount, payeeAmount := splitFee(totalPrice, strat.FeeRateBps())
	if err := e.payFrom(j, token, taker.Taker, feeAmount, payeeAmount, maker.Signer); err != nil {
		j.rollback()
		return 0, err
	}

	receiptID, err := e.deliverAndMint(j, maker, taker, maker.Signer, taker.Taker, assetID, quantity)
	if err != nil {
		j.rollback()
		return 0, err
	}

	e.emitMatch(events.TypeAskMatched, events.TypeTakerBidFilled, orderHash, maker, taker, assetID, quantity, receiptID, totalPrice, feeAmount)
	return receiptID, nil
}

// SettleBidWithToken settles a taker ask against a maker bid: the asset flows
// from the taker (lender) to the maker signer (borrower), funds flow from the
// maker signer to the taker.
func (e *Engine) SettleBidWithToken(caller common.Address, taker *core.TakerOrder, maker *core.MakerOrder) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	strat, orderHash, assetID, quantity, err := e.validatePair(caller, taker, maker, core.SideAsk, false)
	if err != nil {
		return 0, err
	}
	token, ok := e.tokens.ResolveToken(maker.Config.Currency)
	if !ok {
		return 0, &core.TransferError{Reason: fmt.Sprintf("no token ledger for currency %s", maker.Config.Currency.Hex())}
	}

	j := &journal{log: e.log}
	if err := e.consumeNonce(j, maker); err != nil {
		return 0, err
	}

	totalPrice := taker.TotalPrice()
	feeAmount, payeeAmount := splitFee(totalPrice, strat.FeeRateBps())
	if err := e.payFrom(j, token, maker.Signer, feeAmount, payeeAmount, taker.Taker); err != nil {
		j.rollback()
		return 0, err
	}

	// Lender is the taker here; custody moves taker -> maker signer.
	receiptID, err := e.deliverAndMint(j, maker, taker, taker.Taker, maker.Signer, assetID, quantity)
	if err != nil {
		j.rollback()
		return 0, err
	}

	e.emitMatch(events.TypeBidMatched, events.TypeTakerAskFilled, orderHash, maker, taker, assetID, quantity, receiptID, totalPrice, feeAmount)
	return receiptID, nil
}

// CancelAllBelow raises the caller's minimum-nonce watermark, invalidating
// every maker order with a lower nonce. The jump is bounded to MaxNonceJump.
func (e *Engine) CancelAllBelow(caller common.Address, newMinNonce uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.nonces.MinNonce(caller)
	if newMinNonce <= cur {
		return &core.StateError{Reason: fmt.Sprintf("new minimum nonce %d must exceed current %d", newMinNonce, cur)}
	}
	// newMinNonce > cur here, so the subtraction cannot wrap.
	if newMinNonce-cur > e.cfg.MaxNonceJump {
		return &core.StateError{Reason: fmt.Sprintf("nonce jump %d exceeds maximum %d", newMinNonce-cur, e.cfg.MaxNonceJump)}
	}
	e.nonces.SetMinNonce(caller, newMinNonce)

	e.emitter.Emit(events.TopicOrders, events.BulkCancelEvent{
		Type:        events.TypeOrderCancelledBulk,
		Signer:      caller.Hex(),
		NewMinNonce: newMinNonce,
	})
	return nil
}

// CancelNonces flags individual nonces as cancelled. Every nonce must be at
// or above the caller's watermark; below it they are already dead.
func (e *Engine) CancelNonces(caller common.Address, nonces []uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(nonces) == 0 {
		return &core.StateError{Reason: "empty cancellation batch"}
	}
	min := e.nonces.MinNonce(caller)
	for _, n := range nonces {
		if n < min {
			return &core.StateError{Reason: fmt.Sprintf("nonce %d below watermark %d", n, min)}
		}
	}
	for _, n := range nonces {
		e.nonces.SetUsed(caller, n)
	}

	e.emitter.Emit(events.TopicOrders, events.SpecificCancelEvent{
		Type:   events.TypeOrdersCancelledSpecific,
		Signer: caller.Hex(),
		Nonces: nonces,
	})
	return nil
}

// MinNonce exposes the caller-visible watermark, for clients picking nonces.
func (e *Engine) MinNonce(signer common.Address) uint64 {
	return e.nonces.MinNonce(signer)
}

// IsNonceUsed reports whether a nonce has been consumed or cancelled.
func (e *Engine) IsNonceUsed(signer common.Address, nonce uint64) bool {
	return e.nonces.IsUsed(signer, nonce)
}

// validatePair runs the shared precondition chain in its fixed order and
// returns the resolved strategy, order hash, and the strategy's transfer
// parameters. takerSide is the side the taker must hold for this entry
// point; requireWrapped pins the order currency to the wrapped native token
// on the native settlement path. First failure wins.
func (e *Engine) validatePair(caller common.Address, taker *core.TakerOrder, maker *core.MakerOrder, takerSide core.Side, requireWrapped bool) (strategy.Strategy, []byte, *big.Int, *big.Int, error) {
	if !e.wallets.IsWalletApproved(caller) {
		return nil, nil, nil, nil, &core.AuthorizationError{Reason: fmt.Sprintf("wallet %s not approved", caller.Hex())}
	}
	if taker.Side != takerSide || maker.Side != takerSide.Opposite() {
		return nil, nil, nil, nil, &core.MatchError{Reason: fmt.Sprintf("sides must be opposite, got taker=%s maker=%s", taker.Side, maker.Side)}
	}
	if requireWrapped && maker.Config.Currency != e.wrapped.Address() {
		return nil, nil, nil, nil, &core.PolicyError{Reason: "native settlement requires the wrapped native currency"}
	}
	if caller != taker.Taker {
		return nil, nil, nil, nil, &core.MatchError{Reason: "caller is not the declared taker"}
	}

	orderHash, err := e.validateMakerOrder(maker)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	strat, ok := e.strategies.Resolve(maker.Strategy)
	if !ok {
		return nil, nil, nil, nil, &core.PolicyError{Reason: fmt.Sprintf("strategy %s not allowlisted", maker.Strategy.Hex())}
	}

	var compatible bool
	var assetID, quantity *big.Int
	if takerSide == core.SideBid {
		compatible, assetID, quantity = strat.CheckTakerBidAgainstMakerAsk(taker, maker)
	} else {
		compatible, assetID, quantity = strat.CheckTakerAskAgainstMakerBid(taker, maker)
	}
	if !compatible {
		return nil, nil, nil, nil, &core.MatchError{Reason: "strategy rejected the maker/taker pair"}
	}
	return strat, orderHash, assetID, quantity, nil
}

// validateMakerOrder checks the standing order's validity invariants and
// returns its canonical hash.
func (e *Engine) validateMakerOrder(maker *core.MakerOrder) ([]byte, error) {
	if maker.Nonce < e.nonces.MinNonce(maker.Signer) {
		return nil, &core.StaleOrderError{Reason: fmt.Sprintf("nonce %d below watermark %d", maker.Nonce, e.nonces.MinNonce(maker.Signer))}
	}
	if e.nonces.IsUsed(maker.Signer, maker.Nonce) {
		return nil, &core.StaleOrderError{Reason: fmt.Sprintf("nonce %d already executed or cancelled", maker.Nonce)}
	}
	if now := e.clock.Now().Unix(); now < maker.StartTime || now > maker.EndTime {
		return nil, &core.StaleOrderError{Reason: fmt.Sprintf("order window [%d, %d] does not contain now=%d", maker.StartTime, maker.EndTime, now)}
	}
	if maker.Signer == (common.Address{}) {
		return nil, &core.AuthorizationError{Reason: "order signer is the null address"}
	}
	if err := maker.Config.Validate(); err != nil {
		return nil, &core.MatchError{Reason: fmt.Sprintf("invalid rental config: %v", err)}
	}

	orderHash, err := e.hasher.HashOrder(maker)
	if err != nil {
		return nil, &core.AuthorizationError{Reason: fmt.Sprintf("order not hashable: %v", err)}
	}
	if !crypto.VerifySignature(maker.Signer, orderHash, maker.Signature) {
		return nil, &core.AuthorizationError{Reason: "signature does not match order signer"}
	}

	if !e.currencies.IsCurrencyAllowed(maker.Config.Currency) {
		return nil, &core.PolicyError{Reason: fmt.Sprintf("currency %s not allowlisted", maker.Config.Currency.Hex())}
	}
	if !e.strategies.IsStrategyAllowed(maker.Strategy) {
		return nil, &core.PolicyError{Reason: fmt.Sprintf("strategy %s not allowlisted", maker.Strategy.Hex())}
	}
	return orderHash, nil
}

// consumeNonce marks the maker's nonce executed. This is always the first
// journaled effect so no transfer can be observed before replay is blocked.
func (e *Engine) consumeNonce(j *journal, maker *core.MakerOrder) error {
	signer, nonce := maker.Signer, maker.Nonce
	e.nonces.SetUsed(signer, nonce)
	j.record(func() error {
		e.nonces.ClearUsed(signer, nonce)
		return nil
	})
	return nil
}

// payFromSelf pays fee and remainder out of the engine's own balance.
func (e *Engine) payFromSelf(j *journal, token FungibleToken, feeAmount, payeeAmount *big.Int, payee common.Address) error {
	if e.cfg.FeeRecipient != (common.Address{}) && feeAmount.Sign() > 0 {
		if err := token.Transfer(e.cfg.Self, e.cfg.FeeRecipient, feeAmount); err != nil {
			return &core.TransferError{Reason: fmt.Sprintf("fee transfer rejected: %v", err)}
		}
		j.record(func() error { return token.Transfer(e.cfg.FeeRecipient, e.cfg.Self, feeAmount) })
	}
	if err := token.Transfer(e.cfg.Self, payee, payeeAmount); err != nil {
		return &core.TransferError{Reason: fmt.Sprintf("payment rejected: %v", err)}
	}
	j.record(func() error { return token.Transfer(payee, e.cfg.Self, payeeAmount) })
	return nil
}

// payFrom pulls fee and remainder from payer's balance. The payer must have
// approved the engine as an operator on the token.
func (e *Engine) payFrom(j *journal, token FungibleToken, payer common.Address, feeAmount, payeeAmount *big.Int, payee common.Address) error {
	if e.cfg.FeeRecipient != (common.Address{}) && feeAmount.Sign() > 0 {
		if err := token.TransferFrom(e.cfg.Self, payer, e.cfg.FeeRecipient, feeAmount); err != nil {
			return &core.TransferError{Reason: fmt.Sprintf("fee transfer rejected: %v", err)}
		}
		j.record(func() error { return token.Transfer(e.cfg.FeeRecipient, payer, feeAmount) })
	}
	if err := token.TransferFrom(e.cfg.Self, payer, payee, payeeAmount); err != nil {
		return &core.TransferError{Reason: fmt.Sprintf("payment rejected: %v", err)}
	}
	j.record(func() error { return token.Transfer(payee, payer, payeeAmount) })
	return nil
}

// deliverAndMint moves custody lender -> borrower and mints the receipt
// proving the lender's reclaim right. The receiving wallet (and only it) is
// re-checked against the approval oracle before custody moves.
func (e *Engine) deliverAndMint(j *journal, maker *core.MakerOrder, taker *core.TakerOrder, lender, borrower common.Address, assetID, quantity *big.Int) (uint64, error) {
	// Expiry is computed in unix seconds; a duration whose expiry cannot be
	// represented must never mint a receipt that is already redeemable.
	const secondsPerHour = 3600
	now := e.clock.Now().Unix()
	if taker.NumHours > uint64((math.MaxInt64-now)/secondsPerHour) {
		return 0, &core.MatchError{Reason: fmt.Sprintf("rental duration %d hours overflows expiry", taker.NumHours)}
	}
	expiry := now + int64(taker.NumHours)*secondsPerHour

	if !e.wallets.IsWalletApproved(borrower) {
		return 0, &core.AuthorizationError{Reason: fmt.Sprintf("receiving wallet %s not approved", borrower.Hex())}
	}

	collection := maker.Config.Target.Collection
	backend, ok := e.selector.BackendFor(collection)
	if !ok {
		return 0, &core.TransferError{Reason: fmt.Sprintf("no transfer backend for collection %s", collection.Hex())}
	}
	if err := backend.TransferAsset(collection, lender, borrower, assetID, quantity); err != nil {
		return 0, &core.TransferError{Reason: fmt.Sprintf("asset transfer rejected: %v", err)}
	}
	j.record(func() error { return backend.TransferAsset(collection, borrower, lender, assetID, quantity) })

	receiptID, err := e.receipts.Mint(e.cfg.Self, lender, borrower, collection, assetID, quantity, expiry)
	if err != nil {
		return 0, fmt.Errorf("mint receipt: %w", err)
	}
	j.record(func() error { return e.receipts.Unmint(e.cfg.Self, receiptID) })
	return receiptID, nil
}

func (e *Engine) emitMatch(matchType, fillType string, orderHash []byte, maker *core.MakerOrder, taker *core.TakerOrder, assetID, quantity *big.Int, receiptID uint64, totalPrice, feeAmount *big.Int) {
	hashHex := hexutil.Encode(orderHash)
	e.emitter.Emit(events.TopicOrders, events.MatchEvent{
		Type:       matchType,
		OrderHash:  hashHex,
		Maker:      maker.Signer.Hex(),
		Nonce:      maker.Nonce,
		Strategy:   maker.Strategy.Hex(),
		Currency:   maker.Config.Currency.Hex(),
		Collection: maker.Config.Target.Collection.Hex(),
		AssetID:    assetID.String(),
		Quantity:   quantity.String(),
		ReceiptID:  receiptID,
	})
	e.emitter.Emit(events.TopicOrders, events.FillEvent{
		Type:         fillType,
		OrderHash:    hashHex,
		Taker:        taker.Taker.Hex(),
		PricePerHour: taker.PricePerHour.String(),
		NumHours:     taker.NumHours,
		TotalPrice:   totalPrice.String(),
		FeeAmount:    feeAmount.String(),
	})
	e.log.Infow("settled",
		"match", matchType,
		"orderHash", hashHex,
		"maker", maker.Signer.Hex(),
		"taker", taker.Taker.Hex(),
		"receipt", receiptID,
	)
}

// splitFee computes the protocol fee with floor division; the rounding
// remainder always goes to the payee, never the fee recipient.
func splitFee(totalPrice *big.Int, feeRateBps uint64) (fee, payee *big.Int) {
	fee = new(big.Int).Mul(totalPrice, new(big.Int).SetUint64(feeRateBps))
	fee.Div(fee, big.NewInt(10_000))
	payee = new(big.Int).Sub(totalPrice, fee)
	return fee, payee
}

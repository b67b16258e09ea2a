package receipt

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/oxrent/rentex/pkg/core"
	"github.com/oxrent/rentex/pkg/events"
	"github.com/oxrent/rentex/pkg/transfer"
	"github.com/oxrent/rentex/pkg/util"
)

// Receipt binds a rented asset to its custodian (the borrower) and the
// expiry after which the current owner may reclaim it. The owner is
// initially the lender, but ownership is freely transferable.
type Receipt struct {
	ID         uint64         `json:"id"`
	Owner      common.Address `json:"owner"`
	Delegate   common.Address `json:"delegate"` // zero = none
	Custodian  common.Address `json:"custodian"`
	Collection common.Address `json:"collection"`
	AssetID    *big.Int       `json:"assetId"`
	Quantity   *big.Int       `json:"quantity"`
	Expiry     int64          `json:"expiry"` // unix seconds
}

// Store mirrors live receipts and the id counter onto durable storage.
type Store interface {
	SaveReceipt(r *Receipt) error
	DeleteReceipt(id uint64) error
	SaveReceiptSeq(seq uint64) error
	LoadReceipts() ([]*Receipt, uint64, error)
}

// Ledger tracks live receipts. Minting is restricted to the settlement
// engine's identity; redemption is gated on expiry and ownership.
type Ledger struct {
	exchange common.Address
	selector *transfer.Selector
	clock    util.Clock
	emitter  events.Emitter
	store    Store // optional

	mu       sync.Mutex
	seq      uint64
	receipts map[uint64]*Receipt
}

// NewLedger builds a ledger whose Mint only accepts calls from exchange.
// store may be nil for a purely in-memory ledger.
func NewLedger(exchange common.Address, selector *transfer.Selector, clock util.Clock, emitter events.Emitter, store Store) (*Ledger, error) {
	if emitter == nil {
		emitter = events.Nop{}
	}
	l := &Ledger{
		exchange: exchange,
		selector: selector,
		clock:    clock,
		emitter:  emitter,
		store:    store,
		receipts: make(map[uint64]*Receipt),
	}
	if store != nil {
		rs, seq, err := store.LoadReceipts()
		if err != nil {
			return nil, fmt.Errorf("load receipts: %w", err)
		}
		for _, r := range rs {
			l.receipts[r.ID] = r
			if r.ID > seq {
				seq = r.ID
			}
		}
		l.seq = seq
	}
	return l, nil
}

// Mint allocates the next receipt id and records the rental. Only the
// settlement engine may call it.
func (l *Ledger) Mint(caller, owner, custodian, collection common.Address, assetID, quantity *big.Int, expiry int64) (uint64, error) {
	if caller != l.exchange {
		return 0, &core.AuthorizationError{Reason: "only the settlement engine may mint receipts"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	r := &Receipt{
		ID:         l.seq,
		Owner:      owner,
		Custodian:  custodian,
		Collection: collection,
		AssetID:    new(big.Int).Set(assetID),
		Quantity:   new(big.Int).Set(quantity),
		Expiry:     expiry,
	}
	if l.store != nil {
		if err := l.store.SaveReceipt(r); err != nil {
			l.seq--
			return 0, fmt.Errorf("persist receipt: %w", err)
		}
		if err := l.store.SaveReceiptSeq(l.seq); err != nil {
			// The record must not outlive the failed mint, or a restart
			// would resurrect a receipt for a settlement that rolled back.
			_ = l.store.DeleteReceipt(r.ID)
			l.seq--
			return 0, fmt.Errorf("persist receipt seq: %w", err)
		}
	}
	l.receipts[r.ID] = r

	l.emitter.Emit(events.TopicReceipts, events.ReceiptEvent{
		Type:       events.TypeReceiptMinted,
		ReceiptID:  r.ID,
		Owner:      owner.Hex(),
		Custodian:  custodian.Hex(),
		Collection: collection.Hex(),
		AssetID:    r.AssetID.String(),
		Quantity:   r.Quantity.String(),
		Expiry:     expiry,
	})
	return r.ID, nil
}

// Unmint removes a receipt minted earlier in the same settlement call.
// Rollback hook for the engine's unit of work; never emits an event.
func (l *Ledger) Unmint(caller common.Address, id uint64) error {
	if caller != l.exchange {
		return &core.AuthorizationError{Reason: "only the settlement engine may unmint receipts"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.receipts[id]; !ok {
		return &core.StateError{Reason: fmt.Sprintf("receipt %d does not exist", id)}
	}
	delete(l.receipts, id)
	if l.store != nil {
		if err := l.store.DeleteReceipt(id); err != nil {
			return fmt.Errorf("unpersist receipt: %w", err)
		}
	}
	return nil
}

// Redeem returns the rented asset from the custodian to the receipt's
// current owner and burns the receipt. Only the owner or their approved
// delegate may redeem, and only once the rental has expired.
func (l *Ledger) Redeem(caller common.Address, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.receipts[id]
	if !ok {
		return &core.StateError{Reason: fmt.Sprintf("receipt %d does not exist", id)}
	}
	if caller != r.Owner && (r.Delegate == common.Address{} || caller != r.Delegate) {
		return &core.StateError{Reason: "caller is neither receipt owner nor delegate"}
	}
	if now := l.clock.Now().Unix(); now < r.Expiry {
		return &core.StateError{Reason: fmt.Sprintf("rental active until %d, now %d", r.Expiry, now)}
	}

	backend, ok := l.selector.BackendFor(r.Collection)
	if !ok {
		return &core.TransferError{Reason: fmt.Sprintf("no transfer backend for collection %s", r.Collection.Hex())}
	}
	if err := backend.TransferAsset(r.Collection, r.Custodian, r.Owner, r.AssetID, r.Quantity); err != nil {
		return &core.TransferError{Reason: fmt.Sprintf("asset return rejected: %v", err)}
	}

	delete(l.receipts, id)
	if l.store != nil {
		if err := l.store.DeleteReceipt(id); err != nil {
			return fmt.Errorf("unpersist receipt: %w", err)
		}
	}

	l.emitter.Emit(events.TopicReceipts, events.ReceiptEvent{
		Type:       events.TypeReceiptBurned,
		ReceiptID:  r.ID,
		Owner:      r.Owner.Hex(),
		Custodian:  r.Custodian.Hex(),
		Collection: r.Collection.Hex(),
		AssetID:    r.AssetID.String(),
		Quantity:   r.Quantity.String(),
		Expiry:     r.Expiry,
	})
	return nil
}

// GetData returns a copy of a live receipt's metadata.
func (l *Ledger) GetData(id uint64) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[id]
	if !ok {
		return Receipt{}, &core.StateError{Reason: fmt.Sprintf("receipt %d does not exist", id)}
	}
	out := *r
	out.AssetID = new(big.Int).Set(r.AssetID)
	out.Quantity = new(big.Int).Set(r.Quantity)
	return out, nil
}

// TransferOwnership moves the reclaim right to a new owner. Any pending
// delegate approval is cleared, as the new owner never granted it.
func (l *Ledger) TransferOwnership(caller, to common.Address, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[id]
	if !ok {
		return &core.StateError{Reason: fmt.Sprintf("receipt %d does not exist", id)}
	}
	if caller != r.Owner {
		return &core.StateError{Reason: "only the receipt owner may transfer it"}
	}
	if to == (common.Address{}) {
		return &core.StateError{Reason: "cannot transfer receipt to the null address"}
	}
	r.Owner = to
	r.Delegate = common.Address{}
	if l.store != nil {
		if err := l.store.SaveReceipt(r); err != nil {
			return fmt.Errorf("persist receipt: %w", err)
		}
	}
	return nil
}

// Approve grants delegate the right to redeem on the owner's behalf.
// The zero address clears the approval.
func (l *Ledger) Approve(caller, delegate common.Address, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[id]
	if !ok {
		return &core.StateError{Reason: fmt.Sprintf("receipt %d does not exist", id)}
	}
	if caller != r.Owner {
		return &core.StateError{Reason: "only the receipt owner may approve a delegate"}
	}
	r.Delegate = delegate
	if l.store != nil {
		if err := l.store.SaveReceipt(r); err != nil {
			return fmt.Errorf("persist receipt: %w", err)
		}
	}
	return nil
}

// Describe renders a self-contained, human-readable view of a live receipt.
func (l *Ledger) Describe(id uint64) (string, error) {
	r, err := l.GetData(id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("rental receipt #%d: asset %s/%s x%s held by %s until %d, reclaimable by %s",
		r.ID, r.Collection.Hex(), r.AssetID, r.Quantity, r.Custodian.Hex(), r.Expiry, r.Owner.Hex()), nil
}

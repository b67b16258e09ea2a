package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/oxrent/rentex/pkg/exchange"
	"github.com/oxrent/rentex/pkg/receipt"
)

// PebbleStore persists the engine's state surface: per-signer minimum
// nonces, per-(signer, nonce) consumed flags, receipt records, and the
// receipt id counter.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// keys: nm:<20-byte addr>, nf:<20-byte addr><8-byte nonce>, r:<8-byte id>, rseq
func kMinNonce(signer common.Address) []byte {
	return append([]byte("nm:"), signer[:]...)
}

func kNonceFlag(signer common.Address, nonce uint64) []byte {
	key := append([]byte("nf:"), signer[:]...)
	return binary.BigEndian.AppendUint64(key, nonce)
}

func kReceipt(id uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte("r:"), id)
}

func kReceiptSeq() []byte { return []byte("rseq") }

// ---- exchange.NonceStore ----
//
// The NonceStore interface has no error returns; a storage failure here
// means the node cannot make progress, so these panic.

func (s *PebbleStore) MinNonce(signer common.Address) uint64 {
	val, closer, err := s.db.Get(kMinNonce(signer))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0
		}
		panic(err)
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(val)
}

func (s *PebbleStore) SetMinNonce(signer common.Address, nonce uint64) {
	if err := s.db.Set(kMinNonce(signer), binary.BigEndian.AppendUint64(nil, nonce), pebble.Sync); err != nil {
		panic(err)
	}
}

func (s *PebbleStore) IsUsed(signer common.Address, nonce uint64) bool {
	_, closer, err := s.db.Get(kNonceFlag(signer, nonce))
	if err != nil {
		if err == pebble.ErrNotFound {
			return false
		}
		panic(err)
	}
	closer.Close()
	return true
}

func (s *PebbleStore) SetUsed(signer common.Address, nonce uint64) {
	if err := s.db.Set(kNonceFlag(signer, nonce), []byte{1}, pebble.Sync); err != nil {
		panic(err)
	}
}

func (s *PebbleStore) ClearUsed(signer common.Address, nonce uint64) {
	if err := s.db.Delete(kNonceFlag(signer, nonce), pebble.Sync); err != nil {
		panic(err)
	}
}

var _ exchange.NonceStore = (*PebbleStore)(nil)

// ---- receipt.Store ----

func (s *PebbleStore) SaveReceipt(r *receipt.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	if err := s.db.Set(kReceipt(r.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save receipt: %w", err)
	}
	return nil
}

func (s *PebbleStore) DeleteReceipt(id uint64) error {
	if err := s.db.Delete(kReceipt(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete receipt: %w", err)
	}
	return nil
}

func (s *PebbleStore) SaveReceiptSeq(seq uint64) error {
	if err := s.db.Set(kReceiptSeq(), binary.BigEndian.AppendUint64(nil, seq), pebble.Sync); err != nil {
		return fmt.Errorf("save receipt seq: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadReceipts() ([]*receipt.Receipt, uint64, error) {
	var seq uint64
	val, closer, err := s.db.Get(kReceiptSeq())
	if err == nil {
		seq = binary.BigEndian.Uint64(val)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return nil, 0, fmt.Errorf("load receipt seq: %w", err)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("r:"),
		UpperBound: []byte("r;"), // ';' is the byte after ':'
	})
	if err != nil {
		return nil, 0, fmt.Errorf("iterate receipts: %w", err)
	}
	defer iter.Close()

	var out []*receipt.Receipt
	for iter.First(); iter.Valid(); iter.Next() {
		var r receipt.Receipt
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, 0, fmt.Errorf("unmarshal receipt: %w", err)
		}
		out = append(out, &r)
	}
	if err := iter.Error(); err != nil {
		return nil, 0, fmt.Errorf("iterate receipts: %w", err)
	}
	return out, seq, nil
}

var _ receipt.Store = (*PebbleStore)(nil)

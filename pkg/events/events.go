package events

import (
	"go.uber.org/zap"
)

// Emitter receives every audit event the engine and receipt ledger produce.
// Each event carries enough data to reconstruct the settlement without
// replaying call arguments.
type Emitter interface {
	Emit(topic string, event interface{})
}

// Topics group events for subscribers.
const (
	TopicOrders   = "orders"
	TopicReceipts = "receipts"
)

// Event type tags, one per emitted event shape.
const (
	TypeAskMatched              = "ask_matched"
	TypeBidMatched              = "bid_matched"
	TypeTakerBidFilled          = "taker_bid_filled"
	TypeTakerAskFilled          = "taker_ask_filled"
	TypeOrderCancelledBulk      = "order_cancelled_bulk"
	TypeOrdersCancelledSpecific = "orders_cancelled_specific"
	TypeReceiptMinted           = "receipt_minted"
	TypeReceiptBurned           = "receipt_burned"
)

// MatchEvent records the maker half of a settlement.
type MatchEvent struct {
	Type       string `json:"type"` // ask_matched | bid_matched
	OrderHash  string `json:"orderHash"`
	Maker      string `json:"maker"`
	Nonce      uint64 `json:"nonce"`
	Strategy   string `json:"strategy"`
	Currency   string `json:"currency"`
	Collection string `json:"collection"`
	AssetID    string `json:"assetId"`
	Quantity   string `json:"quantity"`
	ReceiptID  uint64 `json:"receiptId"`
}

// FillEvent records the taker half of a settlement.
type FillEvent struct {
	Type         string `json:"type"` // taker_bid_filled | taker_ask_filled
	OrderHash    string `json:"orderHash"`
	Taker        string `json:"taker"`
	PricePerHour string `json:"pricePerHour"`
	NumHours     uint64 `json:"numHours"`
	TotalPrice   string `json:"totalPrice"`
	FeeAmount    string `json:"feeAmount"`
}

// BulkCancelEvent records a watermark raise.
type BulkCancelEvent struct {
	Type        string `json:"type"`
	Signer      string `json:"signer"`
	NewMinNonce uint64 `json:"newMinNonce"`
}

// SpecificCancelEvent records a batch of individually cancelled nonces.
type SpecificCancelEvent struct {
	Type   string   `json:"type"`
	Signer string   `json:"signer"`
	Nonces []uint64 `json:"nonces"`
}

// ReceiptEvent records a receipt mint or burn.
type ReceiptEvent struct {
	Type       string `json:"type"` // receipt_minted | receipt_burned
	ReceiptID  uint64 `json:"receiptId"`
	Owner      string `json:"owner"`
	Custodian  string `json:"custodian"`
	Collection string `json:"collection"`
	AssetID    string `json:"assetId"`
	Quantity   string `json:"quantity"`
	Expiry     int64  `json:"expiry"`
}

// LogEmitter writes every event to the structured audit log.
type LogEmitter struct {
	Log *zap.SugaredLogger
}

func (e *LogEmitter) Emit(topic string, event interface{}) {
	e.Log.Infow("event", "topic", topic, "event", event)
}

// Fanout forwards each event to every child emitter in order.
type Fanout []Emitter

func (f Fanout) Emit(topic string, event interface{}) {
	for _, e := range f {
		e.Emit(topic, event)
	}
}

// Nop discards events. Default when no emitter is wired.
type Nop struct{}

func (Nop) Emit(string, interface{}) {}

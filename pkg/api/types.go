package api

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/oxrent/rentex/pkg/core"
)

// Wire types for REST requests. Big integers travel as decimal strings,
// addresses as 0x hex, binary blobs as 0x hex.

type TargetPayload struct {
	Collection string `json:"collection"`
	AssetID    string `json:"assetId"`
	Quantity   string `json:"quantity"`
}

type RentalConfigPayload struct {
	Target       TargetPayload `json:"target"`
	PricePerHour string        `json:"pricePerHour"`
	MinHours     uint64        `json:"minHours"`
	MaxHours     uint64        `json:"maxHours"`
	Currency     string        `json:"currency"`
}

type MakerOrderPayload struct {
	Config    RentalConfigPayload `json:"config"`
	Side      uint8               `json:"side"`
	Signer    string              `json:"signer"`
	Strategy  string              `json:"strategy"`
	Nonce     uint64              `json:"nonce"`
	StartTime int64               `json:"startTime"`
	EndTime   int64               `json:"endTime"`
	Params    string              `json:"params,omitempty"`
	Signature string              `json:"signature"`
}

type TakerOrderPayload struct {
	Side         uint8         `json:"side"`
	Taker        string        `json:"taker"`
	PricePerHour string        `json:"pricePerHour"`
	NumHours     uint64        `json:"numHours"`
	Target       TargetPayload `json:"target"`
}

type SettleRequest struct {
	Caller       string            `json:"caller"`
	NativeAmount string            `json:"nativeAmount,omitempty"` // ask-native only
	Taker        TakerOrderPayload `json:"taker"`
	Maker        MakerOrderPayload `json:"maker"`
}

type CancelAllBelowRequest struct {
	Caller      string `json:"caller"`
	NewMinNonce uint64 `json:"newMinNonce"`
}

type CancelNoncesRequest struct {
	Caller string   `json:"caller"`
	Nonces []uint64 `json:"nonces"`
}

type RedeemRequest struct {
	Caller string `json:"caller"`
}

type SettleResponse struct {
	ReceiptID uint64 `json:"receiptId"`
}

type ReceiptResponse struct {
	ID          uint64 `json:"id"`
	Owner       string `json:"owner"`
	Custodian   string `json:"custodian"`
	Collection  string `json:"collection"`
	AssetID     string `json:"assetId"`
	Quantity    string `json:"quantity"`
	Expiry      int64  `json:"expiry"`
	Description string `json:"description"`
}

type ErrorResponse struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func parseBig(s, field string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: %q", field, s)
	}
	return v, nil
}

func (p *TargetPayload) toCore() (core.Target, error) {
	assetID, err := parseBig(p.AssetID, "assetId")
	if err != nil {
		return core.Target{}, err
	}
	quantity, err := parseBig(p.Quantity, "quantity")
	if err != nil {
		return core.Target{}, err
	}
	return core.Target{
		Collection: common.HexToAddress(p.Collection),
		AssetID:    assetID,
		Quantity:   quantity,
	}, nil
}

func (p *MakerOrderPayload) toCore() (*core.MakerOrder, error) {
	target, err := p.Config.Target.toCore()
	if err != nil {
		return nil, err
	}
	price, err := parseBig(p.Config.PricePerHour, "pricePerHour")
	if err != nil {
		return nil, err
	}
	var params []byte
	if p.Params != "" {
		params, err = hexutil.Decode(p.Params)
		if err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	return &core.MakerOrder{
		Config: core.RentalConfig{
			Target:       target,
			PricePerHour: price,
			MinHours:     p.Config.MinHours,
			MaxHours:     p.Config.MaxHours,
			Currency:     common.HexToAddress(p.Config.Currency),
		},
		Side:           core.Side(p.Side),
		Signer:         common.HexToAddress(p.Signer),
		Strategy:       common.HexToAddress(p.Strategy),
		Nonce:          p.Nonce,
		StartTime:      p.StartTime,
		EndTime:        p.EndTime,
		StrategyParams: params,
		Signature:      sig,
	}, nil
}

func (p *TakerOrderPayload) toCore() (*core.TakerOrder, error) {
	target, err := p.Target.toCore()
	if err != nil {
		return nil, err
	}
	price, err := parseBig(p.PricePerHour, "pricePerHour")
	if err != nil {
		return nil, err
	}
	return &core.TakerOrder{
		Side:         core.Side(p.Side),
		Taker:        common.HexToAddress(p.Taker),
		PricePerHour: price,
		NumHours:     p.NumHours,
		Target:       target,
	}, nil
}

// FromMakerOrder renders a maker order back into its wire shape. Used by
// cmd/sign-order to print a ready-to-submit payload.
func FromMakerOrder(o *core.MakerOrder) MakerOrderPayload {
	params := ""
	if len(o.StrategyParams) > 0 {
		params = hexutil.Encode(o.StrategyParams)
	}
	return MakerOrderPayload{
		Config: RentalConfigPayload{
			Target: TargetPayload{
				Collection: o.Config.Target.Collection.Hex(),
				AssetID:    o.Config.Target.AssetID.String(),
				Quantity:   o.Config.Target.Quantity.String(),
			},
			PricePerHour: o.Config.PricePerHour.String(),
			MinHours:     o.Config.MinHours,
			MaxHours:     o.Config.MaxHours,
			Currency:     o.Config.Currency.Hex(),
		},
		Side:      uint8(o.Side),
		Signer:    o.Signer.Hex(),
		Strategy:  o.Strategy.Hex(),
		Nonce:     o.Nonce,
		StartTime: o.StartTime,
		EndTime:   o.EndTime,
		Params:    params,
		Signature: hexutil.Encode(o.Signature),
	}
}

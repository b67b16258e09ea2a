package main

import (
	"log"

	"github.com/oxrent/rentex/params"
	"github.com/oxrent/rentex/pkg/api"
	"github.com/oxrent/rentex/pkg/crypto"
	"github.com/oxrent/rentex/pkg/currency"
	"github.com/oxrent/rentex/pkg/events"
	"github.com/oxrent/rentex/pkg/exchange"
	"github.com/oxrent/rentex/pkg/receipt"
	"github.com/oxrent/rentex/pkg/storage"
	"github.com/oxrent/rentex/pkg/strategy"
	"github.com/oxrent/rentex/pkg/transfer"
	"github.com/oxrent/rentex/pkg/util"
	"github.com/oxrent/rentex/pkg/wallet"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("node_starting", "chain_id", cfg.Protocol.ChainID, "exchange", cfg.Protocol.Exchange.Hex())

	store, err := storage.NewPebbleStore(cfg.Node.DataDir)
	if err != nil {
		sugar.Fatalw("pebble_open_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	clock := util.RealClock{}
	hub := api.NewHub(sugar)
	emitter := events.Fanout{&events.LogEmitter{Log: sugar}, hub}

	// ---- Collaborators ----
	wrapped := currency.NewWrappedNative(cfg.Protocol.WrappedNative)
	bank := currency.NewBank()
	bank.Register(wrapped.Token)

	currencies := currency.NewManager()
	currencies.Add(wrapped.Address())
	for _, addr := range cfg.Protocol.ExtraCurrencies {
		currencies.Add(addr)
		bank.Register(currency.NewToken(addr))
	}

	strategies := strategy.NewExecutionManager()
	strategies.Add(cfg.Protocol.FixedPriceStrategy, strategy.NewFixedPrice(cfg.Protocol.DefaultFeeBps, clock))

	wallets := wallet.NewRegistry()
	for _, addr := range cfg.Protocol.ApprovedWallets {
		wallets.Approve(addr)
	}

	selector := transfer.NewSelector(
		transfer.NewCustodyBackend(transfer.Unique),
		transfer.NewCustodyBackend(transfer.Batch),
	)

	receipts, err := receipt.NewLedger(cfg.Protocol.Exchange, selector, clock, emitter, store)
	if err != nil {
		sugar.Fatalw("receipt_ledger_init_failed", "err", err)
	}

	// ---- Settlement engine ----
	hasher := crypto.NewOrderHasher(crypto.SigningDomain{
		Name:              cfg.Protocol.Name,
		Version:           cfg.Protocol.Version,
		ChainID:           cfg.Protocol.ChainID,
		VerifyingContract: cfg.Protocol.Exchange,
	})

	engine := exchange.NewEngine(
		exchange.Config{
			Self:         cfg.Protocol.Exchange,
			FeeRecipient: cfg.Protocol.FeeRecipient,
			MaxNonceJump: cfg.Protocol.MaxNonceJump,
		},
		hasher,
		currencies,
		strategies,
		wallets,
		selector,
		wrapped,
		exchange.NewBankResolver(bank),
		store,
		receipts,
		clock,
		emitter,
		sugar,
	)

	server := api.NewServer(engine, receipts, currencies, strategies, hub, sugar)
	if err := server.Start(cfg.Node.APIAddr); err != nil {
		sugar.Fatalw("api_server_failed", "err", err)
	}
}

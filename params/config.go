package params

import (
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Protocol holds the deployment-scoped constants that feed the signing
// domain and the settlement engine.
type Protocol struct {
	Name    string   // signing domain name
	Version string   // signing domain version
	ChainID *big.Int // chain identity bound into order signatures

	// Exchange is the engine's own identity: the verifying contract of the
	// signing domain and the authorized minter of receipts.
	Exchange common.Address

	// FeeRecipient receives the protocol fee split. Zero address disables
	// fee collection.
	FeeRecipient common.Address

	// DefaultFeeBps is the fee rate for the standard fixed-price strategy.
	DefaultFeeBps uint64

	// MaxNonceJump bounds a single watermark raise in bulk cancellation.
	MaxNonceJump uint64

	// WrappedNative is the wrapped native currency's id; always allowlisted.
	WrappedNative common.Address

	// FixedPriceStrategy is the id the standard strategy registers under.
	FixedPriceStrategy common.Address

	// ApprovedWallets are seeded into the wallet registry at startup.
	ApprovedWallets []common.Address

	// ExtraCurrencies are allowlisted (and given token ledgers) at startup,
	// in addition to the wrapped native currency.
	ExtraCurrencies []common.Address
}

type Node struct {
	APIAddr string // REST/WebSocket listen address
	DataDir string // pebble store location
	LogFile string
}

type Config struct {
	Protocol Protocol
	Node     Node
}

func Default() Config {
	return Config{
		Protocol: Protocol{
			Name:               "RentalExchange",
			Version:            "1",
			ChainID:            big.NewInt(1337),
			Exchange:           common.HexToAddress("0x00000000000000000000000000000000000a11ce"),
			FeeRecipient:       common.Address{},
			DefaultFeeBps:      400, // 4%
			MaxNonceJump:       500_000,
			WrappedNative:      common.HexToAddress("0x0000000000000000000000000000000000000001"),
			FixedPriceStrategy: common.HexToAddress("0x0000000000000000000000000000000000000002"),
		},
		Node: Node{
			APIAddr: ":8080",
			DataDir: "data/rentex",
			LogFile: "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("CHAIN_ID"); v != "" {
		if id, ok := new(big.Int).SetString(v, 10); ok {
			cfg.Protocol.ChainID = id
		}
	}
	if v := os.Getenv("EXCHANGE_ADDR"); v != "" {
		cfg.Protocol.Exchange = common.HexToAddress(v)
	}
	if v := os.Getenv("FEE_RECIPIENT"); v != "" {
		cfg.Protocol.FeeRecipient = common.HexToAddress(v)
	}
	if v := os.Getenv("STRATEGY_FEE_BPS"); v != "" {
		if bps, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Protocol.DefaultFeeBps = bps
		}
	}
	if v := os.Getenv("MAX_NONCE_JUMP"); v != "" {
		if jump, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Protocol.MaxNonceJump = jump
		}
	}
	if v := os.Getenv("WRAPPED_NATIVE_ADDR"); v != "" {
		cfg.Protocol.WrappedNative = common.HexToAddress(v)
	}
	if v := os.Getenv("FIXED_PRICE_STRATEGY_ADDR"); v != "" {
		cfg.Protocol.FixedPriceStrategy = common.HexToAddress(v)
	}
	cfg.Protocol.ApprovedWallets = splitAddrs(os.Getenv("APPROVED_WALLETS"))
	cfg.Protocol.ExtraCurrencies = splitAddrs(os.Getenv("EXTRA_CURRENCIES"))
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	return cfg
}

// splitAddrs parses a comma-separated address list; empty input yields nil.
func splitAddrs(v string) []common.Address {
	if v == "" {
		return nil
	}
	var out []common.Address
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, common.HexToAddress(part))
	}
	return out
}

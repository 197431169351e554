package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Devnet defaults. Custody is the exchange's own address: the spender users
// approve and the EIP-712 verifying contract.
var (
	DefaultCustody    = common.HexToAddress("0x00000000000000000000000000000000e5c0de00")
	DefaultFeeAccount = common.HexToAddress("0x000000000000000000000000000000000000fee0")
	DefaultDeployer   = common.HexToAddress("0x00000000000000000000000000000000000de910")
)

type Exchange struct {
	Custody    common.Address
	FeeAccount common.Address
	FeePercent uint64 // fixed at deployment
	ChainID    int64
}

type Node struct {
	DataDir  string
	APIAddr  string
	LogFile  string
	Verbose  bool
	InMemory bool // no pebble; state is lost on exit
	// BlockTime is the producer interval. Empty intervals produce no block.
	BlockTime      time.Duration
	MaxBlockBytes  int64
	MempoolLimit   int
	EventLogSize   int // recent events kept in memory and served by the API
	AllowedOrigins []string
}

type P2P struct {
	Enabled    bool
	ListenAddr string
	Bootstrap  []string
}

type GenesisToken struct {
	Symbol string
	Name   string
	Supply uint64 // whole tokens
	Holder common.Address
}

type Genesis struct {
	Deployer     common.Address
	Tokens       []GenesisToken
	Airdrop      []common.Address
	AirdropUnits uint64
}

type Feeder struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
	Accounts  int
	Seed      string
	Funding   string // whole tokens deposited per token per account
}

type Config struct {
	Exchange Exchange
	Node     Node
	P2P      P2P
	Genesis  Genesis
	Feeder   Feeder
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			Custody:    DefaultCustody,
			FeeAccount: DefaultFeeAccount,
			FeePercent: 10,
			ChainID:    1337,
		},
		Node: Node{
			DataDir:        "data",
			APIAddr:        ":8080",
			LogFile:        "data/node.log",
			BlockTime:      200 * time.Millisecond,
			MaxBlockBytes:  1 << 20,
			MempoolLimit:   10000,
			EventLogSize:   10000,
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		P2P: P2P{
			ListenAddr: "/ip4/0.0.0.0/tcp/4001",
		},
		Genesis: Genesis{
			Deployer: DefaultDeployer,
			Tokens: []GenesisToken{
				{Symbol: "QT", Name: "Cutie Token <3", Supply: 1000000, Holder: DefaultDeployer},
				{Symbol: "mETH", Name: "Mock Ether", Supply: 1000000, Holder: DefaultDeployer},
			},
			AirdropUnits: 1000,
		},
		Feeder: Feeder{
			Interval:  500 * time.Millisecond,
			BatchSize: 5,
			Accounts:  8,
			Seed:      "escrowdex-devnet",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// .env is optional
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var errs []string
	fail := func(key string, err error) { errs = append(errs, fmt.Sprintf("%s: %v", key, err)) }

	address := func(key string, dst *common.Address) {
		if v := os.Getenv(key); v != "" {
			if !common.IsHexAddress(v) {
				fail(key, fmt.Errorf("invalid address %q", v))
				return
			}
			*dst = common.HexToAddress(v)
		}
	}
	millis := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			ms, err := strconv.Atoi(v)
			if err != nil || ms <= 0 {
				fail(key, fmt.Errorf("invalid milliseconds %q", v))
				return
			}
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				fail(key, fmt.Errorf("invalid number %q", v))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Exchange
	address("CUSTODY_ADDRESS", &cfg.Exchange.Custody)
	address("FEE_ACCOUNT", &cfg.Exchange.FeeAccount)
	if v := os.Getenv("FEE_PERCENT"); v != "" {
		pct, err := strconv.ParseUint(v, 10, 64)
		if err != nil || pct > 100 {
			fail("FEE_PERCENT", fmt.Errorf("invalid percent %q", v))
		} else {
			cfg.Exchange.FeePercent = pct
		}
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			fail("CHAIN_ID", fmt.Errorf("invalid chain id %q", v))
		} else {
			cfg.Exchange.ChainID = id
		}
	}

	// Node
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	boolean("VERBOSE", &cfg.Node.Verbose)
	boolean("IN_MEMORY", &cfg.Node.InMemory)
	millis("BLOCK_TIME_MS", &cfg.Node.BlockTime)
	integer("MEMPOOL_LIMIT", &cfg.Node.MempoolLimit)
	integer("EVENT_LOG_SIZE", &cfg.Node.EventLogSize)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Node.AllowedOrigins = splitList(v)
	}

	// P2P
	boolean("P2P_ENABLED", &cfg.P2P.Enabled)
	cfg.P2P.ListenAddr = getEnv("P2P_LISTEN", cfg.P2P.ListenAddr)
	if v := os.Getenv("P2P_BOOTSTRAP"); v != "" {
		cfg.P2P.Bootstrap = splitList(v)
	}

	// Genesis
	address("DEPLOYER", &cfg.Genesis.Deployer)
	if v := os.Getenv("GENESIS_TOKENS"); v != "" {
		tokens, err := ParseGenesisTokens(v, cfg.Genesis.Deployer)
		if err != nil {
			fail("GENESIS_TOKENS", err)
		} else {
			cfg.Genesis.Tokens = tokens
		}
	} else {
		// default holder follows DEPLOYER
		for i := range cfg.Genesis.Tokens {
			cfg.Genesis.Tokens[i].Holder = cfg.Genesis.Deployer
		}
	}
	if v := os.Getenv("AIRDROP"); v != "" {
		for _, a := range splitList(v) {
			if !common.IsHexAddress(a) {
				fail("AIRDROP", fmt.Errorf("invalid address %q", a))
				continue
			}
			cfg.Genesis.Airdrop = append(cfg.Genesis.Airdrop, common.HexToAddress(a))
		}
	}
	if v := os.Getenv("AIRDROP_UNITS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			fail("AIRDROP_UNITS", fmt.Errorf("invalid number %q", v))
		} else {
			cfg.Genesis.AirdropUnits = n
		}
	}

	// Feeder
	boolean("ENABLE_TXGEN", &cfg.Feeder.Enabled)
	millis("TXGEN_INTERVAL_MS", &cfg.Feeder.Interval)
	integer("TXGEN_BATCH", &cfg.Feeder.BatchSize)
	integer("TXGEN_ACCOUNTS", &cfg.Feeder.Accounts)
	cfg.Feeder.Seed = getEnv("TXGEN_SEED", cfg.Feeder.Seed)
	cfg.Feeder.Funding = getEnv("TXGEN_FUNDING", cfg.Feeder.Funding)

	if len(errs) > 0 {
		return cfg, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// ParseGenesisTokens parses "SYMBOL:Name:supply[:holder]" entries separated
// by commas. A missing holder defaults to deployer.
func ParseGenesisTokens(s string, deployer common.Address) ([]GenesisToken, error) {
	var out []GenesisToken
	for _, entry := range splitList(s) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 && len(parts) != 4 {
			return nil, fmt.Errorf("token %q: want SYMBOL:Name:supply[:holder]", entry)
		}
		supply, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("token %q: invalid supply: %w", entry, err)
		}
		t := GenesisToken{
			Symbol: strings.TrimSpace(parts[0]),
			Name:   strings.TrimSpace(parts[1]),
			Supply: supply,
			Holder: deployer,
		}
		if t.Symbol == "" {
			return nil, fmt.Errorf("token %q: empty symbol", entry)
		}
		if len(parts) == 4 {
			h := strings.TrimSpace(parts[3])
			if !common.IsHexAddress(h) {
				return nil, fmt.Errorf("token %q: invalid holder %q", entry, h)
			}
			t.Holder = common.HexToAddress(h)
		}
		out = append(out, t)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

package provider

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"github.com/edrgo/edr/header"
	"github.com/edrgo/edr/mempool"
	"github.com/edrgo/edr/signature"
)

// DefaultCoinbase is the beneficiary of locally mined blocks.
var DefaultCoinbase = common.HexToAddress("0xc014ba5ec014ba5ec014ba5ec014ba5ec014ba5e")

const (
	DefaultChainID       = 31337
	DefaultBlockGasLimit = 30_000_000
	DefaultAccountCount  = 20
)

// defaultAccountBalance is 10000 ether.
var defaultAccountBalance = new(big.Int).Mul(big.NewInt(10_000), big.NewInt(params.Ether))

// Configuration errors.
var (
	ErrZeroBlockGasLimit  = errors.New("block gas limit must be greater than 0")
	ErrEmptyInterval      = errors.New("interval mining range must not be empty")
	ErrInvalidInterval    = errors.New("interval mining range minimum exceeds its maximum")
	ErrMissingForkURL     = errors.New("fork configuration requires a JSON-RPC URL")
	ErrInvalidOwnedKey    = errors.New("invalid owned account secret key")
	ErrInvalidAccountPath = errors.New("account count must not be negative")
)

// IntervalRange is the delay between interval-mined blocks in
// milliseconds. Min == Max gives a fixed interval.
type IntervalRange struct {
	Min uint64 `json:"min" toml:"min"`
	Max uint64 `json:"max" toml:"max"`
}

// UnmarshalJSON accepts a number or a [min, max] pair.
func (r *IntervalRange) UnmarshalJSON(data []byte) error {
	var fixed uint64
	if err := json.Unmarshal(data, &fixed); err == nil {
		r.Min, r.Max = fixed, fixed
		return nil
	}
	var pair []uint64
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("interval range needs 2 values, got %d", len(pair))
		}
		r.Min, r.Max = pair[0], pair[1]
		return nil
	}
	type plain IntervalRange
	return json.Unmarshal(data, (*plain)(r))
}

// MempoolConfig selects how the miner orders pending transactions.
type MempoolConfig struct {
	Order string `json:"order" toml:"order"`
}

// MiningConfig selects the mining mode.
type MiningConfig struct {
	AutoMine bool `json:"autoMine" toml:"auto_mine"`
	// Interval enables interval mining when non-nil.
	Interval *IntervalRange `json:"interval,omitempty" toml:"interval"`
	Mempool  MempoolConfig  `json:"mempool" toml:"mempool"`
}

// HardforkActivation activates a hardfork at a block number or timestamp.
type HardforkActivation struct {
	Block     *uint64 `json:"block,omitempty" toml:"block"`
	Timestamp *uint64 `json:"timestamp,omitempty" toml:"timestamp"`
	Hardfork  string  `json:"hardfork" toml:"hardfork"`
}

// ChainOverride replaces the known hardfork schedule of a remote chain.
type ChainOverride struct {
	ChainID     uint64               `json:"chainId" toml:"chain_id"`
	Name        string               `json:"name" toml:"name"`
	Activations []HardforkActivation `json:"hardforkActivations" toml:"hardfork_activations"`
}

// ForkConfig describes the remote network to fork.
type ForkConfig struct {
	URL string `json:"jsonRpcUrl" toml:"url"`
	// BlockNumber pins the fork point; nil forks the newest safe block.
	BlockNumber    *uint64           `json:"blockNumber,omitempty" toml:"block_number"`
	HTTPHeaders    map[string]string `json:"httpHeaders,omitempty" toml:"http_headers"`
	ChainOverrides []ChainOverride   `json:"chainOverrides,omitempty" toml:"chain_overrides"`
}

// GenesisAccount is an account present in the genesis state.
type GenesisAccount struct {
	Balance *hexutil.Big                `json:"balance,omitempty" toml:"balance"`
	Nonce   *hexutil.Uint64             `json:"nonce,omitempty" toml:"nonce"`
	Code    hexutil.Bytes               `json:"code,omitempty" toml:"code"`
	Storage map[common.Hash]common.Hash `json:"storage,omitempty" toml:"storage"`
}

// OwnedAccount is a funded account whose key the provider signs with.
type OwnedAccount struct {
	SecretKey string       `json:"secretKey" toml:"secret_key"`
	Balance   *hexutil.Big `json:"balance" toml:"balance"`
}

// Config configures a provider.
type Config struct {
	ChainID   uint64 `json:"chainId" toml:"chain_id"`
	NetworkID uint64 `json:"networkId" toml:"network_id"`
	// Hardfork is parsed by the chain's specification; empty selects its
	// default.
	Hardfork string `json:"hardfork" toml:"hardfork"`

	AllowBlocksWithSameTimestamp bool `json:"allowBlocksWithSameTimestamp" toml:"allow_blocks_with_same_timestamp"`
	AllowUnlimitedContractSize   bool `json:"allowUnlimitedContractSize" toml:"allow_unlimited_contract_size"`
	BailOnCallFailure            bool `json:"bailOnCallFailure" toml:"bail_on_call_failure"`
	BailOnTransactionFailure     bool `json:"bailOnTransactionFailure" toml:"bail_on_transaction_failure"`

	BlockGasLimit     uint64         `json:"blockGasLimit" toml:"block_gas_limit"`
	TransactionGasCap uint64         `json:"transactionGasCap,omitempty" toml:"transaction_gas_cap"`
	Coinbase          common.Address `json:"coinbase" toml:"coinbase"`
	MinGasPrice       *hexutil.Big   `json:"minGasPrice,omitempty" toml:"min_gas_price"`

	InitialBaseFeePerGas         *hexutil.Big    `json:"initialBaseFeePerGas,omitempty" toml:"initial_base_fee_per_gas"`
	InitialBlobGas               *header.BlobGas `json:"initialBlobGas,omitempty" toml:"initial_blob_gas"`
	InitialDate                  *time.Time      `json:"initialDate,omitempty" toml:"initial_date"`
	InitialParentBeaconBlockRoot *common.Hash    `json:"initialParentBeaconBlockRoot,omitempty" toml:"initial_parent_beacon_block_root"`

	GenesisState map[common.Address]GenesisAccount `json:"genesisState,omitempty" toml:"genesis_state"`

	Fork   *ForkConfig  `json:"forking,omitempty" toml:"fork"`
	Mining MiningConfig `json:"mining" toml:"mining"`

	OwnedAccounts []OwnedAccount `json:"accounts,omitempty" toml:"accounts"`
	// Mnemonic derives AccountCount more owned accounts funded with
	// AccountBalance each. An empty mnemonic derives none.
	Mnemonic       string       `json:"mnemonic,omitempty" toml:"mnemonic"`
	DerivationPath string       `json:"path,omitempty" toml:"path"`
	AccountCount   int          `json:"accountCount" toml:"account_count"`
	AccountBalance *hexutil.Big `json:"accountBalance,omitempty" toml:"account_balance"`

	// EnableRIP7212 adds the secp256r1 verifier precompile.
	EnableRIP7212 bool `json:"enableRip7212" toml:"enable_rip7212"`
	// PrecompileOverrides replace or add precompiles at their addresses.
	PrecompileOverrides map[common.Address]vm.PrecompiledContract `json:"-" toml:"-"`

	// CacheDir roots the remote response cache of forks.
	CacheDir string `json:"cacheDir,omitempty" toml:"cache_dir"`
}

// DefaultConfig returns a Hardhat compatible development network: chain
// 31337 at Prague with auto-mining and 20 mnemonic accounts.
func DefaultConfig() Config {
	return Config{
		ChainID:                  DefaultChainID,
		NetworkID:                DefaultChainID,
		BailOnCallFailure:        true,
		BailOnTransactionFailure: true,
		BlockGasLimit:            DefaultBlockGasLimit,
		Coinbase:                 DefaultCoinbase,
		MinGasPrice:              (*hexutil.Big)(new(big.Int)),
		InitialBaseFeePerGas:     (*hexutil.Big)(big.NewInt(header.InitialBaseFee)),
		Mining: MiningConfig{
			AutoMine: true,
			Mempool:  MempoolConfig{Order: mempool.Priority.String()},
		},
		Mnemonic:       signature.DefaultMnemonic,
		DerivationPath: signature.DefaultDerivationBase,
		AccountCount:   DefaultAccountCount,
		AccountBalance: (*hexutil.Big)(new(big.Int).Set(defaultAccountBalance)),
	}
}

// Validate checks the options that do not depend on the chain type.
func (c *Config) Validate() error {
	if c.BlockGasLimit == 0 {
		return ErrZeroBlockGasLimit
	}
	if iv := c.Mining.Interval; iv != nil {
		if iv.Max == 0 {
			return ErrEmptyInterval
		}
		if iv.Min > iv.Max {
			return ErrInvalidInterval
		}
	}
	if c.Mining.Mempool.Order != "" {
		if _, err := mempool.ParseOrder(c.Mining.Mempool.Order); err != nil {
			return err
		}
	}
	if c.Fork != nil {
		if c.Fork.URL == "" {
			return ErrMissingForkURL
		}
		u, err := url.Parse(c.Fork.URL)
		if err != nil {
			return fmt.Errorf("invalid fork URL: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("invalid fork URL %q: unsupported scheme %q", c.Fork.URL, u.Scheme)
		}
	}
	for i, acc := range c.OwnedAccounts {
		if _, err := parseSecretKey(acc.SecretKey); err != nil {
			return fmt.Errorf("account %d: %w", i, err)
		}
	}
	if c.AccountCount < 0 {
		return ErrInvalidAccountPath
	}
	return nil
}

func parseSecretKey(s string) (*ecdsa.PrivateKey, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOwnedKey, err)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOwnedKey, err)
	}
	return key, nil
}

func (c *Config) mempoolOrder() mempool.Order {
	order, err := mempool.ParseOrder(c.Mining.Mempool.Order)
	if err != nil {
		return mempool.Priority
	}
	return order
}

// Package solidity holds the configuration shared by the Solidity test
// runner and its cheatcodes. The runner itself lives in solidity/runner.
package solidity

import (
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/edrgo/edr/chainspec"
)

// Default addresses of the test environment. They match the ones
// forge-std based tests expect.
var (
	DefaultSender   = common.HexToAddress("0x1804c8AB1F12E6bbf3894d4083f33e07309d1f38")
	DefaultCoinbase = common.Address{}
)

// defaultSenderFunds is 2^96 - 1 wei.
var defaultSenderFunds = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))

// Configuration errors.
var (
	ErrNoProjectRoot    = errors.New("project root is not set")
	ErrInvalidFuzzRuns  = errors.New("fuzz runs must be greater than 0")
	ErrInvalidDepth     = errors.New("invariant depth must be greater than 0")
	ErrMissingForkURL   = errors.New("fork configuration requires a JSON-RPC URL")
	ErrUnknownFsAccess  = errors.New("unknown file system access")
	ErrUnknownEndpoint  = errors.New("unknown RPC endpoint alias")
	ErrPermissionDenied = errors.New("path is not allowed by the file system permissions")
)

// FsAccess is the kind of file system access a path is granted.
type FsAccess uint8

const (
	FsNone FsAccess = iota
	FsRead
	FsWrite
	FsReadWrite
)

func (a FsAccess) String() string {
	switch a {
	case FsRead:
		return "read"
	case FsWrite:
		return "write"
	case FsReadWrite:
		return "read-write"
	}
	return "none"
}

// Allows reports whether a grants want.
func (a FsAccess) Allows(want FsAccess) bool {
	return a == FsReadWrite || a == want
}

// UnmarshalText parses "read", "write" or "read-write".
func (a *FsAccess) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "read":
		*a = FsRead
	case "write":
		*a = FsWrite
	case "read-write", "readwrite":
		*a = FsReadWrite
	case "none":
		*a = FsNone
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFsAccess, text)
	}
	return nil
}

func (a FsAccess) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// FsPermission grants access to a path and everything below it. Relative
// paths are resolved against the project root.
type FsPermission struct {
	Access FsAccess `json:"access" toml:"access"`
	Path   string   `json:"path" toml:"path"`
}

// FsPermissions is the file system policy of cheatcodes.
type FsPermissions []FsPermission

// Check resolves path against root and verifies it is granted want. The
// most specific permission covering the path decides.
func (p FsPermissions) Check(root, path string, want FsAccess) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	best, bestLen := FsNone, -1
	for _, perm := range p {
		base := perm.Path
		if !filepath.IsAbs(base) {
			base = filepath.Join(root, base)
		}
		base = filepath.Clean(base)
		rel, err := filepath.Rel(base, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if len(base) > bestLen {
			best, bestLen = perm.Access, len(base)
		}
	}
	if !best.Allows(want) {
		return "", fmt.Errorf("%w: %s access to %s", ErrPermissionDenied, want, path)
	}
	return abs, nil
}

// FuzzConfig configures fuzz tests.
type FuzzConfig struct {
	Runs uint32 `json:"runs" toml:"runs"`
	// MaxTestRejects bounds the inputs vm.assume may reject per test.
	MaxTestRejects uint32 `json:"maxTestRejects" toml:"max_test_rejects"`
	// Seed makes runs reproducible; nil draws a random seed.
	Seed *uint64 `json:"seed,omitempty" toml:"seed"`
	// DictionaryWeight is the percentage of values drawn from the
	// dictionary of interesting values instead of uniformly.
	DictionaryWeight uint32 `json:"dictionaryWeight" toml:"dictionary_weight"`
	// ShrinkRunLimit bounds the executions spent shrinking a failure.
	ShrinkRunLimit     uint32 `json:"shrinkRunLimit" toml:"shrink_run_limit"`
	FailurePersistDir  string `json:"failurePersistDir" toml:"failure_persist_dir"`
	FailurePersistFile string `json:"failurePersistFile" toml:"failure_persist_file"`
}

// InvariantConfig configures invariant tests.
type InvariantConfig struct {
	Runs  uint32 `json:"runs" toml:"runs"`
	Depth uint32 `json:"depth" toml:"depth"`
	// FailOnRevert fails the test when a call of the sequence reverts.
	FailOnRevert bool `json:"failOnRevert" toml:"fail_on_revert"`
	// CheckAtEnd checks the invariants only after the whole sequence
	// instead of after every call.
	CheckAtEnd     bool   `json:"checkAtEnd" toml:"check_at_end"`
	ShrinkRunLimit uint32 `json:"shrinkRunLimit" toml:"shrink_run_limit"`
}

// ForkConfig forks the test environment from a remote chain.
type ForkConfig struct {
	URL string `json:"url" toml:"url"`
	// BlockNumber pins the fork; nil forks the latest block, which makes
	// failures unsafe to replay.
	BlockNumber *uint64           `json:"blockNumber,omitempty" toml:"block_number"`
	Headers     map[string]string `json:"httpHeaders,omitempty" toml:"http_headers"`
}

// Config holds the test runner options.
type Config struct {
	ProjectRoot string          `json:"projectRoot" toml:"project_root"`
	Fuzz        FuzzConfig      `json:"fuzz" toml:"fuzz"`
	Invariant   InvariantConfig `json:"invariant" toml:"invariant"`
	Fork        *ForkConfig     `json:"fork,omitempty" toml:"fork"`
	// RPCEndpoints maps aliases usable in fork cheatcodes to URLs.
	RPCEndpoints  map[string]string `json:"rpcEndpoints,omitempty" toml:"rpc_endpoints"`
	RPCCachePath  string            `json:"rpcCachePath,omitempty" toml:"rpc_cache_path"`
	FsPermissions FsPermissions     `json:"fsPermissions,omitempty" toml:"fs_permissions"`
	// AllowedCheatcodes restricts the cheatcodes tests may call by name;
	// empty allows all.
	AllowedCheatcodes []string `json:"allowedCheatcodes,omitempty" toml:"allowed_cheatcodes"`

	Sender         common.Address `json:"sender" toml:"sender"`
	TxOrigin       common.Address `json:"txOrigin" toml:"tx_origin"`
	InitialBalance *big.Int       `json:"initialBalance" toml:"initial_balance"`
	GasLimit       uint64         `json:"gasLimit" toml:"gas_limit"`
	ChainID        uint64         `json:"chainId" toml:"chain_id"`
	Hardfork       string         `json:"hardfork" toml:"hardfork"`
	BlockNumber    uint64         `json:"blockNumber" toml:"block_number"`
	Timestamp      uint64         `json:"timestamp" toml:"timestamp"`
	Coinbase       common.Address `json:"coinbase" toml:"coinbase"`

	// Coverage collects per-instruction hit maps.
	Coverage bool `json:"coverage" toml:"coverage"`
	// StackTraces replays failing tests to decode a Solidity stack trace.
	StackTraces bool `json:"stackTraces" toml:"stack_traces"`
	// Parallelism bounds the contracts run concurrently; zero uses the
	// number of CPUs.
	Parallelism int `json:"parallelism" toml:"parallelism"`
}

// DefaultConfig returns the forge-compatible defaults.
func DefaultConfig() Config {
	return Config{
		Fuzz: FuzzConfig{
			Runs:               256,
			MaxTestRejects:     65536,
			DictionaryWeight:   40,
			ShrinkRunLimit:     5000,
			FailurePersistDir:  "fuzz",
			FailurePersistFile: "failures",
		},
		Invariant: InvariantConfig{
			Runs:           256,
			Depth:          15,
			ShrinkRunLimit: 5000,
		},
		Sender:         DefaultSender,
		TxOrigin:       DefaultSender,
		InitialBalance: new(big.Int).Set(defaultSenderFunds),
		GasLimit:       1 << 60,
		ChainID:        31337,
		Hardfork:       chainspec.Prague.String(),
		BlockNumber:    1,
		Timestamp:      1,
		Coinbase:       DefaultCoinbase,
		StackTraces:    true,
	}
}

// Validate checks the options for consistency.
func (c *Config) Validate() error {
	if c.ProjectRoot == "" {
		return ErrNoProjectRoot
	}
	if c.Fuzz.Runs == 0 {
		return ErrInvalidFuzzRuns
	}
	if c.Invariant.Depth == 0 {
		return ErrInvalidDepth
	}
	if c.Fork != nil && c.Fork.URL == "" {
		return ErrMissingForkURL
	}
	if _, err := chainspec.ParseSpecID(c.Hardfork); err != nil {
		return err
	}
	return nil
}

// Spec returns the configured hardfork.
func (c *Config) Spec() chainspec.SpecID {
	spec, err := chainspec.ParseSpecID(c.Hardfork)
	if err != nil {
		return chainspec.Prague
	}
	return spec
}

// FailurePersistPath is the file fuzz counterexamples are stored in.
func (c *Config) FailurePersistPath() string {
	return filepath.Join(c.ProjectRoot, "cache", c.Fuzz.FailurePersistDir, c.Fuzz.FailurePersistFile)
}

// ResolveEndpoint maps an RPC alias to its URL. Anything that looks like
// a URL is returned unchanged.
func (c *Config) ResolveEndpoint(urlOrAlias string) (string, error) {
	if strings.Contains(urlOrAlias, "://") {
		return urlOrAlias, nil
	}
	if u, ok := c.RPCEndpoints[urlOrAlias]; ok {
		return u, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEndpoint, urlOrAlias)
}

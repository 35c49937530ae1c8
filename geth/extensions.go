package geth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"maps"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
)

// P256VerifyAddress is where RIP-7212 places the secp256r1 verifier.
var P256VerifyAddress = common.BytesToAddress([]byte{0x01, 0x00})

// P256VerifyGas is the RIP-7212 price of one verification.
const P256VerifyGas = 3450

// PrecompileFunc is a host-defined precompile body.
type PrecompileFunc func(input []byte) ([]byte, error)

// Precompile adapts a PrecompileFunc with a constant price to the
// interpreter's contract interface.
type Precompile struct {
	name string
	gas  uint64
	run  PrecompileFunc
}

// NewPrecompile returns a precompile charging gas per call.
func NewPrecompile(name string, gas uint64, run PrecompileFunc) *Precompile {
	return &Precompile{name: name, gas: gas, run: run}
}

func (p *Precompile) RequiredGas([]byte) uint64 { return p.gas }

func (p *Precompile) Run(input []byte) ([]byte, error) { return p.run(input) }

func (p *Precompile) Name() string { return p.name }

// Precompiles returns the precompile set of a block: the hardfork default,
// plus the RIP-7212 verifier when enabled, with overrides layered on top.
// It returns nil when the default set applies unchanged.
func Precompiles(rules params.Rules, rip7212 bool, overrides map[common.Address]vm.PrecompiledContract) vm.PrecompiledContracts {
	if !rip7212 && len(overrides) == 0 {
		return nil
	}
	set := maps.Clone(vm.ActivePrecompiledContracts(rules))
	if rip7212 {
		if _, ok := set[P256VerifyAddress]; !ok {
			set[P256VerifyAddress] = NewPrecompile("P256VERIFY", P256VerifyGas, p256Verify)
		}
	}
	maps.Copy(set, overrides)
	return set
}

// PrecompileAddresses lists the addresses of set, which the access list
// warms before execution.
func PrecompileAddresses(set vm.PrecompiledContracts) []common.Address {
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out
}

// p256Verify checks (hash, r, s, x, y), each 32 bytes. Malformed input or a
// bad signature returns empty output, a valid one returns 1.
func p256Verify(input []byte) ([]byte, error) {
	if len(input) != 160 {
		return nil, nil
	}
	hash := input[:32]
	r := new(big.Int).SetBytes(input[32:64])
	s := new(big.Int).SetBytes(input[64:96])
	x := new(big.Int).SetBytes(input[96:128])
	y := new(big.Int).SetBytes(input[128:160])

	curve := elliptic.P256()
	n := curve.Params().N
	if r.Sign() == 0 || s.Sign() == 0 || r.Cmp(n) >= 0 || s.Cmp(n) >= 0 {
		return nil, nil
	}
	if !curve.IsOnCurve(x, y) {
		return nil, nil
	}
	pk := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	if !ecdsa.Verify(pk, hash, r, s) {
		return nil, nil
	}
	return common.LeftPadBytes([]byte{1}, 32), nil
}

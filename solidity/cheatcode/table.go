package cheatcode

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

type handler func(s *Cheats, ctx *callContext, args []any) ([]any, error)

type cheat struct {
	method abi.Method
	impure bool
	run    handler
}

// table maps selectors to cheatcodes. It is filled by the init functions
// of this package and read-only afterwards.
var table = make(map[[4]byte]*cheat)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("cheatcode type %q: %v", t, err))
	}
	return typ
}

func args(types ...string) abi.Arguments {
	out := make(abi.Arguments, len(types))
	for i, t := range types {
		out[i] = abi.Argument{Type: mustType(t)}
	}
	return out
}

// define registers the cheatcode with the Solidity signature sig, such as
// "deal(address,uint256)". Parameters must not be tuples.
func define(sig string, outputs abi.Arguments, impure bool, run handler) {
	open := strings.IndexByte(sig, '(')
	if open < 0 || !strings.HasSuffix(sig, ")") {
		panic("malformed cheatcode signature " + sig)
	}
	name := sig[:open]
	var inputs abi.Arguments
	if params := sig[open+1 : len(sig)-1]; params != "" {
		inputs = args(strings.Split(params, ",")...)
	}
	m := abi.NewMethod(name, name, abi.Function, "nonpayable", false, false, inputs, outputs)
	id := [4]byte(m.ID)
	if _, dup := table[id]; dup {
		panic("duplicate cheatcode " + sig)
	}
	table[id] = &cheat{method: m, impure: impure, run: run}
}

// pure and impure shorten define for the common cases.
func pure(sig string, outputs abi.Arguments, run handler) { define(sig, outputs, false, run) }

func impure(sig string, outputs abi.Arguments, run handler) { define(sig, outputs, true, run) }

// none is the result of cheatcodes returning nothing.
func none() ([]any, error) { return nil, nil }

// Selector returns the selector of a cheatcode signature, for callers
// building calls to the cheatcode address.
func Selector(sig string) ([4]byte, bool) {
	for id, ch := range table {
		if ch.method.Sig == sig {
			return id, true
		}
	}
	return [4]byte{}, false
}

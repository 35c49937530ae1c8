package cheatcode

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// failure makes an assertion revert with msg, prefixed by the user's
// message when one was given.
func failure(msg string, a []any, n int) error {
	if len(a) > n {
		msg = a[n].(string) + ": " + msg
	}
	return &revertError{data: EncodeError(msg)}
}

func init() {
	for _, typ := range []string{"uint256", "int256", "address", "bytes32", "string", "bool", "bytes"} {
		eq := func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
			if !equal(a[0], a[1]) {
				return nil, failure("assertion failed: "+formatValue(a[0])+" != "+formatValue(a[1]), a, 2)
			}
			return none()
		}
		neq := func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
			if equal(a[0], a[1]) {
				return nil, failure("assertion failed: "+formatValue(a[0])+" == "+formatValue(a[1]), a, 2)
			}
			return none()
		}
		pure("assertEq("+typ+","+typ+")", nil, eq)
		pure("assertEq("+typ+","+typ+",string)", nil, eq)
		pure("assertNotEq("+typ+","+typ+")", nil, neq)
		pure("assertNotEq("+typ+","+typ+",string)", nil, neq)
	}

	type ordering struct {
		name string
		op   string
		ok   func(c int) bool
	}
	for _, o := range []ordering{
		{"assertGt", " <= ", func(c int) bool { return c > 0 }},
		{"assertGe", " < ", func(c int) bool { return c >= 0 }},
		{"assertLt", " >= ", func(c int) bool { return c < 0 }},
		{"assertLe", " > ", func(c int) bool { return c <= 0 }},
	} {
		cmp := func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
			x, y := a[0].(*big.Int), a[1].(*big.Int)
			if !o.ok(x.Cmp(y)) {
				return nil, failure("assertion failed: "+x.String()+o.op+y.String(), a, 2)
			}
			return none()
		}
		for _, typ := range []string{"uint256", "int256"} {
			pure(o.name+"("+typ+","+typ+")", nil, cmp)
			pure(o.name+"("+typ+","+typ+",string)", nil, cmp)
		}
	}

	truth := func(want bool) handler {
		return func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
			if a[0].(bool) != want {
				return nil, failure("assertion failed", a, 1)
			}
			return none()
		}
	}
	pure("assertTrue(bool)", nil, truth(true))
	pure("assertTrue(bool,string)", nil, truth(true))
	pure("assertFalse(bool)", nil, truth(false))
	pure("assertFalse(bool,string)", nil, truth(false))

	pure("assume(bool)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		if a[0].(bool) {
			return none()
		}
		s.rejected = true
		return nil, &revertError{data: AssumeMagic}
	})
	pure("skip(bool)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		if !a[0].(bool) {
			return none()
		}
		s.skipped = true
		return nil, &revertError{data: SkipMagic}
	})
	pure("label(address,string)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		s.labels[a[0].(common.Address)] = a[1].(string)
		return none()
	})
	pure("getLabel(address)", args("string"), func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		addr := a[0].(common.Address)
		if l, ok := s.labels[addr]; ok {
			return []any{l}, nil
		}
		return []any{"unlabeled:" + addr.Hex()}, nil
	})
}

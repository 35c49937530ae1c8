package fuzz

import (
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// candidates returns simpler values of t than v, simplest first. Every
// candidate is strictly smaller under an order with no infinite descent:
// integers move toward zero, dynamic values get shorter and the rest
// collapse to their zero value.
func candidates(t abi.Type, v any) []any {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		x := toBig(v)
		if x.Sign() == 0 {
			return nil
		}
		step := big.NewInt(int64(x.Sign()))
		out := []any{toGo(t, new(big.Int))}
		if half := new(big.Int).Quo(x, big.NewInt(2)); half.Sign() != 0 {
			out = append(out, toGo(t, half))
		}
		if near := new(big.Int).Sub(x, step); near.Sign() != 0 {
			out = append(out, toGo(t, near))
		}
		return out
	case abi.BoolTy:
		if v.(bool) {
			return []any{false}
		}
	case abi.AddressTy:
		if v.(common.Address) != (common.Address{}) {
			return []any{common.Address{}}
		}
	case abi.FixedBytesTy, abi.FunctionTy:
		zero := reflect.Zero(reflect.TypeOf(v)).Interface()
		if !reflect.DeepEqual(v, zero) {
			return []any{zero}
		}
	case abi.BytesTy:
		return shorter(reflect.ValueOf(v))
	case abi.StringTy:
		var out []any
		for _, c := range shorter(reflect.ValueOf([]byte(v.(string)))) {
			out = append(out, string(c.([]byte)))
		}
		return out
	case abi.SliceTy:
		out := shorter(reflect.ValueOf(v))
		return append(out, elements(*t.Elem, reflect.ValueOf(v))...)
	case abi.ArrayTy:
		return elements(*t.Elem, reflect.ValueOf(v))
	case abi.TupleTy:
		rv := reflect.ValueOf(v)
		var out []any
		for i, elem := range t.TupleElems {
			for _, c := range candidates(*elem, rv.Field(i).Interface()) {
				cp := reflect.New(rv.Type()).Elem()
				cp.Set(rv)
				cp.Field(i).Set(reflect.ValueOf(c))
				out = append(out, cp.Interface())
			}
		}
		return out
	}
	return nil
}

// shorter returns the empty value, the first half and all but the last
// element of a slice.
func shorter(v reflect.Value) []any {
	n := v.Len()
	if n == 0 {
		return nil
	}
	out := []any{reflect.MakeSlice(v.Type(), 0, 0).Interface()}
	if n/2 > 0 {
		out = append(out, clip(v, n/2))
	}
	if n-1 > n/2 {
		out = append(out, clip(v, n-1))
	}
	return out
}

func clip(v reflect.Value, n int) any {
	cp := reflect.MakeSlice(v.Type(), n, n)
	reflect.Copy(cp, v)
	return cp.Interface()
}

// elements shrinks the items of an array or slice one at a time.
func elements(elem abi.Type, v reflect.Value) []any {
	var out []any
	for i := 0; i < v.Len(); i++ {
		for _, c := range candidates(elem, v.Index(i).Interface()) {
			var cp reflect.Value
			if v.Kind() == reflect.Slice {
				cp = reflect.MakeSlice(v.Type(), v.Len(), v.Len())
				reflect.Copy(cp, v)
			} else {
				cp = reflect.New(v.Type()).Elem()
				cp.Set(v)
			}
			cp.Index(i).Set(reflect.ValueOf(c))
			out = append(out, cp.Interface())
		}
	}
	return out
}

// shrink greedily replaces arguments with simpler candidates while the
// case keeps failing, spending at most limit executions. It returns the
// simplest failing arguments and the number of accepted steps.
func shrink(inputs abi.Arguments, args []any, limit uint32, fails func([]any) bool) ([]any, int) {
	var runs uint32
	steps := 0
	for improved := true; improved && runs < limit; {
		improved = false
		for i, in := range inputs {
			for _, c := range candidates(in.Type, args[i]) {
				if runs >= limit {
					return args, steps
				}
				trial := make([]any, len(args))
				copy(trial, args)
				trial[i] = c
				runs++
				if fails(trial) {
					args = trial
					steps++
					improved = true
					break
				}
			}
		}
	}
	return args, steps
}

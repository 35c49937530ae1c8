package fuzz

import (
	"math/big"
	"math/rand"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
)

// maxDynamicLength bounds generated arrays, bytes and strings.
const maxDynamicLength = 32

// edgeWeight is the share, in percent, of integers drawn from the edges
// of their range.
const edgeWeight = 15

// Generator draws ABI values. Integers and addresses come from three
// sources: the dictionary, the edges of the type's range and uniformly
// random bits. A Generator is deterministic for a seed and not safe for
// concurrent use.
type Generator struct {
	params     *gopter.GenParameters
	dict       *Dictionary
	dictWeight int
	fixtures   map[string][]any
}

// NewGenerator returns a generator seeded with seed. dictWeight is the
// percentage of integers and addresses drawn from dict.
func NewGenerator(seed int64, dict *Dictionary, dictWeight uint32) *Generator {
	if dict == nil {
		dict = NewDictionary()
	}
	return &Generator{
		params: &gopter.GenParameters{
			MinSize: 0,
			MaxSize: maxDynamicLength,
			Rng:     rand.New(rand.NewSource(seed)),
		},
		dict:       dict,
		dictWeight: int(min(dictWeight, 100)),
	}
}

// SetFixtures makes parameters draw from fixed values half of the time.
// Fixtures are keyed by parameter name.
func (g *Generator) SetFixtures(fixtures map[string][]any) { g.fixtures = fixtures }

func (g *Generator) sample(gn gopter.Gen) any {
	v, _ := gn(g.params).Retrieve()
	return v
}

func (g *Generator) intn(n int) int { return g.params.Rng.Intn(n) }

// Args returns values for every argument.
func (g *Generator) Args(args abi.Arguments) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if fx := g.fixtures[a.Name]; len(fx) > 0 && g.intn(2) == 0 {
			out[i] = fx[g.intn(len(fx))]
			continue
		}
		out[i] = g.Value(a.Type)
	}
	return out
}

// Value returns a value of t in the Go representation accounts/abi packs.
func (g *Generator) Value(t abi.Type) any {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		return fromBig(t, g.integer(t))
	case abi.BoolTy:
		return g.sample(gen.Bool()).(bool)
	case abi.AddressTy:
		return g.address()
	case abi.FixedBytesTy, abi.FunctionTy:
		size := t.Size
		if t.T == abi.FunctionTy {
			size = 24
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(g.fixedBytes(size)))
		return arr.Interface()
	case abi.BytesTy:
		return g.bytes(g.intn(maxDynamicLength + 1))
	case abi.StringTy:
		return g.sample(gen.OneGenOf(gen.AlphaString(), gen.AnyString(), gen.Const(""))).(string)
	case abi.SliceTy:
		n := g.intn(maxDynamicLength/4 + 1)
		s := reflect.MakeSlice(t.GetType(), n, n)
		for i := 0; i < n; i++ {
			s.Index(i).Set(reflect.ValueOf(g.Value(*t.Elem)))
		}
		return s.Interface()
	case abi.ArrayTy:
		arr := reflect.New(t.GetType()).Elem()
		for i := 0; i < t.Size; i++ {
			arr.Index(i).Set(reflect.ValueOf(g.Value(*t.Elem)))
		}
		return arr.Interface()
	case abi.TupleTy:
		v := reflect.New(t.TupleType).Elem()
		for i, elem := range t.TupleElems {
			v.Field(i).Set(reflect.ValueOf(g.Value(*elem)))
		}
		return v.Interface()
	}
	return nil
}

func (g *Generator) dictionaryWord() gopter.Gen {
	return func(p *gopter.GenParameters) *gopter.GenResult {
		w, _ := g.dict.word(p.Rng.Uint64())
		return gopter.NewGenResult(wordInt(w), gopter.NoShrinker)
	}
}

func randomWord() gopter.Gen {
	return gen.SliceOfN(32, gen.UInt8()).Map(func(b []uint8) *big.Int {
		return new(big.Int).SetBytes(b)
	})
}

func smallWord() gopter.Gen {
	return gen.UInt64Range(0, 1024).Map(func(v uint64) *big.Int {
		return new(big.Int).SetUint64(v)
	})
}

// integer returns the bits of an integer of t's width, as unsigned.
func (g *Generator) integer(t abi.Type) *big.Int {
	choices := []gen.WeightedGen{
		{Weight: edgeWeight, Gen: gen.OneConstOf(edges(t)...)},
		{Weight: 100 - edgeWeight - g.dictWeight, Gen: gen.OneGenOf(randomWord(), smallWord())},
	}
	if g.dictWeight > 0 && g.dict.Len() > 0 {
		choices = append(choices, gen.WeightedGen{Weight: g.dictWeight, Gen: g.dictionaryWord()})
	}
	return g.sample(gen.Weighted(positive(choices))).(*big.Int)
}

func positive(choices []gen.WeightedGen) []gen.WeightedGen {
	out := choices[:0]
	for _, c := range choices {
		if c.Weight > 0 {
			out = append(out, c)
		}
	}
	return out
}

func (g *Generator) address() common.Address {
	if g.dictWeight > 0 && g.intn(100) < g.dictWeight {
		if a, ok := g.dict.address(g.params.Rng.Uint64()); ok {
			return a
		}
	}
	if g.intn(100) < edgeWeight/3 {
		return common.Address{}
	}
	return common.BytesToAddress(g.fixedBytes(common.AddressLength))
}

func (g *Generator) fixedBytes(n int) []byte {
	if g.dictWeight > 0 && g.intn(100) < g.dictWeight {
		if w, ok := g.dict.word(g.params.Rng.Uint64()); ok {
			return common.CopyBytes(w[32-min(n, 32):])
		}
	}
	return g.bytes(n)
}

func (g *Generator) bytes(n int) []byte {
	return g.sample(gen.SliceOfN(n, gen.UInt8())).([]byte)
}

// edges returns the boundary values of an integer type as unsigned bits.
func edges(t abi.Type) []any {
	bits := uint(t.Size)
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bits), big.NewInt(1))
	out := []any{big.NewInt(0), big.NewInt(1), big.NewInt(2), max, new(big.Int).Sub(max, big.NewInt(1))}
	if t.T == abi.IntTy {
		half := new(big.Int).Lsh(big.NewInt(1), bits-1)
		out = append(out, half, new(big.Int).Sub(half, big.NewInt(1)))
	}
	return out
}

// fromBig truncates bits to t's width and converts them to the Go type
// accounts/abi expects for t. Signed types read the bits as two's
// complement.
func fromBig(t abi.Type, bits *big.Int) any {
	width := uint(t.Size)
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), width), big.NewInt(1))
	v := new(big.Int).And(bits, mask)
	if t.T == abi.IntTy && v.Bit(int(width)-1) == 1 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), width))
	}
	return toGo(t, v)
}

// toGo converts an in-range integer to the Go type of t.
func toGo(t abi.Type, v *big.Int) any {
	if t.T == abi.UintTy {
		switch t.Size {
		case 8:
			return uint8(v.Uint64())
		case 16:
			return uint16(v.Uint64())
		case 32:
			return uint32(v.Uint64())
		case 64:
			return v.Uint64()
		}
		return v
	}
	switch t.Size {
	case 8:
		return int8(v.Int64())
	case 16:
		return int16(v.Int64())
	case 32:
		return int32(v.Int64())
	case 64:
		return v.Int64()
	}
	return v
}

// toBig reads any integer accounts/abi produces.
func toBig(v any) *big.Int {
	switch v := v.(type) {
	case *big.Int:
		return new(big.Int).Set(v)
	case uint8:
		return new(big.Int).SetUint64(uint64(v))
	case uint16:
		return new(big.Int).SetUint64(uint64(v))
	case uint32:
		return new(big.Int).SetUint64(uint64(v))
	case uint64:
		return new(big.Int).SetUint64(v)
	case int8:
		return big.NewInt(int64(v))
	case int16:
		return big.NewInt(int64(v))
	case int32:
		return big.NewInt(int64(v))
	case int64:
		return big.NewInt(v)
	}
	return new(big.Int)
}

package cheatcode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

var (
	errJSONKey       = errors.New("key not found")
	errJSONCompound  = errors.New("value is an object or array")
	errEnvNotPresent = errors.New("environment variable not found")
)

func parseUint(s string) (*big.Int, error) {
	v, ok := math.ParseBig256(strings.TrimSpace(s))
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("cannot parse %q as uint256", s)
	}
	return v, nil
}

func parseInt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	v, err := parseUint(strings.TrimPrefix(s, "-"))
	if err != nil || v.BitLen() > 255 {
		return nil, fmt.Errorf("cannot parse %q as int256", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("cannot parse %q as address", s)
	}
	return common.HexToAddress(s), nil
}

func parseBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q as bytes: %w", s, err)
	}
	return b, nil
}

// parseBytes32 right-pads shorter values, as bytes32 literals are.
func parseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := parseBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) > 32 {
		return out, fmt.Errorf("cannot parse %q as bytes32", s)
	}
	copy(out[:], b)
	return out, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("cannot parse %q as bool", s)
}

// jsonPath splits keys in the form "$.a.b[0]" or ".a.b[0]".
func jsonPath(key string) ([]string, error) {
	key = strings.TrimPrefix(key, "$")
	var out []string
	for key != "" {
		switch key[0] {
		case '.':
			key = key[1:]
			end := strings.IndexAny(key, ".[")
			if end < 0 {
				end = len(key)
			}
			if end == 0 {
				return nil, fmt.Errorf("empty segment in json key")
			}
			out = append(out, key[:end])
			key = key[end:]
		case '[':
			end := strings.IndexByte(key, ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated index in json key")
			}
			out = append(out, key[:end+1])
			key = key[end+1:]
		default:
			return nil, fmt.Errorf("json key must start with '.' or '$.'")
		}
	}
	return out, nil
}

// jsonLookup returns the value at key in doc. Numbers are kept as
// json.Number so large integers survive.
func jsonLookup(doc, key string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	path, err := jsonPath(key)
	if err != nil {
		return nil, err
	}
	for _, seg := range path {
		if strings.HasPrefix(seg, "[") {
			arr, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s", errJSONKey, key)
			}
			i, err := strconv.Atoi(seg[1 : len(seg)-1])
			if err != nil || i < 0 || i >= len(arr) {
				return nil, fmt.Errorf("%w: %s", errJSONKey, key)
			}
			v = arr[i]
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s", errJSONKey, key)
		}
		if v, ok = obj[seg]; !ok {
			return nil, fmt.Errorf("%w: %s", errJSONKey, key)
		}
	}
	return v, nil
}

// jsonScalar returns a JSON leaf as the string it would be parsed from.
func jsonScalar(doc, key string) (string, error) {
	v, err := jsonLookup(doc, key)
	if err != nil {
		return "", err
	}
	switch v := v.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("%w: %s", errJSONCompound, key)
}

// encodeJSON ABI-encodes a JSON leaf, inferring its Solidity type.
func encodeJSON(v any) ([]byte, error) {
	var (
		typ string
		val any
	)
	switch v := v.(type) {
	case bool:
		typ, val = "bool", v
	case json.Number:
		n, err := parseInt(v.String())
		if err != nil {
			return nil, err
		}
		typ, val = "uint256", n
		if n.Sign() < 0 {
			typ = "int256"
		}
	case string:
		switch {
		case common.IsHexAddress(v) && len(v) == 42:
			typ, val = "address", common.HexToAddress(v)
		case strings.HasPrefix(v, "0x") && len(v) == 66:
			b, _ := parseBytes32(v)
			typ, val = "bytes32", b
		case strings.HasPrefix(v, "0x"):
			b, err := parseBytes(v)
			if err != nil {
				typ, val = "string", v
				break
			}
			typ, val = "bytes", b
		default:
			typ, val = "string", v
		}
	default:
		return nil, errJSONCompound
	}
	return args(typ).Pack(val)
}

func env(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", errEnvNotPresent, name)
	}
	return v, nil
}

// scalar describes a Solidity type parsed from text.
type scalar struct {
	name  string
	typ   string
	parse func(string) (any, error)
}

var scalars = []scalar{
	{"Uint", "uint256", func(s string) (any, error) { return parseUint(s) }},
	{"Int", "int256", func(s string) (any, error) { return parseInt(s) }},
	{"Address", "address", func(s string) (any, error) { return parseAddress(s) }},
	{"Bytes32", "bytes32", func(s string) (any, error) { return parseBytes32(s) }},
	{"Bool", "bool", func(s string) (any, error) { return parseBool(s) }},
	{"Bytes", "bytes", func(s string) (any, error) { return parseBytes(s) }},
	{"String", "string", func(s string) (any, error) { return s, nil }},
}

func one(v any, err error) ([]any, error) {
	if err != nil {
		return nil, err
	}
	return []any{v}, nil
}

func init() {
	for _, sc := range scalars {
		parse := sc.parse
		if sc.name != "String" {
			pure("parse"+sc.name+"(string)", args(sc.typ), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
				return one(parse(a[0].(string)))
			})
		}
		pure("parseJson"+sc.name+"(string,string)", args(sc.typ), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
			s, err := jsonScalar(a[0].(string), a[1].(string))
			if err != nil {
				return nil, err
			}
			return one(parse(s))
		})
		impure("env"+sc.name+"(string)", args(sc.typ), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
			s, err := env(a[0].(string))
			if err != nil {
				return nil, err
			}
			return one(parse(s))
		})
		impure("envOr(string,"+sc.typ+")", args(sc.typ), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
			s, err := env(a[0].(string))
			if errors.Is(err, errEnvNotPresent) {
				return []any{a[1]}, nil
			}
			return one(parse(s))
		})
	}
	pure("parseJson(string,string)", args("bytes"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		v, err := jsonLookup(a[0].(string), a[1].(string))
		if err != nil {
			return nil, err
		}
		return one(encodeJSON(v))
	})
	pure("keyExistsJson(string,string)", args("bool"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		_, err := jsonLookup(a[0].(string), a[1].(string))
		if errors.Is(err, errJSONKey) {
			return []any{false}, nil
		}
		return one(true, err)
	})
	impure("envExists(string)", args("bool"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		_, ok := os.LookupEnv(a[0].(string))
		return []any{ok}, nil
	})
	impure("setEnv(string,string)", nil, func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		name := a[0].(string)
		if name == "" || strings.ContainsAny(name, "=\x00") {
			return nil, fmt.Errorf("invalid environment variable name %q", name)
		}
		return nil, os.Setenv(name, a[1].(string))
	})

	pure("toString(address)", args("string"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		return []any{a[0].(common.Address).Hex()}, nil
	})
	pure("toString(bool)", args("string"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		return []any{strconv.FormatBool(a[0].(bool))}, nil
	})
	pure("toString(uint256)", args("string"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		return []any{a[0].(*big.Int).String()}, nil
	})
	pure("toString(int256)", args("string"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		return []any{a[0].(*big.Int).String()}, nil
	})
	pure("toString(bytes32)", args("string"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		b := a[0].([32]byte)
		return []any{hexutil.Encode(b[:])}, nil
	})
	pure("toString(bytes)", args("string"), func(_ *Cheats, _ *callContext, a []any) ([]any, error) {
		return []any{hexutil.Encode(a[0].([]byte))}, nil
	})
}

// formatValue renders an ABI-decoded value for assertion messages.
func formatValue(v any) string {
	switch v := v.(type) {
	case *big.Int:
		return v.String()
	case common.Address:
		return v.Hex()
	case [32]byte:
		return hexutil.Encode(v[:])
	case []byte:
		return hexutil.Encode(v)
	case string:
		return strconv.Quote(v)
	}
	return fmt.Sprint(v)
}

func equal(x, y any) bool {
	switch x := x.(type) {
	case *big.Int:
		return x.Cmp(y.(*big.Int)) == 0
	case []byte:
		return bytes.Equal(x, y.([]byte))
	}
	return x == y
}

package inspector

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/edrgo/edr/log"
)

// ConsoleAddress is the address console.sol calls.
var ConsoleAddress = common.HexToAddress("0x000000000000000000636F6e736F6c652e6c6f67")

var (
	// ErrUnknownConsoleSelector is returned for calldata matching no
	// console.sol overload.
	ErrUnknownConsoleSelector = errors.New("unknown console.log selector")

	consoleLogger = log.Module("console")
	consoleABI    = buildConsoleSelectors()
)

// consoleTypes are the parameter types console.sol combines in its log
// overloads.
var consoleTypes = []string{"uint256", "string", "bool", "address"}

func buildConsoleSelectors() map[[4]byte]abi.Arguments {
	table := make(map[[4]byte]abi.Arguments)
	add := func(name string, params ...string) {
		args := make(abi.Arguments, len(params))
		for i, p := range params {
			typ, err := abi.NewType(p, "", nil)
			if err != nil {
				panic(fmt.Sprintf("console type %s: %v", p, err))
			}
			args[i] = abi.Argument{Type: typ}
		}
		register := func(sig string) {
			var sel [4]byte
			copy(sel[:], crypto.Keccak256([]byte(sig)))
			table[sel] = args
		}
		sig := name + "(" + strings.Join(params, ",") + ")"
		register(sig)
		// Early console.sol releases hashed the non-canonical spelling.
		if legacy := strings.ReplaceAll(sig, "int256", "int"); legacy != sig {
			register(legacy)
		}
	}

	add("log")
	for _, single := range []struct{ name, typ string }{
		{"logInt", "int256"}, {"logUint", "uint256"}, {"logString", "string"},
		{"logBool", "bool"}, {"logAddress", "address"}, {"logBytes", "bytes"},
		{"log", "int256"}, {"log", "bytes"},
	} {
		add(single.name, single.typ)
	}
	for n := 1; n <= 32; n++ {
		add(fmt.Sprintf("logBytes%d", n), fmt.Sprintf("bytes%d", n))
	}
	var combine func(prefix []string, left int)
	combine = func(prefix []string, left int) {
		if len(prefix) > 0 {
			add("log", prefix...)
		}
		if left == 0 {
			return
		}
		for _, t := range consoleTypes {
			combine(append(append([]string(nil), prefix...), t), left-1)
		}
	}
	combine(nil, 4)
	return table
}

// DecodeConsoleLog formats the calldata of a console.log call the way
// Hardhat prints it.
func DecodeConsoleLog(input []byte) (string, error) {
	if len(input) < 4 {
		return "", ErrUnknownConsoleSelector
	}
	var sel [4]byte
	copy(sel[:], input[:4])
	args, ok := consoleABI[sel]
	if !ok {
		return "", ErrUnknownConsoleSelector
	}
	values, err := args.Unpack(input[4:])
	if err != nil {
		return "", fmt.Errorf("decode console.log arguments: %w", err)
	}
	return formatConsole(values), nil
}

func formatConsoleValue(v any) string {
	switch v := v.(type) {
	case *big.Int:
		return v.String()
	case string:
		return v
	case bool:
		return fmt.Sprint(v)
	case common.Address:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		b := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(b), rv)
		return hexutil.Encode(b)
	}
	return fmt.Sprint(v)
}

// formatConsole joins values with spaces. A leading string is a format
// string whose %s, %d, %i and %o directives consume the following values.
func formatConsole(values []any) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, 0, len(values))
	rest := values
	if f, ok := values[0].(string); ok && strings.Contains(f, "%") {
		rest = values[1:]
		var sb strings.Builder
		for i := 0; i < len(f); i++ {
			if f[i] != '%' || i+1 == len(f) {
				sb.WriteByte(f[i])
				continue
			}
			switch f[i+1] {
			case 's', 'd', 'i', 'o':
				if len(rest) == 0 {
					sb.WriteByte(f[i])
					continue
				}
				sb.WriteString(formatConsoleValue(rest[0]))
				rest = rest[1:]
				i++
			case '%':
				sb.WriteByte('%')
				i++
			default:
				sb.WriteByte(f[i])
			}
		}
		parts = append(parts, sb.String())
	}
	for _, v := range rest {
		parts = append(parts, formatConsoleValue(v))
	}
	return strings.Join(parts, " ")
}

// Console collects console.log output.
type Console struct {
	lines []string
	// Print, when set, also receives each line as it is decoded.
	Print func(string)
}

// NewConsole returns a collector that also logs each line.
func NewConsole() *Console {
	return &Console{Print: func(line string) { consoleLogger.Info(line) }}
}

// Hooks returns the collector's interpreter hooks.
func (c *Console) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter: func(_ int, _ byte, _ common.Address, to common.Address, input []byte, _ uint64, _ *big.Int) {
			if to != ConsoleAddress {
				return
			}
			line, err := DecodeConsoleLog(input)
			if err != nil {
				consoleLogger.Debug("Undecodable console.log call", "err", err)
				return
			}
			c.lines = append(c.lines, line)
			if c.Print != nil {
				c.Print(line)
			}
		},
	}
}

// Lines returns the decoded lines in call order.
func (c *Console) Lines() []string { return c.lines }

// Reset drops the collected lines.
func (c *Console) Reset() { c.lines = nil }

package chainspec

import (
	"fmt"
	"strings"

	"github.com/edrgo/edr/header"
)

// SpecID is the interpreter's canonical rule-set identifier. Every chain's
// hardfork maps onto one of these.
type SpecID uint8

const (
	Frontier SpecID = iota
	Homestead
	DaoFork
	Tangerine
	SpuriousDragon
	Byzantium
	Constantinople
	Petersburg
	Istanbul
	MuirGlacier
	Berlin
	London
	ArrowGlacier
	GrayGlacier
	Merge
	Shanghai
	Cancun
	Prague
	Osaka
)

// LatestSpecID is the newest supported rule set.
const LatestSpecID = Osaka

var specNames = [...]string{
	Frontier:       "frontier",
	Homestead:      "homestead",
	DaoFork:        "dao",
	Tangerine:      "tangerineWhistle",
	SpuriousDragon: "spuriousDragon",
	Byzantium:      "byzantium",
	Constantinople: "constantinople",
	Petersburg:     "petersburg",
	Istanbul:       "istanbul",
	MuirGlacier:    "muirGlacier",
	Berlin:         "berlin",
	London:         "london",
	ArrowGlacier:   "arrowGlacier",
	GrayGlacier:    "grayGlacier",
	Merge:          "merge",
	Shanghai:       "shanghai",
	Cancun:         "cancun",
	Prague:         "prague",
	Osaka:          "osaka",
}

var specAliases = map[string]SpecID{
	"paris":     Merge,
	"daofork":   DaoFork,
	"tangerine": Tangerine,
}

func (s SpecID) String() string {
	if int(s) < len(specNames) {
		return specNames[s]
	}
	return fmt.Sprintf("SpecID(%d)", uint8(s))
}

// SpecID returns s, so that SpecID itself satisfies Hardfork.
func (s SpecID) SpecID() SpecID { return s }

// ParseSpecID parses a hardfork name case-insensitively.
func ParseSpecID(name string) (SpecID, error) {
	lower := strings.ToLower(name)
	for i, n := range specNames {
		if strings.ToLower(n) == lower {
			return SpecID(i), nil
		}
	}
	if s, ok := specAliases[lower]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownHardfork, name)
}

// HeaderRules returns the header-construction facts of spec.
func HeaderRules(spec SpecID, baseFee header.BaseFeeParams) header.Rules {
	return header.Rules{
		London:   spec >= London,
		Merge:    spec >= Merge,
		Shanghai: spec >= Shanghai,
		Cancun:   spec >= Cancun,
		Prague:   spec >= Prague,
		Osaka:    spec >= Osaka,
		BaseFee:  baseFee,
		Blob:     BlobParamsFor(spec),
	}
}

// BlobParamsFor returns the blob schedule of spec. Pre-Cancun specs have
// none and report zero values.
func BlobParamsFor(spec SpecID) header.BlobParams {
	switch {
	case spec >= Prague:
		return header.PragueBlobParams
	case spec >= Cancun:
		return header.CancunBlobParams
	}
	return header.BlobParams{}
}

// CheckTransactionType rejects envelope types that are not yet active.
func CheckTransactionType(typ uint8, spec SpecID) error {
	var min SpecID
	switch typ {
	case 0:
		return nil
	case 1:
		min = Berlin
	case 2:
		min = London
	case 3:
		min = Cancun
	case 4:
		min = Prague
	default:
		return fmt.Errorf("%w: 0x%x", ErrUnsupportedTransactionType, typ)
	}
	if spec < min {
		return &TransactionTypeError{Type: typ, Spec: spec, Required: min}
	}
	return nil
}

// TransactionTypeError is returned for typed transactions sent before the
// hardfork that introduced them.
type TransactionTypeError struct {
	Type     uint8
	Spec     SpecID
	Required SpecID
}

func (e *TransactionTypeError) Error() string {
	return fmt.Sprintf("transaction type 0x%x requires hardfork %s, active is %s", e.Type, e.Required, e.Spec)
}

package op

import (
	"fmt"
	"strings"

	"github.com/edrgo/edr/chainspec"
)

// Hardfork is the OP-stack hardfork enum.
type Hardfork uint8

const (
	Bedrock Hardfork = iota
	Regolith
	Canyon
	Ecotone
	Fjord
	Granite
	Holocene
	Isthmus
)

var hardforkNames = [...]string{
	Bedrock:  "bedrock",
	Regolith: "regolith",
	Canyon:   "canyon",
	Ecotone:  "ecotone",
	Fjord:    "fjord",
	Granite:  "granite",
	Holocene: "holocene",
	Isthmus:  "isthmus",
}

var hardforkSpecs = [...]chainspec.SpecID{
	Bedrock:  chainspec.Merge,
	Regolith: chainspec.Merge,
	Canyon:   chainspec.Shanghai,
	Ecotone:  chainspec.Cancun,
	Fjord:    chainspec.Cancun,
	Granite:  chainspec.Cancun,
	Holocene: chainspec.Cancun,
	Isthmus:  chainspec.Prague,
}

func (h Hardfork) String() string {
	if int(h) < len(hardforkNames) {
		return hardforkNames[h]
	}
	return fmt.Sprintf("Hardfork(%d)", uint8(h))
}

// SpecID maps h onto the interpreter's rule set.
func (h Hardfork) SpecID() chainspec.SpecID {
	if int(h) < len(hardforkSpecs) {
		return hardforkSpecs[h]
	}
	return chainspec.LatestSpecID
}

// ParseHardfork parses an OP hardfork name case-insensitively.
func ParseHardfork(name string) (Hardfork, error) {
	for i, n := range hardforkNames {
		if strings.EqualFold(n, name) {
			return Hardfork(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", chainspec.ErrUnknownHardfork, name)
}

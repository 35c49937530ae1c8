package primitives

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockTag is a symbolic block reference.
type BlockTag string

// Supported block tags.
const (
	TagLatest    BlockTag = "latest"
	TagPending   BlockTag = "pending"
	TagEarliest  BlockTag = "earliest"
	TagSafe      BlockTag = "safe"
	TagFinalized BlockTag = "finalized"
)

// ErrInvalidBlockSpec is returned for block specifiers that are neither a
// tag, a quantity nor an EIP-1898 object.
var ErrInvalidBlockSpec = errors.New("invalid block specifier")

// BlockSpec identifies a block by tag, number or hash. Exactly one field is
// set.
type BlockSpec struct {
	Tag              BlockTag
	Number           *uint64
	Hash             *common.Hash
	RequireCanonical bool
}

// Latest is the default block specifier.
func Latest() BlockSpec { return BlockSpec{Tag: TagLatest} }

// Pending refers to the block that would be mined next.
func Pending() BlockSpec { return BlockSpec{Tag: TagPending} }

// AtNumber refers to block n.
func AtNumber(n uint64) BlockSpec { return BlockSpec{Number: &n} }

// AtHash refers to the block with hash h.
func AtHash(h common.Hash) BlockSpec { return BlockSpec{Hash: &h} }

// IsPending reports whether s refers to the pending block.
func (s BlockSpec) IsPending() bool { return s.Tag == TagPending }

// String renders s in its JSON-RPC form.
func (s BlockSpec) String() string {
	switch {
	case s.Number != nil:
		return hexutil.EncodeUint64(*s.Number)
	case s.Hash != nil:
		return s.Hash.Hex()
	case s.Tag == "":
		return string(TagLatest)
	}
	return string(s.Tag)
}

// MarshalJSON encodes s as a tag, quantity or EIP-1898 object.
func (s BlockSpec) MarshalJSON() ([]byte, error) {
	if s.Hash != nil {
		return json.Marshal(struct {
			BlockHash        common.Hash `json:"blockHash"`
			RequireCanonical bool        `json:"requireCanonical,omitempty"`
		}{*s.Hash, s.RequireCanonical})
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a tag, quantity, 32-byte hash or EIP-1898 object.
func (s *BlockSpec) UnmarshalJSON(data []byte) error {
	*s = BlockSpec{}
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			BlockHash        *common.Hash    `json:"blockHash"`
			BlockNumber      *hexutil.Uint64 `json:"blockNumber"`
			RequireCanonical bool            `json:"requireCanonical"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		switch {
		case obj.BlockHash != nil && obj.BlockNumber != nil:
			return fmt.Errorf("%w: both blockHash and blockNumber", ErrInvalidBlockSpec)
		case obj.BlockHash != nil:
			s.Hash = obj.BlockHash
			s.RequireCanonical = obj.RequireCanonical
		case obj.BlockNumber != nil:
			n := uint64(*obj.BlockNumber)
			s.Number = &n
		default:
			return fmt.Errorf("%w: empty object", ErrInvalidBlockSpec)
		}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBlockSpec, string(data))
	}
	return s.parse(str)
}

// ParseBlockSpec parses the string form of a block specifier.
func ParseBlockSpec(str string) (BlockSpec, error) {
	var s BlockSpec
	err := s.parse(str)
	return s, err
}

func (s *BlockSpec) parse(str string) error {
	switch BlockTag(str) {
	case TagLatest, TagPending, TagEarliest, TagSafe, TagFinalized:
		s.Tag = BlockTag(str)
		return nil
	}
	if len(str) == 66 && strings.HasPrefix(str, "0x") {
		b, err := hexutil.Decode(str)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlockSpec, err)
		}
		h := common.BytesToHash(b)
		s.Hash = &h
		return nil
	}
	n, err := hexutil.DecodeUint64(str)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidBlockSpec, str)
	}
	s.Number = &n
	return nil
}

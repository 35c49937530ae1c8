package stacktrace

import (
	"fmt"

	"github.com/edrgo/edr/solidity/artifact"
)

// ContractBytecode is the creation or runtime code of a known contract,
// decoded for source mapping.
type ContractBytecode struct {
	Contract     *artifact.Artifact
	IsDeployment bool
	// Normalized is the artifact code without metadata, with library
	// addresses and immutables zeroed.
	Normalized   []byte
	Instructions []Instruction

	holes []artifact.Offset
	byPC  map[int]int
}

// NewContractBytecode decodes the creation (deployment) or runtime code of
// a.
func NewContractBytecode(a *artifact.Artifact, deployment bool) (*ContractBytecode, error) {
	src := &a.DeployedBytecode
	if deployment {
		src = &a.Bytecode
	}
	if src.Empty() {
		return nil, fmt.Errorf("%s: %w", a.ID, artifact.ErrNoBytecode)
	}
	entries, err := DecodeSourceMap(src.SourceMap)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.ID, err)
	}
	code := src.Object
	if !deployment {
		code = artifact.StripMetadata(code)
	}
	b := &ContractBytecode{
		Contract:     a,
		IsDeployment: deployment,
		Normalized:   code,
		Instructions: DecodeInstructions(src.Object, entries),
		holes:        src.Holes(),
		byPC:         make(map[int]int),
	}
	for i, ins := range b.Instructions {
		b.byPC[ins.PC] = i
	}
	return b, nil
}

// InstructionAt returns the instruction at pc.
func (b *ContractBytecode) InstructionAt(pc uint64) (*Instruction, bool) {
	i, ok := b.byPC[int(pc)]
	if !ok {
		return nil, false
	}
	return &b.Instructions[i], true
}

// matches compares observed code with the normalized code, ignoring the
// holes. Creation code may be followed by constructor arguments.
func (b *ContractBytecode) matches(code []byte) bool {
	n := len(b.Normalized)
	if b.IsDeployment {
		if len(code) < n {
			return false
		}
	} else if len(code) != n {
		return false
	}
	h := 0
	for i := 0; i < n; i++ {
		for h < len(b.holes) && b.holes[h].Start+b.holes[h].Length <= i {
			h++
		}
		if h < len(b.holes) && b.holes[h].Start <= i {
			continue
		}
		if code[i] != b.Normalized[i] {
			return false
		}
	}
	return true
}

type trieNode struct {
	children    map[byte]*trieNode
	runtime     *ContractBytecode
	deployment  *ContractBytecode
	descendants []*ContractBytecode
}

func newTrieNode() *trieNode { return &trieNode{children: make(map[byte]*trieNode)} }

// Trie indexes contract code byte by byte so observed code can be matched
// to a contract even when it was deployed at runtime.
type Trie struct {
	root *trieNode
}

// NewTrie returns an empty trie.
func NewTrie() *Trie { return &Trie{root: newTrieNode()} }

// Add indexes b under its normalized code.
func (t *Trie) Add(b *ContractBytecode) {
	node := t.root
	node.descendants = append(node.descendants, b)
	for _, c := range b.Normalized {
		child, ok := node.children[c]
		if !ok {
			child = newTrieNode()
			node.children[c] = child
		}
		node = child
		node.descendants = append(node.descendants, b)
	}
	if b.IsDeployment {
		node.deployment = b
	} else {
		node.runtime = b
	}
}

// Search identifies code. Runtime code is compared without its metadata;
// creation code matches the longest known prefix, the rest being
// constructor arguments. Where linked libraries or immutables make the
// code diverge from every indexed path, the candidates below the point of
// divergence are compared with those ranges ignored.
func (t *Trie) Search(code []byte, deployment bool) *ContractBytecode {
	if !deployment {
		code = artifact.StripMetadata(code)
	}
	node := t.root
	var prefix *ContractBytecode
	for i := 0; ; i++ {
		if deployment && node.deployment != nil {
			prefix = node.deployment
		}
		if i == len(code) {
			if !deployment && node.runtime != nil {
				return node.runtime
			}
			break
		}
		child, ok := node.children[code[i]]
		if !ok {
			break
		}
		node = child
	}
	if prefix != nil {
		return prefix
	}
	for _, cand := range node.descendants {
		if cand.IsDeployment == deployment && cand.matches(code) {
			return cand
		}
	}
	return nil
}

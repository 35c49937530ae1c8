// Package artifact loads Solidity compilation artifacts: the ABI, creation
// and runtime bytecode with their source maps, link references and
// immutable references of each contract, plus the sources they were
// compiled from. Foundry (out/<File>.sol/<Name>.json) and Hardhat
// (hh-sol-artifact-1) layouts are both understood.
package artifact

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnlinked is returned when bytecode still holds a library
	// placeholder the caller did not supply an address for.
	ErrUnlinked = errors.New("bytecode references an unlinked library")
	// ErrNoBytecode is returned for interfaces and abstract contracts.
	ErrNoBytecode = errors.New("artifact has no bytecode")
)

// ContractID names a contract by source path and contract name.
type ContractID struct {
	Source string
	Name   string
}

func (id ContractID) String() string {
	if id.Source == "" {
		return id.Name
	}
	return id.Source + ":" + id.Name
}

// ParseContractID parses "path/File.sol:Name" or a bare name.
func ParseContractID(s string) ContractID {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		return ContractID{Source: s[:i], Name: s[i+1:]}
	}
	return ContractID{Name: s}
}

// Offset is a byte range inside bytecode.
type Offset struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// LinkReference is a placeholder for a library address.
type LinkReference struct {
	Library ContractID
	Offsets []Offset
}

// Bytecode is one of a contract's two code blobs. Placeholders are zeroed
// in Object until the code is linked.
type Bytecode struct {
	Object              []byte
	SourceMap           string
	LinkReferences      []LinkReference
	ImmutableReferences []Offset
}

// Empty reports whether there is no code.
func (b *Bytecode) Empty() bool { return len(b.Object) == 0 }

// Holes returns every range whose content differs between the artifact
// and deployed code: library addresses and immutables.
func (b *Bytecode) Holes() []Offset {
	var out []Offset
	for _, ref := range b.LinkReferences {
		out = append(out, ref.Offsets...)
	}
	out = append(out, b.ImmutableReferences...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Libraries lists the libraries the code must be linked against.
func (b *Bytecode) Libraries() []ContractID {
	out := make([]ContractID, 0, len(b.LinkReferences))
	for _, ref := range b.LinkReferences {
		out = append(out, ref.Library)
	}
	return out
}

// Link returns the code with every library placeholder replaced by the
// address in libs. Libraries are matched by full id first, then by name.
func (b *Bytecode) Link(libs map[ContractID]common.Address) ([]byte, error) {
	code := common.CopyBytes(b.Object)
	for _, ref := range b.LinkReferences {
		addr, ok := libs[ref.Library]
		if !ok {
			addr, ok = libs[ContractID{Name: ref.Library.Name}]
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnlinked, ref.Library)
		}
		for _, off := range ref.Offsets {
			if off.Start < 0 || off.Start+common.AddressLength > len(code) {
				return nil, fmt.Errorf("link reference %s at %d out of range", ref.Library, off.Start)
			}
			copy(code[off.Start:], addr.Bytes())
		}
	}
	return code, nil
}

// Artifact is one compiled contract.
type Artifact struct {
	ID               ContractID
	ABI              abi.ABI
	Bytecode         Bytecode
	DeployedBytecode Bytecode
	// CompilerVersion is the solc version, such as "0.8.24+commit.e11b9ed9";
	// empty when the artifact does not record it.
	CompilerVersion string
	// SourceID is the compiler's id of the contract's source file, -1 when
	// unknown. Source maps refer to files by these ids.
	SourceID int
}

// IsTest reports whether the contract holds tests by naming convention.
func (a *Artifact) IsTest() bool { return strings.HasSuffix(a.ID.Name, "Test") }

// IsDeployable reports whether the artifact can be deployed.
func (a *Artifact) IsDeployable() bool { return !a.Bytecode.Empty() }

// Version returns the parsed compiler version.
func (a *Artifact) Version() (semver.Version, bool) {
	if a.CompilerVersion == "" {
		return semver.Version{}, false
	}
	v, err := semver.ParseTolerant(strings.TrimPrefix(a.CompilerVersion, "v"))
	if err != nil {
		return semver.Version{}, false
	}
	return v, true
}

// IsLibrary reports whether the runtime code starts with the call
// protection solc prepends to libraries: PUSH20 <address> ADDRESS EQ.
func (a *Artifact) IsLibrary() bool {
	code := a.DeployedBytecode.Object
	return len(code) > 22 && code[0] == 0x73 && code[21] == 0x30 && code[22] == 0x14
}

// StripMetadata removes the CBOR-encoded compiler metadata solc appends to
// runtime code. Code without a well-formed trailer is returned unchanged.
func StripMetadata(code []byte) []byte {
	if len(code) < 2 {
		return code
	}
	n := int(code[len(code)-2])<<8 | int(code[len(code)-1])
	end := len(code) - 2 - n
	if n == 0 || end < 0 {
		return code
	}
	// The trailer is a CBOR map; solc emits at most a handful of keys.
	if m := code[end]; m < 0xa1 || m > 0xa5 {
		return code
	}
	return code[:end]
}

type rawLinkReferences map[string]map[string][]Offset

func (r rawLinkReferences) parse() []LinkReference {
	var out []LinkReference
	for source, libs := range r {
		for name, offsets := range libs {
			out = append(out, LinkReference{Library: ContractID{Source: source, Name: name}, Offsets: offsets})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Library.String() < out[j].Library.String() })
	return out
}

type rawBytecode struct {
	Object              string              `json:"object"`
	SourceMap           string              `json:"sourceMap"`
	LinkReferences      rawLinkReferences   `json:"linkReferences"`
	ImmutableReferences map[string][]Offset `json:"immutableReferences"`
}

// UnmarshalJSON accepts both the Foundry object form and Hardhat's bare
// hex string.
func (r *rawBytecode) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.Object)
	}
	type plain rawBytecode
	return json.Unmarshal(data, (*plain)(r))
}

func (r *rawBytecode) parse(links rawLinkReferences) (Bytecode, error) {
	object, err := decodeObject(r.Object)
	if err != nil {
		return Bytecode{}, err
	}
	if r.LinkReferences != nil {
		links = r.LinkReferences
	}
	b := Bytecode{Object: object, SourceMap: r.SourceMap, LinkReferences: links.parse()}
	for _, offsets := range r.ImmutableReferences {
		b.ImmutableReferences = append(b.ImmutableReferences, offsets...)
	}
	return b, nil
}

// decodeObject decodes hex bytecode whose library placeholders, forty
// characters starting with "__", are replaced by zeros.
func decodeObject(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, nil
	}
	buf := []byte(s)
	for i := 0; i+1 < len(buf); {
		if buf[i] == '_' && buf[i+1] == '_' {
			if i+40 > len(buf) {
				return nil, fmt.Errorf("truncated library placeholder at %d", i)
			}
			copy(buf[i:i+40], strings.Repeat("0", 40))
			i += 40
			continue
		}
		i++
	}
	out := make([]byte, len(buf)/2)
	if _, err := hex.Decode(out, buf); err != nil {
		return nil, fmt.Errorf("decode bytecode: %w", err)
	}
	return out, nil
}

type rawArtifact struct {
	// Hardhat
	ContractName           string            `json:"contractName"`
	SourceName             string            `json:"sourceName"`
	DeployedLinkReferences rawLinkReferences `json:"deployedLinkReferences"`
	LinkReferences         rawLinkReferences `json:"linkReferences"`

	ABI              json.RawMessage `json:"abi"`
	Bytecode         rawBytecode     `json:"bytecode"`
	DeployedBytecode rawBytecode     `json:"deployedBytecode"`
	ID               *int            `json:"id"`
	AST              *struct {
		AbsolutePath string `json:"absolutePath"`
	} `json:"ast"`
	Metadata json.RawMessage `json:"metadata"`
}

type rawMetadata struct {
	Compiler struct {
		Version string `json:"version"`
	} `json:"compiler"`
	Settings struct {
		CompilationTarget map[string]string `json:"compilationTarget"`
	} `json:"settings"`
}

// Parse decodes an artifact. hint names the contract when the artifact
// itself does not, as with Foundry artifacts outside their directory.
func Parse(data []byte, hint ContractID) (*Artifact, error) {
	var raw rawArtifact
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	a := &Artifact{ID: hint, SourceID: -1}
	if raw.ContractName != "" {
		a.ID = ContractID{Source: raw.SourceName, Name: raw.ContractName}
	}
	if raw.AST != nil && raw.AST.AbsolutePath != "" {
		a.ID.Source = raw.AST.AbsolutePath
	}
	if raw.ID != nil {
		a.SourceID = *raw.ID
	}
	if len(raw.Metadata) > 0 {
		var meta rawMetadata
		// Foundry stores metadata as an object, solc as a JSON string.
		if raw.Metadata[0] == '"' {
			var s string
			if json.Unmarshal(raw.Metadata, &s) == nil {
				_ = json.Unmarshal([]byte(s), &meta)
			}
		} else {
			_ = json.Unmarshal(raw.Metadata, &meta)
		}
		a.CompilerVersion = meta.Compiler.Version
		for source, name := range meta.Settings.CompilationTarget {
			if a.ID.Name == "" || a.ID.Name == name {
				a.ID = ContractID{Source: source, Name: name}
			}
		}
	}
	if a.ID.Name == "" {
		return nil, errors.New("parse artifact: contract name unknown")
	}
	if len(raw.ABI) > 0 && !bytes.Equal(raw.ABI, []byte("null")) {
		parsed, err := abi.JSON(bytes.NewReader(raw.ABI))
		if err != nil {
			return nil, fmt.Errorf("parse artifact %s abi: %w", a.ID, err)
		}
		a.ABI = parsed
	}
	var err error
	if a.Bytecode, err = raw.Bytecode.parse(raw.LinkReferences); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", a.ID, err)
	}
	if a.DeployedBytecode, err = raw.DeployedBytecode.parse(raw.DeployedLinkReferences); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", a.ID, err)
	}
	return a, nil
}

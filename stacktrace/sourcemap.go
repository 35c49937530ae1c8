// Package stacktrace reconstructs Solidity stack traces from a traced
// execution. Contracts are identified by their bytecode through a trie of
// every known contract, program counters are mapped back to source ranges
// through the compiler's source maps, and failures without a reason are
// classified by heuristics over the last executed opcodes.
package stacktrace

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/core/vm"
)

// JumpType is the jump annotation of a source map entry.
type JumpType uint8

const (
	JumpNone JumpType = iota
	JumpInto
	JumpOut
)

func parseJump(s string) (JumpType, error) {
	switch s {
	case "-":
		return JumpNone, nil
	case "i":
		return JumpInto, nil
	case "o":
		return JumpOut, nil
	}
	return JumpNone, fmt.Errorf("invalid jump type %q", s)
}

// Location is a byte range in a source file. File is -1 for code the
// compiler generated without a source.
type Location struct {
	File   int
	Offset int
	Length int
}

// SourceMapEntry is the decoded source map entry of one instruction.
type SourceMapEntry struct {
	Location      Location
	Jump          JumpType
	ModifierDepth int
}

// DecodeSourceMap decodes a compressed solc source map. Empty fields repeat
// the previous entry's value.
func DecodeSourceMap(s string) ([]SourceMapEntry, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ";")
	out := make([]SourceMapEntry, 0, len(parts))
	prev := SourceMapEntry{Location: Location{File: -1}}
	for i, part := range parts {
		cur := prev
		fields := strings.Split(part, ":")
		for j, f := range fields {
			if f == "" {
				continue
			}
			var err error
			switch j {
			case 0:
				cur.Location.Offset, err = strconv.Atoi(f)
			case 1:
				cur.Location.Length, err = strconv.Atoi(f)
			case 2:
				cur.Location.File, err = strconv.Atoi(f)
			case 3:
				cur.Jump, err = parseJump(f)
			case 4:
				cur.ModifierDepth, err = strconv.Atoi(f)
			}
			if err != nil {
				return nil, fmt.Errorf("source map entry %d: %w", i, err)
			}
		}
		out = append(out, cur)
		prev = cur
	}
	return out, nil
}

// Instruction is one decoded opcode of a contract.
type Instruction struct {
	PC       int
	Op       vm.OpCode
	PushData []byte
	Jump     JumpType
	// Location is nil for instructions without a source.
	Location *Location
}

// DecodeInstructions splits code into instructions and pairs them with the
// source map entries, which are indexed by instruction.
func DecodeInstructions(code []byte, entries []SourceMapEntry) []Instruction {
	var out []Instruction
	for pc := 0; pc < len(code); {
		op := vm.OpCode(code[pc])
		ins := Instruction{PC: pc, Op: op}
		next := pc + 1
		if op.IsPush() {
			size := int(op - vm.PUSH0)
			end := min(next+size, len(code))
			ins.PushData = code[next:end]
			next += size
		}
		if i := len(out); i < len(entries) {
			e := entries[i]
			ins.Jump = e.Jump
			if e.Location.File >= 0 {
				loc := e.Location
				ins.Location = &loc
			}
		}
		out = append(out, ins)
		pc = next
	}
	return out
}

package provider

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edrgo/edr/geth"
	"github.com/edrgo/edr/mempool"
)

func TestFailureMessage(t *testing.T) {
	empty := &geth.Outcome{Kind: geth.Revert}
	assert.Equal(t, "Transaction reverted without a reason string", failureMessage(empty))

	overflow := append(panicSelector[:], common.LeftPadBytes([]byte{0x11}, 32)...)
	msg := failureMessage(&geth.Outcome{Kind: geth.Revert, Output: overflow})
	assert.Equal(t, "VM Exception while processing transaction: reverted with panic code 0x11 (Arithmetic operation overflowed outside of an unchecked block)", msg)

	custom := failureMessage(&geth.Outcome{Kind: geth.Revert, Output: []byte{0xde, 0xad, 0xbe, 0xef}})
	assert.Contains(t, custom, "unrecognized custom error (return data: 0xdeadbeef)")
}

func TestCallFailedErrorCodes(t *testing.T) {
	reverted := &CallFailedError{Outcome: &geth.Outcome{Kind: geth.Revert, Output: []byte{1}}}
	assert.Equal(t, CodeReverted, reverted.ErrorCode())
	assert.NotNil(t, reverted.ErrorData())

	halted := &CallFailedError{Outcome: &geth.Outcome{Kind: geth.Halt}}
	assert.Equal(t, CodeInternal, halted.ErrorCode())
	assert.Nil(t, halted.ErrorData())
}

func TestToRPCError(t *testing.T) {
	assert.Nil(t, toRPCError(nil))

	err := toRPCError(fmt.Errorf("add: %w", mempool.ErrAlreadyKnown))
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidInput, rpcErr.Code)
	assert.Equal(t, "Known transaction", rpcErr.Message)

	other := fmt.Errorf("disk on fire")
	assert.Same(t, other, toRPCError(other))
}

func TestParseParams(t *testing.T) {
	raw := func(s ...string) []json.RawMessage {
		out := make([]json.RawMessage, len(s))
		for i, v := range s {
			out[i] = json.RawMessage(v)
		}
		return out
	}

	var (
		addr common.Address
		full = true
	)
	require.NoError(t, parseParams(raw(`"0x0000000000000000000000000000000000000b0b"`, `null`), 1, &addr, &full))
	assert.Equal(t, bob, addr)
	assert.True(t, full)

	var rpcErr *Error
	require.ErrorAs(t, parseParams(raw(), 1, &addr), &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
	require.ErrorAs(t, parseParams(raw(`1`, `2`), 0, &full), &rpcErr)
	require.ErrorAs(t, parseParams(raw(`"nope"`), 1, &addr), &rpcErr)

	var q quantity
	require.NoError(t, parseParams(raw(`"0x10"`), 1, &q))
	assert.Equal(t, quantity(16), q)
	require.NoError(t, parseParams(raw(`17`), 1, &q))
	assert.Equal(t, quantity(17), q)
}

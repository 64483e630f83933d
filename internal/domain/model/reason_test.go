package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReasonIsKnown(t *testing.T) {
	for _, r := range KnownReasons {
		assert.True(t, r.IsKnown(), r)
	}
	assert.False(t, ReasonUnknown.IsKnown())
	assert.False(t, Reason("Multiply").IsKnown())
}

func TestReasonIconAndColor(t *testing.T) {
	assert.Equal(t, "📈", ReasonIncrease.Icon())
	assert.Equal(t, "📉", ReasonDecrease.Icon())
	assert.Equal(t, "🔄", ReasonReset.Icon())
	assert.Equal(t, "⚙️", ReasonSet.Icon())
	assert.Equal(t, "❓", ReasonUnknown.Icon())
	assert.Equal(t, "❓", Reason("bogus").Icon())

	seen := map[string]bool{}
	for _, r := range KnownReasons {
		c := r.Color()
		assert.False(t, seen[c], "colour reused for %s", r)
		seen[c] = true
	}
	assert.Equal(t, ReasonUnknown.Color(), Reason("bogus").Color())
}

func TestSourceKindValid(t *testing.T) {
	assert.True(t, SourceStarknet.Valid())
	assert.True(t, SourceEVM.Valid())
	assert.True(t, SourcePostgres.Valid())
	assert.False(t, SourceKind("solana").Valid())
}

func TestRawEventArguments(t *testing.T) {
	parsed := map[string]any{"reason": "Set"}
	args := map[string]any{"reason": 1}

	assert.Equal(t, parsed, RawEvent{ParsedArgs: parsed, Args: args}.Arguments())
	assert.Equal(t, args, RawEvent{Args: args}.Arguments())
	assert.Nil(t, RawEvent{}.Arguments())
}

func TestRawEventTransactionHash(t *testing.T) {
	assert.Empty(t, RawEvent{}.TransactionHash())
	assert.Equal(t, "0xabc", RawEvent{Log: &RawLog{TransactionHash: "0xabc"}}.TransactionHash())
}

func TestChangeEventBlock(t *testing.T) {
	n := uint64(42)
	assert.Equal(t, uint64(0), ChangeEvent{}.Block())
	assert.Equal(t, uint64(42), ChangeEvent{BlockNumber: &n}.Block())
}

package normalizer

import (
	"math/big"
	"testing"
	"time"

	"github.com/emperorhan/counterwatch/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uint64Ptr(v uint64) *uint64 { return &v }
func int64Ptr(v int64) *int64    { return &v }

func TestToChangeEvent_FullEvent(t *testing.T) {
	raw := model.RawEvent{
		ParsedArgs: map[string]any{
			"caller":    "0x0ABC",
			"old_value": big.NewInt(4),
			"new_value": "0x5",
			"reason":    big.NewInt(0),
		},
		Block:   &model.RawBlock{BlockNumber: uint64Ptr(10), BlockHash: "0x00FF", Timestamp: int64Ptr(1700000000)},
		Log:     &model.RawLog{TransactionHash: "0x000DEAD"},
		Receipt: &model.RawReceipt{ExecutionStatus: "SUCCEEDED"},
	}

	ev := ToChangeEvent(model.ChainStarknet, raw)

	assert.Equal(t, "0xdead", ev.TransactionHash)
	require.NotNil(t, ev.BlockNumber)
	assert.Equal(t, uint64(10), *ev.BlockNumber)
	assert.Equal(t, "0xff", ev.BlockHash)
	require.NotNil(t, ev.BlockTimestamp)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), *ev.BlockTimestamp)
	require.NotNil(t, ev.Caller)
	assert.Equal(t, "0xabc", *ev.Caller)
	assert.Equal(t, int64(4), ev.OldValue.Int64())
	assert.Equal(t, int64(5), ev.NewValue.Int64())
	assert.Equal(t, model.ReasonIncrease, ev.Reason)
	assert.Equal(t, "SUCCEEDED", ev.ExecutionStatus)
}

func TestToChangeEvent_PrefersParsedArgs(t *testing.T) {
	raw := model.RawEvent{
		ParsedArgs: map[string]any{"reason": "Set"},
		Args:       map[string]any{"reason": "Reset"},
	}
	assert.Equal(t, model.ReasonSet, ToChangeEvent(model.ChainEthereum, raw).Reason)
}

func TestToChangeEvent_FallsBackToArgs(t *testing.T) {
	raw := model.RawEvent{Args: map[string]any{"reason": 2, "old_value": 7, "new_value": 0}}
	ev := ToChangeEvent(model.ChainEthereum, raw)
	assert.Equal(t, model.ReasonReset, ev.Reason)
	assert.Equal(t, int64(7), ev.OldValue.Int64())
	assert.Equal(t, int64(0), ev.NewValue.Int64())
}

func TestToChangeEvent_EmptyRawEvent(t *testing.T) {
	ev := ToChangeEvent(model.ChainStarknet, model.RawEvent{})

	assert.Empty(t, ev.TransactionHash)
	assert.Nil(t, ev.BlockNumber)
	assert.Nil(t, ev.BlockTimestamp)
	assert.Nil(t, ev.Caller)
	assert.Nil(t, ev.OldValue)
	assert.Nil(t, ev.NewValue)
	assert.Equal(t, model.ReasonUnknown, ev.Reason)
}

func TestToChangeEvent_MalformedValues(t *testing.T) {
	raw := model.RawEvent{
		Args: map[string]any{
			"caller":    "",
			"old_value": "not-a-number",
			"new_value": 1.25,
			"reason":    map[string]any{"foo": 1},
		},
		Block: &model.RawBlock{},
	}
	ev := ToChangeEvent(model.ChainEthereum, raw)

	assert.Nil(t, ev.Caller)
	assert.Nil(t, ev.OldValue)
	assert.Nil(t, ev.NewValue)
	assert.Nil(t, ev.BlockNumber)
	assert.Equal(t, model.ReasonUnknown, ev.Reason)
}

func TestToChangeEvent_NumericCaller(t *testing.T) {
	raw := model.RawEvent{Args: map[string]any{"caller": big.NewInt(0xbeef)}}
	ev := ToChangeEvent(model.ChainStarknet, raw)
	require.NotNil(t, ev.Caller)
	assert.Equal(t, "0xbeef", *ev.Caller)

	raw = model.RawEvent{Args: map[string]any{"caller": (*big.Int)(nil)}}
	assert.Nil(t, ToChangeEvent(model.ChainStarknet, raw).Caller)
}

func TestToChangeEvents_PreservesOrder(t *testing.T) {
	raws := []model.RawEvent{
		{Log: &model.RawLog{TransactionHash: "0x1"}},
		{Log: &model.RawLog{TransactionHash: "0x2"}},
	}
	events := ToChangeEvents(model.ChainEthereum, raws)
	require.Len(t, events, 2)
	assert.Equal(t, "0x1", events[0].TransactionHash)
	assert.Equal(t, "0x2", events[1].TransactionHash)
	assert.Empty(t, ToChangeEvents(model.ChainEthereum, nil))
}

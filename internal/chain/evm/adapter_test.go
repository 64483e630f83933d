package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/counterwatch/internal/chain"
	"github.com/emperorhan/counterwatch/internal/domain/model"
	"github.com/emperorhan/counterwatch/internal/pipeline/normalizer"
)

const contractHex = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

type fakeBackend struct {
	mu          sync.Mutex
	head        uint64
	logs        []types.Log
	queries     []ethereum.FilterQuery
	headers     map[uint64]*types.Header
	headerCalls int
	txs         map[common.Hash]*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	logsErr     error
	views       map[string][]byte
	callErr     error
	calls       []ethereum.CallMsg
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeBackend) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headerCalls++
	h, ok := f.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := counterABI.MethodById(msg.Data)
	if err != nil {
		return nil, err
	}
	return f.views[method.Name], nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func counterLog(t *testing.T, tx common.Hash, block uint64, caller common.Address, oldV, newV uint32, reason uint8) types.Log {
	t.Helper()
	event := CounterChangedEvent()
	data, err := event.Inputs.NonIndexed().Pack(oldV, newV, reason)
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(contractHex),
		Topics:      []common.Hash{event.ID, common.BytesToHash(caller.Bytes())},
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      tx,
	}
}

func TestNewAdapterRejectsBadAddress(t *testing.T) {
	_, err := NewAdapter(&fakeBackend{}, "not-an-address", nil)
	require.Error(t, err)
}

func TestDecodeLog(t *testing.T) {
	caller := common.HexToAddress("0x00000000000000000000000000000000000000Aa")
	lg := counterLog(t, common.HexToHash("0x01"), 12, caller, 4, 0, 2)

	raw, err := DecodeLog(lg)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), raw.Arguments()["old_value"])
	assert.Equal(t, uint8(2), raw.Arguments()["reason"])

	ev := normalizer.ToChangeEvent(model.ChainEthereum, raw)
	assert.Equal(t, model.ReasonReset, ev.Reason)
	assert.Equal(t, "4", ev.OldValue.String())
	assert.Equal(t, "0", ev.NewValue.String())
	require.NotNil(t, ev.Caller)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", *ev.Caller)
	assert.Equal(t, uint64(12), ev.Block())
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000001", ev.TransactionHash)
}

func TestDecodeLogRejectsForeignTopic(t *testing.T) {
	_, err := DecodeLog(types.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))}})
	require.Error(t, err)

	lg := counterLog(t, common.HexToHash("0x01"), 1, common.Address{}, 0, 1, 0)
	lg.Data = lg.Data[:10]
	_, err = DecodeLog(lg)
	require.Error(t, err)
}

func TestFetchEventsWindows(t *testing.T) {
	caller := common.HexToAddress("0x01")
	removed := counterLog(t, common.HexToHash("0x03"), 6, caller, 1, 2, 0)
	removed.Removed = true

	backend := &fakeBackend{
		head: 9,
		logs: []types.Log{
			counterLog(t, common.HexToHash("0x01"), 2, caller, 0, 1, 0),
			counterLog(t, common.HexToHash("0x02"), 5, caller, 1, 0, 1),
			removed,
			counterLog(t, common.HexToHash("0x04"), 9, caller, 0, 7, 3),
		},
	}
	a, err := NewAdapter(backend, contractHex, nil, WithMaxRange(4))
	require.NoError(t, err)

	events, err := a.FetchEvents(context.Background(), 1, chain.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, events, 3)

	require.Len(t, backend.queries, 3)
	assert.Equal(t, int64(1), backend.queries[0].FromBlock.Int64())
	assert.Equal(t, int64(4), backend.queries[0].ToBlock.Int64())
	assert.Equal(t, int64(9), backend.queries[2].ToBlock.Int64())
	assert.Equal(t, []common.Address{common.HexToAddress(contractHex)}, backend.queries[0].Addresses)
	assert.Equal(t, CounterChangedEvent().ID, backend.queries[0].Topics[0][0])
}

func TestFetchEventsBeyondHead(t *testing.T) {
	a, err := NewAdapter(&fakeBackend{head: 3}, contractHex, nil)
	require.NoError(t, err)
	events, err := a.FetchEvents(context.Background(), 10, chain.FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFetchEventsAttachesMeta(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(1)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       50_000,
	})
	require.NoError(t, err)

	sender := crypto.PubkeyToAddress(key.PublicKey)
	backend := &fakeBackend{
		head:    5,
		logs:    []types.Log{counterLog(t, tx.Hash(), 5, sender, 0, 1, 0)},
		headers: map[uint64]*types.Header{5: {Number: big.NewInt(5), Time: 1_700_000_000}},
		txs:     map[common.Hash]*types.Transaction{tx.Hash(): tx},
		receipts: map[common.Hash]*types.Receipt{tx.Hash(): {
			Status:            types.ReceiptStatusSuccessful,
			GasUsed:           21_000,
			EffectiveGasPrice: big.NewInt(2),
		}},
	}
	a, err := NewAdapter(backend, contractHex, nil)
	require.NoError(t, err)

	events, err := a.FetchEvents(context.Background(), 0, chain.AllMeta())
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.NotNil(t, ev.Block.Timestamp)
	assert.Equal(t, int64(1_700_000_000), *ev.Block.Timestamp)
	require.NotNil(t, ev.Transaction)
	assert.Equal(t, sender.Hex(), ev.Transaction.SenderAddress)
	assert.Equal(t, "0x7", ev.Transaction.Nonce)
	require.NotNil(t, ev.Receipt)
	assert.Equal(t, "SUCCEEDED", ev.Receipt.ExecutionStatus)
	assert.Equal(t, "42000", ev.Receipt.ActualFee)

	_, err = a.FetchEvents(context.Background(), 0, chain.FetchOptions{IncludeBlockMeta: true})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.headerCalls, "headers are cached")
}

func TestFetchEventsPropagatesErrors(t *testing.T) {
	a, err := NewAdapter(&fakeBackend{head: 1, logsErr: errors.New("query returned more than 10000 results")}, contractHex, nil)
	require.NoError(t, err)
	_, err = a.FetchEvents(context.Background(), 0, chain.FetchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter logs 0-1")

	backend := &fakeBackend{head: 2, logs: []types.Log{counterLog(t, common.HexToHash("0x01"), 2, common.Address{}, 0, 1, 0)}}
	a, err = NewAdapter(backend, contractHex, nil)
	require.NoError(t, err)
	_, err = a.FetchEvents(context.Background(), 0, chain.FetchOptions{IncludeBlockMeta: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ethereum.NotFound)
}

func TestContractReads(t *testing.T) {
	value, err := counterABI.Methods[getCounterMethod].Outputs.Pack(uint32(7))
	require.NoError(t, err)
	owner := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	ownerOut, err := counterABI.Methods[ownerMethod].Outputs.Pack(owner)
	require.NoError(t, err)

	backend := &fakeBackend{views: map[string][]byte{getCounterMethod: value, ownerMethod: ownerOut}}
	a, err := NewAdapter(backend, contractHex, nil)
	require.NoError(t, err)

	v, err := a.CurrentValue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int64())

	got, err := a.Owner(context.Background())
	require.NoError(t, err)
	assert.Equal(t, owner.Hex(), got)

	require.Len(t, backend.calls, 2)
	require.NotNil(t, backend.calls[0].To)
	assert.Equal(t, common.HexToAddress(contractHex), *backend.calls[0].To)
	assert.Equal(t, counterABI.Methods[getCounterMethod].ID, backend.calls[0].Data[:4])
}

func TestContractReadErrors(t *testing.T) {
	a, err := NewAdapter(&fakeBackend{callErr: errors.New("execution reverted")}, contractHex, nil)
	require.NoError(t, err)
	_, err = a.CurrentValue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "getCounter: execution reverted")

	// An empty return means the address holds no contract.
	a, err = NewAdapter(&fakeBackend{views: map[string][]byte{}}, contractHex, nil)
	require.NoError(t, err)
	_, err = a.Owner(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unpack owner")
}

// Package evm reads CounterChanged events from an EVM chain through
// go-ethereum's client.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/emperorhan/counterwatch/internal/cache"
	"github.com/emperorhan/counterwatch/internal/chain"
	"github.com/emperorhan/counterwatch/internal/chain/ratelimit"
	"github.com/emperorhan/counterwatch/internal/domain/model"
	"github.com/emperorhan/counterwatch/internal/metrics"
)

const (
	defaultMaxRange     = 2000
	defaultHeaderCache  = 1024
	maxConcurrentLookup = 8
)

// Backend is the subset of ethclient.Client the adapter uses.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Backend = (*ethclient.Client)(nil)

type Adapter struct {
	backend  Backend
	chainID  model.Chain
	contract common.Address
	maxRange uint64
	limiter  *ratelimit.Limiter
	headers  *cache.LRU[uint64, *types.Header]
	logger   *slog.Logger
}

var (
	_ chain.EventLog       = (*Adapter)(nil)
	_ chain.ContractReader = (*Adapter)(nil)
)

type Option func(*Adapter)

// WithMaxRange caps the block span of a single eth_getLogs query.
func WithMaxRange(n uint64) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxRange = n
		}
	}
}

// WithLimiter throttles every backend call.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(a *Adapter) { a.limiter = l }
}

// WithChain sets the chain identity used for hash canonicalisation.
func WithChain(c model.Chain) Option {
	return func(a *Adapter) { a.chainID = c }
}

// Dial connects to rpcURL and returns an adapter for contract.
func Dial(ctx context.Context, rpcURL, contract string, logger *slog.Logger, opts ...Option) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return NewAdapter(client, contract, logger, opts...)
}

func NewAdapter(backend Backend, contract string, logger *slog.Logger, opts ...Option) (*Adapter, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid contract address %q", contract)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		backend:  backend,
		chainID:  model.ChainEthereum,
		contract: common.HexToAddress(contract),
		maxRange: defaultMaxRange,
		logger:   logger.With("source", model.SourceEVM.String()),
	}
	a.headers = cache.NewLRU[uint64, *types.Header](defaultHeaderCache, 0, cache.WithLookupHook[uint64, *types.Header](func(hit bool) {
		result := "miss"
		if hit {
			result = "hit"
		}
		metrics.BlockMetaCacheLookups.WithLabelValues(model.SourceEVM.String(), result).Inc()
	}))
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Source() string {
	return model.SourceEVM.String()
}

// Chain reports the chain identity events should be normalised under.
func (a *Adapter) Chain() model.Chain {
	return a.chainID
}

func (a *Adapter) HeadBlock(ctx context.Context) (uint64, error) {
	return ratelimit.Call(ctx, a.limiter, "eth_blockNumber", a.backend.BlockNumber)
}

// FetchEvents scans [fromBlock, head] in windows of at most maxRange blocks.
// Logs removed by a reorg are skipped.
func (a *Adapter) FetchEvents(ctx context.Context, fromBlock uint64, opts chain.FetchOptions) ([]model.RawEvent, error) {
	head, err := a.HeadBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("head block: %w", err)
	}
	if fromBlock > head {
		return []model.RawEvent{}, nil
	}

	event := CounterChangedEvent()
	var events []model.RawEvent
	for start := fromBlock; start <= head; {
		end := start + a.maxRange - 1
		if end > head || end < start {
			end = head
		}
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{a.contract},
			Topics:    [][]common.Hash{{event.ID}},
		}
		logs, err := ratelimit.Call(ctx, a.limiter, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
			return a.backend.FilterLogs(ctx, query)
		})
		if err != nil {
			return nil, fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			raw, err := DecodeLog(lg)
			if err != nil {
				a.logger.Warn("skip undecodable log", "tx", lg.TxHash.Hex(), "index", lg.Index, "error", err)
				continue
			}
			events = append(events, raw)
		}
		if end == head {
			break
		}
		start = end + 1
	}

	if err := a.attachMeta(ctx, events, opts); err != nil {
		return nil, err
	}
	a.logger.Debug("fetched events", "from_block", fromBlock, "head", head, "count", len(events))
	return events, nil
}

// CurrentValue calls getCounter at the latest block.
func (a *Adapter) CurrentValue(ctx context.Context) (*big.Int, error) {
	out, err := a.callView(ctx, getCounterMethod)
	if err != nil {
		return nil, err
	}
	v, ok := out.(uint32)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", getCounterMethod, out)
	}
	return new(big.Int).SetUint64(uint64(v)), nil
}

// Owner calls owner at the latest block.
func (a *Adapter) Owner(ctx context.Context) (string, error) {
	out, err := a.callView(ctx, ownerMethod)
	if err != nil {
		return "", err
	}
	addr, ok := out.(common.Address)
	if !ok {
		return "", fmt.Errorf("%s: unexpected result type %T", ownerMethod, out)
	}
	return addr.Hex(), nil
}

// callView runs a no-argument view function and returns its single output.
func (a *Adapter) callView(ctx context.Context, method string) (any, error) {
	data, err := counterABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &a.contract, Data: data}
	raw, err := ratelimit.Call(ctx, a.limiter, "eth_call", func(ctx context.Context) ([]byte, error) {
		return a.backend.CallContract(ctx, msg, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	values, err := counterABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: got %d values", method, len(values))
	}
	return values[0], nil
}

// DecodeLog unpacks a CounterChanged log into the raw wire shape.
func DecodeLog(lg types.Log) (model.RawEvent, error) {
	event := CounterChangedEvent()
	if len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
		return model.RawEvent{}, fmt.Errorf("not a %s log", eventName)
	}

	values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return model.RawEvent{}, fmt.Errorf("unpack %s data: %w", eventName, err)
	}
	if len(values) != 3 {
		return model.RawEvent{}, fmt.Errorf("unpack %s: got %d values", eventName, len(values))
	}

	args := map[string]any{
		"old_value": values[0],
		"new_value": values[1],
		"reason":    values[2],
	}
	if len(lg.Topics) > 1 {
		args["caller"] = common.BytesToAddress(lg.Topics[1].Bytes()).Hex()
	}

	n := lg.BlockNumber
	topics := make([]string, 0, len(lg.Topics))
	for _, t := range lg.Topics {
		topics = append(topics, t.Hex())
	}
	return model.RawEvent{
		ParsedArgs: args,
		Block: &model.RawBlock{
			BlockNumber: &n,
			BlockHash:   lg.BlockHash.Hex(),
		},
		Log: &model.RawLog{
			TransactionHash: lg.TxHash.Hex(),
			FromAddress:     lg.Address.Hex(),
			Keys:            topics,
			Data:            []string{common.Bytes2Hex(lg.Data)},
		},
	}, nil
}

func (a *Adapter) attachMeta(ctx context.Context, events []model.RawEvent, opts chain.FetchOptions) error {
	if !opts.IncludeBlockMeta && !opts.IncludeTxMeta && !opts.IncludeReceiptMeta {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookup)

	for i := range events {
		ev := &events[i]
		g.Go(func() error {
			if opts.IncludeBlockMeta && ev.Block != nil && ev.Block.BlockNumber != nil {
				header, err := a.header(gctx, *ev.Block.BlockNumber)
				if err != nil {
					return err
				}
				ts := int64(header.Time)
				ev.Block.Timestamp = &ts
			}
			hash := common.HexToHash(ev.TransactionHash())
			if opts.IncludeTxMeta {
				if err := a.attachTransaction(gctx, ev, hash); err != nil {
					return err
				}
			}
			if opts.IncludeReceiptMeta {
				if err := a.attachReceipt(gctx, ev, hash); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *Adapter) header(ctx context.Context, number uint64) (*types.Header, error) {
	h, err := a.headers.GetOrLoad(ctx, number, func(ctx context.Context) (*types.Header, error) {
		return ratelimit.Call(ctx, a.limiter, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
			h, err := a.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
			if err == nil && h == nil {
				err = ethereum.NotFound
			}
			return h, err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("header %d: %w", number, err)
	}
	return h, nil
}

func (a *Adapter) attachTransaction(ctx context.Context, ev *model.RawEvent, hash common.Hash) error {
	tx, err := ratelimit.Call(ctx, a.limiter, "eth_getTransactionByHash", func(ctx context.Context) (*types.Transaction, error) {
		tx, _, err := a.backend.TransactionByHash(ctx, hash)
		return tx, err
	})
	if err != nil {
		return fmt.Errorf("transaction meta %s: %w", hash.Hex(), err)
	}
	if tx == nil {
		return nil
	}
	meta := &model.RawTransaction{
		Nonce:   fmt.Sprintf("0x%x", tx.Nonce()),
		Version: fmt.Sprintf("0x%x", tx.Type()),
	}
	if sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		meta.SenderAddress = sender.Hex()
	}
	ev.Transaction = meta
	return nil
}

func (a *Adapter) attachReceipt(ctx context.Context, ev *model.RawEvent, hash common.Hash) error {
	receipt, err := ratelimit.Call(ctx, a.limiter, "eth_getTransactionReceipt", func(ctx context.Context) (*types.Receipt, error) {
		return a.backend.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		return fmt.Errorf("receipt meta %s: %w", hash.Hex(), err)
	}
	if receipt == nil {
		return nil
	}
	meta := &model.RawReceipt{ExecutionStatus: "REVERTED"}
	if receipt.Status == types.ReceiptStatusSuccessful {
		meta.ExecutionStatus = "SUCCEEDED"
	}
	if receipt.EffectiveGasPrice != nil {
		fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
		meta.ActualFee = fee.String()
	}
	ev.Receipt = meta
	return nil
}

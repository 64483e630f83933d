// Package starknet reads CounterChanged events from a Starknet node over
// JSON-RPC.
package starknet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/emperorhan/counterwatch/internal/cache"
	"github.com/emperorhan/counterwatch/internal/chain"
	"github.com/emperorhan/counterwatch/internal/chain/starknet/rpc"
	"github.com/emperorhan/counterwatch/internal/domain/model"
	"github.com/emperorhan/counterwatch/internal/metrics"
	"github.com/emperorhan/counterwatch/internal/pipeline/identity"
)

const (
	defaultChunkSize    = 100
	defaultBlockCache   = 1024
	maxConcurrentLookup = 8
)

type Adapter struct {
	client    rpc.RPCClient
	contract  string
	chunkSize int
	blocks    *cache.LRU[uint64, *rpc.BlockWithTxHashes]
	logger    *slog.Logger
}

var (
	_ chain.EventLog       = (*Adapter)(nil)
	_ chain.ContractReader = (*Adapter)(nil)
)

type Option func(*Adapter)

// WithChunkSize sets the starknet_getEvents page size.
func WithChunkSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// WithBlockCacheSize bounds the block header cache.
func WithBlockCacheSize(n int) Option {
	return func(a *Adapter) {
		a.blocks = newBlockCache(n)
	}
}

func NewAdapter(client rpc.RPCClient, contract string, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		client:    client,
		contract:  identity.CanonicalAddressIdentity(model.ChainStarknet, contract),
		chunkSize: defaultChunkSize,
		blocks:    newBlockCache(defaultBlockCache),
		logger:    logger.With("source", model.SourceStarknet.String()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func newBlockCache(size int) *cache.LRU[uint64, *rpc.BlockWithTxHashes] {
	// Accepted blocks are immutable; entries only leave on eviction.
	return cache.NewLRU[uint64, *rpc.BlockWithTxHashes](size, 0, cache.WithLookupHook[uint64, *rpc.BlockWithTxHashes](func(hit bool) {
		result := "miss"
		if hit {
			result = "hit"
		}
		metrics.BlockMetaCacheLookups.WithLabelValues(model.SourceStarknet.String(), result).Inc()
	}))
}

func (a *Adapter) Source() string {
	return model.SourceStarknet.String()
}

// Chain reports the chain identity events should be normalised under.
func (a *Adapter) Chain() model.Chain {
	return model.ChainStarknet
}

func (a *Adapter) HeadBlock(ctx context.Context) (uint64, error) {
	return a.client.BlockNumber(ctx)
}

// FetchEvents returns every CounterChanged event emitted by the contract at or
// above fromBlock, in node order, with the requested metadata attached.
func (a *Adapter) FetchEvents(ctx context.Context, fromBlock uint64, opts chain.FetchOptions) ([]model.RawEvent, error) {
	emitted, err := rpc.GetAllEvents(ctx, a.client, rpc.EventFilter{
		FromBlock: rpc.BlockNumberID(fromBlock),
		ToBlock:   rpc.BlockID{Tag: "latest"},
		Address:   a.contract,
		Keys:      [][]string{{CounterChangedSelector}},
		ChunkSize: a.chunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch events from block %d: %w", fromBlock, err)
	}

	events := make([]model.RawEvent, 0, len(emitted))
	for _, em := range emitted {
		if len(em.Keys) > 0 && !sameFelt(em.Keys[0], CounterChangedSelector) {
			continue
		}
		events = append(events, DecodeEvent(em))
	}

	if err := a.attachMeta(ctx, events, opts); err != nil {
		return nil, err
	}

	a.logger.Debug("fetched events", "from_block", fromBlock, "count", len(events))
	return events, nil
}

// DecodeEvent maps an emitted event onto the raw wire shape. keys carry
// [selector, caller]; data carries [old_value, new_value, reason variant].
// Missing positions are left out of the argument map.
func DecodeEvent(em rpc.EmittedEvent) model.RawEvent {
	args := map[string]any{}
	if len(em.Keys) > 1 {
		args["caller"] = em.Keys[1]
	}
	names := []string{"old_value", "new_value", "reason"}
	for i, name := range names {
		if i >= len(em.Data) {
			break
		}
		if v, ok := parseFelt(em.Data[i]); ok {
			args[name] = v
		}
	}

	raw := model.RawEvent{
		ParsedArgs: args,
		Log: &model.RawLog{
			TransactionHash: em.TransactionHash,
			FromAddress:     em.FromAddress,
			Keys:            em.Keys,
			Data:            em.Data,
		},
	}
	if em.BlockNumber != nil || em.BlockHash != "" {
		raw.Block = &model.RawBlock{BlockHash: em.BlockHash}
		if em.BlockNumber != nil {
			n := *em.BlockNumber
			raw.Block.BlockNumber = &n
		}
	}
	return raw
}

// CurrentValue calls get_counter at the latest block.
func (a *Adapter) CurrentValue(ctx context.Context) (*big.Int, error) {
	felt, err := a.view(ctx, GetCounterSelector)
	if err != nil {
		return nil, fmt.Errorf("get_counter: %w", err)
	}
	v, ok := parseFelt(felt)
	if !ok {
		return nil, fmt.Errorf("get_counter: malformed felt %q", felt)
	}
	return v, nil
}

// Owner calls owner at the latest block.
func (a *Adapter) Owner(ctx context.Context) (string, error) {
	felt, err := a.view(ctx, OwnerSelector)
	if err != nil {
		return "", fmt.Errorf("owner: %w", err)
	}
	if _, ok := parseFelt(felt); !ok {
		return "", fmt.Errorf("owner: malformed felt %q", felt)
	}
	return identity.CanonicalAddressIdentity(model.ChainStarknet, felt), nil
}

// view calls a no-argument view function returning a single felt.
func (a *Adapter) view(ctx context.Context, selector string) (string, error) {
	felts, err := a.client.Call(ctx, rpc.FunctionCall{
		ContractAddress:    a.contract,
		EntryPointSelector: selector,
	}, rpc.BlockID{Tag: "latest"})
	if err != nil {
		return "", err
	}
	if len(felts) == 0 {
		return "", fmt.Errorf("empty call result")
	}
	return felts[0], nil
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
				block, err := a.block(gctx, *ev.Block.BlockNumber)
				if err != nil {
					return err
				}
				if block != nil {
					ts := block.Timestamp
					ev.Block.Timestamp = &ts
					if ev.Block.BlockHash == "" {
						ev.Block.BlockHash = block.BlockHash
					}
				}
			}

			hash := ev.TransactionHash()
			if hash == "" {
				return nil
			}
			if opts.IncludeTxMeta {
				tx, err := a.client.GetTransactionByHash(gctx, hash)
				if err != nil {
					return fmt.Errorf("transaction meta %s: %w", hash, err)
				}
				if tx != nil {
					ev.Transaction = &model.RawTransaction{
						SenderAddress: tx.SenderAddress,
						Nonce:         tx.Nonce,
						Version:       tx.Version,
					}
				}
			}
			if opts.IncludeReceiptMeta {
				receipt, err := a.client.GetTransactionReceipt(gctx, hash)
				if err != nil {
					return fmt.Errorf("receipt meta %s: %w", hash, err)
				}
				if receipt != nil {
					ev.Receipt = &model.RawReceipt{
						ExecutionStatus: receipt.ExecutionStatus,
						FinalityStatus:  receipt.FinalityStatus,
						ActualFee:       receipt.ActualFee.Amount,
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *Adapter) block(ctx context.Context, number uint64) (*rpc.BlockWithTxHashes, error) {
	block, err := a.blocks.GetOrLoad(ctx, number, func(ctx context.Context) (*rpc.BlockWithTxHashes, error) {
		b, err := a.client.GetBlockWithTxHashes(ctx, rpc.BlockNumberID(number))
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, fmt.Errorf("block %d not found", number)
		}
		return b, nil
	})
	if err != nil {
		return nil, fmt.Errorf("block meta %d: %w", number, err)
	}
	return block, nil
}

func parseFelt(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, base)
}

func sameFelt(a, b string) bool {
	x, okA := parseFelt(a)
	y, okB := parseFelt(b)
	return okA && okB && x.Cmp(y) == 0
}

// Package chain defines the event log collaborator the driver reads
// CounterChanged events from.
package chain

import (
	"context"

	"github.com/emperorhan/counterwatch/internal/domain/model"
)

//go:generate mockgen -source=adapter.go -destination=mocks/mock_event_log.go -package=mocks

// EventLog is a read-only source of CounterChanged events for one contract.
type EventLog interface {
	// Source names the implementation ("starknet", "evm", "postgres").
	Source() string

	// HeadBlock returns the latest block the source can serve.
	HeadBlock(ctx context.Context) (uint64, error)

	// FetchEvents returns every CounterChanged event at or above fromBlock,
	// oldest first.
	FetchEvents(ctx context.Context, fromBlock uint64, opts FetchOptions) ([]model.RawEvent, error)
}

// FetchOptions selects which metadata is attached to each raw event.
type FetchOptions struct {
	IncludeBlockMeta   bool
	IncludeTxMeta      bool
	IncludeReceiptMeta bool
}

// AllMeta requests block, transaction and receipt metadata.
func AllMeta() FetchOptions {
	return FetchOptions{IncludeBlockMeta: true, IncludeTxMeta: true, IncludeReceiptMeta: true}
}

package chain

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ErrUnsupported is returned by a ContractReader for reads its source cannot
// answer.
var ErrUnsupported = errors.New("read not supported by this source")

// ContractReader is implemented by event logs that can also query the
// counter contract's view functions.
type ContractReader interface {
	// CurrentValue returns the counter as of the latest block.
	CurrentValue(ctx context.Context) (*big.Int, error)
	// Owner returns the canonical address allowed to set the counter.
	Owner(ctx context.Context) (string, error)
}

// ContractState is the last successful read of the contract. Error holds the
// most recent read failure; Value and Owner keep their previous values when a
// refresh fails.
type ContractState struct {
	Value     *big.Int  `json:"value,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

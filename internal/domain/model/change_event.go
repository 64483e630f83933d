package model

import (
	"math/big"
	"time"
)

// ChangeEvent is one CounterChanged emission after normalization.
// Pointer fields are nil when the collaborator did not supply them.
type ChangeEvent struct {
	TransactionHash string     `json:"transaction_hash"`
	BlockNumber     *uint64    `json:"block_number,omitempty"`
	BlockHash       string     `json:"block_hash,omitempty"`
	BlockTimestamp  *time.Time `json:"block_timestamp,omitempty"`
	Caller          *string    `json:"caller,omitempty"`
	OldValue        *big.Int   `json:"old_value,omitempty"`
	NewValue        *big.Int   `json:"new_value,omitempty"`
	Reason          Reason     `json:"reason"`
	ExecutionStatus string     `json:"execution_status,omitempty"`
}

// Block returns the block number, treating an absent block as 0.
func (e ChangeEvent) Block() uint64 {
	if e.BlockNumber == nil {
		return 0
	}
	return *e.BlockNumber
}

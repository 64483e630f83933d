package rpc

import (
	"encoding/json"
	"fmt"
)

type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorCode exposes the JSON-RPC code to the retry classifier.
func (e *RPCError) ErrorCode() int { return e.Code }

// BlockID selects a block by number. Latest is used when Number is nil.
type BlockID struct {
	Number *uint64
	Tag    string
}

func (b BlockID) MarshalJSON() ([]byte, error) {
	if b.Number != nil {
		return json.Marshal(map[string]uint64{"block_number": *b.Number})
	}
	tag := b.Tag
	if tag == "" {
		tag = "latest"
	}
	return json.Marshal(tag)
}

// BlockNumberID is a convenience constructor for a numbered BlockID.
func BlockNumberID(n uint64) BlockID { return BlockID{Number: &n} }

// FunctionCall is the request of a starknet_call.
type FunctionCall struct {
	ContractAddress    string   `json:"contract_address"`
	EntryPointSelector string   `json:"entry_point_selector"`
	Calldata           []string `json:"calldata"`
}

type EventFilter struct {
	FromBlock         BlockID    `json:"from_block"`
	ToBlock           BlockID    `json:"to_block"`
	Address           string     `json:"address,omitempty"`
	Keys              [][]string `json:"keys,omitempty"`
	ChunkSize         int        `json:"chunk_size"`
	ContinuationToken string     `json:"continuation_token,omitempty"`
}

type EmittedEvent struct {
	FromAddress     string   `json:"from_address"`
	Keys            []string `json:"keys"`
	Data            []string `json:"data"`
	BlockHash       string   `json:"block_hash,omitempty"`
	BlockNumber     *uint64  `json:"block_number,omitempty"`
	TransactionHash string   `json:"transaction_hash"`
}

type EventsChunk struct {
	Events            []EmittedEvent `json:"events"`
	ContinuationToken string         `json:"continuation_token,omitempty"`
}

type BlockWithTxHashes struct {
	BlockHash    string   `json:"block_hash"`
	BlockNumber  uint64   `json:"block_number"`
	ParentHash   string   `json:"parent_hash"`
	Timestamp    int64    `json:"timestamp"`
	Status       string   `json:"status"`
	Transactions []string `json:"transactions"`
}

type Transaction struct {
	TransactionHash string `json:"transaction_hash"`
	Type            string `json:"type"`
	Version         string `json:"version"`
	Nonce           string `json:"nonce,omitempty"`
	SenderAddress   string `json:"sender_address,omitempty"`
}

type FeePayment struct {
	Amount string `json:"amount"`
	Unit   string `json:"unit"`
}

type TransactionReceipt struct {
	TransactionHash string     `json:"transaction_hash"`
	ActualFee       FeePayment `json:"actual_fee"`
	ExecutionStatus string     `json:"execution_status"`
	FinalityStatus  string     `json:"finality_status"`
	BlockHash       string     `json:"block_hash,omitempty"`
	BlockNumber     *uint64    `json:"block_number,omitempty"`
	RevertReason    string     `json:"revert_reason,omitempty"`
}

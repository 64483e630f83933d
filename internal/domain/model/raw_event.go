package model

// RawEvent is the collaborator wire shape for a CounterChanged log entry.
// Every field may be absent; consumers must not assume presence.
type RawEvent struct {
	ParsedArgs  map[string]any  `json:"parsedArgs,omitempty"`
	Args        map[string]any  `json:"args,omitempty"`
	Block       *RawBlock       `json:"block,omitempty"`
	Log         *RawLog         `json:"log,omitempty"`
	Transaction *RawTransaction `json:"transaction,omitempty"`
	Receipt     *RawReceipt     `json:"receipt,omitempty"`
}

type RawBlock struct {
	BlockNumber *uint64 `json:"block_number,omitempty"`
	BlockHash   string  `json:"block_hash,omitempty"`
	Timestamp   *int64  `json:"timestamp,omitempty"`
}

type RawLog struct {
	TransactionHash string   `json:"transaction_hash,omitempty"`
	FromAddress     string   `json:"from_address,omitempty"`
	Keys            []string `json:"keys,omitempty"`
	Data            []string `json:"data,omitempty"`
}

type RawTransaction struct {
	SenderAddress string `json:"sender_address,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
	Version       string `json:"version,omitempty"`
}

type RawReceipt struct {
	ExecutionStatus string `json:"execution_status,omitempty"`
	FinalityStatus  string `json:"finality_status,omitempty"`
	ActualFee       string `json:"actual_fee,omitempty"`
}

// Arguments returns parsedArgs when present, falling back to args.
func (r RawEvent) Arguments() map[string]any {
	if r.ParsedArgs != nil {
		return r.ParsedArgs
	}
	return r.Args
}

// TransactionHash returns the originating transaction hash or "".
func (r RawEvent) TransactionHash() string {
	if r.Log == nil {
		return ""
	}
	return r.Log.TransactionHash
}

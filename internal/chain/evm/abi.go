package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// CounterABI describes the CounterChanged event and the view functions of
// the Solidity counter.
const CounterABI = `[{
	"anonymous": false,
	"type": "event",
	"name": "CounterChanged",
	"inputs": [
		{"indexed": true,  "name": "caller",   "type": "address"},
		{"indexed": false, "name": "oldValue", "type": "uint32"},
		{"indexed": false, "name": "newValue", "type": "uint32"},
		{"indexed": false, "name": "reason",   "type": "uint8"}
	]
}, {
	"type": "function",
	"name": "getCounter",
	"stateMutability": "view",
	"inputs": [],
	"outputs": [{"name": "", "type": "uint32"}]
}, {
	"type": "function",
	"name": "owner",
	"stateMutability": "view",
	"inputs": [],
	"outputs": [{"name": "", "type": "address"}]
}]`

const (
	eventName        = "CounterChanged"
	getCounterMethod = "getCounter"
	ownerMethod      = "owner"
)

var counterABI = mustParseABI(CounterABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse counter abi: %v", err))
	}
	return parsed
}

// CounterChangedEvent returns the parsed ABI event, including its topic ID.
func CounterChangedEvent() abi.Event {
	return counterABI.Events[eventName]
}

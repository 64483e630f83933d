package starknet

import (
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// EventName is the Cairo event this source decodes.
const EventName = "CounterChanged"

var snKeccakMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))

// Selector returns sn_keccak(name): Keccak-256 truncated to 250 bits, as a
// lowercase 0x-prefixed felt without leading zeros.
func Selector(name string) string {
	h := new(big.Int).SetBytes(crypto.Keccak256([]byte(name)))
	return "0x" + h.And(h, snKeccakMask).Text(16)
}

// CounterChangedSelector is the first key of every CounterChanged event.
var CounterChangedSelector = Selector(EventName)

// View function selectors of the counter contract.
var (
	GetCounterSelector = Selector("get_counter")
	OwnerSelector      = Selector("owner")
)

package identity

import (
	"strings"

	"github.com/emperorhan/counterwatch/internal/domain/model"
)

// CanonicalTransactionHash normalises a transaction hash so that different
// representations of the same hash (mixed-case hex, 0x prefix vs bare,
// zero-padded felts) compare as equal. Non-hex values are returned trimmed.
func CanonicalTransactionHash(chainID model.Chain, hash string) string {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return ""
	}

	withoutPrefix := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if withoutPrefix == "" || !IsHexString(withoutPrefix) {
		return trimmed
	}
	lower := strings.ToLower(withoutPrefix)

	if IsFeltChain(chainID) {
		// Felts are emitted both padded to 64 nibbles and minimal.
		lower = strings.TrimLeft(lower, "0")
		if lower == "" {
			lower = "0"
		}
	}
	return "0x" + lower
}

// CanonicalAddressIdentity normalises a contract or account address into
// its canonical form. The same rules as CanonicalTransactionHash apply.
func CanonicalAddressIdentity(chainID model.Chain, address string) string {
	return CanonicalTransactionHash(chainID, address)
}

// IsFeltChain returns true for chains whose hashes and addresses are field
// elements rather than fixed-width byte strings.
func IsFeltChain(chainID model.Chain) bool {
	return chainID == model.ChainStarknet
}

// IsEVMChain returns true for EVM-compatible chains.
func IsEVMChain(chainID model.Chain) bool {
	switch chainID {
	case model.ChainBase, model.ChainEthereum:
		return true
	default:
		return false
	}
}

// IsHexString reports whether v consists solely of hexadecimal characters.
func IsHexString(v string) bool {
	for _, ch := range v {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}

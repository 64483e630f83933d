package normalizer

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/emperorhan/counterwatch/internal/domain/model"
	"github.com/emperorhan/counterwatch/internal/pipeline/identity"
)

// ToChangeEvent projects a collaborator RawEvent onto a ChangeEvent. Absent
// fields stay nil; malformed values are dropped rather than reported.
func ToChangeEvent(chainID model.Chain, raw model.RawEvent) model.ChangeEvent {
	ev := model.ChangeEvent{
		TransactionHash: identity.CanonicalTransactionHash(chainID, raw.TransactionHash()),
		Reason:          model.ReasonUnknown,
	}

	if raw.Block != nil {
		if raw.Block.BlockNumber != nil {
			n := *raw.Block.BlockNumber
			ev.BlockNumber = &n
		}
		ev.BlockHash = identity.CanonicalTransactionHash(chainID, raw.Block.BlockHash)
		if raw.Block.Timestamp != nil {
			ts := time.Unix(*raw.Block.Timestamp, 0).UTC()
			ev.BlockTimestamp = &ts
		}
	}
	if raw.Receipt != nil {
		ev.ExecutionStatus = raw.Receipt.ExecutionStatus
	}

	args := raw.Arguments()
	if args == nil {
		return ev
	}
	ev.Caller = addressValue(chainID, args["caller"])
	ev.OldValue = numericValue(args["old_value"])
	ev.NewValue = numericValue(args["new_value"])
	ev.Reason = NormalizeReason(args["reason"])
	return ev
}

// ToChangeEvents projects a batch, preserving order.
func ToChangeEvents(chainID model.Chain, raws []model.RawEvent) []model.ChangeEvent {
	out := make([]model.ChangeEvent, 0, len(raws))
	for _, raw := range raws {
		out = append(out, ToChangeEvent(chainID, raw))
	}
	return out
}

func addressValue(chainID model.Chain, v any) *string {
	if n, ok := v.(*big.Int); ok && n == nil {
		return nil
	}
	var s string
	if str, ok := v.(string); ok {
		s = str
	} else if n, ok := integerValue(v); ok {
		s = "0x" + n.Text(16)
	} else if str, ok := v.(fmt.Stringer); ok {
		s = str.String()
	}
	s = identity.CanonicalAddressIdentity(chainID, s)
	if s == "" {
		return nil
	}
	return &s
}

// numericValue accepts the integer kinds of integerValue plus decimal and
// 0x-prefixed hex strings (felts).
func numericValue(v any) *big.Int {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		base := 10
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			s = s[2:]
			base = 16
		}
		n, ok := new(big.Int).SetString(s, base)
		if !ok {
			return nil
		}
		return n
	}
	n, ok := integerValue(v)
	if !ok {
		return nil
	}
	return n
}

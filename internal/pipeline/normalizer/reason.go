package normalizer

import (
	"encoding/json"
	"math"
	"math/big"

	"github.com/emperorhan/counterwatch/internal/domain/model"
)

// NormalizeReason decodes the several wire encodings a CounterChanged reason
// arrives in (plain tag, numeric discriminant, single-key object, nested
// variant object) into the closed Reason set. Anything unrecognised maps to
// ReasonUnknown; no variants beyond the four tags are ever inferred.
//
// Precedence: nil, string, integer, {variant: {...}}, direct tag key,
// single-key object.
func NormalizeReason(v any) model.Reason {
	switch r := v.(type) {
	case nil:
		return model.ReasonUnknown
	case model.Reason:
		return reasonFromTag(string(r))
	case string:
		return reasonFromTag(r)
	case map[string]any:
		return reasonFromObject(r)
	}

	if n, ok := integerValue(v); ok {
		return reasonFromDiscriminant(n)
	}
	return model.ReasonUnknown
}

func reasonFromTag(tag string) model.Reason {
	reason := model.Reason(tag)
	if reason.IsKnown() {
		return reason
	}
	return model.ReasonUnknown
}

func reasonFromDiscriminant(n *big.Int) model.Reason {
	if !n.IsInt64() {
		return model.ReasonUnknown
	}
	idx := n.Int64()
	if idx < 0 || idx >= int64(len(model.KnownReasons)) {
		return model.ReasonUnknown
	}
	return model.KnownReasons[idx]
}

func reasonFromObject(obj map[string]any) model.Reason {
	if obj == nil {
		return model.ReasonUnknown
	}

	if variant, ok := obj["variant"].(map[string]any); ok {
		if reason, found := firstPresentTag(variant); found {
			return reason
		}
	}

	if reason, found := firstPresentTag(obj); found {
		return reason
	}

	if len(obj) == 1 {
		for key := range obj {
			return reasonFromSingleKey(key)
		}
	}
	return model.ReasonUnknown
}

func firstPresentTag(obj map[string]any) (model.Reason, bool) {
	for _, reason := range model.KnownReasons {
		if _, ok := obj[string(reason)]; ok {
			return reason, true
		}
	}
	return model.ReasonUnknown, false
}

func reasonFromSingleKey(key string) model.Reason {
	switch key {
	case "0":
		return model.ReasonIncrease
	case "1":
		return model.ReasonDecrease
	case "2":
		return model.ReasonReset
	case "3":
		return model.ReasonSet
	}
	return reasonFromTag(key)
}

// integerValue extracts an integer from the numeric kinds a decoder can
// produce. Strings are deliberately not accepted here.
func integerValue(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case int:
		return big.NewInt(int64(n)), true
	case int8:
		return big.NewInt(int64(n)), true
	case int16:
		return big.NewInt(int64(n)), true
	case int32:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case uint:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint8:
		return big.NewInt(int64(n)), true
	case uint16:
		return big.NewInt(int64(n)), true
	case uint32:
		return big.NewInt(int64(n)), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return new(big.Int).Set(n), true
	case big.Int:
		return new(big.Int).Set(&n), true
	case json.Number:
		out, ok := new(big.Int).SetString(n.String(), 10)
		return out, ok
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return nil, false
		}
		out, _ := big.NewFloat(n).Int(nil)
		return out, true
	}
	return nil, false
}

package model

// Reason is the closed set of causes for a counter mutation.
type Reason string

const (
	ReasonIncrease Reason = "Increase"
	ReasonDecrease Reason = "Decrease"
	ReasonReset    Reason = "Reset"
	ReasonSet      Reason = "Set"
	ReasonUnknown  Reason = "Unknown"
)

// KnownReasons lists the on-chain variants in discriminant order.
var KnownReasons = [...]Reason{ReasonIncrease, ReasonDecrease, ReasonReset, ReasonSet}

func (r Reason) String() string {
	return string(r)
}

// IsKnown reports whether r is one of the four on-chain variants.
func (r Reason) IsKnown() bool {
	switch r {
	case ReasonIncrease, ReasonDecrease, ReasonReset, ReasonSet:
		return true
	default:
		return false
	}
}

// Icon returns the glyph shown next to a history row.
func (r Reason) Icon() string {
	switch r {
	case ReasonIncrease:
		return "📈"
	case ReasonDecrease:
		return "📉"
	case ReasonReset:
		return "🔄"
	case ReasonSet:
		return "⚙️"
	default:
		return "❓"
	}
}

// Color returns the hex foreground colour used for the reason badge.
func (r Reason) Color() string {
	switch r {
	case ReasonIncrease:
		return "#16A34A"
	case ReasonDecrease:
		return "#DC2626"
	case ReasonReset:
		return "#2563EB"
	case ReasonSet:
		return "#9333EA"
	default:
		return "#6B7280"
	}
}

package reconciler

import "errors"

// ErrInvalidTransition is returned when a lifecycle transition is not allowed
// from the current phase.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Phase is the loading lifecycle of a reconciler.
//
//	Idle -> HistoricalPending -> HistoricalLoaded -> Live
//	   \____________________\_______________\-> Failed
//
// Live and Failed are terminal for the reconciler's lifetime. Live is the only
// phase in which live-tail events are accepted.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHistoricalPending
	PhaseHistoricalLoaded
	PhaseLive
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseHistoricalPending:
		return "historical_pending"
	case PhaseHistoricalLoaded:
		return "historical_loaded"
	case PhaseLive:
		return "live"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseLive || p == PhaseFailed
}

var validTransitions = map[Phase][]Phase{
	PhaseIdle:              {PhaseHistoricalPending, PhaseHistoricalLoaded, PhaseLive, PhaseFailed},
	PhaseHistoricalPending: {PhaseHistoricalLoaded, PhaseLive, PhaseFailed},
	PhaseHistoricalLoaded:  {PhaseLive, PhaseFailed},
}

// CanTransition reports whether from -> to is an allowed lifecycle step.
func CanTransition(from, to Phase) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseIdle, PhaseHistoricalPending, true},
		{PhaseIdle, PhaseLive, true},
		{PhaseHistoricalPending, PhaseHistoricalLoaded, true},
		{PhaseHistoricalPending, PhaseFailed, true},
		{PhaseHistoricalLoaded, PhaseLive, true},
		{PhaseHistoricalLoaded, PhaseHistoricalPending, false},
		{PhaseLive, PhaseFailed, false},
		{PhaseLive, PhaseIdle, false},
		{PhaseFailed, PhaseLive, false},
		{PhaseFailed, PhaseHistoricalPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPhaseTerminal(t *testing.T) {
	assert.True(t, PhaseLive.Terminal())
	assert.True(t, PhaseFailed.Terminal())
	assert.False(t, PhaseIdle.Terminal())
	assert.False(t, PhaseHistoricalLoaded.Terminal())
	assert.Equal(t, "unknown", Phase(42).String())
}

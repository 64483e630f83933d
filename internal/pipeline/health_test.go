package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealth_InitialUnknown(t *testing.T) {
	h := NewHealth("starknet")
	snap := h.Snapshot()
	assert.Equal(t, "starknet", snap.Source)
	assert.Equal(t, string(HealthStatusUnknown), snap.Status)
	assert.Nil(t, snap.LastSuccessAt)
}

func TestHealth_FailuresBecomeUnhealthy(t *testing.T) {
	h := NewHealth("evm")
	for i := 1; i < DefaultUnhealthyThreshold; i++ {
		assert.False(t, h.RecordFailure(errors.New("timeout")))
	}
	assert.Equal(t, string(HealthStatusDegraded), h.Snapshot().Status)

	assert.True(t, h.RecordFailure(errors.New("timeout")), "threshold crossing reported once")
	assert.False(t, h.RecordFailure(errors.New("timeout")))

	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusUnhealthy), snap.Status)
	assert.Equal(t, DefaultUnhealthyThreshold+1, snap.ConsecutiveFailures)
	assert.Equal(t, "timeout", snap.LastError)
}

func TestHealth_Recovery(t *testing.T) {
	h := NewHealth("evm")
	for i := 0; i < DefaultUnhealthyThreshold; i++ {
		h.RecordFailure(nil)
	}
	assert.True(t, h.RecordSuccess(10*time.Millisecond))
	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Empty(t, snap.LastError)
	assert.False(t, h.RecordSuccess(10*time.Millisecond))
}

func TestHealth_SlowPollsDegrade(t *testing.T) {
	h := NewHealth("starknet")
	now := time.Unix(0, 0)
	h.nowFn = func() time.Time { return now }

	h.RecordSuccess(10 * time.Second)
	assert.Equal(t, string(HealthStatusHealthy), h.Snapshot().Status, "one sample is not enough")
	h.RecordSuccess(10 * time.Second)
	assert.Equal(t, string(HealthStatusDegraded), h.Snapshot().Status)

	for i := 0; i < latencyWindowSize; i++ {
		h.RecordSuccess(time.Millisecond)
	}
	assert.Equal(t, string(HealthStatusHealthy), h.Snapshot().Status)
}

func TestHealth_SetStatus(t *testing.T) {
	h := NewHealth("postgres")
	h.SetStatus(HealthStatusInactive)
	assert.Equal(t, string(HealthStatusInactive), h.Snapshot().Status)
}

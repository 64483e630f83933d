package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	starknetrpc "github.com/emperorhan/counterwatch/internal/chain/starknet/rpc"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify_ExplicitMarkers(t *testing.T) {
	transient := Classify(Transient(errors.New("invalid params")))
	assert.Equal(t, ClassTransient, transient.Class)
	assert.Equal(t, "explicit_transient", transient.Reason)

	terminal := Classify(Terminal(errors.New("rpc timed out")))
	assert.Equal(t, ClassTerminal, terminal.Class)
	assert.Equal(t, "explicit_terminal", terminal.Reason)

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Terminal(nil))
}

func TestClassify_RepresentativeRuntimeErrors(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedClass Class
	}{
		{"nil", nil, ClassTerminal},
		{"context deadline", context.DeadlineExceeded, ClassTransient},
		{"context canceled", fmt.Errorf("fetch: %w", context.Canceled), ClassTerminal},
		{"net timeout", fmt.Errorf("http request: %w", timeoutErr{}), ClassTransient},
		{"geth http 503", gethrpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, ClassTransient},
		{"geth http 429", fmt.Errorf("eth_getLogs: %w", gethrpc.HTTPError{StatusCode: 429}), ClassTransient},
		{"geth http 401", gethrpc.HTTPError{StatusCode: 401}, ClassTerminal},
		{"starknet internal error", fmt.Errorf("starknet_getEvents: %w", &starknetrpc.RPCError{Code: -32603, Message: "internal"}), ClassTransient},
		{"starknet server range", &starknetrpc.RPCError{Code: -32010, Message: "busy"}, ClassTransient},
		{"starknet invalid continuation", &starknetrpc.RPCError{Code: 33, Message: "Invalid continuation token"}, ClassTerminal},
		{"http status message", errors.New("http status 503: overloaded"), ClassTransient},
		{"rate limit message", errors.New("Too Many Requests"), ClassTransient},
		{"method not found", errors.New("method not found"), ClassTerminal},
		{"unknown defaults terminal", errors.New("unexpected failure"), ClassTerminal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expectedClass, Classify(tc.err).Class)
		})
	}
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, 1600*time.Millisecond, p.Delay(4))
	assert.Equal(t, 3*time.Second, p.Delay(5))
	assert.Equal(t, 3*time.Second, p.Delay(50))

	assert.Equal(t, DefaultBackoffInitial, Policy{}.Delay(1))
}

func noSleep(p Policy, slept *[]time.Duration) Policy {
	p.sleepFn = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return p
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	var slept []time.Duration
	var retried []int
	p := noSleep(DefaultPolicy(), &slept)
	p.OnRetry = func(attempt int, _ error, _ Decision, _ time.Duration) { retried = append(retried, attempt) }

	calls := 0
	out, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("http status 502")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, slept)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_StopsOnTerminal(t *testing.T) {
	var slept []time.Duration
	calls := 0
	boom := errors.New("invalid params")
	_, err := Do(context.Background(), noSleep(DefaultPolicy(), &slept), func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Empty(t, slept)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var slept []time.Duration
	calls := 0
	_, err := Do(context.Background(), noSleep(DefaultPolicy(), &slept), func(context.Context) (int, error) {
		calls++
		return 0, context.DeadlineExceeded
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "attempt 4/4")
	assert.Equal(t, DefaultMaxAttempts, calls)
	assert.Len(t, slept, DefaultMaxAttempts-1)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BackoffInitial: time.Hour, BackoffMax: time.Hour}

	calls := 0
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("connection reset by peer")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

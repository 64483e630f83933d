// Package retry classifies collaborator errors as transient or terminal and
// runs calls under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retryable regardless of its content.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient, reason: "explicit_transient"}
}

// Terminal marks err as not retryable regardless of its content.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTerminal, reason: "explicit_terminal"}
}

// Classify decides whether err is worth retrying. Explicit markers win, then
// context errors, network timeouts, JSON-RPC error codes (any error exposing
// ErrorCode, which covers go-ethereum and the Starknet client), HTTP status
// codes and finally message tokens. Unknown errors are terminal.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTPStatus(httpErr.StatusCode)
	}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return classifyJSONRPCCode(rpcErr.ErrorCode())
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

func classifyHTTPStatus(code int) Decision {
	switch {
	case code == http.StatusTooManyRequests:
		return Decision{Class: ClassTransient, Reason: "http_rate_limited"}
	case code >= 500:
		return Decision{Class: ClassTransient, Reason: "http_server_error"}
	default:
		return Decision{Class: ClassTerminal, Reason: "http_client_error"}
	}
}

func classifyJSONRPCCode(code int) Decision {
	if code == -32603 || code == -32005 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_transient"}
	}
	if code <= -32000 && code >= -32099 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	}
	return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
	"unexpected eof",
}

var terminalMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"invalid continuation token",
	"method not found",
	"parse error",
	"contract not found",
	"block not found",
	"unpack",
}

const (
	DefaultMaxAttempts    = 4
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 3 * time.Second
)

// Policy bounds how often and how patiently a call is retried.
type Policy struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// OnRetry, when set, observes each failed attempt that will be retried.
	OnRetry func(attempt int, err error, decision Decision, delay time.Duration)

	sleepFn func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy retries four attempts with backoff from 200ms up to 3s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BackoffInitial: DefaultBackoffInitial,
		BackoffMax:     DefaultBackoffMax,
	}
}

// Do calls fn until it succeeds, returns a terminal error, the attempts run
// out or ctx ends. The last error is returned wrapped with the attempt count.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		decision := Classify(err)
		if !decision.IsTransient() || attempt == attempts {
			return zero, fmt.Errorf("attempt %d/%d (%s): %w", attempt, attempts, decision.Reason, err)
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, decision, delay)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry interrupted after attempt %d: %w", attempt, errors.Join(err, lastErr))
		}
	}
	return zero, lastErr
}

// Delay returns the backoff after the given 1-based attempt: the initial
// delay doubled per attempt and capped at the maximum.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BackoffInitial
	if base <= 0 {
		base = DefaultBackoffInitial
	}
	max := p.BackoffMax
	if max <= 0 || max < base {
		max = base
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if p.sleepFn != nil {
		return p.sleepFn(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

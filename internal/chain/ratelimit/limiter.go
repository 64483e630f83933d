// Package ratelimit throttles collaborator RPC calls and records their
// outcome in the RPC metrics.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emperorhan/counterwatch/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every call a source makes.
type Limiter struct {
	bucket *rate.Limiter
	source string
}

// NewLimiter allows rps calls per second with bursts of up to burst calls.
// A non-positive rps disables throttling.
func NewLimiter(rps float64, burst int, source string) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(limit, burst), source: source}
}

// Wait blocks until one token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	res := l.bucket.Reserve()
	if !res.OK() {
		return fmt.Errorf("ratelimit %s: cannot reserve token", l.source)
	}
	delay := res.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.RPCRateLimitWaits.WithLabelValues(l.source).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	}
}

// Call waits for a token, runs fn and records the outcome under method.
func Call[T any](ctx context.Context, l *Limiter, method string, fn func(context.Context) (T, error)) (T, error) {
	if err := l.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	out, err := fn(ctx)
	source := ""
	if l != nil {
		source = l.source
	}
	RecordRPCCall(source, method, err)
	return out, err
}

// RecordRPCCall increments the call counter for source/method with the
// classified status.
func RecordRPCCall(source, method string, err error) {
	metrics.RPCCallsTotal.WithLabelValues(source, method, ClassifyRPCError(err)).Inc()
}

// ClassifyRPCError maps err onto a small set of metric statuses.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return "rate_limited"
	case strings.Contains(msg, "status 5"), strings.Contains(msg, "internal server error"), strings.Contains(msg, "bad gateway"):
		return "server_error"
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "eof"):
		return "network_error"
	default:
		return "client_error"
	}
}

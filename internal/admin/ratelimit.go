package admin

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/emperorhan/counterwatch/internal/metrics"
)

const (
	// staleLimiterTTL is how long a per-IP limiter can be idle before cleanup.
	staleLimiterTTL = 10 * time.Minute

	cleanupInterval = 1 * time.Minute
)

type endpointLimit struct {
	rps   rate.Limit
	burst int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type endpointRule struct {
	prefix string // "" matches everything
	limit  endpointLimit
}

// RateLimitMiddleware limits requests per client IP and per route group.
// /metrics gets its own bucket so scrapers never starve API clients.
type RateLimitMiddleware struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry // key: "prefix|clientIP"
	rules    []endpointRule
	logger   *slog.Logger
	nowFunc  func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware allows rps requests per second with the given burst
// per client for API routes. Non-positive rps disables limiting for them.
// Call Stop to release the cleanup goroutine.
func NewRateLimitMiddleware(rps float64, burst int, logger *slog.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	apiLimit := endpointLimit{rps: rate.Limit(rps), burst: burst}
	if rps <= 0 {
		apiLimit = endpointLimit{rps: rate.Inf, burst: burst}
	}

	rl := &RateLimitMiddleware{
		limiters: make(map[string]*limiterEntry),
		logger:   logger,
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
		rules: []endpointRule{
			{prefix: "/metrics", limit: endpointLimit{rps: 1, burst: 5}},
			{prefix: "/healthz", limit: endpointLimit{rps: 5, burst: 10}},
			{prefix: "", limit: apiLimit},
		},
	}

	go rl.cleanupLoop()
	return rl
}

// Stop shuts down the background cleanup goroutine. Safe to call multiple times.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(rl.limiters, key)
		}
	}
}

// LimiterCount returns the number of active limiter entries.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)
		rule := rl.resolveRule(r.URL.Path)
		limiter := rl.getOrCreateLimiter(rule.prefix+"|"+clientIP, rule.limit)

		now := rl.nowFunc()
		if !limiter.AllowN(now, 1) {
			w.Header().Set("Retry-After", retryAfterSeconds(rule.limit.rps))
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			metrics.AdminRateLimited.WithLabelValues(routeLabel(rule.prefix)).Inc()
			rl.logger.Warn("http rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", clientIP,
			)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractClientIP checks X-Forwarded-For (first IP), X-Real-IP, then
// r.RemoteAddr.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimitMiddleware) resolveRule(path string) endpointRule {
	for _, rule := range rl.rules {
		if rule.prefix == "" || strings.HasPrefix(path, rule.prefix) {
			return rule
		}
	}
	return rl.rules[len(rl.rules)-1]
}

func (rl *RateLimitMiddleware) getOrCreateLimiter(key string, limit endpointLimit) *rate.Limiter {
	now := rl.nowFunc()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(limit.rps, limit.burst)
	rl.limiters[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func retryAfterSeconds(rps rate.Limit) string {
	if rps <= 0 || rps == rate.Inf {
		return "1"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(rps)))))
}

func routeLabel(prefix string) string {
	if prefix == "" {
		return "api"
	}
	return prefix
}

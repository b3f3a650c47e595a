package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL = 10 * time.Minute
	sweepInterval  = time.Minute
)

// budget is the token bucket given to each client for paths under prefix.
type budget struct {
	prefix string
	limit  rate.Limit
	burst  int
}

var (
	// View reads may scan the ledger, so they are held to 30 a minute.
	viewsBudget   = budget{prefix: "/v1/views/", limit: rate.Every(2 * time.Second), burst: 10}
	defaultBudget = budget{limit: 5, burst: 20}
)

type clientKey struct {
	prefix string
	ip     string
}

type clientLimiter struct {
	*rate.Limiter
	seen time.Time
}

// RateLimitMiddleware keeps one token bucket per client IP and budget.
type RateLimitMiddleware struct {
	budgets []budget
	logger  *slog.Logger
	nowFunc func() time.Time
	janitor *janitor

	mu      sync.Mutex
	clients map[clientKey]*clientLimiter
}

// NewRateLimitMiddleware starts sweeping idle clients. Stop ends it.
func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		budgets: []budget{viewsBudget},
		logger:  logger,
		nowFunc: time.Now,
		clients: make(map[clientKey]*clientLimiter),
	}
	rl.janitor = startJanitor(sweepInterval, rl.evictStale)
	return rl
}

func (rl *RateLimitMiddleware) Stop() {
	rl.janitor.Stop()
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if rl.allow(rl.budgetFor(r.URL.Path), ip) {
			next.ServeHTTP(w, r)
			return
		}
		rl.logger.Warn("api rate limit exceeded", "path", r.URL.Path, "client_ip", ip)
		w.Header().Set("Retry-After", "60")
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
	})
}

// LimiterCount returns how many client buckets are live.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimitMiddleware) budgetFor(path string) budget {
	for _, b := range rl.budgets {
		if strings.HasPrefix(path, b.prefix) {
			return b
		}
	}
	return defaultBudget
}

func (rl *RateLimitMiddleware) allow(b budget, ip string) bool {
	key := clientKey{prefix: b.prefix, ip: ip}
	now := rl.nowFunc()

	rl.mu.Lock()
	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{Limiter: rate.NewLimiter(b.limit, b.burst)}
		rl.clients[key] = c
	}
	c.seen = now
	rl.mu.Unlock()

	return c.AllowN(now, 1)
}

func (rl *RateLimitMiddleware) evictStale() {
	cutoff := rl.nowFunc().Add(-limiterIdleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, c := range rl.clients {
		if c.seen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// clientIP takes the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

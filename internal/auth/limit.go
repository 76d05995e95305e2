package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle  = 10 * time.Minute
	limiterSweep = 5 * time.Minute
)

type keyLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client key. Idle buckets are
// evicted lazily.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyLimiter
	rate     rate.Limit
	burst    int
	swept    time.Time
}

// NewRateLimiter allows perSec sustained requests with the given burst.
func NewRateLimiter(perSec float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: map[string]*keyLimiter{},
		rate:     rate.Limit(perSec),
		burst:    burst,
		swept:    time.Now(),
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	if now.Sub(rl.swept) > limiterSweep {
		for k, l := range rl.limiters {
			if now.Sub(l.lastSeen) > limiterIdle {
				delete(rl.limiters, k)
			}
		}
		rl.swept = now
	}
	l, ok := rl.limiters[key]
	if !ok {
		l = &keyLimiter{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = l
	}
	l.lastSeen = now
	return l.lim
}

// Allow reports whether a request for key is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.get(key).Allow()
}

// Middleware rejects over-limit clients with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP is the first X-Forwarded-For hop, else the remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kiranshivaraju/jobcache/internal/api/response"
	"golang.org/x/time/rate"
)

const defaultRequestsPerMinute = 600

// RateLimit is a per-key token bucket refilled at requestsPerMin per minute
// with a burst of one minute's allowance.
type RateLimit struct {
	requestsPerMin int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{
		requestsPerMin: requestsPerMin,
		limiters:       make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimit) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.requestsPerMin)), rl.requestsPerMin)
		rl.limiters[key] = l
	}
	return l
}

// Limit applies rate limiting based on the key id set by auth middleware.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID, ok := GetKeyID(r)
		if !ok {
			// No key id means auth middleware didn't run; pass through
			next.ServeHTTP(w, r)
			return
		}

		l := rl.limiter(keyID)
		now := time.Now()
		allowed := l.AllowN(now, 1)

		remaining := int(math.Floor(l.TokensAt(now)))
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			wait := time.Duration(float64(time.Second) * (1 - l.TokensAt(now)) / float64(l.Limit()))
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per authenticated user.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*limiterEntry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	log      *slog.Logger
}

func NewRateLimiter(perSecond float64, burst int, log *slog.Logger) *RateLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{
		limiters: make(map[uuid.UUID]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  30 * time.Minute,
		log:      log,
	}
}

func (rl *RateLimiter) allow(userID uuid.UUID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.limiters[userID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[userID] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// Handler must run after Authenticate; requests without an identity are 401.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromCtx(r.Context())
		if id == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !rl.allow(id.UserID) {
			rl.log.Info("rate limit exceeded", "user_id", id.UserID, "path", r.URL.Path)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", rl.retryAfterSeconds()))
			writeError(w, http.StatusTooManyRequests, "too many requests, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.rate <= 0 {
		return 60
	}
	s := int(1 / float64(rl.rate))
	if s < 1 {
		s = 1
	}
	return s
}

// Cleanup drops buckets idle for longer than the idle TTL.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.idleTTL)
	for id, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, id)
		}
	}
}

// StartCleanup runs Cleanup every interval until done is closed.
func (rl *RateLimiter) StartCleanup(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-done:
				return
			}
		}
	}()
}

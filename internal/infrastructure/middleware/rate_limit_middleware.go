package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"roomcast/pkg/cache"
	"roomcast/pkg/config"
	"roomcast/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a client's limiter survives without requests.
// A returning client starts with a full bucket.
const limiterIdleTTL = 10 * time.Minute

// limiterStore hands out one token bucket per client key. Buckets of idle
// clients expire so the store does not grow with every address ever seen.
type limiterStore struct {
	mu       sync.Mutex
	limiters *cache.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newLimiterStore(limit rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters: cache.New[string, *rate.Limiter](limiterIdleTTL),
		limit:    limit,
		burst:    burst,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(s.limit, s.burst)
	}
	// Refresh the idle deadline on every request.
	s.limiters.Set(key, limiter)
	return limiter
}

// clientIP keys rate limits by caller address.
func clientIP(r *http.Request) string {
	// The first X-Forwarded-For hop is the client when behind a proxy.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware limits each client IP to the configured rate
// and caps requests in flight across all clients.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	rps := cfg.RateLimiting.HTTP.RequestsPerSecond
	burst := cfg.RateLimiting.HTTP.Burst

	store := newLimiterStore(rate.Limit(rps), burst)

	var inFlight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				abortWith(c, errors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.get(clientIP(c.Request)).Allow() {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(rps)))
			abortWith(c, errors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

// NewWebSocketConnectionLimiter caps concurrent websocket connections. The
// slot is held until the upgrade handler returns, which is when the
// connection closes.
func NewWebSocketConnectionLimiter(cfg *config.Config) gin.HandlerFunc {
	limit := cfg.RateLimiting.WebSocket.MaxConcurrent
	if !cfg.RateLimiting.Enabled || limit <= 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	slots := make(chan struct{}, limit)
	return func(c *gin.Context) {
		select {
		case slots <- struct{}{}:
			defer func() { <-slots }()
			c.Next()
		default:
			abortWith(c, errors.NewServiceUnavailableError("too many concurrent connections"))
		}
	}
}

func retryAfterSeconds(rps float64) int {
	if rps >= 1 {
		return 1
	}
	return int(1/rps + 0.5)
}



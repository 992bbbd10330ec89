package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"amalive/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// clientIP extracts the caller address, preferring the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "too many concurrent requests",
				})
				return
			}
		}

		if !store.getLimiter(clientIP(c.Request)).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}

// WSLimiter guards the room socket: new connections per IP per minute, the
// number of open connections, and the message rate of each connection.
type WSLimiter struct {
	enabled        bool
	connections    *rateLimiterStore
	sem            chan struct{}
	messageRate    rate.Limit
	messageBurst   int
	maxMessageSize int64
}

func NewWSLimiter(cfg *config.Config) *WSLimiter {
	ws := cfg.RateLimiting.WebSocket
	l := &WSLimiter{
		enabled:        cfg.RateLimiting.Enabled,
		maxMessageSize: ws.MaxMessageSizeBytes,
	}
	if !l.enabled {
		return l
	}

	l.connections = newRateLimiterStore(rate.Every(time.Minute/time.Duration(ws.ConnectionsPerMinute)), ws.ConnectionsPerMinute)
	if ws.MaxConcurrent > 0 {
		l.sem = make(chan struct{}, ws.MaxConcurrent)
	}
	l.messageRate = rate.Limit(ws.MessagesPerSecond)
	l.messageBurst = ws.Burst
	return l
}

// Admit reserves a connection slot for r. The returned release must be called
// once the connection closes. A nil release means the caller was rejected and
// status holds the HTTP status to answer with.
func (l *WSLimiter) Admit(r *http.Request) (release func(), status int) {
	if !l.enabled {
		return func() {}, http.StatusOK
	}
	if !l.connections.getLimiter(clientIP(r)).Allow() {
		return nil, http.StatusTooManyRequests
	}
	if l.sem == nil {
		return func() {}, http.StatusOK
	}
	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l.sem }) }, http.StatusOK
	default:
		return nil, http.StatusServiceUnavailable
	}
}

// MessageLimiter returns a fresh limiter for one connection's inbound messages.
func (l *WSLimiter) MessageLimiter() *rate.Limiter {
	if !l.enabled {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(l.messageRate, l.messageBurst)
}

// MaxMessageSize is the read limit for a connection; 0 means unlimited.
func (l *WSLimiter) MaxMessageSize() int64 {
	return l.maxMessageSize
}

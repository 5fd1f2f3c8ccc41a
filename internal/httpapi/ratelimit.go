package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/MimeLyc/docjobs/internal/jobs"
	"github.com/MimeLyc/docjobs/pkg/log"
)

const (
	codeRateLimited jobs.Code = "RATE_LIMITED"
	limiterIdleTTL            = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client. Buckets idle for
// limiterIdleTTL are dropped.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*limiterEntry
	lastPrune time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*limiterEntry),
	}
}

func (l *clientLimiter) allow(client string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > time.Minute {
		for k, e := range l.clients {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastPrune = now
	}

	e, ok := l.clients[client]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// middleware rejects submissions above the per-client rate with 429. The
// client is X-Client-ID, falling back to the remote address.
func (l *clientLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.GetHeader(clientIDHeader)
		if client == "" {
			client = c.ClientIP()
		}
		if l.allow(client, time.Now()) {
			c.Next()
			return
		}
		log.WithFields(log.Fields{
			log.FieldRequestID: c.GetString(log.FieldRequestID),
			"client":           client,
		}).Warn("Submission rate limited")
		retryAfter := 1
		if l.limit > 0 {
			retryAfter = max(1, int(1/float64(l.limit)+0.5))
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.Set(log.FieldErrorCode, string(codeRateLimited))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": errorBody{
			Code:      codeRateLimited,
			Message:   "too many submissions, retry later",
			Retryable: true,
		}})
	}
}

package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// requestLogger はリクエストごとにアクセスログを出力する
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "リクエスト",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"client_ip", c.ClientIP(),
			"elapsed", time.Since(start))
	}
}

// clientLimiter はクライアントIPごとのトークンバケット
type clientLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	clients  map[string]*clientEntry
	idleTTL  time.Duration
	lastScan time.Time
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientEntry),
		idleTTL: 10 * time.Minute,
	}
}

// Allow はクライアントのリクエストを許可するかどうかを返す
func (l *clientLimiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastScan) > l.idleTTL {
		for k, e := range l.clients {
			if now.Sub(e.lastSeen) > l.idleTTL {
				delete(l.clients, k)
			}
		}
		l.lastScan = now
	}

	e, ok := l.clients[client]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// rateLimit は上限を超えたリクエストに429を返す
func rateLimit(l *clientLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "rate_limited",
				Message:   "リクエストが多すぎます。しばらくしてから再度お試しください",
				Timestamp: time.Now(),
			})
			return
		}
		c.Next()
	}
}

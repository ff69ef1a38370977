// Package handlers is the thin HTTP surface over the cache services, plus
// the per-instance health and load endpoints.
package handlers

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/auth"
)

const ctxUserID = "userID"

// errorBody is the common error response shape.
type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func abortError(c *gin.Context, status int, message, code string) {
	c.AbortWithStatusJSON(status, errorBody{Success: false, Message: message, Code: code})
}

// AuthRequired verifies the x-auth-token / x-session-id headers and stores
// the user id on the request context.
func AuthRequired(verifier *auth.TokenVerifier, sessions auth.SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("x-auth-token")
		sessionID := c.GetHeader("x-session-id")
		if token == "" || sessionID == "" {
			abortError(c, http.StatusUnauthorized, "인증 정보가 없습니다.", "AUTH_REQUIRED")
			return
		}
		userID, err := verifier.Verify(token)
		if err != nil {
			abortError(c, http.StatusUnauthorized, err.Error(), "INVALID_TOKEN")
			return
		}
		valid, err := sessions.Validate(c.Request.Context(), userID, sessionID)
		if err != nil || !valid {
			abortError(c, http.StatusUnauthorized, auth.ErrInvalidSession.Error(), "INVALID_SESSION")
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// ipLimiter is a per-IP token bucket set with lazy eviction.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipBucket
	limit    rate.Limit
	burst    int
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*ipBucket),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.limiters[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = b
	}
	b.lastSeen = time.Now()

	if len(l.limiters) > 10000 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for ip, bucket := range l.limiters {
			if bucket.lastSeen.Before(cutoff) {
				delete(l.limiters, ip)
			}
		}
	}
	return b.limiter.Allow()
}

// RateLimit enforces a per-IP request budget per minute.
func RateLimit(perMinute int) gin.HandlerFunc {
	limiter := newIPLimiter(perMinute)
	return func(c *gin.Context) {
		ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			ip = c.Request.RemoteAddr
		}
		if !limiter.allow(ip) {
			abortError(c, http.StatusTooManyRequests, "요청이 너무 많습니다. 잠시 후 다시 시도해주세요.", "RATE_LIMITED")
			return
		}
		c.Next()
	}
}

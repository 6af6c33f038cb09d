package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/positions-api/internal/auth"
	"github.com/ksred/positions-api/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type routeLimit struct {
	prefix string
	limit  rate.Limit
	burst  int
}

var (
	visitors    = make(map[string]*visitor)
	mu          sync.Mutex
	cleanupOnce sync.Once

	// Configure limits per endpoint type
	routeLimits = []routeLimit{
		{"/register", rate.Limit(10.0 / 60.0), 10},       // 10 requests per minute
		{"/login", rate.Limit(30.0 / 60.0), 10},          // 30 requests per minute
		{"/open_position", rate.Limit(100.0 / 60.0), 20}, // 100 requests per minute
		{"/get-balance", rate.Limit(300.0 / 60.0), 20},   // 300 requests per minute
	}
)

func getLimiter(path, clientID string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientID + ":" + path
	v, exists := visitors[key]

	if !exists {
		limit, burst := rate.Inf, 1 // No limit for other paths
		for _, rl := range routeLimits {
			if strings.HasPrefix(path, rl.prefix) {
				limit, burst = rl.limit, rl.burst
				break
			}
		}

		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles callers per client IP and route
func RateLimit() gin.HandlerFunc {
	cleanupOnce.Do(func() { go cleanupVisitors() })

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !getLimiter(path, c.ClientIP()).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator validates bearer tokens
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// JWTAuth requires a valid bearer token and stores the caller's userID and
// username in the context
func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("userID", claims.UserID)
		c.Set("username", claims.Username)

		c.Next()
	}
}

// RequestLogger logs one line per request with method, route, status and latency
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request handled")
	}
}

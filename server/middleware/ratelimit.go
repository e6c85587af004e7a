package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	gkerrors "github.com/kbukum/gokit/errors"
	"github.com/kbukum/gokit/ratelimit"
)

// RateLimit returns a Gin middleware that admits requests through limiter
// under bucket, keyed by the caller identity keyFunc extracts (falling back
// to IPBasedKey when keyFunc is nil). A denied request gets 429 with a
// Retry-After header.
func RateLimit(limiter *ratelimit.Limiter, bucket ratelimit.Bucket, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = IPBasedKey
	}

	return func(c *gin.Context) {
		caller := keyFunc(c)
		ok, retryAfter := limiter.TryAcquire(bucket, caller)
		if !ok {
			secs := int(retryAfter.Seconds()) + 1
			appErr := gkerrors.RateLimitedWithRetry(secs)
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.ToResponse())
			return
		}
		c.Next()
	}
}

// IPBasedKey extracts the client IP for use as a rate limit key.
func IPBasedKey(c *gin.Context) string {
	return c.ClientIP()
}

// UserBasedKey extracts the user_id from the context, falling back to client IP.
func UserBasedKey(c *gin.Context) string {
	if uid, exists := c.Get("user_id"); exists {
		if s, ok := uid.(string); ok && s != "" {
			return s
		}
	}
	return c.ClientIP()
}

package middleware

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/qa-realtime/pkg/response"
)

// RateLimit caps how fast requests are admitted across the process. Used on the
// stream endpoint so a reconnect storm cannot overwhelm the broker. A zero
// limit disables it.
func RateLimit(limit float64, burst int) gin.HandlerFunc {
	if limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(limit), burst)
	return func(c *gin.Context) {
		if !lim.Allow() {
			response.TooManyRequests(c)
			return
		}
		c.Next()
	}
}

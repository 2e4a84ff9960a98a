package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/roomforge/roomforge/pkg/api"
)

// RateLimit caps each client IP at requestsPerMinute, with a burst of the
// same size. Idle clients fall out of the table after ten minutes.
func RateLimit(requestsPerMinute int) gin.HandlerFunc {
	limiters := ttlcache.New(ttlcache.WithTTL[string, *rate.Limiter](10 * time.Minute))
	go limiters.Start()

	limit := rate.Limit(float64(requestsPerMinute) / 60)

	return func(c *gin.Context) {
		item, _ := limiters.GetOrSet(c.ClientIP(), rate.NewLimiter(limit, requestsPerMinute))
		if !item.Value().Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				api.NewEnvelope(http.StatusTooManyRequests, "rate limit exceeded", c.Request.URL.Path, nil))

			return
		}

		c.Next()
	}
}

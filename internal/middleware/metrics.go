package middleware

import (
	"strconv"
	"time"

	phxmetrics "noctuaid/backend/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Metrics collects Prometheus metrics for HTTP requests.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		method := c.Request.Method

		// FullPath gives the route template, which keeps label
		// cardinality bounded. Empty for unmatched routes.
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		latency := time.Since(start)
		phxmetrics.HTTPRequestCounter.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		phxmetrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(latency.Seconds())
	}
}

package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware records request metrics labelled by the matched route
// template, so path parameters do not explode label cardinality.
func Middleware(collector *Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqSize := c.Request.ContentLength
		if reqSize < 0 {
			reqSize = 0
		}

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		collector.RecordRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start), reqSize)
	}
}

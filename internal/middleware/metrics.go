package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"docqa-go/pkg/metrics"
)

// Metrics 记录每个请求的次数和耗时。path 标签使用路由模板（如 /api/v1/documents/:id/status），
// 避免文档 ID 造成标签基数膨胀；未匹配路由统一记为 "unmatched"。
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

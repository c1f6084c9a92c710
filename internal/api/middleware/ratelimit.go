package middleware

import (
	"net/http"

	"github.com/cozy-creator/plate-gateway/internal/app"
	"github.com/cozy-creator/plate-gateway/internal/types"

	"github.com/gin-gonic/gin"
)

// RateLimit rejects requests with 429 once the shared token bucket is
// empty. It is a no-op when no limiter is configured.
func RateLimit(ctx *gin.Context) {
	app := ctx.MustGet("app").(*app.App)

	limiter := app.Limiter()
	if limiter == nil || limiter.Allow() {
		ctx.Next()
		return
	}

	app.Metrics.RecordRejectedUpload("rate_limited")
	ctx.Header("Retry-After", "1")
	ctx.AbortWithStatusJSON(http.StatusTooManyRequests, types.ErrorResponse{Detail: "Too many requests, please retry later"})
}

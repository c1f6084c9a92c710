package middleware

import (
	"github.com/cozy-creator/plate-gateway/internal/proxy"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDKey = "request_id"

// RequestID makes sure every request carries an X-Request-Id. The id is put
// back on the inbound request so the proxy forwards it to the backend.
func RequestID(ctx *gin.Context) {
	id := ctx.GetHeader(proxy.RequestIDHeader)
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
		ctx.Request.Header.Set(proxy.RequestIDHeader, id)
	}

	ctx.Set(RequestIDKey, id)
	ctx.Header(proxy.RequestIDHeader, id)
	ctx.Next()
}

package api

import (
	"github.com/cozy-creator/plate-gateway/internal/app"
	"github.com/cozy-creator/plate-gateway/internal/backend"

	"github.com/gin-gonic/gin"
)

// Detect streams the upload to the backend detect capability.
func Detect(c *gin.Context) {
	forward(c, backend.CapabilityDetect)
}

// DetectAndBlur streams the upload to the backend detect-and-blur capability.
func DetectAndBlur(c *gin.Context) {
	forward(c, backend.CapabilityDetectAndBlur)
}

func forward(c *gin.Context, capability backend.Capability) {
	app := c.MustGet("app").(*app.App)
	app.Proxy().Forward(c.Writer, c.Request, capability)
}

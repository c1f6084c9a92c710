package api

import (
	"context"
	"net/http"

	"github.com/cozy-creator/plate-gateway/internal/app"
	"github.com/cozy-creator/plate-gateway/internal/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Health always answers 200. The backend part is its own health payload,
// "healthy" when it answered without one, or "unavailable".
func Health(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	b := app.Backend()

	state := b.State()
	app.Metrics.SetBackendState(int(state))

	resp := types.HealthResponse{
		Gateway: types.BackendHealthy,
		Backend: types.BackendUnavailable,
		State:   state.String(),
	}

	if b.Running() {
		ctx, cancel := context.WithTimeout(c.Request.Context(), app.Config().Backend.HealthTimeout)
		defer cancel()

		payload, err := b.Health(ctx)
		switch {
		case err != nil:
			app.Logger.Debug("backend health check failed", zap.Error(err))
		case payload != nil:
			resp.Backend = payload
		default:
			resp.Backend = types.BackendHealthy
		}
	}

	c.JSON(http.StatusOK, resp)
}

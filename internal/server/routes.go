package server

import (
	"github.com/cozy-creator/plate-gateway/internal/api"
	"github.com/cozy-creator/plate-gateway/internal/api/middleware"
	"github.com/cozy-creator/plate-gateway/internal/app"
	"github.com/cozy-creator/plate-gateway/internal/services/filestorage"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) SetupRoutes(app *app.App) {
	s.ginEngine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := s.ginEngine.Group("/api")

	apiGroup.GET("/health", handlerWrapper(app, api.Health))

	inference := apiGroup.Group("")
	inference.Use(handlerWrapper(app, middleware.RateLimit))
	inference.POST("/detect", handlerWrapper(app, middleware.ValidateImageUpload), handlerWrapper(app, api.Detect))
	inference.POST("/detect-and-blur", handlerWrapper(app, middleware.ValidateImageUpload), handlerWrapper(app, api.DetectAndBlur))
	inference.POST("/blur-zip", handlerWrapper(app, api.BlurZip))

	s.ginEngine.GET(filestorage.ArchivesRoute+"/:filename", handlerWrapper(app, api.GetArchive))

	// Anything else falls through to the web UI, when one is built.
	if dir := app.Config().PublicDir; dir != "" {
		s.ginEngine.NoRoute(static.Serve("/", static.LocalFile(dir, true)))
	}
}

func handlerWrapper(app *app.App, f func(c *gin.Context)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Set("app", app)
		f(ctx)
	}
}

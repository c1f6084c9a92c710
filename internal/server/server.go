package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cozy-creator/plate-gateway/internal/api"
	"github.com/cozy-creator/plate-gateway/internal/api/middleware"
	"github.com/cozy-creator/plate-gateway/internal/app"
	"github.com/cozy-creator/plate-gateway/internal/metrics"
	"github.com/cozy-creator/plate-gateway/internal/proxy"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 3 * time.Second

type Server struct {
	listenAddr string
	ginEngine  *gin.Engine
	inner      *http.Server
	logger     *zap.Logger
}

func NewServer(app *app.App) (*Server, error) {
	cfg := app.Config()

	gin.SetMode(getGinMode(cfg.Environment))
	r := gin.New()

	// Setup logger middleware
	r.Use(logger.SetLogger(
		logger.WithUTC(true),
		logger.WithSkipPath([]string{"/metrics", "/api/health"}),
	))

	// Setup CORS middleware
	r.Use(cors.New(
		cors.Config{
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowOrigins: []string{"*"},
			AllowHeaders: []string{"*"},
			ExposeHeaders: []string{
				proxy.RequestIDHeader,
				api.HeaderJobID,
				api.HeaderAttempted,
				api.HeaderSucceeded,
				api.HeaderFailed,
				api.HeaderFailedItems,
				api.HeaderArchiveURL,
			},
			MaxAge: 300,
		},
	))

	r.Use(gin.Recovery())
	r.Use(metrics.Middleware(app.Metrics))
	r.Use(middleware.RequestID)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s := &Server{
		listenAddr: addr,
		ginEngine:  r,
		logger:     app.Logger.Named("server"),
		inner: &http.Server{
			Handler:           r,
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	s.SetupRoutes(app)
	return s, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.ginEngine
}

func (s *Server) Addr() string {
	return s.listenAddr
}

// Start serves until Stop is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.listenAddr))
	if err := s.inner.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("listening", zap.String("addr", l.Addr().String()))
	if err := s.inner.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.logger.Info("stopping server")
	return s.inner.Shutdown(ctx)
}

func getGinMode(env string) string {
	switch env {
	case "dev":
		return gin.DebugMode
	case "test":
		return gin.TestMode
	default:
		return gin.ReleaseMode
	}
}

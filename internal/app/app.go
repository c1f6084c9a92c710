package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/cozy-creator/plate-gateway/internal/backend"
	"github.com/cozy-creator/plate-gateway/internal/batch"
	"github.com/cozy-creator/plate-gateway/internal/config"
	"github.com/cozy-creator/plate-gateway/internal/metrics"
	"github.com/cozy-creator/plate-gateway/internal/proxy"
	"github.com/cozy-creator/plate-gateway/internal/services/filestorage"
	"github.com/cozy-creator/plate-gateway/internal/supervisor"
	"github.com/cozy-creator/plate-gateway/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type App struct {
	config     *config.Config
	ctx        context.Context
	cancelFunc context.CancelFunc

	backend    backend.Backend
	supervisor *supervisor.Supervisor
	proxy      *proxy.Proxy
	pipeline   *batch.Pipeline
	storage    filestorage.FileStorage
	limiter    *rate.Limiter

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Option funcs used to initialize the App struct
type OptionFunc func(app *App) error

func WithLogger(logger *zap.Logger) OptionFunc {
	return func(app *App) error {
		app.Logger = logger
		return nil
	}
}

func WithMetrics(collector *metrics.Collector) OptionFunc {
	return func(app *App) error {
		app.Metrics = collector
		return nil
	}
}

// WithBackend uses an already built backend, typically a remote one or a
// test double.
func WithBackend(b backend.Backend) OptionFunc {
	return func(app *App) error {
		app.backend = b
		if s, ok := b.(*supervisor.Supervisor); ok {
			app.supervisor = s
		}
		return nil
	}
}

// WithConfiguredBackend builds the backend described by the config: a
// supervised child process in local mode, an HTTP client in remote mode.
// The supervised process is not started here.
func WithConfiguredBackend() OptionFunc {
	return func(app *App) error {
		cfg := app.config
		timeout := backend.WithTimeout(cfg.Backend.ProxyTimeout)

		if strings.EqualFold(cfg.Backend.Mode, config.BackendModeRemote) {
			b, err := backend.NewHTTPBackend(cfg.BackendURL(), timeout, backend.WithLogger(app.Logger))
			if err != nil {
				return err
			}
			app.backend = b
			return nil
		}

		s, err := supervisor.New(cfg.BackendURL(), supervisor.Command{
			Path:    cfg.Backend.Command,
			Args:    cfg.Backend.Args,
			Dir:     cfg.Backend.WorkDir,
			Env:     cfg.BackendEnv(),
			Marker:  cfg.Backend.ReadyMarker,
			Startup: cfg.Backend.StartupTimeout,
			Grace:   cfg.Backend.ShutdownGrace,
		}, app.Logger, timeout)
		if err != nil {
			return err
		}

		app.backend = s
		app.supervisor = s
		return nil
	}
}

func WithFileStorage() OptionFunc {
	return func(app *App) error {
		storage, err := filestorage.NewFileStorage(app.ctx, app.config)
		if err != nil {
			return err
		}
		app.storage = storage
		return nil
	}
}

func WithStorage(storage filestorage.FileStorage) OptionFunc {
	return func(app *App) error {
		app.storage = storage
		return nil
	}
}

func NewApp(config *config.Config, options ...OptionFunc) (*App, error) {
	log, err := logger.InitLogger(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		ctx:        ctx,
		config:     config,
		Logger:     log,
		cancelFunc: cancel,
	}

	// Apply all options
	for _, opt := range options {
		if err := opt(app); err != nil {
			// Continue even if some options fail
			app.Logger.Error("failed to apply option", zap.Error(err))
		}
	}

	if app.backend == nil {
		cancel()
		return nil, fmt.Errorf("no inference backend configured")
	}

	app.proxy = proxy.New(app.backend,
		proxy.WithTimeout(config.Backend.ProxyTimeout),
		proxy.WithLogger(app.Logger),
		proxy.WithMetrics(app.Metrics),
	)

	app.pipeline = batch.NewPipeline(batch.NewBackendProcessor(app.backend),
		batch.WithConcurrency(config.Batch.Concurrency),
		batch.WithMaxExtractedSize(config.Limits.MaxExtractedSize),
		batch.WithItemTimeout(config.Backend.ProxyTimeout),
		batch.WithLogger(app.Logger),
		batch.WithMetrics(app.Metrics),
	)

	if config.Limits.RequestsPerSecond > 0 {
		burst := config.Limits.Burst
		if burst < 1 {
			burst = 1
		}
		app.limiter = rate.NewLimiter(rate.Limit(config.Limits.RequestsPerSecond), burst)
	}

	return app, nil
}

func (app *App) Close() {
	app.cancelFunc()
	_ = app.Logger.Sync()
}

func (app *App) Config() *config.Config {
	return app.config
}

func (app *App) Context() context.Context {
	return app.ctx
}

func (app *App) Backend() backend.Backend {
	return app.backend
}

// Supervisor is nil unless the backend is a locally supervised process.
func (app *App) Supervisor() *supervisor.Supervisor {
	return app.supervisor
}

func (app *App) Proxy() *proxy.Proxy {
	return app.proxy
}

func (app *App) Pipeline() *batch.Pipeline {
	return app.pipeline
}

// Storage is nil when produced archives are not persisted.
func (app *App) Storage() filestorage.FileStorage {
	return app.storage
}

// Limiter is nil when inference routes are not rate limited.
func (app *App) Limiter() *rate.Limiter {
	return app.limiter
}

package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cozy-creator/plate-gateway/internal/app"
	"github.com/cozy-creator/plate-gateway/internal/config"
	"github.com/cozy-creator/plate-gateway/internal/metrics"
	"github.com/cozy-creator/plate-gateway/internal/server"
	"github.com/cozy-creator/plate-gateway/internal/supervisor"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway and, in local mode, the inference service",
	RunE:  runApp,
}

func init() {
	flags := Cmd.Flags()

	flags.Int("port", config.DefaultPort, "Port to run the gateway on")
	flags.String("host", "0.0.0.0", "Host to run the gateway on")
	flags.String("environment", "dev", "Environment configuration: dev, prod or test")
	flags.String("public-dir", "./web/dist", "Directory the web UI is served from")

	flags.String("backend-mode", config.BackendModeLocal, "Inference backend mode: 'local' or 'remote'")
	flags.String("backend-url", "", "Base URL of a remote inference backend")
	flags.String("backend-command", "python3", "Command that starts the local inference backend")
	flags.StringSlice("backend-args", []string{"start.py"}, "Arguments for the backend command")
	flags.Int("backend-port", config.DefaultBackendPort, "Port the local inference backend listens on")

	flags.String("batch-store", config.StoreNone, "Where produced archives are kept: '', 'local' or 's3'")
	flags.String("batch-webhook-url", "", "URL notified with the summary of every batch job")

	viper.BindPFlag("port", flags.Lookup("port"))
	viper.BindPFlag("host", flags.Lookup("host"))
	viper.BindPFlag("environment", flags.Lookup("environment"))
	viper.BindPFlag("public_dir", flags.Lookup("public-dir"))

	viper.BindPFlag("backend.mode", flags.Lookup("backend-mode"))
	viper.BindPFlag("backend.url", flags.Lookup("backend-url"))
	viper.BindPFlag("backend.command", flags.Lookup("backend-command"))
	viper.BindPFlag("backend.args", flags.Lookup("backend-args"))
	viper.BindPFlag("backend.port", flags.Lookup("backend-port"))

	viper.BindPFlag("batch.store", flags.Lookup("batch-store"))
	viper.BindPFlag("batch.webhook_url", flags.Lookup("batch-webhook-url"))
}

func runApp(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(false)
	if err != nil {
		return err
	}

	app, err := app.NewApp(cfg,
		app.WithMetrics(metrics.NewCollector()),
		app.WithConfiguredBackend(),
		app.WithFileStorage(),
	)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(app.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := app.Logger
	sup := app.Supervisor()
	if sup != nil {
		defer shutdownBackend(sup, logger)
		startBackend(ctx, app, sup)
	}

	srv, err := server.NewServer(app)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		return srv.Stop(context.Background())
	})

	if sup != nil {
		g.Go(func() error {
			select {
			case <-sup.Done():
				app.Metrics.SetBackendState(int(sup.State()))
				logger.Error("inference process exited, detection routes will answer 503",
					zap.Int("exit_code", sup.ExitCode()))
			case <-gctx.Done():
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

// startBackend launches the supervised inference process. The gateway
// serves whatever the outcome; health reports the backend state.
func startBackend(ctx context.Context, app *app.App, sup *supervisor.Supervisor) {
	outcome := sup.Start(ctx)
	app.Metrics.SetBackendState(int(sup.State()))

	if outcome == supervisor.OutcomeSpawnFailed {
		app.Logger.Warn("serving without an inference backend, detection routes will answer 503")
	}
}

func shutdownBackend(sup *supervisor.Supervisor, logger *zap.Logger) {
	if err := sup.Shutdown(context.Background()); err != nil {
		logger.Warn("inference backend shutdown", zap.Error(err))
	}
}

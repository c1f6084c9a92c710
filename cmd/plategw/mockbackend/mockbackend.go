package mockbackend

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cozy-creator/plate-gateway/internal/config"
	"github.com/cozy-creator/plate-gateway/internal/mockbackend"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Cmd = &cobra.Command{
	Use:   "mock-backend",
	Short: "Run a stand-in inference service that reports one fixed plate per image",
	Long: "Run a stand-in inference service speaking the detector's HTTP contract. " +
		"It reads PORT (or FASTAPI_PORT) and CONF_THRES like the real service, so it " +
		"can be used as backend.command for local development.",
	RunE: runMock,
}

func init() {
	flags := Cmd.Flags()

	flags.String("host", "127.0.0.1", "Host to listen on")
	flags.Int("port", 0, "Port to listen on (default: $PORT, $FASTAPI_PORT or 8000)")
	flags.Float64("conf-threshold", -1, "Drop detections below this confidence (default: $CONF_THRES)")
}

func runMock(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	host, _ := flags.GetString("host")
	port, _ := flags.GetInt("port")
	threshold, _ := flags.GetFloat64("conf-threshold")

	if port == 0 {
		port = envInt(config.DefaultBackendPort, "PORT", "FASTAPI_PORT")
	}
	if threshold < 0 {
		threshold = envFloat("CONF_THRES", 0)
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	gin.SetMode(gin.ReleaseMode)

	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mockbackend.New(
		mockbackend.WithConfThreshold(threshold),
		mockbackend.WithLogger(log),
	)

	return srv.Serve(ctx, l, cmd.OutOrStdout())
}

func envInt(fallback int, keys ...string) int {
	for _, key := range keys {
		if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return fallback
}

package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort        = 8080
	DefaultBackendPort = 8000

	DefaultReadyMarker = "Application startup complete"

	DefaultStartupTimeout = 5 * time.Second
	DefaultShutdownGrace  = 5 * time.Second
	DefaultProxyTimeout   = 120 * time.Second
	DefaultHealthTimeout  = 3 * time.Second

	DefaultMaxImageSize     = 10 << 20
	DefaultMaxArchiveSize   = 100 << 20
	DefaultMaxExtractedSize = 500 << 20

	DefaultBatchConcurrency = 3
)

var (
	ErrIncompleteConfig = errors.New("config is missing required sections")
	ErrInvalidConfig    = errors.New("invalid config")
)

func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("environment", "dev")
	v.SetDefault("public_dir", "./web/dist")

	v.SetDefault("backend.mode", BackendModeLocal)
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.command", "python3")
	v.SetDefault("backend.args", []string{"start.py"})
	v.SetDefault("backend.work_dir", "")
	v.SetDefault("backend.port", DefaultBackendPort)
	v.SetDefault("backend.ready_marker", DefaultReadyMarker)
	v.SetDefault("backend.startup_timeout", DefaultStartupTimeout)
	v.SetDefault("backend.shutdown_grace", DefaultShutdownGrace)
	v.SetDefault("backend.proxy_timeout", DefaultProxyTimeout)
	v.SetDefault("backend.health_timeout", DefaultHealthTimeout)

	v.SetDefault("inference.conf_threshold", "")
	v.SetDefault("inference.iou_threshold", "")
	v.SetDefault("inference.weights_path", "")
	v.SetDefault("inference.device", "")

	v.SetDefault("limits.max_image_size", DefaultMaxImageSize)
	v.SetDefault("limits.max_archive_size", DefaultMaxArchiveSize)
	v.SetDefault("limits.max_extracted_size", DefaultMaxExtractedSize)
	v.SetDefault("limits.requests_per_second", 0)
	v.SetDefault("limits.burst", 10)

	v.SetDefault("batch.concurrency", DefaultBatchConcurrency)
	v.SetDefault("batch.store", StoreNone)
	v.SetDefault("batch.store_dir", "./data/archives")
	v.SetDefault("batch.webhook_url", "")

	v.SetDefault("s3.folder", "archives")
	v.SetDefault("s3.region_name", "auto")
}

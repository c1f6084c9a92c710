package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/cozy-creator/plate-gateway/internal/utils/pathutil"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendModeLocal  = "local"
	BackendModeRemote = "remote"
)

const (
	StoreNone  = ""
	StoreLocal = "local"
	StoreS3    = "s3"
)

const EnvPrefix = "PLATEGW"

type Config struct {
	Port        int              `mapstructure:"port"`
	Host        string           `mapstructure:"host"`
	Environment string           `mapstructure:"environment"`
	PublicDir   string           `mapstructure:"public_dir"`
	Backend     *BackendConfig   `mapstructure:"backend"`
	Inference   *InferenceConfig `mapstructure:"inference"`
	Limits      *LimitsConfig    `mapstructure:"limits"`
	Batch       *BatchConfig     `mapstructure:"batch"`
	S3          *S3Config        `mapstructure:"s3"`
}

// BackendConfig describes where the inference service lives and, in local
// mode, how to launch it.
type BackendConfig struct {
	Mode           string        `mapstructure:"mode"`
	URL            string        `mapstructure:"url"`
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	WorkDir        string        `mapstructure:"work_dir"`
	Port           int           `mapstructure:"port"`
	ReadyMarker    string        `mapstructure:"ready_marker"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	ProxyTimeout   time.Duration `mapstructure:"proxy_timeout"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
}

// InferenceConfig values are handed to the inference process as environment
// variables. They are never parsed or validated here.
type InferenceConfig struct {
	ConfThreshold string `mapstructure:"conf_threshold"`
	IouThreshold  string `mapstructure:"iou_threshold"`
	WeightsPath   string `mapstructure:"weights_path"`
	Device        string `mapstructure:"device"`
}

type LimitsConfig struct {
	MaxImageSize      int64   `mapstructure:"max_image_size"`
	MaxArchiveSize    int64   `mapstructure:"max_archive_size"`
	MaxExtractedSize  int64   `mapstructure:"max_extracted_size"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type BatchConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	Store       string `mapstructure:"store"`
	StoreDir    string `mapstructure:"store_dir"`
	WebhookURL  string `mapstructure:"webhook_url"`
}

type S3Config struct {
	Folder      string `mapstructure:"folder"`
	Region      string `mapstructure:"region_name"`
	Bucket      string `mapstructure:"bucket_name"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	EndpointUrl string `mapstructure:"endpoint_url"`
	VanityUrl   string `mapstructure:"vanity_url"`
}

var config *Config

// LoadEnvAndConfigFiles loads the optional .env file into the process
// environment and points viper at the optional YAML config file.
func LoadEnvAndConfigFiles() error {
	envFile := viper.GetString("env_file")
	explicitEnv := envFile != ""
	if !explicitEnv {
		envFile = ".env"
	}

	if err := godotenv.Load(envFile); err != nil {
		if explicitEnv || !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	configFile := viper.GetString("config_file")
	if configFile != "" {
		configFile, err := pathutil.ExpandPath(configFile)
		if err != nil {
			return fmt.Errorf("failed to expand config file path: %w", err)
		}

		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config: %w", err)
		}
	}

	return nil
}

// BindEnvs wires the environment variables understood by the gateway.
// Gateway settings use the PLATEGW_ prefix, the inference settings keep the
// names the inference service itself reads.
func BindEnvs(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`, `.`, `_`))
	v.AutomaticEnv()

	v.BindEnv("inference.conf_threshold", "CONF_THRES")
	v.BindEnv("inference.iou_threshold", "IOU_THRES")
	v.BindEnv("inference.weights_path", "YOLO_WEIGHTS_PATH")
	v.BindEnv("inference.device", "YOLO_DEVICE")

	// Example: PLATEGW_S3_ACCESS_KEY
	v.BindEnv("s3.access_key")
	v.BindEnv("s3.secret_key")
	v.BindEnv("s3.region_name")
	v.BindEnv("s3.bucket_name")
	v.BindEnv("s3.folder")
	v.BindEnv("s3.endpoint_url")
	v.BindEnv("s3.vanity_url")
}

// Unmarshal builds a validated Config from v. Defaults are applied first, so
// every key is known to viper and environment overrides reach nested fields.
func Unmarshal(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func LoadConfig(reload bool) (*Config, error) {
	if config != nil && !reload {
		return config, nil
	}

	cfg, err := Unmarshal(viper.GetViper())
	if err != nil {
		return nil, err
	}

	config = cfg
	return config, nil
}

func MustGetConfig() *Config {
	cfg, err := LoadConfig(false)
	if err != nil {
		panic(err)
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Backend == nil || c.Limits == nil || c.Batch == nil || c.Inference == nil {
		return ErrIncompleteConfig
	}

	switch strings.ToLower(c.Backend.Mode) {
	case BackendModeLocal:
		if c.Backend.Command == "" {
			return fmt.Errorf("%w: backend.command is required in local mode", ErrInvalidConfig)
		}
		if c.Backend.Port <= 0 {
			return fmt.Errorf("%w: backend.port must be positive", ErrInvalidConfig)
		}
	case BackendModeRemote:
		u, err := url.Parse(c.Backend.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: backend.url must be an absolute URL in remote mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend mode %q", ErrInvalidConfig, c.Backend.Mode)
	}

	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("%w: batch.concurrency must be at least 1", ErrInvalidConfig)
	}

	switch strings.ToLower(c.Batch.Store) {
	case StoreNone, StoreLocal:
	case StoreS3:
		if c.S3 == nil || c.S3.Bucket == "" {
			return fmt.Errorf("%w: s3.bucket_name is required when batch.store is s3", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown batch store %q", ErrInvalidConfig, c.Batch.Store)
	}

	if c.Batch.WebhookURL != "" {
		u, err := url.Parse(c.Batch.WebhookURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: batch.webhook_url must be an absolute URL", ErrInvalidConfig)
		}
	}

	if c.Limits.MaxImageSize <= 0 || c.Limits.MaxArchiveSize <= 0 || c.Limits.MaxExtractedSize <= 0 {
		return fmt.Errorf("%w: size limits must be positive", ErrInvalidConfig)
	}

	return nil
}

// BackendURL returns the base URL of the inference service.
func (c *Config) BackendURL() string {
	if strings.EqualFold(c.Backend.Mode, BackendModeLocal) {
		return fmt.Sprintf("http://127.0.0.1:%d", c.Backend.Port)
	}

	return strings.TrimSuffix(c.Backend.URL, "/")
}

// BackendEnv returns the variables passed to a locally supervised backend.
// Empty values are left out so the backend keeps its own defaults.
func (c *Config) BackendEnv() []string {
	env := []string{
		fmt.Sprintf("PORT=%d", c.Backend.Port),
		fmt.Sprintf("FASTAPI_PORT=%d", c.Backend.Port),
	}

	pairs := [][2]string{
		{"CONF_THRES", c.Inference.ConfThreshold},
		{"CONFIDENCE_THRESHOLD", c.Inference.ConfThreshold},
		{"IOU_THRES", c.Inference.IouThreshold},
		{"YOLO_WEIGHTS_PATH", c.Inference.WeightsPath},
		{"YOLO_DEVICE", c.Inference.Device},
	}
	for _, p := range pairs {
		if p[1] != "" {
			env = append(env, p[0]+"="+p[1])
		}
	}

	return env
}

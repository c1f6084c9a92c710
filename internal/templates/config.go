package templates

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	ConfigFilename = "config.example.yaml"
	EnvFilename    = ".env.example"
)

const configTemplate = `port: 8080
host: 0.0.0.0
environment: dev
public_dir: ./web/dist

backend:
  # local: spawn and supervise the inference service
  # remote: forward to an already running one at backend.url
  mode: local
  command: python3
  args: ["start.py"]
  port: 8000
  ready_marker: "Application startup complete"
  startup_timeout: 5s
  shutdown_grace: 5s
  proxy_timeout: 120s
  health_timeout: 3s

limits:
  max_image_size: 10485760
  max_archive_size: 104857600
  max_extracted_size: 524288000
  requests_per_second: 0
  burst: 10

batch:
  concurrency: 3
  # "", local or s3
  store: ""
  store_dir: ./data/archives
  webhook_url: ""

s3:
  endpoint_url: ""
  region_name: auto
  bucket_name: ""
  folder: archives
  vanity_url: ""
`

const envTemplate = `# Gateway settings use the PLATEGW_ prefix
PLATEGW_PORT=8080
PLATEGW_BACKEND_MODE=local
# PLATEGW_BACKEND_URL=http://inference:8000

# Passed through to the inference service
CONF_THRES=0.25
IOU_THRES=0.45
# YOLO_WEIGHTS_PATH=/models/plates.pt
# YOLO_DEVICE=cpu

# Archive storage
# PLATEGW_S3_ACCESS_KEY=
# PLATEGW_S3_SECRET_KEY=
# PLATEGW_S3_BUCKET_NAME=
`

func GetConfigTemplate() string {
	return configTemplate
}

func GetEnvTemplate() string {
	return envTemplate
}

func WriteConfig(path string) error {
	return writeFile(path, configTemplate)
}

func WriteEnv(path string) error {
	return writeFile(path, envTemplate)
}

// WriteExampleTemplates writes the example config and env files into dir.
// Existing files are left alone. It returns the paths it wrote.
func WriteExampleTemplates(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	var written []string
	for name, write := range map[string]func(string) error{
		ConfigFilename: WriteConfig,
		EnvFilename:    WriteEnv,
	} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err := write(path); err != nil {
			return written, fmt.Errorf("failed to create %s: %w", name, err)
		}
		written = append(written, path)
	}

	return written, nil
}

func writeFile(path, content string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(content)
	return err
}

package filestorage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cozy-creator/plate-gateway/internal/config"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidName = errors.New("invalid file name")
)

type FileInfo struct {
	Name      string
	Extension string
	Content   []byte
}

func (f FileInfo) Filename() string {
	return f.Name + f.Extension
}

// FileStorage persists produced batch archives.
type FileStorage interface {
	// Upload stores file and returns the URL it can be fetched from.
	Upload(ctx context.Context, file FileInfo) (string, error)
	GetFile(ctx context.Context, filename string) (*FileInfo, error)
}

func NewFileInfo(name string, extension string, content []byte) FileInfo {
	return FileInfo{
		Name:      name,
		Extension: extension,
		Content:   content,
	}
}

// NewFileStorage returns the storage selected by batch.store, or nil when
// archives are not persisted.
func NewFileStorage(ctx context.Context, cfg *config.Config) (FileStorage, error) {
	store := strings.ToLower(cfg.Batch.Store)

	switch store {
	case config.StoreNone:
		return nil, nil
	case config.StoreLocal:
		return NewLocalFileStorage(cfg.Batch.StoreDir, ArchivesRoute)
	case config.StoreS3:
		return NewS3FileStorage(ctx, cfg.S3)
	}

	return nil, fmt.Errorf("invalid batch store %s", cfg.Batch.Store)
}

package filestorage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cozy-creator/plate-gateway/internal/utils/pathutil"
)

// ArchivesRoute is where the gateway serves locally stored archives.
const ArchivesRoute = "/api/archives"

type LocalFileStorage struct {
	dir     string
	baseURL string
}

func NewLocalFileStorage(dir string, baseURL string) (*LocalFileStorage, error) {
	dir, err := pathutil.ExpandPath(dir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}

	return &LocalFileStorage{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (u *LocalFileStorage) Upload(ctx context.Context, file FileInfo) (string, error) {
	filename := file.Filename()
	if !isPlainName(filename) {
		return "", ErrInvalidName
	}

	filedest := filepath.Join(u.dir, filename)
	tmp, err := os.CreateTemp(u.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(file.Content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to save content to file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), filedest); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return u.baseURL + "/" + filename, nil
}

func (u *LocalFileStorage) GetFile(ctx context.Context, filename string) (*FileInfo, error) {
	if !isPlainName(filename) {
		return nil, ErrInvalidName
	}

	content, err := os.ReadFile(filepath.Join(u.dir, filename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	ext := filepath.Ext(filename)
	return &FileInfo{
		Name:      strings.TrimSuffix(filename, ext),
		Extension: ext,
		Content:   content,
	}, nil
}

// Path returns the on-disk location of a stored file.
func (u *LocalFileStorage) Path(filename string) (string, error) {
	if !isPlainName(filename) {
		return "", ErrInvalidName
	}

	resolved := filepath.Join(u.dir, filename)
	if _, err := os.Stat(resolved); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}

	return resolved, nil
}

func isPlainName(name string) bool {
	return pathutil.IsSafeRelative(name) && !strings.Contains(name, "/") && !strings.HasPrefix(name, ".")
}

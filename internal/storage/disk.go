package storage

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// DiskStorage implements Storage on the local filesystem
type DiskStorage struct {
	logger  *zap.Logger
	baseDir string
}

var _ Storage = (*DiskStorage)(nil)

// NewDiskStorage creates a disk storage rooted at baseDir
func NewDiskStorage(logger *zap.Logger, baseDir string) (*DiskStorage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &DiskStorage{
		logger:  logger.Named("storage.disk"),
		baseDir: baseDir,
	}, nil
}

// Save writes to a temporary file and renames it over the target, so
// readers never observe a partial asset
func (s *DiskStorage) Save(_ context.Context, name string, content io.Reader) error {
	target, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return err
	}

	s.logger.Debug("saved asset", zap.String("name", name))
	return nil
}

// Load implements Storage.Load
func (s *DiskStorage) Load(_ context.Context, name string) (io.ReadCloser, error) {
	target, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Open(target)
}

// List implements Storage.List. Temporary files are skipped.
func (s *DiskStorage) List(_ context.Context, dir string) ([]string, error) {
	root, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	files, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || strings.HasPrefix(file.Name(), ".tmp-") {
			continue
		}
		names = append(names, path.Join(dir, file.Name()))
	}
	return names, nil
}

// Delete implements Storage.Delete
func (s *DiskStorage) Delete(_ context.Context, name string) error {
	target, err := s.resolve(name)
	if err != nil {
		return err
	}
	return os.Remove(target)
}

func (s *DiskStorage) resolve(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrInvalidName
	}
	clean := path.Clean("/" + name)
	return filepath.Join(s.baseDir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

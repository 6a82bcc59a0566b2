package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type LocalConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// LocalStorage keeps recordings under a directory. Keys are slash
// separated paths relative to it.
type LocalStorage struct {
	basePath string
}

func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	base, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.BasePath, err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", base, err)
	}
	return &LocalStorage{basePath: base}, nil
}

// fullPath maps key under basePath. Keys escaping it resolve to basePath.
func (s *LocalStorage) fullPath(key string) string {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		clean = ""
	}
	return filepath.Join(s.basePath, clean)
}

func (s *LocalStorage) info(path string, fi fs.FileInfo) FileInfo {
	rel, _ := filepath.Rel(s.basePath, path)
	return FileInfo{Key: filepath.ToSlash(rel), Size: fi.Size(), LastModified: fi.ModTime()}
}

// Write replaces key atomically through a temp file and rename.
func (s *LocalStorage) Write(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	path := s.fullPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	_, err = io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *LocalStorage) Read(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.fullPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}

// List walks the directory named by prefix. Temp files are skipped.
func (s *LocalStorage) List(_ context.Context, prefix string) ([]FileInfo, error) {
	root := s.fullPath(prefix)
	fi, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", prefix, err)
	}
	if !fi.IsDir() {
		return []FileInfo{s.info(root, fi)}, nil
	}

	files := []FileInfo{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, s.info(path, fi))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return files, nil
}

func (s *LocalStorage) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.fullPath(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
}

// GetURL returns "/" + key; the HTTP layer serves the base directory.
func (s *LocalStorage) GetURL(ctx context.Context, key string, _ time.Duration) (string, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return "/" + key, nil
}

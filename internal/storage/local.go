package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore writes data files to a local directory. Files are written to a
// temporary name and renamed into place so readers never observe partial
// objects.
type LocalStore struct {
	root   string
	prefix string
}

func NewLocalStore(root, prefix string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create warehouse dir %s: %w", root, err)
	}
	return &LocalStore{root: root, prefix: prefix}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(s.prefix+key))
}

func (s *LocalStore) Write(_ context.Context, key string, data []byte) error {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *LocalStore) URI(key string) string {
	abs, err := filepath.Abs(s.path(key))
	if err != nil {
		abs = s.path(key)
	}
	return "file://" + filepath.ToSlash(abs)
}

func (s *LocalStore) Close() error { return nil }

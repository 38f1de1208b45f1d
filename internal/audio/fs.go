package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps blobs on the local filesystem under a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio dir %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob path %q", path)
	}
	return filepath.Join(s.root, clean), nil
}

// Write stores data atomically: a temp file is renamed into place, and an
// existing path is never overwritten.
func (s *FileStore) Write(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err == nil {
		return "", fmt.Errorf("blob %s already exists", key)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("failed to move blob into place: %w", err)
	}
	return key, nil
}

// Open returns the blob's content.
func (s *FileStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return f, err
}

// Delete removes the blob file.
func (s *FileStore) Delete(ctx context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", path, err)
	}
	return nil
}

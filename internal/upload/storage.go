package upload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Storage defines the interface for image blob storage
type Storage interface {
	// Save stores data under key and returns the key
	Save(key string, data []byte) (string, error)

	// Get retrieves the data stored under key
	Get(key string) ([]byte, error)

	// Delete removes the data stored under key. Missing keys are not an error.
	Delete(key string) error
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// path keeps keys inside the base directory
func (l *LocalStorage) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(l.basePath, key), nil
}

// Save writes data to local storage
func (l *LocalStorage) Save(key string, data []byte) (string, error) {
	path, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return key, nil
}

// Get reads data from local storage
func (l *LocalStorage) Get(key string) ([]byte, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes data from local storage
func (l *LocalStorage) Delete(key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

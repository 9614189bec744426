package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clauselens/backend/pkg/logger"
)

// Store holds uploaded document bytes under opaque locator keys. The
// pipeline reads blobs at the start of every run, so locators must remain
// valid until the document is deleted.
type Store interface {
	Put(data []byte, originalName string) (string, error)
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// Local keeps blobs as flat files under a base directory.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	logger.Info("Local blob store initialized", zap.String("dir", dir))

	return &Local{dir: dir}, nil
}

func (l *Local) Put(data []byte, originalName string) (string, error) {
	key := uuid.New().String() + safeExt(originalName)

	path := filepath.Join(l.dir, key)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	return key, nil
}

func (l *Local) Get(key string) ([]byte, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}

	return data, nil
}

// Delete is idempotent: removing a missing blob is a no-op.
func (l *Local) Delete(key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}

	return nil
}

// resolve rejects keys that would escape the base directory.
func (l *Local) resolve(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(l.dir, key), nil
}

// safeExt keeps only a plain lowercase extension from the original
// filename; anything suspicious is dropped rather than sanitized.
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

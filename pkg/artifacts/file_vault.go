package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileVault stores objects as files under a base directory.
type FileVault struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileVault creates the base directory if needed.
func NewFileVault(baseDir string) (*FileVault, error) {
	//nolint:gosec // G301: vault directory is shared with operators
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure vault dir: %w", err)
	}
	return &FileVault{baseDir: baseDir}, nil
}

// Put writes data to a temp file and renames it into place.
func (v *FileVault) Put(_ context.Context, data []byte) (string, error) {
	ref := Ref(data)
	digest := ref[len(RefPrefix):]
	path := filepath.Join(v.baseDir, objectName("", digest))

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp, err := os.CreateTemp(v.baseDir, digest+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return ref, nil
}

// Get reads the object behind ref.
func (v *FileVault) Get(_ context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(v.baseDir, objectName("", digest))) //nolint:gosec // digest validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return data, err
}

// Exists reports whether ref is stored.
func (v *FileVault) Exists(_ context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	_, err = os.Stat(filepath.Join(v.baseDir, objectName("", digest)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

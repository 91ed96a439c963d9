// Package local implements a local filesystem state backend.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labfoundry/labctl/pkg/state/backend"
)

// staleAfter is how old a lock file must be before it is considered
// abandoned and can be stolen.
const staleAfter = time.Hour

func init() {
	backend.Register("local", NewBackend)
}

// Backend stores state as JSON files under a base directory.
type Backend struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*localLock
}

// NewBackend creates a new local backend. The "path" setting overrides the
// default of ~/.labctl/state.
func NewBackend(settings map[string]string) (backend.Backend, error) {
	base := settings["path"]
	if base == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(homeDir, ".labctl", "state")
	}

	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Backend{
		basePath: base,
		locks:    make(map[string]*localLock),
	}, nil
}

func (b *Backend) Type() string {
	return "local"
}

func (b *Backend) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	file, err := os.Open(b.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return file, nil
}

func (b *Backend) Write(ctx context.Context, path string, data io.Reader) error {
	fullPath := b.fullPath(path)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to a temp file first, then rename for atomicity.
	tempFile, err := os.CreateTemp(dir, ".labctl-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	_, err = io.Copy(tempFile, data)
	if closeErr := tempFile.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write state: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save state: %w", err)
	}

	return nil
}

func (b *Backend) Delete(ctx context.Context, path string) error {
	if err := os.Remove(b.fullPath(path)); err != nil {
		if os.IsNotExist(err) {
			return nil // Idempotent
		}
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := b.fullPath(prefix)

	var paths []string
	err := filepath.Walk(fullPrefix, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			relPath, _ := filepath.Rel(b.basePath, p)
			paths = append(paths, filepath.ToSlash(relPath))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	return paths, nil
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(b.fullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s: %w", path, err)
	}
	return true, nil
}

func (b *Backend) Lock(ctx context.Context, path string, info backend.LockInfo) (backend.Lock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lockPath := path + ".lock"

	if existing, ok := b.locks[lockPath]; ok {
		return nil, &backend.LockError{
			Info: existing.info,
			Err:  backend.ErrLocked,
		}
	}

	// Check for a lock file left by another process
	lockFilePath := b.fullPath(lockPath)
	if data, err := os.ReadFile(lockFilePath); err == nil {
		var existingInfo backend.LockInfo
		if err := json.Unmarshal(data, &existingInfo); err == nil {
			if time.Since(existingInfo.Created) < staleAfter {
				return nil, &backend.LockError{
					Info: existingInfo,
					Err:  backend.ErrLocked,
				}
			}
		}
	}

	info.ID = uuid.New().String()
	info.Path = path
	info.Created = time.Now()

	lockData, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(lockFilePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := os.WriteFile(lockFilePath, lockData, 0644); err != nil {
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	lock := &localLock{
		backend:  b,
		path:     lockPath,
		filePath: lockFilePath,
		info:     info,
	}
	b.locks[lockPath] = lock

	return lock, nil
}

func (b *Backend) fullPath(path string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(path))
}

// localLock implements the Lock interface for the local filesystem.
type localLock struct {
	backend  *Backend
	path     string
	filePath string
	info     backend.LockInfo
}

func (l *localLock) ID() string {
	return l.info.ID
}

func (l *localLock) Info() backend.LockInfo {
	return l.info
}

func (l *localLock) Unlock(ctx context.Context) error {
	l.backend.mu.Lock()
	defer l.backend.mu.Unlock()

	delete(l.backend.locks, l.path)

	if err := os.Remove(l.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Package memory implements an in-memory state backend. It is the test
// double for the durable backends and is also usable for throwaway runs.
package memory

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labfoundry/labctl/pkg/state/backend"
)

func init() {
	backend.Register("memory", func(settings map[string]string) (backend.Backend, error) {
		return NewBackend(), nil
	})
}

// Backend keeps all state in process memory.
type Backend struct {
	mu      sync.RWMutex
	objects map[string][]byte
	locks   map[string]backend.LockInfo
}

// NewBackend creates an empty in-memory backend.
func NewBackend() *Backend {
	return &Backend{
		objects: make(map[string][]byte),
		locks:   make(map[string]backend.LockInfo),
	}
}

func (b *Backend) Type() string {
	return "memory"
}

func (b *Backend) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.objects[path]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Backend) Write(ctx context.Context, path string, data io.Reader) error {
	content, err := io.ReadAll(data)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = content
	return nil
}

func (b *Backend) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var paths []string
	for p := range b.objects {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[path]
	return ok, nil
}

func (b *Backend) Lock(ctx context.Context, path string, info backend.LockInfo) (backend.Lock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lockPath := path + ".lock"
	if existing, ok := b.locks[lockPath]; ok {
		return nil, &backend.LockError{
			Info: existing,
			Err:  backend.ErrLocked,
		}
	}

	info.ID = uuid.New().String()
	info.Path = path
	info.Created = time.Now()
	b.locks[lockPath] = info

	return &memoryLock{backend: b, path: lockPath, info: info}, nil
}

type memoryLock struct {
	backend *Backend
	path    string
	info    backend.LockInfo
}

func (l *memoryLock) ID() string {
	return l.info.ID
}

func (l *memoryLock) Info() backend.LockInfo {
	return l.info
}

func (l *memoryLock) Unlock(ctx context.Context) error {
	l.backend.mu.Lock()
	defer l.backend.mu.Unlock()
	delete(l.backend.locks, l.path)
	return nil
}

// Package backend defines the pluggable storage interface used by the
// resource registry and the address allocator.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrNotFound is returned when a state path does not exist.
var ErrNotFound = errors.New("state not found")

// ErrLocked is returned when a lock is already held.
var ErrLocked = errors.New("state is locked")

// Backend is the storage interface for persisted state.
type Backend interface {
	// Type returns the backend type name
	Type() string

	// Read returns the content at the given path
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write stores content at the given path
	Write(ctx context.Context, path string, data io.Reader) error

	// Delete removes the content at the given path. Idempotent.
	Delete(ctx context.Context, path string) error

	// List returns all paths under the given prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether a path exists
	Exists(ctx context.Context, path string) (bool, error)

	// Lock acquires an advisory lock on the given path
	Lock(ctx context.Context, path string, info LockInfo) (Lock, error)
}

// Lock represents a held lock.
type Lock interface {
	ID() string
	Info() LockInfo
	Unlock(ctx context.Context) error
}

// LockInfo contains metadata about a lock.
type LockInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Who       string    `json:"who"`
	Operation string    `json:"operation"`
	Created   time.Time `json:"created"`
}

// LockError wraps ErrLocked with the holder's metadata.
type LockError struct {
	Info LockInfo
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("locked by %s (%s) since %s", e.Info.Who, e.Info.Operation, e.Info.Created.Format(time.RFC3339))
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// Config selects and configures a backend.
type Config struct {
	Type     string
	Settings map[string]string
}

// Factory creates a backend from its settings.
type Factory func(settings map[string]string) (Backend, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a backend type available by name. Called from backend
// package init() functions.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Create instantiates a backend from config.
func Create(config Config) (Backend, error) {
	factoriesMu.RLock()
	factory, ok := factories[config.Type]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown backend type %q", config.Type)
	}

	return factory(config.Settings)
}

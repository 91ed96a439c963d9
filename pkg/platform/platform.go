// Package platform defines the uniform lifecycle contract every
// virtualization/cloud back end implements, and the client set that
// resolves platform names to adapters once at startup.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Instance is one live resource as reported by a back end.
type Instance struct {
	// ID is the back end's own identifier
	ID string

	// State is the back end's view of the resource's attributes
	State map[string]interface{}
}

// Client is the per-back-end adapter contract. Errors returned by a
// client must be classified as retryable (transient: timeout, lock
// contention, rate limit) or fatal (permanent: invalid spec, quota,
// authorization) via the errors package; the engine relies on this to
// decide retry vs. immediate failure.
type Client interface {
	// Create provisions a resource and returns its platform id and
	// initial observed state
	Create(ctx context.Context, spec map[string]interface{}) (string, map[string]interface{}, error)

	// Start powers on a stopped resource
	Start(ctx context.Context, platformID string) (map[string]interface{}, error)

	// Stop powers off a running resource
	Stop(ctx context.Context, platformID string) (map[string]interface{}, error)

	// Destroy removes a resource. Destroying an absent resource is not
	// an error.
	Destroy(ctx context.Context, platformID string) error

	// Describe returns the current observed state of one resource
	Describe(ctx context.Context, platformID string) (map[string]interface{}, error)

	// ListAll enumerates every live resource this adapter manages.
	// Used by the reconciliation controller.
	ListAll(ctx context.Context) ([]Instance, error)

	// TestConnection verifies the back end is reachable
	TestConnection(ctx context.Context) error
}

// Config selects and configures one platform adapter.
type Config struct {
	Type     string
	Settings map[string]string
}

// Factory creates an adapter from its settings.
type Factory func(settings map[string]string) (Client, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes an adapter type available by name. Called from adapter
// package init() functions.
func Register(adapterType string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[adapterType] = factory
}

// Set maps platform names to resolved clients. Built once at startup;
// no runtime reflection or lazy construction.
type Set struct {
	clients map[string]Client
}

// NewSet resolves every configured platform to a client.
func NewSet(configs map[string]Config) (*Set, error) {
	clients := make(map[string]Client, len(configs))

	for name, cfg := range configs {
		factoriesMu.RLock()
		factory, ok := factories[cfg.Type]
		factoriesMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("platform %q: unknown adapter type %q", name, cfg.Type)
		}

		client, err := factory(cfg.Settings)
		if err != nil {
			return nil, fmt.Errorf("platform %q: %w", name, err)
		}
		clients[name] = client
	}

	return &Set{clients: clients}, nil
}

// NewSetFromClients builds a set from already-constructed clients.
func NewSetFromClients(clients map[string]Client) *Set {
	copied := make(map[string]Client, len(clients))
	for name, c := range clients {
		copied[name] = c
	}
	return &Set{clients: copied}
}

// Get returns the client for a platform name.
func (s *Set) Get(name string) (Client, error) {
	client, ok := s.clients[name]
	if !ok {
		return nil, fmt.Errorf("no client registered for platform %q", name)
	}
	return client, nil
}

// Names returns all registered platform names, sorted.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/labfoundry/labctl/pkg/errors"
)

func init() {
	Register("fake", func(settings map[string]string) (Client, error) {
		return NewFake(), nil
	})
}

// Fake is an in-memory platform client. It backs the "fake" adapter type
// for throwaway runs and is the test double for the engine and the
// reconciler.
type Fake struct {
	mu        sync.Mutex
	instances map[string]map[string]interface{}
	nextID    int

	// CreateErr, when set, is consulted before each create. Returning a
	// non-nil error fails that create. Lets tests script transient and
	// fatal failures.
	CreateErr func(spec map[string]interface{}) error

	// ListErr, when set, fails ListAll. Used to exercise reconciler
	// failure isolation.
	ListErr error
}

// NewFake creates an empty fake client.
func NewFake() *Fake {
	return &Fake{
		instances: make(map[string]map[string]interface{}),
	}
}

func (f *Fake) Create(ctx context.Context, spec map[string]interface{}) (string, map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		if err := f.CreateErr(spec); err != nil {
			return "", nil, err
		}
	}

	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)

	state := make(map[string]interface{}, len(spec)+1)
	for k, v := range spec {
		state[k] = v
	}
	state["status"] = "running"

	f.instances[id] = state
	return id, copyState(state), nil
}

func (f *Fake) Start(ctx context.Context, platformID string) (map[string]interface{}, error) {
	return f.setStatus(platformID, "running")
}

func (f *Fake) Stop(ctx context.Context, platformID string) (map[string]interface{}, error) {
	return f.setStatus(platformID, "stopped")
}

func (f *Fake) Destroy(ctx context.Context, platformID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, platformID)
	return nil
}

func (f *Fake) Describe(ctx context.Context, platformID string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.instances[platformID]
	if !ok {
		return nil, errors.NotFoundError("instance", platformID)
	}
	return copyState(state), nil
}

func (f *Fake) ListAll(ctx context.Context) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListErr != nil {
		return nil, f.ListErr
	}

	out := make([]Instance, 0, len(f.instances))
	for id, state := range f.instances {
		out = append(out, Instance{ID: id, State: copyState(state)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) TestConnection(ctx context.Context) error {
	return nil
}

// SetState replaces an instance's state out-of-band, simulating drift or
// external mutation.
func (f *Fake) SetState(platformID string, state map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[platformID] = copyState(state)
}

// Remove deletes an instance out-of-band, simulating external deletion.
func (f *Fake) Remove(platformID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, platformID)
}

func (f *Fake) setStatus(platformID, status string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.instances[platformID]
	if !ok {
		return nil, errors.NotFoundError("instance", platformID)
	}
	state["status"] = status
	return copyState(state), nil
}

func copyState(state map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

var _ Client = (*Fake)(nil)

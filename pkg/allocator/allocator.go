// Package allocator hands out conflict-free network identifiers (VLAN ids
// and IP addresses), scoped per platform.
package allocator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labfoundry/labctl/pkg/errors"
	"github.com/labfoundry/labctl/pkg/state/backend"
)

// Kind identifies the pool an allocation comes from.
type Kind string

const (
	KindVLAN    Kind = "vlan"
	KindAddress Kind = "address"
)

// Allocation binds a network identifier to at most one resource.
// No two live allocations on a platform share the same (kind, value).
type Allocation struct {
	ID         string    `json:"id"`
	Platform   string    `json:"platform"`
	Kind       Kind      `json:"kind"`
	Value      string    `json:"value"`
	VLAN       int       `json:"vlan,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Allocator manages per-platform identifier pools. Claims happen under a
// per-platform lock, never via read-then-write.
type Allocator struct {
	backend backend.Backend
	vlanMin int
	vlanMax int
	mu      sync.Mutex
	pools   map[string]*pool
}

type pool struct {
	mu          sync.Mutex
	platform    string
	allocations map[string]*Allocation // by allocation id
	used        map[string]string      // kind/value -> allocation id
}

// New creates an allocator with the given VLAN range, loading any
// persisted pool state from the backend.
func New(ctx context.Context, b backend.Backend, vlanMin, vlanMax int) (*Allocator, error) {
	if vlanMin <= 0 || vlanMax < vlanMin {
		return nil, errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("invalid VLAN range %d-%d", vlanMin, vlanMax))
	}

	a := &Allocator{
		backend: b,
		vlanMin: vlanMin,
		vlanMax: vlanMax,
		pools:   make(map[string]*pool),
	}

	paths, err := b.List(ctx, "allocations/")
	if err != nil {
		return nil, errors.BackendError(b.Type(), "list allocations", err)
	}
	for _, p := range paths {
		reader, err := b.Read(ctx, p)
		if err != nil {
			return nil, errors.BackendError(b.Type(), "read "+p, err)
		}
		var allocations []*Allocation
		decodeErr := json.NewDecoder(reader).Decode(&allocations)
		reader.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode pool state %s: %w", p, decodeErr)
		}
		for _, alloc := range allocations {
			pl := a.poolFor(alloc.Platform)
			pl.allocations[alloc.ID] = alloc
			pl.used[poolKey(alloc.Kind, alloc.Value)] = alloc.ID
		}
	}

	return a, nil
}

// AllocateVLAN claims the lowest unused VLAN id in the configured range.
func (a *Allocator) AllocateVLAN(ctx context.Context, platform string) (*Allocation, error) {
	pl := a.poolFor(platform)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	for n := a.vlanMin; n <= a.vlanMax; n++ {
		value := strconv.Itoa(n)
		if _, taken := pl.used[poolKey(KindVLAN, value)]; taken {
			continue
		}
		return a.claimLocked(ctx, pl, &Allocation{
			ID:        uuid.New().String(),
			Platform:  platform,
			Kind:      KindVLAN,
			Value:     value,
			VLAN:      n,
			CreatedAt: time.Now(),
		})
	}

	return nil, errors.PoolExhaustedError(platform, "vlan")
}

// AllocateAddress claims the lowest unused host address in the CIDR block
// derived from the VLAN id: VLAN n maps to 192.168.n.0/24 with the
// gateway at .1 and the allocatable range starting at .10. VLAN ids above
// 255 do not map to a /24 and are rejected.
func (a *Allocator) AllocateAddress(ctx context.Context, platform string, vlan int) (*Allocation, error) {
	if vlan < 0 || vlan > 255 {
		return nil, errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("VLAN %d has no derivable /24 block", vlan))
	}

	pl := a.poolFor(platform)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	for host := 10; host <= 254; host++ {
		value := fmt.Sprintf("192.168.%d.%d", vlan, host)
		if _, taken := pl.used[poolKey(KindAddress, value)]; taken {
			continue
		}
		return a.claimLocked(ctx, pl, &Allocation{
			ID:        uuid.New().String(),
			Platform:  platform,
			Kind:      KindAddress,
			Value:     value,
			VLAN:      vlan,
			CreatedAt: time.Now(),
		})
	}

	return nil, errors.PoolExhaustedError(platform, fmt.Sprintf("192.168.%d.0/24", vlan))
}

// CIDRForVLAN returns the derived network block and gateway for a VLAN id.
func CIDRForVLAN(vlan int) (cidr, gateway string) {
	return fmt.Sprintf("192.168.%d.0/24", vlan), fmt.Sprintf("192.168.%d.1", vlan)
}

// Bind attaches an allocation to the resource that consumes it.
func (a *Allocator) Bind(ctx context.Context, allocationID, resourceID string) error {
	a.mu.Lock()
	pools := make([]*pool, 0, len(a.pools))
	for _, pl := range a.pools {
		pools = append(pools, pl)
	}
	a.mu.Unlock()

	for _, pl := range pools {
		pl.mu.Lock()
		if alloc, ok := pl.allocations[allocationID]; ok {
			alloc.ResourceID = resourceID
			err := a.persistLocked(ctx, pl)
			pl.mu.Unlock()
			return err
		}
		pl.mu.Unlock()
	}

	return errors.NotFoundError("allocation", allocationID)
}

// Release frees an allocation. Idempotent: releasing an already-released
// allocation is a no-op.
func (a *Allocator) Release(ctx context.Context, allocationID string) error {
	a.mu.Lock()
	pools := make([]*pool, 0, len(a.pools))
	for _, pl := range a.pools {
		pools = append(pools, pl)
	}
	a.mu.Unlock()

	for _, pl := range pools {
		pl.mu.Lock()
		if alloc, ok := pl.allocations[allocationID]; ok {
			delete(pl.allocations, allocationID)
			delete(pl.used, poolKey(alloc.Kind, alloc.Value))
			err := a.persistLocked(ctx, pl)
			pl.mu.Unlock()
			return err
		}
		pl.mu.Unlock()
	}

	return nil
}

// ReleaseResource frees every allocation bound to the given resource.
// Used during teardown.
func (a *Allocator) ReleaseResource(ctx context.Context, resourceID string) error {
	a.mu.Lock()
	pools := make([]*pool, 0, len(a.pools))
	for _, pl := range a.pools {
		pools = append(pools, pl)
	}
	a.mu.Unlock()

	for _, pl := range pools {
		pl.mu.Lock()
		changed := false
		for id, alloc := range pl.allocations {
			if alloc.ResourceID == resourceID {
				delete(pl.allocations, id)
				delete(pl.used, poolKey(alloc.Kind, alloc.Value))
				changed = true
			}
		}
		var err error
		if changed {
			err = a.persistLocked(ctx, pl)
		}
		pl.mu.Unlock()
		if err != nil {
			return err
		}
	}

	return nil
}

// List returns copies of all live allocations on a platform, sorted by value.
func (a *Allocator) List(ctx context.Context, platform string) ([]*Allocation, error) {
	pl := a.poolFor(platform)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out := make([]*Allocation, 0, len(pl.allocations))
	for _, alloc := range pl.allocations {
		c := *alloc
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

func (a *Allocator) poolFor(platform string) *pool {
	a.mu.Lock()
	defer a.mu.Unlock()

	pl, ok := a.pools[platform]
	if !ok {
		pl = &pool{
			platform:    platform,
			allocations: make(map[string]*Allocation),
			used:        make(map[string]string),
		}
		a.pools[platform] = pl
	}
	return pl
}

// claimLocked records the allocation and persists the pool. The caller
// holds the pool lock. Persistence failure rolls the claim back.
func (a *Allocator) claimLocked(ctx context.Context, pl *pool, alloc *Allocation) (*Allocation, error) {
	pl.allocations[alloc.ID] = alloc
	pl.used[poolKey(alloc.Kind, alloc.Value)] = alloc.ID

	if err := a.persistLocked(ctx, pl); err != nil {
		delete(pl.allocations, alloc.ID)
		delete(pl.used, poolKey(alloc.Kind, alloc.Value))
		return nil, err
	}

	c := *alloc
	return &c, nil
}

func (a *Allocator) persistLocked(ctx context.Context, pl *pool) error {
	allocations := make([]*Allocation, 0, len(pl.allocations))
	for _, alloc := range pl.allocations {
		allocations = append(allocations, alloc)
	}
	sort.Slice(allocations, func(i, j int) bool { return allocations[i].Value < allocations[j].Value })

	content, err := json.MarshalIndent(allocations, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode pool state: %w", err)
	}

	if err := a.backend.Write(ctx, poolPath(pl.platform), bytes.NewReader(content)); err != nil {
		return errors.BackendError(a.backend.Type(), "write pool state", err)
	}
	return nil
}

func poolKey(kind Kind, value string) string {
	return string(kind) + "/" + value
}

func poolPath(platform string) string {
	return path.Join("allocations", platform+".state.json")
}

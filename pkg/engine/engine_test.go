package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labfoundry/labctl/pkg/allocator"
	"github.com/labfoundry/labctl/pkg/errors"
	"github.com/labfoundry/labctl/pkg/platform"
	"github.com/labfoundry/labctl/pkg/registry"
	"github.com/labfoundry/labctl/pkg/spec"
	"github.com/labfoundry/labctl/pkg/state/backend"
	"github.com/labfoundry/labctl/pkg/state/backend/memory"
)

// recordingClient wraps the fake platform client and captures the order
// of create and destroy calls.
type recordingClient struct {
	*platform.Fake
	mu        sync.Mutex
	created   []string
	destroyed []string
}

func (c *recordingClient) Create(ctx context.Context, spec map[string]interface{}) (string, map[string]interface{}, error) {
	id, state, err := c.Fake.Create(ctx, spec)
	if err == nil {
		c.mu.Lock()
		c.created = append(c.created, spec["name"].(string))
		c.mu.Unlock()
	}
	return id, state, err
}

func (c *recordingClient) Destroy(ctx context.Context, platformID string) error {
	err := c.Fake.Destroy(ctx, platformID)
	if err == nil {
		c.mu.Lock()
		c.destroyed = append(c.destroyed, platformID)
		c.mu.Unlock()
	}
	return err
}

func (c *recordingClient) createdNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.created...)
}

func (c *recordingClient) destroyedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.destroyed...)
}

type testEnv struct {
	registry  *registry.Registry
	allocator *allocator.Allocator
	client    *recordingClient
	engine    *Engine
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	b := memory.NewBackend()
	ctx := context.Background()

	reg, err := registry.Open(ctx, b)
	require.NoError(t, err)

	alloc, err := allocator.New(ctx, b, 100, 199)
	require.NoError(t, err)

	client := &recordingClient{Fake: platform.NewFake()}
	clients := platform.NewSetFromClients(map[string]platform.Client{"fake": client})

	if opts.TaskTimeout == 0 {
		opts.TaskTimeout = 5 * time.Second
	}

	return &testEnv{
		registry:  reg,
		allocator: alloc,
		client:    client,
		engine:    New(reg, clients, alloc, opts),
	}
}

func testLab(name string, decls ...spec.ResourceDecl) *spec.Lab {
	return &spec.Lab{Name: name, Platform: "fake", Resources: decls}
}

func vmDecl(name string, deps ...string) spec.ResourceDecl {
	return spec.ResourceDecl{
		Name:      name,
		Kind:      registry.KindVM,
		Spec:      map[string]interface{}{"image": "alpine"},
		DependsOn: deps,
	}
}

func networkDecl(name string) spec.ResourceDecl {
	return spec.ResourceDecl{Name: name, Kind: registry.KindNetwork}
}

func reservationDecl(name, network string) spec.ResourceDecl {
	return spec.ResourceDecl{
		Name:    name,
		Kind:    registry.KindAddressReservation,
		Network: network,
	}
}

func position(list []string, item string) int {
	for i, v := range list {
		if v == item {
			return i
		}
	}
	return -1
}

func TestDeploy_TopologicalOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	lab := testLab("web-lab",
		networkDecl("lan"),
		vmDecl("vm-a", "lan"),
		vmDecl("vm-b", "lan"),
		vmDecl("app", "vm-a", "vm-b"),
	)

	result, err := env.engine.Deploy(ctx, lab)
	require.NoError(t, err)
	assert.Equal(t, registry.DeploymentReady, result.Status)
	require.Len(t, result.Outcomes, 4)

	created := env.client.createdNames()
	require.Len(t, created, 4)
	assert.Equal(t, "lan", created[0])
	assert.Equal(t, "app", created[3])
	assert.Less(t, position(created, "lan"), position(created, "vm-a"))
	assert.Less(t, position(created, "vm-a"), position(created, "app"))
	assert.Less(t, position(created, "vm-b"), position(created, "app"))

	resources, err := env.registry.Query(ctx, registry.Filter{DeploymentID: result.DeploymentID})
	require.NoError(t, err)
	require.Len(t, resources, 4)
	for _, res := range resources {
		assert.Equal(t, registry.StatusReady, res.Status, "resource %s", res.Name)
		assert.NotEmpty(t, res.PlatformID, "resource %s", res.Name)
	}
}

func TestDeploy_Idempotent(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	lab := testLab("idem-lab", networkDecl("lan"), vmDecl("web", "lan"))

	first, err := env.engine.Deploy(ctx, lab)
	require.NoError(t, err)
	require.Equal(t, registry.DeploymentReady, first.Status)

	second, err := env.engine.Deploy(ctx, lab)
	require.NoError(t, err)
	assert.Equal(t, registry.DeploymentReady, second.Status)

	for name, outcome := range second.Outcomes {
		assert.True(t, outcome.Skipped, "resource %s should be skipped", name)
	}

	// No duplicate declarations and no duplicate platform calls
	resources, err := env.registry.Query(ctx, registry.Filter{})
	require.NoError(t, err)
	assert.Len(t, resources, 2)
	assert.Len(t, env.client.createdNames(), 2)
}

func TestDeploy_PartialFailureContainment(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.client.CreateErr = func(spec map[string]interface{}) error {
		if spec["name"] == "vm-a" {
			return errors.Fatal("quota exceeded", nil)
		}
		return nil
	}

	lab := testLab("partial-lab",
		vmDecl("vm-a"),
		vmDecl("vm-b", "vm-a"),
		vmDecl("vm-c"),
	)

	result, err := env.engine.Deploy(ctx, lab)
	require.NoError(t, err)
	assert.Equal(t, registry.DeploymentFailed, result.Status)

	assert.Equal(t, registry.StatusFailed, result.Outcomes["vm-a"].Status)
	assert.Equal(t, registry.StatusFailed, result.Outcomes["vm-b"].Status)
	assert.Equal(t, "dependency failed", result.Outcomes["vm-b"].Err)
	assert.Equal(t, registry.StatusReady, result.Outcomes["vm-c"].Status)

	// The pruned dependent never reached the platform
	assert.Equal(t, -1, position(env.client.createdNames(), "vm-b"))
}

func TestDeploy_FailFast(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.client.CreateErr = func(spec map[string]interface{}) error {
		if spec["name"] == "vm-a" {
			return errors.Fatal("quota exceeded", nil)
		}
		return nil
	}

	lab := testLab("failfast-lab",
		vmDecl("vm-a"),
		vmDecl("vm-b", "vm-a"),
	)

	result, err := env.engine.WithFailFast().Deploy(ctx, lab)
	require.NoError(t, err)
	assert.Equal(t, registry.DeploymentFailed, result.Status)

	// Later layers were never scheduled, but the result still enumerates
	// every declared resource
	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, registry.StatusFailed, result.Outcomes["vm-a"].Status)
	assert.Equal(t, registry.StatusPending, result.Outcomes["vm-b"].Status)
	assert.Equal(t, "not attempted", result.Outcomes["vm-b"].Err)
	assert.Equal(t, -1, position(env.client.createdNames(), "vm-b"))
}

func TestDeploy_RetryableFailuresThenSuccess(t *testing.T) {
	env := newTestEnv(t, Options{MaxRetries: 3})
	ctx := context.Background()

	attempts := 0
	env.client.CreateErr = func(spec map[string]interface{}) error {
		if spec["name"] != "flaky" {
			return nil
		}
		attempts++
		if attempts <= 2 {
			return errors.Retryable("platform timeout", nil)
		}
		return nil
	}

	result, err := env.engine.Deploy(ctx, testLab("retry-lab", vmDecl("flaky")))
	require.NoError(t, err)
	assert.Equal(t, registry.DeploymentReady, result.Status)

	outcome := result.Outcomes["flaky"]
	assert.Equal(t, registry.StatusReady, outcome.Status)
	assert.Equal(t, 2, outcome.RetryCount)
	assert.Equal(t, 3, attempts)
}

func TestDeploy_RetriesExhausted(t *testing.T) {
	env := newTestEnv(t, Options{MaxRetries: 2})
	ctx := context.Background()

	attempts := 0
	env.client.CreateErr = func(spec map[string]interface{}) error {
		attempts++
		return errors.Retryable("platform timeout", nil)
	}

	result, err := env.engine.Deploy(ctx, testLab("exhausted-lab", vmDecl("doomed")))
	require.NoError(t, err)
	assert.Equal(t, registry.DeploymentFailed, result.Status)
	assert.Equal(t, registry.StatusFailed, result.Outcomes["doomed"].Status)
	assert.Equal(t, 3, attempts) // Initial attempt plus two retries
}

func TestDeploy_FatalFailureNotRetried(t *testing.T) {
	env := newTestEnv(t, Options{MaxRetries: 3})
	ctx := context.Background()

	attempts := 0
	env.client.CreateErr = func(spec map[string]interface{}) error {
		attempts++
		return errors.Fatal("invalid image", nil)
	}

	result, err := env.engine.Deploy(ctx, testLab("fatal-lab", vmDecl("bad")))
	require.NoError(t, err)
	assert.Equal(t, registry.DeploymentFailed, result.Status)
	assert.Equal(t, 1, attempts)
}

func TestDeploy_AddressReservation(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	lab := testLab("net-lab",
		networkDecl("lan"),
		reservationDecl("web-ip", "lan"),
	)

	result, err := env.engine.Deploy(ctx, lab)
	require.NoError(t, err)
	require.Equal(t, registry.DeploymentReady, result.Status)

	// The network spec carries its derived block
	created := env.client.createdNames()
	require.Equal(t, []string{"lan"}, created)

	instances, err := env.client.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, 100, instances[0].State["vlan"])
	assert.Equal(t, "192.168.100.0/24", instances[0].State["cidr"])
	assert.Equal(t, "192.168.100.1", instances[0].State["gateway"])

	// The reservation is satisfied by the allocator, not the platform
	resources, err := env.registry.Query(ctx, registry.Filter{Kind: registry.KindAddressReservation})
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, registry.StatusReady, resources[0].Status)
	assert.Equal(t, "192.168.100.10", resources[0].ObservedState["address"])
	assert.Empty(t, resources[0].PlatformID)
}

func TestDeploy_PoolExhaustedAbortsAndRollsBack(t *testing.T) {
	b := memory.NewBackend()
	ctx := context.Background()

	reg, err := registry.Open(ctx, b)
	require.NoError(t, err)
	alloc, err := allocator.New(ctx, b, 100, 100)
	require.NoError(t, err)

	client := &recordingClient{Fake: platform.NewFake()}
	clients := platform.NewSetFromClients(map[string]platform.Client{"fake": client})
	eng := New(reg, clients, alloc, Options{})

	lab := testLab("too-big", networkDecl("lan-1"), networkDecl("lan-2"))

	_, err = eng.Deploy(ctx, lab)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodePoolExhausted))

	// The first network's claim was rolled back
	remaining, err := alloc.List(ctx, "fake")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// Nothing reached the platform
	assert.Empty(t, client.createdNames())
}

func TestDeploy_CancelledBeforeScheduling(t *testing.T) {
	env := newTestEnv(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := env.engine.Deploy(ctx, testLab("cancel-lab", vmDecl("web")))
	require.NoError(t, err)
	assert.Equal(t, registry.DeploymentCancelled, result.Status)
	assert.Empty(t, env.client.createdNames())

	// The unscheduled resource still appears in the result
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, registry.StatusPending, result.Outcomes["web"].Status)
	assert.Equal(t, "not attempted", result.Outcomes["web"].Err)
}

func TestDeploy_CycleRejected(t *testing.T) {
	env := newTestEnv(t, Options{})

	lab := testLab("cycle-lab",
		vmDecl("a", "b"),
		vmDecl("b", "a"),
	)

	_, err := env.engine.Deploy(context.Background(), lab)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestDestroy_ReverseOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	lab := testLab("teardown-lab",
		networkDecl("lan"),
		vmDecl("web", "lan"),
	)

	result, err := env.engine.Deploy(ctx, lab)
	require.NoError(t, err)
	require.Equal(t, registry.DeploymentReady, result.Status)

	resources, err := env.registry.Query(ctx, registry.Filter{DeploymentID: result.DeploymentID})
	require.NoError(t, err)
	platformIDs := make(map[string]string, len(resources))
	for _, res := range resources {
		platformIDs[res.Name] = res.PlatformID
	}

	_, err = env.engine.Destroy(ctx, "teardown-lab")
	require.NoError(t, err)

	destroyed := env.client.destroyedIDs()
	require.Len(t, destroyed, 2)
	assert.Equal(t, platformIDs["web"], destroyed[0], "dependent must be destroyed first")
	assert.Equal(t, platformIDs["lan"], destroyed[1])

	// Members terminated, allocations released, deployment record gone
	remaining, err := env.registry.Query(ctx, registry.Filter{ExcludeTerminated: true})
	require.NoError(t, err)
	assert.Empty(t, remaining)

	allocs, err := env.allocator.List(ctx, "fake")
	require.NoError(t, err)
	assert.Empty(t, allocs)

	_, err = env.registry.FindDeploymentByName(ctx, "teardown-lab")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestDestroy_UnknownDeployment(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.engine.Destroy(context.Background(), "ghost")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestDeploy_RedeployAfterPartialFailure(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.client.CreateErr = func(spec map[string]interface{}) error {
		if spec["name"] == "web" {
			return errors.Fatal("out of capacity", nil)
		}
		return nil
	}

	lab := testLab("recover-lab", networkDecl("lan"), vmDecl("web", "lan"))

	first, err := env.engine.Deploy(ctx, lab)
	require.NoError(t, err)
	require.Equal(t, registry.DeploymentFailed, first.Status)

	env.client.CreateErr = nil

	second, err := env.engine.Deploy(ctx, lab)
	require.NoError(t, err)
	assert.Equal(t, registry.DeploymentReady, second.Status)
	assert.True(t, second.Outcomes["lan"].Skipped)
	assert.False(t, second.Outcomes["web"].Skipped)

	// Still exactly one registry entry per declaration
	resources, err := env.registry.Query(ctx, registry.Filter{})
	require.NoError(t, err)
	assert.Len(t, resources, 2)
}

func TestDeploy_RedeployAfterNetworkFailureReusesAllocations(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.client.CreateErr = func(spec map[string]interface{}) error {
		if spec["name"] == "lan" {
			return errors.Fatal("bridge creation rejected", nil)
		}
		return nil
	}

	lab := testLab("reuse-lab", networkDecl("lan"), reservationDecl("web-ip", "lan"))

	first, err := env.engine.Deploy(ctx, lab)
	require.NoError(t, err)
	require.Equal(t, registry.DeploymentFailed, first.Status)

	env.client.CreateErr = nil

	second, err := env.engine.Deploy(ctx, lab)
	require.NoError(t, err)
	assert.Equal(t, registry.DeploymentReady, second.Status)

	// The failed run's claims are reused, not duplicated
	allocs, err := env.allocator.List(ctx, "fake")
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	var vlans, addresses int
	for _, alloc := range allocs {
		switch alloc.Kind {
		case allocator.KindVLAN:
			vlans++
			assert.Equal(t, 100, alloc.VLAN)
		case allocator.KindAddress:
			addresses++
			assert.Equal(t, "192.168.100.10", alloc.Value)
		}
	}
	assert.Equal(t, 1, vlans)
	assert.Equal(t, 1, addresses)

	// The re-created network keeps its original block
	instances, err := env.client.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "192.168.100.0/24", instances[0].State["cidr"])
}

func TestDeploy_RefusedWhileDeploymentLocked(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	lock, err := env.registry.Lock(ctx, "deployment/locked-lab", "deploy")
	require.NoError(t, err)

	_, err = env.engine.Deploy(ctx, testLab("locked-lab", vmDecl("web")))
	assert.ErrorIs(t, err, backend.ErrLocked)

	// Nothing was declared while the lock was held
	resources, err := env.registry.Query(ctx, registry.Filter{})
	require.NoError(t, err)
	assert.Empty(t, resources)

	// The lock does not outlive the holder
	require.NoError(t, lock.Unlock(ctx))
	result, err := env.engine.Deploy(ctx, testLab("locked-lab", vmDecl("web")))
	require.NoError(t, err)
	assert.Equal(t, registry.DeploymentReady, result.Status)
}

// Package engine turns a lab specification into an executed task graph:
// it declares resources, claims network identifiers up front, and drives
// platform clients layer by layer until the deployment converges or fails.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/labfoundry/labctl/pkg/allocator"
	"github.com/labfoundry/labctl/pkg/errors"
	"github.com/labfoundry/labctl/pkg/graph"
	"github.com/labfoundry/labctl/pkg/platform"
	"github.com/labfoundry/labctl/pkg/registry"
	"github.com/labfoundry/labctl/pkg/spec"
)

// Options tune one engine instance. Zero values fall back to safe
// defaults in New.
type Options struct {
	// MaxParallel bounds concurrent tasks within a layer
	MaxParallel int

	// MaxRetries is the retry budget per task for retryable failures
	MaxRetries int

	// TaskTimeout bounds a single task attempt; expiry counts as retryable
	TaskTimeout time.Duration

	// FailFast stops scheduling new work after the first task failure.
	// When false, only dependents of the failed resource are pruned and
	// independent branches keep running.
	FailFast bool

	Logger *logrus.Logger
}

// Engine executes deployments against the registry and platform clients.
type Engine struct {
	registry  *registry.Registry
	clients   *platform.Set
	allocator *allocator.Allocator
	opts      Options
	log       *logrus.Logger
}

// New creates an engine. All collaborators are injected; the engine holds
// no global state.
func New(reg *registry.Registry, clients *platform.Set, alloc *allocator.Allocator, opts Options) *Engine {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Engine{
		registry:  reg,
		clients:   clients,
		allocator: alloc,
		opts:      opts,
		log:       log,
	}
}

// WithFailFast returns a copy of the engine that stops scheduling new
// work after the first task failure.
func (e *Engine) WithFailFast() *Engine {
	clone := *e
	clone.opts.FailFast = true
	return &clone
}

// Outcome is the per-resource result of a run.
type Outcome struct {
	ResourceID string
	Name       string
	Status     registry.ResourceStatus
	RetryCount int

	// Skipped is set when the resource was already converged and no task ran
	Skipped bool

	Err string
}

// Result summarizes one Deploy or Destroy run. Task failures are reported
// here, not as an error return; only build-phase validation errors abort
// a run.
type Result struct {
	DeploymentID string
	Status       registry.DeploymentStatus
	Outcomes     map[string]Outcome
}

func (r *Result) record(name string, o Outcome) {
	o.Name = name
	r.Outcomes[name] = o
}

// planEntry carries everything one declaration needs through a deploy run.
type planEntry struct {
	decl     spec.ResourceDecl
	platform string
	resource *registry.Resource
	skip     bool

	// vlan is resolved for networks (claimed or recovered) and for
	// address reservations (copied from the parent network)
	vlan       int
	vlanAlloc  *allocator.Allocation
	addrAlloc  *allocator.Allocation
	taskStatus TaskStatus
	retries    int
	err        error
}

// Deploy drives a lab specification to convergence. Re-deploying the same
// specification is idempotent: resources already ready are skipped and no
// duplicates are declared.
func (e *Engine) Deploy(ctx context.Context, lab *spec.Lab) (*Result, error) {
	if err := lab.Validate(); err != nil {
		return nil, err
	}

	lock, err := e.registry.Lock(ctx, "deployment/"+lab.Name, "deploy")
	if err != nil {
		return nil, err
	}
	defer func() {
		if uerr := lock.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			e.log.WithError(uerr).WithField("deployment", lab.Name).
				Warn("failed to release deployment lock")
		}
	}()

	dep, err := e.findOrCreateDeployment(ctx, lab.Name)
	if err != nil {
		return nil, err
	}

	g, err := buildGraph(lab)
	if err != nil {
		return nil, err
	}
	layers, err := g.Layers()
	if err != nil {
		return nil, err
	}

	plans, err := e.declare(ctx, lab, dep)
	if err != nil {
		return nil, err
	}

	if err := e.allocate(ctx, lab, plans); err != nil {
		return nil, err
	}

	dep.Status = registry.DeploymentProvisioning
	if err := e.registry.SaveDeployment(ctx, dep); err != nil {
		return nil, err
	}

	result := &Result{
		DeploymentID: dep.ID,
		Outcomes:     make(map[string]Outcome, len(plans)),
	}

	failed := make(map[string]bool)
	cancelled := false

	for _, layer := range layers {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if e.opts.FailFast && len(failed) > 0 {
			break
		}

		var group errgroup.Group
		group.SetLimit(e.opts.MaxParallel)
		var mu sync.Mutex

		for _, node := range layer {
			entry := plans[node.ID]

			if entry.skip {
				mu.Lock()
				result.record(entry.decl.Name, Outcome{
					ResourceID: entry.resource.ID,
					Status:     registry.StatusReady,
					Skipped:    true,
				})
				mu.Unlock()
				continue
			}

			// Dependencies finished in earlier layers, but tasks from this
			// layer may still be appending to the failed set.
			mu.Lock()
			pruned := false
			for _, depName := range node.DependsOn {
				if failed[depName] {
					pruned = true
					break
				}
			}
			mu.Unlock()
			if pruned {
				e.failWithoutRunning(ctx, entry, "dependency failed")
				mu.Lock()
				failed[entry.decl.Name] = true
				result.record(entry.decl.Name, Outcome{
					ResourceID: entry.resource.ID,
					Status:     registry.StatusFailed,
					Err:        "dependency failed",
				})
				mu.Unlock()
				continue
			}

			group.Go(func() error {
				e.runCreate(ctx, entry)

				mu.Lock()
				defer mu.Unlock()
				outcome := Outcome{
					ResourceID: entry.resource.ID,
					RetryCount: entry.retries,
				}
				if entry.err != nil {
					failed[entry.decl.Name] = true
					outcome.Status = registry.StatusFailed
					outcome.Err = entry.err.Error()
				} else {
					outcome.Status = registry.StatusReady
				}
				result.record(entry.decl.Name, outcome)
				return nil
			})
		}

		group.Wait()
	}

	// Fail-fast and cancellation leave later layers unscheduled; the
	// result still enumerates every declared resource.
	for name, entry := range plans {
		if _, ok := result.Outcomes[name]; ok {
			continue
		}
		result.record(name, Outcome{
			ResourceID: entry.resource.ID,
			Status:     entry.resource.Status,
			Err:        "not attempted",
		})
	}

	switch {
	case cancelled:
		result.Status = registry.DeploymentCancelled
	case len(failed) > 0:
		result.Status = registry.DeploymentFailed
	default:
		result.Status = registry.DeploymentReady
	}

	dep.Status = result.Status
	if err := e.registry.SaveDeployment(ctx, dep); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"deployment": dep.Name,
		"status":     result.Status,
		"resources":  len(result.Outcomes),
	}).Info("deploy finished")

	return result, nil
}

// Destroy tears a deployment down in reverse dependency order: dependents
// before their dependencies. The deployment record is removed only after
// every member resource is terminated.
func (e *Engine) Destroy(ctx context.Context, name string) (*Result, error) {
	dep, err := e.registry.FindDeploymentByName(ctx, name)
	if err != nil {
		return nil, err
	}

	lock, err := e.registry.Lock(ctx, "deployment/"+name, "destroy")
	if err != nil {
		return nil, err
	}
	defer func() {
		if uerr := lock.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			e.log.WithError(uerr).WithField("deployment", name).
				Warn("failed to release deployment lock")
		}
	}()

	dep.Status = registry.DeploymentDestroying
	if err := e.registry.SaveDeployment(ctx, dep); err != nil {
		return nil, err
	}

	resources, err := e.registry.Query(ctx, registry.Filter{DeploymentID: dep.ID})
	if err != nil {
		return nil, err
	}

	g := graph.New()
	byID := make(map[string]*registry.Resource, len(resources))
	for _, res := range resources {
		byID[res.ID] = res
		if err := g.AddNode(graph.NewNode(res.ID)); err != nil {
			return nil, err
		}
	}
	for _, res := range resources {
		for _, depID := range res.Dependencies {
			if _, ok := byID[depID]; !ok {
				continue // Dependency outside this deployment
			}
			if err := g.AddEdge(res.ID, depID); err != nil {
				return nil, err
			}
		}
	}

	layers, err := g.ReverseLayers()
	if err != nil {
		return nil, err
	}

	result := &Result{
		DeploymentID: dep.ID,
		Outcomes:     make(map[string]Outcome, len(resources)),
	}
	anyFailed := false

	for _, layer := range layers {
		var group errgroup.Group
		group.SetLimit(e.opts.MaxParallel)
		var mu sync.Mutex

		for _, node := range layer {
			res := byID[node.ID]

			if res.Status == registry.StatusTerminated {
				mu.Lock()
				result.record(res.Name, Outcome{
					ResourceID: res.ID,
					Status:     registry.StatusTerminated,
					Skipped:    true,
				})
				mu.Unlock()
				continue
			}

			group.Go(func() error {
				retries, err := e.destroyResource(ctx, res)

				mu.Lock()
				defer mu.Unlock()
				outcome := Outcome{ResourceID: res.ID, RetryCount: retries}
				if err != nil {
					anyFailed = true
					outcome.Status = registry.StatusFailed
					outcome.Err = err.Error()
				} else {
					outcome.Status = registry.StatusTerminated
				}
				result.record(res.Name, outcome)
				return nil
			})
		}

		group.Wait()
	}

	if anyFailed {
		result.Status = registry.DeploymentFailed
		dep.Status = registry.DeploymentFailed
		if err := e.registry.SaveDeployment(ctx, dep); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := e.registry.DeleteDeployment(ctx, dep.ID); err != nil {
		return nil, err
	}
	result.Status = registry.DeploymentDestroying

	e.log.WithFields(logrus.Fields{
		"deployment": dep.Name,
		"resources":  len(result.Outcomes),
	}).Info("deployment destroyed")

	return result, nil
}

func (e *Engine) findOrCreateDeployment(ctx context.Context, name string) (*registry.Deployment, error) {
	dep, err := e.registry.FindDeploymentByName(ctx, name)
	if err == nil {
		return dep, nil
	}
	if !errors.Is(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	dep = &registry.Deployment{
		Name:   name,
		Status: registry.DeploymentPending,
	}
	if err := e.registry.SaveDeployment(ctx, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

// buildGraph constructs the dependency graph for a lab. Address
// reservations gain an implicit edge to their parent network so the VLAN
// exists before the address is consumed.
func buildGraph(lab *spec.Lab) (*graph.Graph, error) {
	g := graph.New()

	for _, decl := range lab.Resources {
		if err := g.AddNode(graph.NewNode(decl.Name)); err != nil {
			return nil, err
		}
	}

	for _, decl := range lab.Resources {
		for _, dep := range decl.DependsOn {
			if err := g.AddEdge(decl.Name, dep); err != nil {
				return nil, err
			}
		}
		if decl.Kind == registry.KindAddressReservation && decl.Network != "" {
			if err := g.AddEdge(decl.Name, decl.Network); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

// declare ensures a registry entry exists for every declaration, reusing
// live entries from earlier runs of the same deployment.
func (e *Engine) declare(ctx context.Context, lab *spec.Lab, dep *registry.Deployment) (map[string]*planEntry, error) {
	existing, err := e.registry.Query(ctx, registry.Filter{
		DeploymentID:      dep.ID,
		ExcludeTerminated: true,
	})
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*registry.Resource, len(existing))
	for _, res := range existing {
		byName[res.Name] = res
	}

	plans := make(map[string]*planEntry, len(lab.Resources))
	members := make([]string, 0, len(lab.Resources))

	// Assign ids first so dependency references resolve before anything
	// is persisted.
	for _, decl := range lab.Resources {
		entry := &planEntry{
			decl:       decl,
			platform:   lab.PlatformFor(decl),
			taskStatus: TaskQueued,
		}

		if res, ok := byName[decl.Name]; ok {
			entry.resource = res
			entry.skip = res.Status == registry.StatusReady
		} else {
			entry.resource = &registry.Resource{
				ID:           uuid.New().String(),
				Name:         decl.Name,
				Kind:         decl.Kind,
				Platform:     entry.platform,
				DeploymentID: dep.ID,
				DesiredSpec:  decl.Spec,
				Status:       registry.StatusPending,
			}
		}

		members = append(members, entry.resource.ID)
		plans[decl.Name] = entry
	}

	for _, decl := range lab.Resources {
		entry := plans[decl.Name]
		if _, existing := byName[decl.Name]; existing {
			continue
		}

		deps := make([]string, 0, len(decl.DependsOn)+1)
		for _, depName := range decl.DependsOn {
			deps = append(deps, plans[depName].resource.ID)
		}
		if decl.Kind == registry.KindAddressReservation && decl.Network != "" {
			deps = append(deps, plans[decl.Network].resource.ID)
		}
		entry.resource.Dependencies = deps

		if _, err := e.registry.Declare(ctx, entry.resource); err != nil {
			return nil, err
		}
	}

	dep.Resources = members
	if err := e.registry.SaveDeployment(ctx, dep); err != nil {
		return nil, err
	}

	return plans, nil
}

// allocate claims every network identifier the run will need before any
// task executes. A single exhausted pool aborts the whole deployment and
// rolls back the claims made so far.
func (e *Engine) allocate(ctx context.Context, lab *spec.Lab, plans map[string]*planEntry) error {
	var claimed []*allocator.Allocation

	rollback := func() {
		for _, alloc := range claimed {
			if err := e.allocator.Release(ctx, alloc.ID); err != nil {
				e.log.WithError(err).WithField("allocation", alloc.ID).
					Warn("failed to roll back allocation")
			}
		}
	}

	// Networks first so reservations can see their parent's VLAN
	for _, decl := range lab.Resources {
		if decl.Kind != registry.KindNetwork {
			continue
		}
		entry := plans[decl.Name]

		// An earlier run may already hold a VLAN for this resource,
		// whether the network converged or its create failed. Reusing it
		// keeps failed attempts from draining the pool or moving the
		// network to a new block.
		existing, err := e.boundAllocation(ctx, entry.platform, entry.resource.ID, allocator.KindVLAN)
		if err != nil {
			rollback()
			return err
		}
		if existing != nil {
			entry.vlanAlloc = existing
			entry.vlan = existing.VLAN
			continue
		}
		if entry.skip {
			rollback()
			return errors.New(errors.ErrCodeNotFound,
				fmt.Sprintf("no VLAN allocation bound to resource %s", entry.resource.ID))
		}

		alloc, err := e.allocator.AllocateVLAN(ctx, entry.platform)
		if err != nil {
			rollback()
			return err
		}
		if err := e.allocator.Bind(ctx, alloc.ID, entry.resource.ID); err != nil {
			rollback()
			return err
		}
		claimed = append(claimed, alloc)
		entry.vlanAlloc = alloc
		entry.vlan = alloc.VLAN
	}

	for _, decl := range lab.Resources {
		if decl.Kind != registry.KindAddressReservation {
			continue
		}
		entry := plans[decl.Name]
		if entry.skip {
			continue
		}

		parent := plans[decl.Network]
		entry.vlan = parent.vlan

		existing, err := e.boundAllocation(ctx, entry.platform, entry.resource.ID, allocator.KindAddress)
		if err != nil {
			rollback()
			return err
		}
		if existing != nil {
			entry.addrAlloc = existing
			continue
		}

		alloc, err := e.allocator.AllocateAddress(ctx, entry.platform, parent.vlan)
		if err != nil {
			rollback()
			return err
		}
		if err := e.allocator.Bind(ctx, alloc.ID, entry.resource.ID); err != nil {
			rollback()
			return err
		}
		claimed = append(claimed, alloc)
		entry.addrAlloc = alloc
	}

	return nil
}

// boundAllocation recovers an allocation claimed for a resource in an
// earlier run. Returns nil when none is bound.
func (e *Engine) boundAllocation(ctx context.Context, platformName, resourceID string, kind allocator.Kind) (*allocator.Allocation, error) {
	allocs, err := e.allocator.List(ctx, platformName)
	if err != nil {
		return nil, err
	}
	for _, alloc := range allocs {
		if alloc.ResourceID == resourceID && alloc.Kind == kind {
			return alloc, nil
		}
	}
	return nil, nil
}

// runCreate executes one create task, retrying retryable failures with
// exponential backoff. The attempt itself runs detached from the run
// context so an in-flight call finishes on cancellation; the backoff
// sleeps do observe it, so no new attempt starts after cancel.
func (e *Engine) runCreate(ctx context.Context, entry *planEntry) {
	task := &Task{
		ResourceID: entry.resource.ID,
		Action:     ActionCreate,
		MaxRetries: e.opts.MaxRetries,
		Status:     TaskRunning,
	}
	entry.taskStatus = TaskRunning

	log := e.log.WithFields(logrus.Fields{
		"resource": entry.decl.Name,
		"platform": entry.platform,
		"action":   task.Action,
	})

	if err := e.registry.UpdateStatus(ctx, entry.resource.ID, registry.StatusProvisioning, "create scheduled"); err != nil {
		entry.fail(task, err)
		return
	}

	// Address reservations are satisfied by the allocator alone; there is
	// nothing to create on the platform.
	if entry.decl.Kind == registry.KindAddressReservation {
		if err := e.markReady(ctx, entry, reservationState(entry)); err != nil {
			entry.fail(task, err)
			return
		}
		task.Status = TaskSucceeded
		entry.taskStatus = TaskSucceeded
		log.Info("address reserved")
		return
	}

	client, err := e.clients.Get(entry.platform)
	if err != nil {
		entry.fail(task, errors.Fatal("platform not configured", err))
		e.markFailed(ctx, entry)
		return
	}

	taskSpec := entry.taskSpec()
	detached := context.WithoutCancel(ctx)

	var platformID string
	var observed map[string]interface{}

	attempt := func() error {
		attemptCtx, cancel := context.WithTimeout(detached, e.opts.TaskTimeout)
		defer cancel()

		id, state, err := client.Create(attemptCtx, taskSpec)
		if err != nil {
			if attemptCtx.Err() == context.DeadlineExceeded {
				err = errors.Retryable("task attempt timed out", err)
			}
			if !errors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			task.RetryCount++
			entry.retries = task.RetryCount
			return err
		}
		platformID = id
		observed = state
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackOff(), uint64(task.MaxRetries)), ctx)

	err = backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("task failed, retrying")
	})
	if err != nil {
		entry.fail(task, err)
		e.markFailed(ctx, entry)
		log.WithError(err).Error("task failed")
		return
	}

	if err := e.registry.SetPlatformID(ctx, entry.resource.ID, platformID); err != nil {
		entry.fail(task, err)
		return
	}
	if err := e.markReady(ctx, entry, observed); err != nil {
		entry.fail(task, err)
		return
	}

	task.Status = TaskSucceeded
	entry.taskStatus = TaskSucceeded
	log.WithField("platform_id", platformID).Info("resource ready")
}

func (e *Engine) destroyResource(ctx context.Context, res *registry.Resource) (int, error) {
	log := e.log.WithFields(logrus.Fields{
		"resource": res.Name,
		"platform": res.Platform,
		"action":   ActionDestroy,
	})

	retries := 0
	if res.PlatformID != "" {
		client, err := e.clients.Get(res.Platform)
		if err != nil {
			return 0, errors.Fatal("platform not configured", err)
		}

		detached := context.WithoutCancel(ctx)
		attempt := func() error {
			attemptCtx, cancel := context.WithTimeout(detached, e.opts.TaskTimeout)
			defer cancel()

			if err := client.Destroy(attemptCtx, res.PlatformID); err != nil {
				if attemptCtx.Err() == context.DeadlineExceeded {
					err = errors.Retryable("task attempt timed out", err)
				}
				if !errors.IsRetryable(err) {
					return backoff.Permanent(err)
				}
				retries++
				return err
			}
			return nil
		}

		policy := backoff.WithContext(
			backoff.WithMaxRetries(newBackOff(), uint64(e.opts.MaxRetries)), ctx)
		if err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
			log.WithError(err).WithField("retry_in", wait).Warn("destroy failed, retrying")
		}); err != nil {
			if statusErr := e.registry.UpdateStatus(ctx, res.ID, registry.StatusFailed, "destroy failed: "+err.Error()); statusErr != nil {
				log.WithError(statusErr).Warn("failed to record destroy failure")
			}
			return retries, err
		}
	}

	if err := e.allocator.ReleaseResource(ctx, res.ID); err != nil {
		return retries, err
	}
	if err := e.registry.UpdateStatus(ctx, res.ID, registry.StatusTerminated, "destroyed"); err != nil {
		return retries, err
	}

	log.Info("resource terminated")
	return retries, nil
}

func (e *Engine) markReady(ctx context.Context, entry *planEntry, observed map[string]interface{}) error {
	fresh, err := e.registry.Get(ctx, entry.resource.ID)
	if err != nil {
		return err
	}
	return e.registry.RecordObservation(ctx, entry.resource.ID,
		registry.StatusReady, observed, fresh.Version, "create succeeded")
}

func (e *Engine) markFailed(ctx context.Context, entry *planEntry) {
	if err := e.registry.UpdateStatus(ctx, entry.resource.ID, registry.StatusFailed, "create failed"); err != nil {
		e.log.WithError(err).WithField("resource", entry.decl.Name).
			Warn("failed to record task failure")
	}
}

func (e *Engine) failWithoutRunning(ctx context.Context, entry *planEntry, note string) {
	entry.taskStatus = TaskFailed
	entry.err = errors.New(errors.ErrCodeFatal, note)
	if err := e.registry.UpdateStatus(ctx, entry.resource.ID, registry.StatusFailed, note); err != nil {
		e.log.WithError(err).WithField("resource", entry.decl.Name).
			Warn("failed to record pruned task")
	}
}

func (entry *planEntry) fail(task *Task, err error) {
	task.Status = TaskFailed
	entry.taskStatus = TaskFailed
	entry.err = err
}

// taskSpec assembles the map handed to the platform client: the declared
// spec plus identity and any derived network values.
func (entry *planEntry) taskSpec() map[string]interface{} {
	out := make(map[string]interface{}, len(entry.decl.Spec)+4)
	for k, v := range entry.decl.Spec {
		out[k] = v
	}
	out["name"] = entry.decl.Name
	out["kind"] = string(entry.decl.Kind)

	if entry.decl.Kind == registry.KindNetwork {
		cidr, gateway := allocator.CIDRForVLAN(entry.vlan)
		out["vlan"] = entry.vlan
		out["cidr"] = cidr
		out["gateway"] = gateway
	}

	return out
}

func reservationState(entry *planEntry) map[string]interface{} {
	cidr, gateway := allocator.CIDRForVLAN(entry.vlan)
	return map[string]interface{}{
		"address": entry.addrAlloc.Value,
		"vlan":    entry.vlan,
		"cidr":    cidr,
		"gateway": gateway,
	}
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

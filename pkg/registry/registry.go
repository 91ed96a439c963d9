package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labfoundry/labctl/pkg/errors"
	"github.com/labfoundry/labctl/pkg/state/backend"
)

// Registry tracks every resource the system has ever declared: desired
// spec, last-observed state, and drift status. Reads are concurrent;
// writes are serialized per registry and persisted write-through to the
// state backend.
type Registry struct {
	mu          sync.RWMutex
	backend     backend.Backend
	resources   map[string]*Resource
	deployments map[string]*Deployment
	history     map[string][]ChangeRecord
}

// Open loads the registry from the given backend.
func Open(ctx context.Context, b backend.Backend) (*Registry, error) {
	r := &Registry{
		backend:     b,
		resources:   make(map[string]*Resource),
		deployments: make(map[string]*Deployment),
		history:     make(map[string][]ChangeRecord),
	}

	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load(ctx context.Context) error {
	paths, err := r.backend.List(ctx, "resources/")
	if err != nil {
		return errors.BackendError(r.backend.Type(), "list resources", err)
	}
	for _, p := range paths {
		res, err := readJSON[Resource](ctx, r.backend, p)
		if err != nil {
			return errors.BackendError(r.backend.Type(), "read "+p, err)
		}
		r.resources[res.ID] = res
	}

	paths, err = r.backend.List(ctx, "deployments/")
	if err != nil {
		return errors.BackendError(r.backend.Type(), "list deployments", err)
	}
	for _, p := range paths {
		dep, err := readJSON[Deployment](ctx, r.backend, p)
		if err != nil {
			return errors.BackendError(r.backend.Type(), "read "+p, err)
		}
		r.deployments[dep.ID] = dep
	}

	paths, err = r.backend.List(ctx, "audit/")
	if err != nil {
		return errors.BackendError(r.backend.Type(), "list audit", err)
	}
	for _, p := range paths {
		records, err := readJSON[[]ChangeRecord](ctx, r.backend, p)
		if err != nil {
			continue // Audit history is best-effort on load
		}
		if len(*records) > 0 {
			r.history[(*records)[0].ResourceID] = *records
		}
	}

	return nil
}

// Declare registers a new resource. Generates an id when the caller did
// not supply one; fails with a duplicate error on id collision.
func (r *Registry) Declare(ctx context.Context, res *Resource) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if _, exists := r.resources[res.ID]; exists {
		return "", errors.DuplicateError("resource", res.ID)
	}
	if res.Status == "" {
		res.Status = StatusPending
	}

	now := time.Now()
	res.CreatedAt = now
	res.UpdatedAt = now
	res.Version = 1

	stored := res.clone()
	if err := r.persistResource(ctx, stored); err != nil {
		return "", err
	}
	r.resources[res.ID] = stored
	r.appendAudit(ctx, ChangeRecord{
		ResourceID: res.ID,
		From:       "",
		To:         res.Status,
		At:         now,
		Note:       "declared",
	})

	return res.ID, nil
}

// Get returns a copy of the resource with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[id]
	if !ok {
		return nil, errors.NotFoundError("resource", id)
	}
	return res.clone(), nil
}

// UpdateStatus transitions a resource's status. Last-writer-wins: no
// version check is performed. Terminated resources admit no further
// transitions.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status ResourceStatus, note string) error {
	return r.update(ctx, id, status, nil, -1, note)
}

// RecordObservation updates status together with observed state under
// optimistic versioning: the write is rejected with a conflict error if
// the row has changed since expectedVersion was read. Sets
// LastReconciledAt.
func (r *Registry) RecordObservation(ctx context.Context, id string, status ResourceStatus, observed map[string]interface{}, expectedVersion int64, note string) error {
	return r.update(ctx, id, status, observed, expectedVersion, note)
}

func (r *Registry) update(ctx context.Context, id string, status ResourceStatus, observed map[string]interface{}, expectedVersion int64, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[id]
	if !ok {
		return errors.NotFoundError("resource", id)
	}
	if expectedVersion >= 0 && res.Version != expectedVersion {
		return errors.ConflictError(id, expectedVersion, res.Version)
	}
	if res.Status.Terminal() && status != res.Status {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("resource %q is terminated and cannot transition to %q; re-declare it under a new id", id, status))
	}

	prev := res.Status
	now := time.Now()

	res.Status = status
	res.UpdatedAt = now
	res.Version++
	if observed != nil {
		res.ObservedState = observed
		res.LastReconciledAt = &now
	}

	if err := r.persistResource(ctx, res); err != nil {
		// Roll back the in-memory row so memory and backend stay consistent
		res.Status = prev
		res.Version--
		return err
	}

	if prev != status {
		r.appendAudit(ctx, ChangeRecord{
			ResourceID: id,
			From:       prev,
			To:         status,
			At:         now,
			Note:       note,
		})
	}

	return nil
}

// SetPlatformID records the back end's identifier for a created resource.
func (r *Registry) SetPlatformID(ctx context.Context, id, platformID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[id]
	if !ok {
		return errors.NotFoundError("resource", id)
	}

	prev := res.PlatformID
	res.PlatformID = platformID
	res.UpdatedAt = time.Now()
	res.Version++
	if err := r.persistResource(ctx, res); err != nil {
		// Roll back the in-memory row so memory and backend stay consistent
		res.PlatformID = prev
		res.Version--
		return err
	}
	return nil
}

// Lock acquires the advisory lock for the named scope. Invocations that
// share a remote backend serialize on it instead of clobbering each
// other's writes.
func (r *Registry) Lock(ctx context.Context, scope, operation string) (backend.Lock, error) {
	who, _ := os.Hostname()
	return r.backend.Lock(ctx, path.Join("locks", scope), backend.LockInfo{
		Who:       who,
		Operation: operation,
	})
}

// Query returns copies of all resources matching the filter, sorted by id.
func (r *Registry) Query(ctx context.Context, f Filter) ([]*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Resource
	for _, res := range r.resources {
		if f.Matches(res) {
			out = append(out, res.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Platforms returns the distinct platform names across non-terminated
// resources. Used by the reconciler to know which back ends to query.
func (r *Registry) Platforms(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, res := range r.resources {
		if res.Status != StatusTerminated {
			seen[res.Platform] = true
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a resource record. Permitted only once the resource is
// terminated.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[id]
	if !ok {
		return errors.NotFoundError("resource", id)
	}
	if res.Status != StatusTerminated {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("resource %q has status %q; only terminated resources may be deleted", id, res.Status))
	}

	if err := r.backend.Delete(ctx, resourcePath(id)); err != nil {
		return errors.BackendError(r.backend.Type(), "delete resource", err)
	}
	_ = r.backend.Delete(ctx, auditPath(id))

	delete(r.resources, id)
	delete(r.history, id)
	return nil
}

// History returns the audit trail for a resource, oldest first.
func (r *Registry) History(ctx context.Context, id string) ([]ChangeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.resources[id]; !ok {
		if _, had := r.history[id]; !had {
			return nil, errors.NotFoundError("resource", id)
		}
	}

	records := r.history[id]
	out := make([]ChangeRecord, len(records))
	copy(out, records)
	return out, nil
}

// Deployment operations

// SaveDeployment creates or updates a deployment record.
func (r *Registry) SaveDeployment(ctx context.Context, dep *Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now()
	}
	dep.UpdatedAt = time.Now()

	stored := *dep
	stored.Resources = append([]string(nil), dep.Resources...)

	if err := writeJSON(ctx, r.backend, deploymentPath(dep.ID), &stored); err != nil {
		return errors.BackendError(r.backend.Type(), "write deployment", err)
	}
	r.deployments[dep.ID] = &stored
	return nil
}

// GetDeployment returns a copy of the deployment with the given id.
func (r *Registry) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dep, ok := r.deployments[id]
	if !ok {
		return nil, errors.NotFoundError("deployment", id)
	}
	out := *dep
	out.Resources = append([]string(nil), dep.Resources...)
	return &out, nil
}

// FindDeploymentByName returns the deployment with the given name, if any.
func (r *Registry) FindDeploymentByName(ctx context.Context, name string) (*Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, dep := range r.deployments {
		if dep.Name == name {
			out := *dep
			out.Resources = append([]string(nil), dep.Resources...)
			return &out, nil
		}
	}
	return nil, errors.NotFoundError("deployment", name)
}

// ListDeployments returns copies of all deployments, sorted by creation time.
func (r *Registry) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Deployment, 0, len(r.deployments))
	for _, dep := range r.deployments {
		c := *dep
		c.Resources = append([]string(nil), dep.Resources...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteDeployment removes a deployment record. Member resources must be
// terminated or already deleted; the deployment owns them exclusively.
func (r *Registry) DeleteDeployment(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dep, ok := r.deployments[id]
	if !ok {
		return errors.NotFoundError("deployment", id)
	}

	for _, resID := range dep.Resources {
		if res, exists := r.resources[resID]; exists && res.Status != StatusTerminated {
			return errors.New(errors.ErrCodeValidation,
				fmt.Sprintf("deployment %q still owns resource %q (status %q)", id, resID, res.Status))
		}
	}

	if err := r.backend.Delete(ctx, deploymentPath(id)); err != nil {
		return errors.BackendError(r.backend.Type(), "delete deployment", err)
	}
	delete(r.deployments, id)
	return nil
}

// DeriveDeploymentStatus computes the aggregate status of a deployment
// from its member resources: ready only when every member is ready.
func (r *Registry) DeriveDeploymentStatus(ctx context.Context, id string) (DeploymentStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dep, ok := r.deployments[id]
	if !ok {
		return "", errors.NotFoundError("deployment", id)
	}

	allReady := true
	anyFailed := false
	for _, resID := range dep.Resources {
		res, exists := r.resources[resID]
		if !exists {
			continue
		}
		if res.Status != StatusReady {
			allReady = false
		}
		if res.Status == StatusFailed {
			anyFailed = true
		}
	}

	switch {
	case allReady && len(dep.Resources) > 0:
		return DeploymentReady, nil
	case anyFailed:
		return DeploymentFailed, nil
	default:
		return DeploymentProvisioning, nil
	}
}

// Internals

func (r *Registry) persistResource(ctx context.Context, res *Resource) error {
	if err := writeJSON(ctx, r.backend, resourcePath(res.ID), res); err != nil {
		return errors.BackendError(r.backend.Type(), "write resource", err)
	}
	return nil
}

// appendAudit records a status change. Persistence failures here are
// ignored: the audit trail is diagnostic, not load-bearing.
func (r *Registry) appendAudit(ctx context.Context, rec ChangeRecord) {
	r.history[rec.ResourceID] = append(r.history[rec.ResourceID], rec)
	records := r.history[rec.ResourceID]
	_ = writeJSON(ctx, r.backend, auditPath(rec.ResourceID), &records)
}

func (res *Resource) clone() *Resource {
	c := *res
	c.DesiredSpec = cloneMap(res.DesiredSpec)
	c.ObservedState = cloneMap(res.ObservedState)
	c.Dependencies = append([]string(nil), res.Dependencies...)
	if res.LastReconciledAt != nil {
		t := *res.LastReconciledAt
		c.LastReconciledAt = &t
	}
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Path helpers

func resourcePath(id string) string {
	return path.Join("resources", id+".state.json")
}

func deploymentPath(id string) string {
	return path.Join("deployments", id+".state.json")
}

func auditPath(id string) string {
	return path.Join("audit", id+".json")
}

// JSON helpers

func readJSON[T any](ctx context.Context, b backend.Backend, p string) (*T, error) {
	reader, err := b.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var result T
	if err := json.NewDecoder(reader).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	return &result, nil
}

func writeJSON(ctx context.Context, b backend.Backend, p string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return b.Write(ctx, p, bytes.NewReader(content))
}

// Package registry is the single source of truth for declared resources.
package registry

import (
	"time"
)

// ResourceKind identifies the type of a declared resource.
type ResourceKind string

const (
	KindVM                 ResourceKind = "vm"
	KindNetwork            ResourceKind = "network"
	KindAddressReservation ResourceKind = "address_reservation"
)

// ResourceStatus tracks a resource through its lifecycle.
type ResourceStatus string

const (
	StatusPending      ResourceStatus = "pending"
	StatusProvisioning ResourceStatus = "provisioning"
	StatusReady        ResourceStatus = "ready"
	StatusDrifted      ResourceStatus = "drifted"
	StatusFailed       ResourceStatus = "failed"
	StatusTerminated   ResourceStatus = "terminated"
)

// Resource is a single declared infrastructure unit.
type Resource struct {
	// ID is globally unique, generated at declaration time if empty
	ID string `json:"id"`

	// Name is the declaration name within the lab specification
	Name string `json:"name"`

	// Kind of resource
	Kind ResourceKind `json:"kind"`

	// Platform identifies the owning back end
	Platform string `json:"platform"`

	// PlatformID is the back end's own identifier, set after creation.
	// Join key for reconciliation diffing.
	PlatformID string `json:"platform_id,omitempty"`

	// DeploymentID is the owning deployment
	DeploymentID string `json:"deployment_id,omitempty"`

	// DesiredSpec is the platform-specific declared configuration
	DesiredSpec map[string]interface{} `json:"desired_spec,omitempty"`

	// ObservedState is the last state reported by the platform.
	// Nil until the resource has been created or reconciled.
	ObservedState map[string]interface{} `json:"observed_state,omitempty"`

	// Status of the resource
	Status ResourceStatus `json:"status"`

	// Dependencies lists resource ids that must reach ready first
	Dependencies []string `json:"dependencies,omitempty"`

	// Version is the optimistic-concurrency counter, bumped on every write
	Version int64 `json:"version"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
}

// Terminal reports whether the status permits no further transitions.
func (s ResourceStatus) Terminal() bool {
	return s == StatusTerminated
}

// DeploymentStatus is derived from member resource statuses.
type DeploymentStatus string

const (
	DeploymentPending      DeploymentStatus = "pending"
	DeploymentProvisioning DeploymentStatus = "provisioning"
	DeploymentReady        DeploymentStatus = "ready"
	DeploymentFailed       DeploymentStatus = "failed"
	DeploymentCancelled    DeploymentStatus = "cancelled"
	DeploymentDestroying   DeploymentStatus = "destroying"
)

// Deployment groups the resources created from one lab specification.
// A deployment exclusively owns the lifecycle of its resources.
type Deployment struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Resources []string         `json:"resources"`
	Status    DeploymentStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ChangeRecord is one entry in a resource's append-only audit trail.
type ChangeRecord struct {
	ResourceID string         `json:"resource_id"`
	From       ResourceStatus `json:"from"`
	To         ResourceStatus `json:"to"`
	At         time.Time      `json:"at"`
	Note       string         `json:"note,omitempty"`
}

// Filter selects resources in Query. Zero values match everything.
type Filter struct {
	Platform     string
	Kind         ResourceKind
	Status       ResourceStatus
	DeploymentID string

	// ExcludeTerminated drops terminated resources regardless of Status
	ExcludeTerminated bool
}

// Matches reports whether the resource satisfies every set predicate.
func (f Filter) Matches(r *Resource) bool {
	if f.Platform != "" && r.Platform != f.Platform {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.DeploymentID != "" && r.DeploymentID != f.DeploymentID {
		return false
	}
	if f.ExcludeTerminated && r.Status == StatusTerminated {
		return false
	}
	return true
}

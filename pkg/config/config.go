// Package config defines the explicit configuration passed into labctl
// components. There is no ambient global state; the CLI builds one Config
// and hands it to the engine, registry, allocator, and reconciler.
package config

import "time"

// BackendConfig selects and configures a state backend.
type BackendConfig struct {
	// Type is the backend type (local, s3, gcs, azurerm, memory)
	Type string `yaml:"type"`

	// Settings holds backend-specific key/value configuration
	Settings map[string]string `yaml:"settings"`
}

// PlatformConfig declares one platform back end to register at startup.
type PlatformConfig struct {
	// Type is the adapter type (docker, fake)
	Type string `yaml:"type"`

	// Settings holds adapter-specific key/value configuration
	Settings map[string]string `yaml:"settings"`
}

// Config is the top-level labctl configuration.
type Config struct {
	// Backend configures state persistence
	Backend BackendConfig `yaml:"backend"`

	// Platforms maps platform names to their adapter configuration.
	// Resolved into clients once at startup.
	Platforms map[string]PlatformConfig `yaml:"platforms"`

	// VLANRangeMin and VLANRangeMax bound the allocator's VLAN pool
	VLANRangeMin int `yaml:"vlan_range_min"`
	VLANRangeMax int `yaml:"vlan_range_max"`

	// MaxParallel bounds concurrent tasks within a layer
	MaxParallel int `yaml:"max_parallel"`

	// MaxRetries bounds per-task retry attempts for transient failures
	MaxRetries int `yaml:"max_retries"`

	// TaskTimeout bounds a single task attempt
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// ReconcileInterval is the period of the reconciliation loop
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// PruneAfter is how long a TERMINATED record is kept before the
	// reconciler prunes it. The grace period tolerates transient
	// platform query failures.
	PruneAfter time.Duration `yaml:"prune_after"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Type:     "local",
			Settings: map[string]string{},
		},
		Platforms:         map[string]PlatformConfig{},
		VLANRangeMin:      100,
		VLANRangeMax:      199,
		MaxParallel:       4,
		MaxRetries:        3,
		TaskTimeout:       5 * time.Minute,
		ReconcileInterval: time.Minute,
		PruneAfter:        10 * time.Minute,
	}
}

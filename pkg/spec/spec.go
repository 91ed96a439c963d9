// Package spec defines the lab specification format and its YAML loader.
package spec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/labfoundry/labctl/pkg/errors"
	"github.com/labfoundry/labctl/pkg/registry"
)

// Lab is a declarative specification of a lab environment: an unordered
// set of resource declarations with dependency edges by name.
type Lab struct {
	// Name identifies the deployment created from this specification
	Name string `yaml:"name"`

	// Platform is the default platform for declarations that don't set one
	Platform string `yaml:"platform,omitempty"`

	// Resources are the declarations making up the lab
	Resources []ResourceDecl `yaml:"resources"`
}

// ResourceDecl declares one resource.
type ResourceDecl struct {
	// Name is unique within the lab
	Name string `yaml:"name"`

	// Kind is vm, network, or address_reservation
	Kind registry.ResourceKind `yaml:"kind"`

	// Platform overrides the lab-level default
	Platform string `yaml:"platform,omitempty"`

	// Network names the parent network declaration. Required for
	// address reservations; the reserved address is carved from that
	// network's VLAN-derived block.
	Network string `yaml:"network,omitempty"`

	// Spec is the platform-specific configuration, passed through opaque
	Spec map[string]interface{} `yaml:"spec,omitempty"`

	// DependsOn lists declaration names that must be ready first
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// Load reads and validates a lab specification from a YAML file.
func Load(path string) (*Lab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates a lab specification from YAML bytes.
func Parse(data []byte) (*Lab, error) {
	var lab Lab
	if err := yaml.Unmarshal(data, &lab); err != nil {
		return nil, errors.Wrap(errors.ErrCodeValidation, "failed to parse lab specification", err)
	}

	if err := lab.Validate(); err != nil {
		return nil, err
	}
	return &lab, nil
}

// PlatformFor resolves the effective platform for a declaration.
func (l *Lab) PlatformFor(decl ResourceDecl) string {
	if decl.Platform != "" {
		return decl.Platform
	}
	return l.Platform
}

// Validate checks structural invariants: unique names, known kinds,
// resolvable platforms, and dependency references to declared names.
// Cycle detection is left to the graph layer.
func (l *Lab) Validate() error {
	if l.Name == "" {
		return errors.ValidationError("missing_name", "lab specification requires a name")
	}
	if len(l.Resources) == 0 {
		return errors.ValidationError("empty", "lab specification declares no resources")
	}

	byName := make(map[string]*ResourceDecl, len(l.Resources))
	for i := range l.Resources {
		decl := &l.Resources[i]
		if decl.Name == "" {
			return errors.ValidationError("missing_name",
				fmt.Sprintf("resource declaration %d has no name", i))
		}
		if _, dup := byName[decl.Name]; dup {
			return errors.ValidationError("duplicate_name",
				fmt.Sprintf("resource %q declared more than once", decl.Name))
		}
		byName[decl.Name] = decl

		switch decl.Kind {
		case registry.KindVM, registry.KindNetwork, registry.KindAddressReservation:
		default:
			return errors.ValidationError("unknown_kind",
				fmt.Sprintf("resource %q has unknown kind %q", decl.Name, decl.Kind))
		}

		if l.PlatformFor(*decl) == "" {
			return errors.ValidationError("missing_platform",
				fmt.Sprintf("resource %q has no platform and the lab sets no default", decl.Name))
		}
	}

	for _, decl := range l.Resources {
		for _, dep := range decl.DependsOn {
			if _, ok := byName[dep]; !ok {
				return errors.ValidationError("dangling_dependency",
					fmt.Sprintf("resource %q depends on undeclared resource %q", decl.Name, dep))
			}
		}

		if decl.Kind == registry.KindAddressReservation {
			if decl.Network == "" {
				return errors.ValidationError("missing_network",
					fmt.Sprintf("address reservation %q names no network", decl.Name))
			}
			parent, ok := byName[decl.Network]
			if !ok {
				return errors.ValidationError("dangling_dependency",
					fmt.Sprintf("address reservation %q references undeclared network %q", decl.Name, decl.Network))
			}
			if parent.Kind != registry.KindNetwork {
				return errors.ValidationError("invalid_network",
					fmt.Sprintf("address reservation %q references %q, which is a %s", decl.Name, decl.Network, parent.Kind))
			}
		}
	}

	return nil
}

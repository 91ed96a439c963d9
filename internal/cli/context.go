package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/labfoundry/labctl/pkg/allocator"
	"github.com/labfoundry/labctl/pkg/config"
	"github.com/labfoundry/labctl/pkg/engine"
	"github.com/labfoundry/labctl/pkg/platform"
	"github.com/labfoundry/labctl/pkg/reconciler"
	"github.com/labfoundry/labctl/pkg/registry"
	"github.com/labfoundry/labctl/pkg/state/backend"
)

// appContext bundles the wired-up components every command needs. Built
// once per invocation from the resolved configuration.
type appContext struct {
	cfg        config.Config
	registry   *registry.Registry
	allocator  *allocator.Allocator
	clients    *platform.Set
	engine     *engine.Engine
	reconciler *reconciler.Controller
}

// loadConfig resolves the effective configuration: defaults, then the
// config file, then flags and environment.
func loadConfig(backendType string, backendConfig []string) (config.Config, error) {
	cfg := config.Default()

	if path := viper.ConfigFileUsed(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if backendType == "" {
		backendType = viper.GetString("backend")
	}
	if backendType != "" {
		cfg.Backend.Type = backendType
	}
	if cfg.Backend.Settings == nil {
		cfg.Backend.Settings = map[string]string{}
	}
	for _, pair := range backendConfig {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return cfg, fmt.Errorf("invalid backend-config %q, expected key=value", pair)
		}
		cfg.Backend.Settings[key] = value
	}

	// A usable default platform set when the config file declares none
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = map[string]config.PlatformConfig{
			"docker": {Type: "docker"},
		}
	}

	return cfg, nil
}

// newAppContext wires the backend, registry, allocator, platform clients,
// engine, and reconciler from one configuration.
func newAppContext(ctx context.Context, cfg config.Config) (*appContext, error) {
	b, err := backend.Create(backend.Config{
		Type:     cfg.Backend.Type,
		Settings: cfg.Backend.Settings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create state backend: %w", err)
	}

	reg, err := registry.Open(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	alloc, err := allocator.New(ctx, b, cfg.VLANRangeMin, cfg.VLANRangeMax)
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}

	platformConfigs := make(map[string]platform.Config, len(cfg.Platforms))
	for name, pc := range cfg.Platforms {
		platformConfigs[name] = platform.Config{Type: pc.Type, Settings: pc.Settings}
	}
	clients, err := platform.NewSet(platformConfigs)
	if err != nil {
		return nil, err
	}

	eng := engine.New(reg, clients, alloc, engine.Options{
		MaxParallel: cfg.MaxParallel,
		MaxRetries:  cfg.MaxRetries,
		TaskTimeout: cfg.TaskTimeout,
	})

	ctrl := reconciler.New(reg, clients, reconciler.Options{
		Interval:   cfg.ReconcileInterval,
		PruneAfter: cfg.PruneAfter,
	})

	return &appContext{
		cfg:        cfg,
		registry:   reg,
		allocator:  alloc,
		clients:    clients,
		engine:     eng,
		reconciler: ctrl,
	}, nil
}

// Package reconciler runs the control loop that keeps the registry honest:
// it periodically compares every platform's live resources against the
// registry's records and marks what disappeared or drifted.
package reconciler

import (
	"context"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labfoundry/labctl/pkg/errors"
	"github.com/labfoundry/labctl/pkg/platform"
	"github.com/labfoundry/labctl/pkg/registry"
)

// Options tune one controller instance.
type Options struct {
	// Interval between reconciliation passes
	Interval time.Duration

	// PruneAfter is the grace period before a terminated resource is
	// deleted from the registry. Zero disables pruning.
	PruneAfter time.Duration

	Logger *logrus.Logger
}

// Controller is the reconciliation loop. It never provisions or repairs
// anything; it only observes and records.
type Controller struct {
	registry *registry.Registry
	clients  *platform.Set
	opts     Options
	log      *logrus.Logger
}

// New creates a controller.
func New(reg *registry.Registry, clients *platform.Set, opts Options) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Controller{
		registry: reg,
		clients:  clients,
		opts:     opts,
		log:      log,
	}
}

// Run reconciles on a ticker until the context is cancelled. A pass runs
// immediately on startup rather than waiting out the first interval.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		if err := c.RunOnce(ctx); err != nil {
			c.log.WithError(err).Error("reconciliation pass failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single reconciliation pass over every platform that
// has live resources. One platform's failure is logged and skipped; it
// never blocks the others. A pass over an unchanged world performs zero
// registry mutations.
func (c *Controller) RunOnce(ctx context.Context) error {
	lock, err := c.registry.Lock(ctx, "reconcile", "reconcile")
	if err != nil {
		return err
	}
	defer func() {
		if uerr := lock.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			c.log.WithError(uerr).Warn("failed to release reconcile lock")
		}
	}()

	platforms, err := c.registry.Platforms(ctx)
	if err != nil {
		return err
	}

	for _, name := range platforms {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.reconcilePlatform(ctx, name); err != nil {
			c.log.WithError(err).WithField("platform", name).
				Warn("skipping platform this pass")
		}
	}

	if c.opts.PruneAfter > 0 {
		c.prune(ctx)
	}

	return nil
}

func (c *Controller) reconcilePlatform(ctx context.Context, name string) error {
	client, err := c.clients.Get(name)
	if err != nil {
		return err
	}

	instances, err := client.ListAll(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]platform.Instance, len(instances))
	for _, inst := range instances {
		live[inst.ID] = inst
	}

	records, err := c.registry.Query(ctx, registry.Filter{
		Platform:          name,
		ExcludeTerminated: true,
	})
	if err != nil {
		return err
	}

	for _, res := range records {
		// Resources the engine never finished creating, and allocator-only
		// resources such as address reservations, have no platform id to
		// verify against.
		if res.PlatformID == "" {
			continue
		}

		inst, found := live[res.PlatformID]
		if !found {
			if err := c.observe(ctx, res, registry.StatusTerminated, nil, "gone from platform"); err != nil {
				return err
			}
			c.log.WithFields(logrus.Fields{
				"platform": name,
				"resource": res.Name,
			}).Info("resource disappeared from platform")
			continue
		}

		if !reflect.DeepEqual(res.ObservedState, inst.State) {
			if err := c.observe(ctx, res, registry.StatusDrifted, inst.State, "observed state changed"); err != nil {
				return err
			}
			c.log.WithFields(logrus.Fields{
				"platform": name,
				"resource": res.Name,
			}).Warn("resource drifted")
		}
		// Instances with no registry record are unmanaged; leave them alone
	}

	return nil
}

// observe writes a reconciliation finding with a version check, retrying
// once against a concurrent writer.
func (c *Controller) observe(ctx context.Context, res *registry.Resource, status registry.ResourceStatus, observed map[string]interface{}, note string) error {
	err := c.registry.RecordObservation(ctx, res.ID, status, observed, res.Version, note)
	if !errors.Is(err, errors.ErrCodeConflict) {
		return err
	}

	fresh, getErr := c.registry.Get(ctx, res.ID)
	if getErr != nil {
		return getErr
	}
	if fresh.Status.Terminal() {
		return nil
	}
	return c.registry.RecordObservation(ctx, res.ID, status, observed, fresh.Version, note)
}

// prune deletes terminated resources whose grace period has lapsed.
func (c *Controller) prune(ctx context.Context) {
	records, err := c.registry.Query(ctx, registry.Filter{Status: registry.StatusTerminated})
	if err != nil {
		c.log.WithError(err).Warn("prune query failed")
		return
	}

	cutoff := time.Now().Add(-c.opts.PruneAfter)
	for _, res := range records {
		if res.UpdatedAt.After(cutoff) {
			continue
		}
		if err := c.registry.Delete(ctx, res.ID); err != nil {
			c.log.WithError(err).WithField("resource", res.Name).
				Warn("failed to prune terminated resource")
			continue
		}
		c.log.WithField("resource", res.Name).Debug("pruned terminated resource")
	}
}

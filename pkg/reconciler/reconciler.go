/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package reconciler drives every active service toward its desired
// replica count, ferries pods through a rolling version update bounded by
// maxSurge/maxUnavailable, and evicts pods stranded on lost nodes (spec
// §4.4). One tick fans a goroutine out per service with errgroup and
// aggregates per-service failures with multierr rather than failing the
// whole tick on one bad service.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/config"
	"github.com/podforge/podforge/pkg/connection"
	"github.com/podforge/podforge/pkg/metrics"
	"github.com/podforge/podforge/pkg/state"
)

// Placer schedules a single pending pod. *scheduler.Scheduler satisfies
// this; the reconciler never imports the scheduler's preemption or
// rollback internals, only the one operation it needs.
type Placer interface {
	Schedule(ctx context.Context, podID string) (*v1alpha1.Pod, error)
}

// Dispatcher delivers deploy/stop commands to a node's session.
// *connection.Manager satisfies this.
type Dispatcher interface {
	DeployPod(ctx context.Context, nodeID string, payload connection.DeployPodPayload) error
	StopPod(ctx context.Context, nodeID, podID, reason string) error
}

// BundleResolver resolves a pack's executable bytes for a deploy command.
// *bundle.Resolver satisfies this.
type BundleResolver interface {
	Resolve(ctx context.Context, pack *v1alpha1.Pack) ([]byte, error)
}

// Reconciler owns the periodic tick that reconciles every active or
// scaling service.
type Reconciler struct {
	store      *state.Store
	placer     Placer
	dispatcher Dispatcher
	bundles    BundleResolver
	settings   config.Settings
	logger     logr.Logger
}

// New constructs a Reconciler.
func New(store *state.Store, placer Placer, dispatcher Dispatcher, bundles BundleResolver, settings config.Settings, logger logr.Logger) *Reconciler {
	return &Reconciler{store: store, placer: placer, dispatcher: dispatcher, bundles: bundles, settings: settings, logger: logger.WithName("reconciler")}
}

// Run ticks every ReconcileInterval until ctx is cancelled. Tick errors are
// logged, never returned; a bad tick must not stop the loop.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.settings.ReconcileInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Error(err, "reconcile tick had failures")
			}
		}
	}
}

// Tick reconciles every active/scaling service and sweeps lost nodes,
// fanning per-service work out with errgroup and aggregating whatever
// fails with multierr so one bad service never blocks the rest.
func (r *Reconciler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	services := r.store.ServicesList()
	var mu sync.Mutex
	var combined error

	eg, egCtx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		if svc.Status != v1alpha1.ServiceActive && svc.Status != v1alpha1.ServiceScaling {
			continue
		}
		eg.Go(func() error {
			if err := r.reconcileService(egCtx, svc); err != nil {
				mu.Lock()
				combined = multierr.Append(combined, err)
				mu.Unlock()
				metrics.ReconcileTicks.WithLabelValues("error").Inc()
			} else {
				metrics.ReconcileTicks.WithLabelValues("ok").Inc()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if err := r.sweepLostNodes(); err != nil {
		combined = multierr.Append(combined, err)
	}
	return combined
}

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

package reconciler

import (
	"context"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/connection"
	"github.com/podforge/podforge/pkg/state"
)

// reconcileService brings one service's observed pod set toward its
// desired replica count, pushes deploy commands for pods still awaiting
// one, and advances any in-flight rolling update (spec §4.4 steps 1-3, 6).
func (r *Reconciler) reconcileService(ctx context.Context, svc *v1alpha1.Service) error {
	// PodsByPackName already excludes terminal pods.
	observed := filterByService(r.store.PodsByPackName(svc.PackName), svc.ID)

	desired := svc.Replicas
	if desired == 0 {
		pack, err := r.store.GetPackByVersion(svc.PackName, svc.PackVersion)
		if err == nil {
			desired = len(r.store.CompatibleSchedulableNodes(pack.RuntimeTag))
		}
	}

	diff := desired - len(observed)
	switch {
	case diff > 0:
		for i := 0; i < diff; i++ {
			r.createAndPlace(ctx, svc)
		}
	case diff < 0:
		victims := selectScaleDownVictims(observed, svc.PackVersion, -diff)
		for _, p := range victims {
			r.retirePod(ctx, p, "scale_down")
		}
	}

	for _, p := range observed {
		if p.Status == v1alpha1.PodScheduled {
			r.deploy(ctx, p)
		}
	}

	r.advanceRollingUpdate(ctx, svc, observed, desired)

	ready, available, updated := observeCounts(observed, svc.PackVersion)
	settled := len(observed) == desired && updated == len(observed) && ready == desired
	return r.store.UpdateServiceObserved(svc.ID, ready, available, updated, settled)
}

func filterByService(pods []*v1alpha1.Pod, serviceID string) []*v1alpha1.Pod {
	out := make([]*v1alpha1.Pod, 0, len(pods))
	for _, p := range pods {
		if p.ServiceID == serviceID {
			out = append(out, p)
		}
	}
	return out
}

func observeCounts(pods []*v1alpha1.Pod, targetVersion string) (ready, available, updated int) {
	for _, p := range pods {
		upToDate := p.PackVersion == targetVersion
		if upToDate {
			updated++
		}
		if p.Status == v1alpha1.PodRunning {
			ready++
			if upToDate {
				available++
			}
		}
	}
	return ready, available, updated
}

// createAndPlace admits a new pending pod against the service's current
// target pack version and attempts placement, pushing its deploy command
// once placed and counting toward the bounded unscheduled-attempts limit on
// failure (spec §4.4 step 4).
func (r *Reconciler) createAndPlace(ctx context.Context, svc *v1alpha1.Service) {
	pack, err := r.store.GetPackByVersion(svc.PackName, svc.PackVersion)
	if err != nil {
		r.logger.Error(err, "target pack missing", "service", svc.ID)
		return
	}

	pod, err := r.store.CreatePod(state.PodSpec{
		PackID:            pack.ID,
		Namespace:         svc.Namespace,
		ServiceID:         svc.ID,
		PriorityClassName: svc.Template.PriorityClassName,
		ResourceRequests:  svc.Template.ResourceRequests,
		ResourceLimits:    svc.Template.ResourceLimits,
		Labels:            svc.Template.Labels,
		Tolerations:       svc.Template.Tolerations,
		NodeSelector:      svc.Template.NodeSelector,
		CreatedBy:         "reconciler",
	})
	if err != nil {
		r.logger.Error(err, "failed to admit replacement pod", "service", svc.ID)
		return
	}

	scheduled, err := r.placer.Schedule(ctx, pod.ID)
	if err != nil {
		attempts, incErr := r.store.IncrementUnscheduledAttempts(pod.ID)
		if incErr != nil {
			return
		}
		if r.settings.MaxScheduleAttempts > 0 && attempts >= r.settings.MaxScheduleAttempts {
			if _, failErr := r.store.FailUnschedulablePod(pod.ID); failErr != nil {
				r.logger.Error(failErr, "failed to mark pod unschedulable", "pod", pod.ID)
			}
		}
		return
	}
	r.deploy(ctx, scheduled)
}

// deploy pushes the pod:deploy command for a pod that has been scheduled
// but has not yet been observed starting. Sending it again on every tick
// before the node acknowledges is harmless; the node-side apply is
// idempotent by podId.
func (r *Reconciler) deploy(ctx context.Context, pod *v1alpha1.Pod) {
	pack, err := r.store.GetPack(pod.PackID)
	if err != nil {
		r.logger.Error(err, "pack missing for scheduled pod", "pod", pod.ID)
		return
	}
	data, err := r.bundles.Resolve(ctx, pack)
	if err != nil {
		r.logger.Info("bundle not yet available, will retry next tick", "pod", pod.ID, "error", err.Error())
		return
	}
	payload := connection.DeployPodPayload{
		PodID: pod.ID,
		Pack: connection.DeployPackRef{
			ID:          pack.ID,
			Version:     pack.Version,
			BundleBytes: data,
			Entrypoint:  pack.Metadata.Entrypoint,
		},
		Env:     pack.Metadata.DefaultEnv,
		Timeout: pack.Metadata.Timeout,
	}
	if err := r.dispatcher.DeployPod(ctx, pod.NodeID, payload); err != nil {
		r.logger.Info("deploy dispatch failed, will retry next tick", "pod", pod.ID, "error", err.Error())
	}
}

// retirePod removes or evicts a pod depending on how far it has progressed,
// per the lifecycle state machine: pending pods have no node allocation
// and are deleted outright; scheduled/starting pods are evicted; a
// running pod is stopped gracefully and reaches stopped once the node
// acknowledges.
func (r *Reconciler) retirePod(ctx context.Context, pod *v1alpha1.Pod, reason string) {
	switch pod.Status {
	case v1alpha1.PodPending:
		if err := r.store.DeletePod(pod.ID); err != nil {
			r.logger.Error(err, "failed to delete pending pod", "pod", pod.ID)
		}
	case v1alpha1.PodScheduled, v1alpha1.PodStarting:
		if _, err := r.store.TransitionPod(pod.ID, state.ActionEvict, reason); err != nil {
			r.logger.Error(err, "failed to evict pod", "pod", pod.ID)
		}
	case v1alpha1.PodRunning:
		if err := r.dispatcher.StopPod(ctx, pod.NodeID, pod.ID, reason); err != nil {
			r.logger.Info("stop dispatch failed", "pod", pod.ID, "error", err.Error())
		}
		if _, err := r.store.TransitionPod(pod.ID, state.ActionStop, reason); err != nil {
			r.logger.Error(err, "failed to transition pod to stopping", "pod", pod.ID)
		}
	}
}

// selectScaleDownVictims picks n pods to retire when desired shrinks,
// preferring out-of-date replicas first, then lowest priority, then the
// pod created most recently, so a scale-down during a rollout also makes
// progress on the rollout.
func selectScaleDownVictims(pods []*v1alpha1.Pod, targetVersion string, n int) []*v1alpha1.Pod {
	ranked := append([]*v1alpha1.Pod(nil), pods...)
	rankLess := func(a, b *v1alpha1.Pod) bool {
		aStale, bStale := a.PackVersion != targetVersion, b.PackVersion != targetVersion
		if aStale != bStale {
			return aStale
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreatedAt.After(b.CreatedAt)
	}
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && rankLess(ranked[j], ranked[j-1]); j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

// sweepLostNodes evicts every non-terminal pod stranded on a node that has
// gone offline or is draining, so the reconciler replaces them elsewhere
// (spec §4.4 step 5).
func (r *Reconciler) sweepLostNodes() error {
	for _, n := range r.store.NodesList() {
		if n.Status != v1alpha1.NodeOffline && n.Status != v1alpha1.NodeDraining {
			continue
		}
		for _, p := range r.store.PodsByNode(n.ID) {
			if p.Status.Terminal() {
				continue
			}
			if _, err := r.store.TransitionPod(p.ID, state.ActionEvict, "NODE_LOST"); err != nil {
				r.logger.Error(err, "failed to evict pod from lost node", "pod", p.ID, "node", n.ID)
			}
		}
	}
	return nil
}

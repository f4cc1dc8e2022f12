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

// Package scheduler drives a pending pod through placement: filter
// candidate nodes, score survivors, commit atomically with bounded retry,
// and — when enabled — preempt lower-priority pods to make room (spec
// §4.3). It also owns the rollback operation.
package scheduler

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/config"
	"github.com/podforge/podforge/pkg/metrics"
	"github.com/podforge/podforge/pkg/state"
)

// Policy selects the scoring strategy (spec §4.3 step 2).
type Policy string

const (
	PolicySpread  Policy = "spread"
	PolicyBinpack Policy = "binpack"
)

// Dispatcher delivers a pod:stop command to a node's session. The scheduler depends on it only as an interface: the
// connection manager supplies the concrete implementation, keeping the
// scheduler free of any transport concern.
type Dispatcher interface {
	StopPod(ctx context.Context, nodeID, podID, reason string) error
}

// Scheduler is stateless beyond its dependencies: every decision reads a
// fresh snapshot from the store and commits back through it.
type Scheduler struct {
	store      *state.Store
	dispatcher Dispatcher
	settings   config.Settings
	policy     Policy
	logger     logr.Logger
}

// New constructs a Scheduler. dispatcher may be nil in tests that never
// exercise preemption.
func New(store *state.Store, dispatcher Dispatcher, settings config.Settings, policy Policy, logger logr.Logger) *Scheduler {
	if policy == "" {
		policy = PolicySpread
	}
	return &Scheduler{store: store, dispatcher: dispatcher, settings: settings, policy: policy, logger: logger}
}

// Schedule places a single pending pod, per spec §4.3. On success the pod
// is left in the scheduled state. NO_COMPATIBLE_NODES is returned both when
// filtering leaves nothing and when preemption cannot free enough room.
func (sch *Scheduler) Schedule(ctx context.Context, podID string) (*v1alpha1.Pod, error) {
	pod, err := sch.store.GetPod(podID)
	if err != nil {
		return nil, err
	}
	if pod.Status != v1alpha1.PodPending {
		return nil, v1alpha1.New(v1alpha1.CodeInvalidState, "pod %s is not pending", podID)
	}

	pack, err := sch.store.GetPack(pod.PackID)
	if err != nil {
		return nil, err
	}

	nodes := sch.store.SchedulableNodes()
	candidates := filter(nodes, pod, pack.RuntimeTag)
	if len(candidates) == 0 {
		if sch.settings.PreemptionEnabled {
			if scheduled, err := sch.tryPreempt(ctx, pod, pack.RuntimeTag, nodes); err == nil {
				metrics.SchedulingAttempts.WithLabelValues("preempted").Inc()
				return scheduled, nil
			}
		}
		metrics.SchedulingAttempts.WithLabelValues("no_compatible_nodes").Inc()
		return nil, v1alpha1.New(v1alpha1.CodeNoCompatibleNodes, "no node satisfies pod %s", podID)
	}

	scored := score(candidates, sch.policy)
	scheduled, err := sch.commit(pod, pack.RuntimeTag, scored)
	if err != nil {
		metrics.SchedulingAttempts.WithLabelValues("commit_failed").Inc()
		return nil, err
	}
	metrics.SchedulingAttempts.WithLabelValues("scheduled").Inc()
	return scheduled, nil
}

// commit retries up to SchedulerCommitRetries times, re-scoring against a
// fresh node snapshot each time, so that a concurrent placement losing the
// resource race does not fail the whole Schedule call outright (spec §4.3
// step 3).
func (sch *Scheduler) commit(pod *v1alpha1.Pod, runtimeTag v1alpha1.RuntimeTag, scored []scoredNode) (*v1alpha1.Pod, error) {
	attempts := sch.settings.SchedulerCommitRetries
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		for _, candidate := range scored {
			scheduled, err := sch.store.SchedulePod(pod.ID, candidate.node.ID, pod.ResourceRequests)
			if err == nil {
				return scheduled, nil
			}
			lastErr = err
			if !v1alpha1.Is(err, v1alpha1.CodeInsufficientResources) {
				return nil, err
			}
		}
		// Resource landscape moved under us; re-filter before retrying.
		nodes := sch.store.SchedulableNodes()
		candidates := filter(nodes, pod, runtimeTag)
		if len(candidates) == 0 {
			return nil, v1alpha1.New(v1alpha1.CodeNoCompatibleNodes, "no node satisfies pod %s", pod.ID)
		}
		scored = score(candidates, sch.policy)
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, v1alpha1.New(v1alpha1.CodeNoCompatibleNodes, "no node satisfies pod %s", pod.ID)
}

// Rollback validates and then performs a pod rollback to a different pack
// version of the same name (spec §4.3 Rollback).
func (sch *Scheduler) Rollback(podID, targetVersion string) (*v1alpha1.Pod, error) {
	pod, err := sch.store.GetPod(podID)
	if err != nil {
		return nil, err
	}
	switch pod.Status {
	case v1alpha1.PodScheduled, v1alpha1.PodStarting, v1alpha1.PodRunning:
	default:
		return nil, v1alpha1.New(v1alpha1.CodeInvalidState, "pod %s is not in a rollback-eligible state", podID)
	}
	if pod.PackVersion == targetVersion {
		return nil, v1alpha1.New(v1alpha1.CodeSameVersion, "pod %s is already at version %s", podID, targetVersion)
	}
	targetPack, err := sch.store.GetPackByVersion(pod.PackName, targetVersion)
	if err != nil {
		return nil, v1alpha1.New(v1alpha1.CodeVersionNotFound, "pack %s@%s not found", pod.PackName, targetVersion)
	}
	if pod.NodeID != "" {
		node, err := sch.store.GetNode(pod.NodeID)
		if err != nil {
			return nil, err
		}
		if !targetPack.RuntimeTag.Compatible(node.RuntimeKind) {
			return nil, v1alpha1.New(v1alpha1.CodeRuntimeMismatch, "pack %s@%s incompatible with node %s", pod.PackName, targetVersion, node.ID)
		}
	}
	return sch.store.RollbackPod(podID, targetPack.ID, targetPack.Version)
}

// filter applies every hard constraint from spec §4.3 step 1.
func filter(nodes []*v1alpha1.Node, pod *v1alpha1.Pod, runtimeTag v1alpha1.RuntimeTag) []*v1alpha1.Node {
	return lo.Filter(nodes, func(n *v1alpha1.Node, _ int) bool {
		return runtimeTag.Compatible(n.RuntimeKind) &&
			matchesSelector(n, pod) &&
			tolerates(n, pod) &&
			fitsResources(n, pod) &&
			n.FreePodSlot()
	})
}

func matchesSelector(n *v1alpha1.Node, pod *v1alpha1.Pod) bool {
	for k, v := range pod.NodeSelector {
		if n.Labels[k] != v {
			return false
		}
	}
	return true
}

func tolerates(n *v1alpha1.Node, pod *v1alpha1.Pod) bool {
	for _, taint := range n.Taints {
		if taint.Effect != v1alpha1.TaintEffectNoSchedule {
			continue
		}
		tolerated := lo.SomeBy(pod.Tolerations, func(t v1alpha1.Toleration) bool {
			return t.Tolerates(taint)
		})
		if !tolerated {
			return false
		}
	}
	return true
}

func fitsResources(n *v1alpha1.Node, pod *v1alpha1.Pod) bool {
	projected := n.Allocated.Add(pod.ResourceRequests)
	return projected.FitsIn(n.Allocatable)
}

type scoredNode struct {
	node  *v1alpha1.Node
	score float64
}

// score orders candidates by the configured policy, ties broken by node id
// for determinism (spec §4.3 step 2).
func score(candidates []*v1alpha1.Node, policy Policy) []scoredNode {
	scored := lo.Map(candidates, func(n *v1alpha1.Node, _ int) scoredNode {
		return scoredNode{node: n, score: scoreOne(n, policy)}
	})
	// higher score wins for both policies, as defined by scoreOne.
	for i := 1; i < len(scored); i++ {
		j := i
		for j > 0 && less(scored[j], scored[j-1]) {
			scored[j], scored[j-1] = scored[j-1], scored[j]
			j--
		}
	}
	return scored
}

func less(a, b scoredNode) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.node.ID < b.node.ID
}

func scoreOne(n *v1alpha1.Node, policy Policy) float64 {
	podCount := n.Allocated[v1alpha1.ResourcePods]
	switch policy {
	case PolicyBinpack:
		return podCount.AsApproximateFloat64()
	case PolicySpread:
		fallthrough
	default:
		return -podCount.AsApproximateFloat64()
	}
}

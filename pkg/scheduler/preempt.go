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

package scheduler

import (
	"context"
	"sort"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/metrics"
	"github.com/podforge/podforge/pkg/state"
)

// tryPreempt looks for a node where evicting some set of lower-priority
// pods would free enough room for pod, minimizing (eviction count, summed
// priority) as the tie-break order, per spec §4.3 Preemption.
func (sch *Scheduler) tryPreempt(ctx context.Context, pod *v1alpha1.Pod, runtimeTag v1alpha1.RuntimeTag, nodes []*v1alpha1.Node) (*v1alpha1.Pod, error) {
	var bestNode *v1alpha1.Node
	var bestVictims []*v1alpha1.Pod
	bestCost := -1
	bestPrioritySum := 0

	for _, n := range nodes {
		if !runtimeTag.Compatible(n.RuntimeKind) || n.Unschedulable {
			continue
		}
		if n.Status != v1alpha1.NodeOnline {
			continue
		}
		victims := sch.selectVictims(n, pod)
		if victims == nil {
			continue
		}
		cost := len(victims)
		prioritySum := 0
		for _, v := range victims {
			prioritySum += v.Priority
		}
		if bestNode == nil || cost < bestCost || (cost == bestCost && prioritySum < bestPrioritySum) {
			bestNode, bestVictims, bestCost, bestPrioritySum = n, victims, cost, prioritySum
		}
	}
	if bestNode == nil {
		return nil, v1alpha1.New(v1alpha1.CodeNoCompatibleNodes, "preemption found no viable node for pod %s", pod.ID)
	}

	for _, victim := range bestVictims {
		if sch.dispatcher != nil {
			_ = sch.dispatcher.StopPod(ctx, bestNode.ID, victim.ID, "preempted")
		}
		if _, err := sch.store.TransitionPod(victim.ID, state.ActionEvict, "preempted by higher-priority pod"); err != nil {
			return nil, err
		}
		metrics.PreemptionEvictions.Inc()
	}
	return sch.store.SchedulePod(pod.ID, bestNode.ID, pod.ResourceRequests)
}

// selectVictims takes lower-priority pods on n in ascending priority order
// (ties by pod ID) until evicting them would let pod fit, and returns that
// prefix, or nil if even evicting every lower-priority pod is not enough.
// The result is not necessarily the smallest set that would free room.
func (sch *Scheduler) selectVictims(n *v1alpha1.Node, pod *v1alpha1.Pod) []*v1alpha1.Pod {
	candidates := sch.store.PodsByNode(n.ID)
	var lowerPriority []*v1alpha1.Pod
	for _, p := range candidates {
		if p.Status.Terminal() || p.Priority >= pod.Priority {
			continue
		}
		lowerPriority = append(lowerPriority, p)
	}
	if len(lowerPriority) == 0 {
		return nil
	}
	// Evict lowest priority first, ties by pod ID.
	sort.Slice(lowerPriority, func(i, j int) bool {
		if lowerPriority[i].Priority != lowerPriority[j].Priority {
			return lowerPriority[i].Priority < lowerPriority[j].Priority
		}
		return lowerPriority[i].ID < lowerPriority[j].ID
	})

	freed := n.Allocated.DeepCopy()
	var victims []*v1alpha1.Pod
	for _, p := range lowerPriority {
		victims = append(victims, p)
		freed = freed.Sub(p.ResourceRequests)
		projected := freed.Add(pod.ResourceRequests)
		if projected.FitsIn(n.Allocatable) {
			return victims
		}
	}
	return nil
}

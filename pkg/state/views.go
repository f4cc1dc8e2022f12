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

package state

import (
	"sort"

	"github.com/samber/lo"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
)

// NodesList returns a consistent snapshot of every node, per spec §4.1's
// reactive view contract: each mutation produces a consistent snapshot
// before any view recomputes.
func (s *Store) NodesList() []*v1alpha1.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1alpha1.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		clone := *n
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SchedulableNodes returns nodes eligible to receive new pods: online and
// not unschedulable.
func (s *Store) SchedulableNodes() []*v1alpha1.Node {
	return lo.Filter(s.NodesList(), func(n *v1alpha1.Node, _ int) bool {
		return n.Schedulable()
	})
}

// CompatibleSchedulableNodes narrows SchedulableNodes to those whose
// runtime kind a pack with runtimeTag may use, for daemon-mode replica
// count computation (spec §3).
func (s *Store) CompatibleSchedulableNodes(runtimeTag v1alpha1.RuntimeTag) []*v1alpha1.Node {
	return lo.Filter(s.SchedulableNodes(), func(n *v1alpha1.Node, _ int) bool {
		return runtimeTag.Compatible(n.RuntimeKind)
	})
}

// PendingPodsByPriority returns every pending pod, highest priority first,
// ties broken by creation time then id for determinism.
func (s *Store) PendingPodsByPriority() []*v1alpha1.Pod {
	s.mu.RLock()
	var pending []*v1alpha1.Pod
	for _, p := range s.pods {
		if p.Status == v1alpha1.PodPending {
			clone := *p
			pending = append(pending, &clone)
		}
	}
	s.mu.RUnlock()
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending
}

// PodsByNode returns every non-deleted pod currently assigned to nodeID.
func (s *Store) PodsByNode(nodeID string) []*v1alpha1.Pod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1alpha1.Pod
	for _, p := range s.pods {
		if p.NodeID == nodeID {
			clone := *p
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PodsByPackName returns every non-terminal pod whose pack name matches,
// across all versions — the observed set the reconciler compares against
// a service's desired replicas (spec §4.4 step 2).
func (s *Store) PodsByPackName(packName string) []*v1alpha1.Pod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*v1alpha1.Pod
	for _, p := range s.pods {
		if p.PackName == packName && !p.Status.Terminal() {
			clone := *p
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ServicesList returns every service in an unspecified-but-stable order.
func (s *Store) ServicesList() []*v1alpha1.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*v1alpha1.Service, 0, len(s.services))
	for _, svc := range s.services {
		clone := *svc
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

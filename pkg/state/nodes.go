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
	"time"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
)

// NodeSpec describes a node being registered for the first time.
type NodeSpec struct {
	Name           string
	RuntimeKind    v1alpha1.RuntimeTag
	CapabilityTags []string
	Labels         map[string]string
	Taints         []v1alpha1.Taint
	Allocatable    v1alpha1.ResourceList
	ConnectionID   string
}

// AddNode registers a new node. Fails NAME_TAKEN on duplicate name.
func (s *Store) AddNode(spec NodeSpec) (*v1alpha1.Node, error) {
	s.mu.Lock()
	if _, exists := s.nodeNames[spec.Name]; exists {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeNameTaken, "node name %q already registered", spec.Name)
	}
	node := &v1alpha1.Node{
		ID:              newID(),
		Name:            spec.Name,
		RuntimeKind:     spec.RuntimeKind,
		CapabilityTags:  spec.CapabilityTags,
		Labels:          copyStringMap(spec.Labels),
		Taints:          append([]v1alpha1.Taint(nil), spec.Taints...),
		Allocatable:     spec.Allocatable.DeepCopy(),
		Allocated:       v1alpha1.ResourceList{},
		Status:          v1alpha1.NodeOnline,
		LastHeartbeatAt: time.Now(),
		ConnectionID:    spec.ConnectionID,
		CreatedAt:       time.Now(),
	}
	s.nodes[node.ID] = node
	s.nodeNames[node.Name] = node.ID
	s.mu.Unlock()
	s.notify(EventNode, node.ID)
	return node, nil
}

// ProcessHeartbeat bumps lastHeartbeatAt and, if the node had been marked
// unhealthy, transitions it back to online (spec §4.1, §4.2 liveness).
func (s *Store) ProcessHeartbeat(nodeID string, allocated v1alpha1.ResourceList, timestamp time.Time) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodeNodeNotFound, "node %s not found", nodeID)
	}
	node.LastHeartbeatAt = timestamp
	if allocated != nil {
		node.Allocated = allocated.DeepCopy()
	}
	if node.Status == v1alpha1.NodeUnhealthy {
		node.Status = v1alpha1.NodeOnline
	}
	s.mu.Unlock()
	s.notify(EventNode, nodeID)
	return nil
}

// SetNodeStatus transitions a node's status directly (used by the
// connection manager's liveness timers; the reconciler's node-lost sweep
// reads the resulting status).
func (s *Store) SetNodeStatus(nodeID string, status v1alpha1.NodeStatus) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodeNodeNotFound, "node %s not found", nodeID)
	}
	node.Status = status
	s.mu.Unlock()
	s.notify(EventNode, nodeID)
	return nil
}

// DrainNode marks a node draining and unschedulable: it receives no new
// placements, and the reconciler's lost-node sweep evicts the non-terminal
// pods still on it.
func (s *Store) DrainNode(nodeID string) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodeNodeNotFound, "node %s not found", nodeID)
	}
	node.Status = v1alpha1.NodeDraining
	node.Unschedulable = true
	s.mu.Unlock()
	s.notify(EventNode, nodeID)
	return nil
}

// UncordonNode clears the unschedulable flag, typically after a drain was
// cancelled.
func (s *Store) UncordonNode(nodeID string) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodeNodeNotFound, "node %s not found", nodeID)
	}
	node.Unschedulable = false
	if node.Status == v1alpha1.NodeDraining {
		node.Status = v1alpha1.NodeOnline
	}
	s.mu.Unlock()
	s.notify(EventNode, nodeID)
	return nil
}

// AddNodeTaint and RemoveNodeTaint round out the node mutation contract the
// scheduler's filtering step (spec §4.3) depends on; the base store
// contract in spec §4.1 names taints as a node attribute but not their
// mutator (SPEC_FULL EXPANSION C.3).
func (s *Store) AddNodeTaint(nodeID string, taint v1alpha1.Taint) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodeNodeNotFound, "node %s not found", nodeID)
	}
	node.Taints = append(node.Taints, taint)
	s.mu.Unlock()
	s.notify(EventNode, nodeID)
	return nil
}

func (s *Store) RemoveNodeTaint(nodeID, key string) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodeNodeNotFound, "node %s not found", nodeID)
	}
	filtered := node.Taints[:0]
	for _, t := range node.Taints {
		if t.Key != key {
			filtered = append(filtered, t)
		}
	}
	node.Taints = filtered
	s.mu.Unlock()
	s.notify(EventNode, nodeID)
	return nil
}

// GetNode returns a deep-copied snapshot of the node, safe for the caller
// to mutate.
func (s *Store) GetNode(nodeID string) (*v1alpha1.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, v1alpha1.New(v1alpha1.CodeNodeNotFound, "node %s not found", nodeID)
	}
	clone := *node
	clone.Labels = copyStringMap(node.Labels)
	clone.Taints = append([]v1alpha1.Taint(nil), node.Taints...)
	clone.Allocatable = node.Allocatable.DeepCopy()
	clone.Allocated = node.Allocated.DeepCopy()
	return &clone, nil
}

// DeleteNode removes a node. Fails if any pod still references it (spec §3
// invariant: "a pod on node n ⇔ pod.nodeId = n").
func (s *Store) DeleteNode(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return v1alpha1.New(v1alpha1.CodeNodeNotFound, "node %s not found", nodeID)
	}
	for _, pod := range s.pods {
		if pod.NodeID == nodeID && !pod.Status.Terminal() {
			return v1alpha1.New(v1alpha1.CodeInvalidState, "node %s still has pod %s", nodeID, pod.ID)
		}
	}
	delete(s.nodes, nodeID)
	delete(s.nodeNames, node.Name)
	return nil
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

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

// PodSpec describes a pod being created.
type PodSpec struct {
	PackID            string
	Namespace         string
	ServiceID         string
	Priority          int
	PriorityClassName string
	ResourceRequests  v1alpha1.ResourceList
	ResourceLimits    v1alpha1.ResourceList
	Labels            map[string]string
	Tolerations       []v1alpha1.Toleration
	NodeSelector      map[string]string
	CreatedBy         string
}

// CreatePod admits a new pod in the pending state. Fails PACK_NOT_FOUND,
// NAMESPACE_MISSING or QUOTA_EXCEEDED.
func (s *Store) CreatePod(spec PodSpec) (*v1alpha1.Pod, error) {
	s.mu.Lock()
	pack, ok := s.packs[spec.PackID]
	if !ok {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodePackNotFound, "pack %s not found", spec.PackID)
	}
	namespace := spec.Namespace
	if namespace == "" {
		namespace = "default"
	}
	if err := s.checkAndReserveQuotaLocked(namespace, spec.ResourceRequests); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	priority := spec.Priority
	if spec.PriorityClassName != "" {
		if pc, ok := s.priorityClasses[spec.PriorityClassName]; ok {
			priority = pc.Value
		}
	}
	pod := &v1alpha1.Pod{
		ID:                newID(),
		PackID:            pack.ID,
		PackVersion:       pack.Version,
		PackName:          pack.Name,
		Namespace:         namespace,
		ServiceID:         spec.ServiceID,
		Status:            v1alpha1.PodPending,
		Priority:          priority,
		PriorityClassName: spec.PriorityClassName,
		ResourceRequests:  spec.ResourceRequests.DeepCopy(),
		ResourceLimits:    spec.ResourceLimits.DeepCopy(),
		Labels:            copyStringMap(spec.Labels),
		Tolerations:       append([]v1alpha1.Toleration(nil), spec.Tolerations...),
		NodeSelector:      copyStringMap(spec.NodeSelector),
		CreatedBy:         spec.CreatedBy,
		CreatedAt:         time.Now(),
	}
	s.pods[pod.ID] = pod
	s.appendHistoryLocked(pod.ID, v1alpha1.HistoryCreated, "", v1alpha1.PodPending, nil)
	s.mu.Unlock()
	s.notify(EventPod, pod.ID)
	return pod, nil
}

// SchedulePod atomically assigns nodeID to podID, increments the node's
// allocated resources, and transitions the pod to scheduled. Fails
// INSUFFICIENT_RESOURCES if the atomic check fails at commit time.
func (s *Store) SchedulePod(podID, nodeID string, resources v1alpha1.ResourceList) (*v1alpha1.Pod, error) {
	s.mu.Lock()
	pod, ok := s.pods[podID]
	if !ok {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodePodNotFound, "pod %s not found", podID)
	}
	if pod.Status != v1alpha1.PodPending {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeInvalidState, "pod %s is not pending", podID)
	}
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeNodeNotFound, "node %s not found", nodeID)
	}
	withPodSlot := node.Allocated.Add(resources)
	withPodSlot[v1alpha1.ResourcePods] = incremented(node.Allocated[v1alpha1.ResourcePods])
	if !withPodSlot.FitsIn(node.Allocatable) {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeInsufficientResources, "node %s cannot fit pod %s", nodeID, podID)
	}
	node.Allocated = withPodSlot
	pod.NodeID = nodeID
	pod.Status = v1alpha1.PodScheduled
	pod.ScheduledAt = time.Now()
	s.appendHistoryLocked(podID, v1alpha1.HistoryScheduled, v1alpha1.PodPending, v1alpha1.PodScheduled, map[string]string{"nodeId": nodeID})
	clone := *pod
	s.mu.Unlock()
	s.notify(EventPod, podID)
	s.notify(EventNode, nodeID)
	return &clone, nil
}

// Action is a pod lifecycle transition trigger (spec §4.3 state machine).
type Action string

const (
	ActionStart        Action = "start"
	ActionRun          Action = "run"
	ActionFail         Action = "fail"
	ActionEvict        Action = "evict"
	ActionStop         Action = "stop"
	ActionStopComplete Action = "stop_complete"
)

var transitionTable = map[v1alpha1.PodStatus]map[Action]v1alpha1.PodStatus{
	v1alpha1.PodScheduled: {ActionStart: v1alpha1.PodStarting, ActionEvict: v1alpha1.PodEvicted},
	v1alpha1.PodStarting:  {ActionRun: v1alpha1.PodRunning, ActionFail: v1alpha1.PodFailed, ActionEvict: v1alpha1.PodEvicted},
	v1alpha1.PodRunning:   {ActionStop: v1alpha1.PodStopping, ActionFail: v1alpha1.PodFailed, ActionEvict: v1alpha1.PodEvicted},
	v1alpha1.PodStopping:  {ActionStopComplete: v1alpha1.PodStopped},
}

var historyForAction = map[Action]v1alpha1.HistoryAction{
	ActionStart:        v1alpha1.HistoryStarted,
	ActionRun:          v1alpha1.HistoryRunning,
	ActionFail:         v1alpha1.HistoryFailed,
	ActionEvict:        v1alpha1.HistoryEvicted,
	ActionStop:         v1alpha1.HistoryStopped,
	ActionStopComplete: v1alpha1.HistoryStopped,
}

// TransitionPod drives the pod state machine forward one step. Terminal
// states {stopped, failed, evicted} are sinks — no action is valid from
// them. statusMessage should capture the triggering error, per spec §7.
func (s *Store) TransitionPod(podID string, action Action, statusMessage string) (*v1alpha1.Pod, error) {
	s.mu.Lock()
	pod, ok := s.pods[podID]
	if !ok {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodePodNotFound, "pod %s not found", podID)
	}
	if pod.Status.Terminal() {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeInvalidStatusTransition, "pod %s is terminal (%s)", podID, pod.Status)
	}
	transitions, ok := transitionTable[pod.Status]
	if !ok {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeInvalidStatusTransition, "pod %s has no transitions from %s", podID, pod.Status)
	}
	newStatus, ok := transitions[action]
	if !ok {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeInvalidStatusTransition, "action %s invalid from %s", action, pod.Status)
	}
	previous := pod.Status
	pod.Status = newStatus
	pod.StatusMessage = statusMessage
	now := time.Now()
	switch newStatus {
	case v1alpha1.PodRunning:
		pod.StartedAt = now
	case v1alpha1.PodStopped, v1alpha1.PodFailed, v1alpha1.PodEvicted:
		pod.StoppedAt = now
		s.releaseNodeResourcesLocked(pod)
		s.releaseQuotaLocked(pod.Namespace, pod.ResourceRequests)
	}
	s.appendHistoryLocked(podID, historyForAction[action], previous, newStatus, nil)
	clone := *pod
	nodeID := pod.NodeID
	s.mu.Unlock()
	s.notify(EventPod, podID)
	if nodeID != "" {
		s.notify(EventNode, nodeID)
	}
	return &clone, nil
}

// releaseNodeResourcesLocked gives back a pod's resource footprint (and pod
// slot) to its node. Caller must hold s.mu.
func (s *Store) releaseNodeResourcesLocked(pod *v1alpha1.Pod) {
	if pod.NodeID == "" {
		return
	}
	node, ok := s.nodes[pod.NodeID]
	if !ok {
		return
	}
	released := node.Allocated.Sub(pod.ResourceRequests)
	released[v1alpha1.ResourcePods] = decremented(released[v1alpha1.ResourcePods])
	node.Allocated = released
}

// RollbackPod updates a pod's packId/packVersion in place without
// rescheduling, appending a rolled_back history entry (spec §4.3
// Rollback). Eligibility (status, version existence, runtime compatibility)
// is validated by the scheduler before calling this primitive.
func (s *Store) RollbackPod(podID, packID, packVersion string) (*v1alpha1.Pod, error) {
	s.mu.Lock()
	pod, ok := s.pods[podID]
	if !ok {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodePodNotFound, "pod %s not found", podID)
	}
	pod.PackID = packID
	pod.PackVersion = packVersion
	s.appendHistoryLocked(podID, v1alpha1.HistoryRolledBack, pod.Status, pod.Status, map[string]string{"packVersion": packVersion})
	clone := *pod
	s.mu.Unlock()
	s.notify(EventPod, podID)
	return &clone, nil
}

// DeletePod removes a pending pod outright (spec's "pending --delete-->
// (removed)" transition is entity removal, not a status change).
func (s *Store) DeletePod(podID string) error {
	s.mu.Lock()
	pod, ok := s.pods[podID]
	if !ok {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodePodNotFound, "pod %s not found", podID)
	}
	if pod.Status != v1alpha1.PodPending {
		s.mu.Unlock()
		return v1alpha1.New(v1alpha1.CodeInvalidState, "pod %s is not pending", podID)
	}
	s.releaseQuotaLocked(pod.Namespace, pod.ResourceRequests)
	delete(s.pods, podID)
	delete(s.history, podID)
	s.mu.Unlock()
	s.notify(EventPod, podID)
	return nil
}

// IncrementUnscheduledAttempts bumps a pending pod's retry counter,
// returning the new count (spec §4.4 step 4).
func (s *Store) IncrementUnscheduledAttempts(podID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pod, ok := s.pods[podID]
	if !ok {
		return 0, v1alpha1.New(v1alpha1.CodePodNotFound, "pod %s not found", podID)
	}
	pod.UnscheduledAttempts++
	return pod.UnscheduledAttempts, nil
}

// FailUnschedulablePod marks a pod that exhausted its placement attempts
// while still pending as failed with reason UNSCHEDULABLE (spec §4.4 step
// 4). Pending pods hold no node allocation, only namespace quota.
func (s *Store) FailUnschedulablePod(podID string) (*v1alpha1.Pod, error) {
	s.mu.Lock()
	pod, ok := s.pods[podID]
	if !ok {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodePodNotFound, "pod %s not found", podID)
	}
	if pod.Status != v1alpha1.PodPending {
		s.mu.Unlock()
		return nil, v1alpha1.New(v1alpha1.CodeInvalidState, "pod %s is not pending", podID)
	}
	previous := pod.Status
	pod.Status = v1alpha1.PodFailed
	pod.StatusMessage = "UNSCHEDULABLE"
	pod.StoppedAt = time.Now()
	s.releaseQuotaLocked(pod.Namespace, pod.ResourceRequests)
	s.appendHistoryLocked(podID, v1alpha1.HistoryFailed, previous, v1alpha1.PodFailed, map[string]string{"reason": "UNSCHEDULABLE"})
	clone := *pod
	s.mu.Unlock()
	s.notify(EventPod, podID)
	return &clone, nil
}

// GetPod returns a pod snapshot.
func (s *Store) GetPod(podID string) (*v1alpha1.Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pod, ok := s.pods[podID]
	if !ok {
		return nil, v1alpha1.New(v1alpha1.CodePodNotFound, "pod %s not found", podID)
	}
	clone := *pod
	clone.ResourceRequests = pod.ResourceRequests.DeepCopy()
	clone.ResourceLimits = pod.ResourceLimits.DeepCopy()
	clone.Labels = copyStringMap(pod.Labels)
	clone.Tolerations = append([]v1alpha1.Toleration(nil), pod.Tolerations...)
	clone.NodeSelector = copyStringMap(pod.NodeSelector)
	return &clone, nil
}

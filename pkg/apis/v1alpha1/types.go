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

// Package v1alpha1 holds the entity types shared by every control plane
// component: nodes, packs, pods, services, namespaces, priority classes and
// pod history. All inter-entity relations are by id; no type in this
// package holds a pointer to another entity.
package v1alpha1

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// RuntimeTag identifies which node runtime a pack requires.
type RuntimeTag string

const (
	RuntimeN         RuntimeTag = "N-runtime"
	RuntimeB         RuntimeTag = "B-runtime"
	RuntimeUniversal RuntimeTag = "universal"
)

// Compatible reports whether a pack with this runtime tag may run on a node
// of the given runtime kind.
func (t RuntimeTag) Compatible(nodeKind RuntimeTag) bool {
	return t == RuntimeUniversal || t == nodeKind
}

// NodeStatus is the lifecycle status of a registered node.
type NodeStatus string

const (
	NodeOnline    NodeStatus = "online"
	NodeDraining  NodeStatus = "draining"
	NodeUnhealthy NodeStatus = "unhealthy"
	NodeOffline   NodeStatus = "offline"
)

// TaintEffect is the scheduling effect a taint applies.
type TaintEffect string

const (
	TaintEffectNoSchedule TaintEffect = "NoSchedule"
)

// Taint marks a node as unschedulable for pods without a matching Toleration.
type Taint struct {
	Key    string
	Value  string
	Effect TaintEffect
}

// TolerationOperator is the comparison a Toleration uses against a Taint.
type TolerationOperator string

const (
	TolerationEqual  TolerationOperator = "Equal"
	TolerationExists TolerationOperator = "Exists"
)

// Toleration allows a pod to be scheduled onto a node with a matching Taint.
type Toleration struct {
	Key      string
	Operator TolerationOperator
	Value    string
	Effect   TaintEffect
}

// Tolerates reports whether toleration t satisfies taint.
func (t Toleration) Tolerates(taint Taint) bool {
	if t.Effect != "" && t.Effect != taint.Effect {
		return false
	}
	if t.Key != taint.Key {
		return false
	}
	switch t.Operator {
	case TolerationExists:
		return true
	case TolerationEqual, "":
		return t.Value == taint.Value
	default:
		return false
	}
}

// ResourceList is a dimension-keyed set of resource quantities, mirroring
// the teacher's use of k8s.io/apimachinery's Quantity for cpu/memory math.
type ResourceList map[ResourceName]resource.Quantity

type ResourceName string

const (
	ResourceCPU     ResourceName = "cpu"
	ResourceMemory  ResourceName = "memory"
	ResourcePods    ResourceName = "pods"
	ResourceStorage ResourceName = "storage"
)

// DeepCopy returns an independent copy of the resource list.
func (r ResourceList) DeepCopy() ResourceList {
	out := make(ResourceList, len(r))
	for k, v := range r {
		out[k] = v.DeepCopy()
	}
	return out
}

// Add returns a new ResourceList with other's quantities added to r's.
func (r ResourceList) Add(other ResourceList) ResourceList {
	out := r.DeepCopy()
	for k, v := range other {
		existing := out[k]
		existing.Add(v)
		out[k] = existing
	}
	return out
}

// Sub returns a new ResourceList with other's quantities subtracted from r's.
func (r ResourceList) Sub(other ResourceList) ResourceList {
	out := r.DeepCopy()
	for k, v := range other {
		existing := out[k]
		existing.Sub(v)
		out[k] = existing
	}
	return out
}

// FitsIn reports whether r (a request) fits within capacity for every
// dimension capacity declares. Dimensions absent from capacity are treated
// as unbounded.
func (r ResourceList) FitsIn(capacity ResourceList) bool {
	for k, want := range r {
		have, ok := capacity[k]
		if !ok {
			continue
		}
		if want.Cmp(have) > 0 {
			return false
		}
	}
	return true
}

// Node is a registered runtime host that can execute pods.
type Node struct {
	ID                string
	Name              string
	RuntimeKind       RuntimeTag
	CapabilityTags    []string
	Labels            map[string]string
	Taints            []Taint
	Allocatable       ResourceList
	Allocated         ResourceList
	Status            NodeStatus
	Unschedulable     bool
	LastHeartbeatAt   time.Time
	ConnectionID      string
	CreatedAt         time.Time
}

// Schedulable reports whether the node may currently receive new pods.
func (n *Node) Schedulable() bool {
	return n.Status == NodeOnline && !n.Unschedulable
}

// FreePodSlot reports whether the node has room for one more pod.
func (n *Node) FreePodSlot() bool {
	allocatable := n.Allocatable[ResourcePods]
	allocated := n.Allocated[ResourcePods]
	return allocated.Cmp(allocatable) < 0
}

// Pack is an immutable, versioned executable bundle with a runtime tag.
type Pack struct {
	ID          string
	Name        string
	Version     string
	RuntimeTag  RuntimeTag
	OwnerID     string
	BundleLocator string
	InlineBytes []byte
	Metadata    PackMetadata
	CreatedAt   time.Time
}

// PackMetadata carries the bundle's runtime configuration.
type PackMetadata struct {
	Entrypoint string
	DefaultEnv map[string]string
	Timeout    time.Duration
}

// PodStatus is the lifecycle state of a pod, see the state machine in
// the scheduler component design.
type PodStatus string

const (
	PodPending   PodStatus = "pending"
	PodScheduled PodStatus = "scheduled"
	PodStarting  PodStatus = "starting"
	PodRunning   PodStatus = "running"
	PodStopping  PodStatus = "stopping"
	PodStopped   PodStatus = "stopped"
	PodFailed    PodStatus = "failed"
	PodEvicted   PodStatus = "evicted"
)

// Terminal reports whether status is a sink state with no outgoing
// transitions.
func (s PodStatus) Terminal() bool {
	switch s {
	case PodStopped, PodFailed, PodEvicted:
		return true
	default:
		return false
	}
}

// SchedulingConstraints narrows which nodes a pod may land on.
type SchedulingConstraints struct {
	NodeSelector []string // label "key=value" pairs that must be a subset of node labels
}

// Pod is a single execution of a pack on one node.
type Pod struct {
	ID                    string
	PackID                string
	PackVersion           string
	PackName              string
	Namespace             string
	ServiceID             string
	NodeID                string
	Status                PodStatus
	Priority              int
	PriorityClassName     string
	ResourceRequests      ResourceList
	ResourceLimits        ResourceList
	Labels                map[string]string
	Tolerations           []Toleration
	NodeSelector          map[string]string
	CreatedBy             string
	StatusMessage         string
	UnscheduledAttempts   int
	CreatedAt             time.Time
	ScheduledAt           time.Time
	StartedAt             time.Time
	StoppedAt             time.Time
}

// ServiceStatus is the lifecycle state of a service.
type ServiceStatus string

const (
	ServiceActive   ServiceStatus = "active"
	ServicePaused   ServiceStatus = "paused"
	ServiceScaling  ServiceStatus = "scaling"
	ServiceDeleting ServiceStatus = "deleting"
)

// ServiceVisibility controls who may resolve a service through signaling
// route-lookup requests.
type ServiceVisibility string

const (
	VisibilityPublic  ServiceVisibility = "public"
	VisibilityPrivate ServiceVisibility = "private"
	VisibilitySystem  ServiceVisibility = "system"
)

// RollingUpdatePolicy bounds how many pods may be unavailable or exceed the
// desired count during a version rollout.
type RollingUpdatePolicy struct {
	MaxUnavailable int
	MaxSurge       int
}

// Service is a named desired-state declaration for N replicas of a pack.
type Service struct {
	ID                string
	Name              string
	Namespace         string
	PackName          string
	PackVersion       string
	Replicas          int // 0 = daemon mode
	Template          PodTemplate
	Status            ServiceStatus
	RollingUpdate     RollingUpdatePolicy
	Visibility        ServiceVisibility
	Exposed           bool
	AllowedSources    []string
	ObservedReady     int
	ObservedAvailable int
	ObservedUpdated   int
	RouteCursor       int // round-robin cursor for signaling route lookups
	CreatedAt         time.Time
}

// PodTemplate is the per-replica spec a service stamps out pods from.
type PodTemplate struct {
	ResourceRequests ResourceList
	ResourceLimits   ResourceList
	Labels           map[string]string
	Tolerations      []Toleration
	NodeSelector     map[string]string
	PriorityClassName string
	CreatedBy        string
}

// NamespacePhase is the lifecycle phase of a namespace.
type NamespacePhase string

const (
	NamespaceActive      NamespacePhase = "active"
	NamespaceTerminating NamespacePhase = "terminating"
)

// Namespace scopes services, pods and quota.
type Namespace struct {
	Name         string
	Phase        NamespacePhase
	ResourceQuota ResourceList
	LimitRange   ResourceList
	Usage        ResourceList
	CreatedAt    time.Time
}

// Reserved reports whether the namespace name may never be deleted.
func (n *Namespace) Reserved() bool {
	if n.Name == "default" {
		return true
	}
	return len(n.Name) >= len("system-") && n.Name[:len("system-")] == "system-"
}

// HistoryAction enumerates the events recorded against a pod.
type HistoryAction string

const (
	HistoryCreated    HistoryAction = "created"
	HistoryScheduled  HistoryAction = "scheduled"
	HistoryStarted    HistoryAction = "started"
	HistoryRunning    HistoryAction = "running"
	HistoryStopped    HistoryAction = "stopped"
	HistoryFailed     HistoryAction = "failed"
	HistoryEvicted    HistoryAction = "evicted"
	HistoryRolledBack HistoryAction = "rolled_back"
	HistoryUnscheduled HistoryAction = "unscheduled"
)

// PodHistoryEntry is an append-only record of a pod lifecycle event.
type PodHistoryEntry struct {
	PodID         string
	Timestamp     time.Time
	Action        HistoryAction
	PreviousStatus PodStatus
	NewStatus     PodStatus
	Metadata      map[string]string
}

// PriorityClass maps a name to a scheduling priority value.
type PriorityClass struct {
	Name          string
	Value         int
	GlobalDefault bool
}

// DefaultPriorityClassValue is used when a pod references no priority class.
const DefaultPriorityClassValue = 0

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

// Package connection owns the message channel for every node and pod
// session: authentication, registration, liveness, request/response
// correlation, backpressure and reconnection (spec §4.2).
package connection

import (
	"encoding/json"
	"time"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
)

// MessageType is one of the reserved wire protocol type strings (spec §6).
type MessageType string

const (
	TypeConnected           MessageType = "connected"
	TypeAuthAuthenticate     MessageType = "auth:authenticate"
	TypeAuthError            MessageType = "auth:authenticate:error"
	TypePing                 MessageType = "ping"
	TypePong                 MessageType = "pong"
	TypeNodeRegister         MessageType = "node:register"
	TypeNodeReconnect        MessageType = "node:reconnect"
	TypeNodeHeartbeat        MessageType = "node:heartbeat"
	TypePodRegister          MessageType = "network:pod:register"
	TypePodDeploy            MessageType = "pod:deploy"
	TypePodStop              MessageType = "pod:stop"
	TypePodStatusUpdate      MessageType = "pod:status:update"
	TypeNetworkSignal        MessageType = "network:signal"
	TypeNetworkSignalError   MessageType = "network:signal:error"
	TypeRouteRequest         MessageType = "network:route:request"
	TypeRouteResponse        MessageType = "network:route:response"
)

// Envelope is the wire frame every message is carried in (spec §4.2, §6).
type Envelope struct {
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

func isErrorType(t MessageType) bool {
	s := string(t)
	return len(s) > 6 && s[len(s)-6:] == ":error"
}

// Close codes reserved by spec §6.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseServerShutdown  = 1011
)

type connectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

type authenticatePayload struct {
	Token string `json:"token"`
}

type pingPongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// RegisterNodeInput is the payload of node:register.
type RegisterNodeInput struct {
	Name           string               `json:"name"`
	RuntimeKind    v1alpha1.RuntimeTag  `json:"runtimeKind"`
	CapabilityTags []string             `json:"capabilityTags,omitempty"`
	Labels         map[string]string    `json:"labels,omitempty"`
	Taints         []v1alpha1.Taint     `json:"taints,omitempty"`
	Allocatable    v1alpha1.ResourceList `json:"allocatable"`
}

type reconnectPayload struct {
	NodeID string `json:"nodeId"`
}

type podRegisterPayload struct {
	PodID     string `json:"podId"`
	ServiceID string `json:"serviceId"`
}

// HeartbeatInput is the payload of node:heartbeat.
type HeartbeatInput struct {
	NodeID    string                `json:"nodeId"`
	Status    v1alpha1.NodeStatus   `json:"status"`
	Allocated v1alpha1.ResourceList `json:"allocated"`
	Timestamp time.Time             `json:"timestamp"`
}

// DeployPodPayload is the payload of pod:deploy, server to node.
type DeployPodPayload struct {
	PodID   string            `json:"podId"`
	Pack    DeployPackRef     `json:"pack"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout"`
}

// DeployPackRef is the subset of a pack a node needs to run it.
type DeployPackRef struct {
	ID           string `json:"id"`
	Version      string `json:"version"`
	BundleBytes  []byte `json:"bundleBytes,omitempty"`
	BundlePath   string `json:"bundlePath,omitempty"`
	Entrypoint   string `json:"entrypoint,omitempty"`
}

// StopPodPayload is the payload of pod:stop, server to node.
type StopPodPayload struct {
	PodID    string `json:"podId"`
	Reason   string `json:"reason"`
	Graceful bool   `json:"graceful,omitempty"`
}

// PodStatusUpdate is the payload of pod:status:update, node to server.
type PodStatusUpdate struct {
	PodID   string            `json:"podId"`
	Status  v1alpha1.PodStatus `json:"status"`
	Message string            `json:"message,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// SignalPayload is the payload of network:signal.
type SignalPayload struct {
	SourcePodID string `json:"sourcePodId"`
	TargetPodID string `json:"targetPodId"`
	SignalType  string `json:"signalType"`
	SignalData  json.RawMessage `json:"signalData"`
}

// RouteRequestPayload is the payload of network:route:request.
type RouteRequestPayload struct {
	TargetServiceID string `json:"targetServiceId"`
}

// RouteResponsePayload is the payload of network:route:response.
type RouteResponsePayload struct {
	PodID  string `json:"podId,omitempty"`
	NodeID string `json:"nodeId,omitempty"`
	Error  string `json:"error,omitempty"`
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

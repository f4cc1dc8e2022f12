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

package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/config"
	"github.com/podforge/podforge/pkg/metrics"
	"github.com/podforge/podforge/pkg/state"
)

// SignalHandler is implemented by the peer signaling router (spec §4.5).
// Kept as an interface so connection never imports signaling.
type SignalHandler interface {
	HandleSignal(ctx context.Context, fromSession *Session, env Envelope)
	HandleRouteRequest(ctx context.Context, fromSession *Session, env Envelope)
}

var statusToAction = map[v1alpha1.PodStatus]state.Action{
	v1alpha1.PodStarting: state.ActionStart,
	v1alpha1.PodRunning:  state.ActionRun,
	v1alpha1.PodStopped:  state.ActionStopComplete,
	v1alpha1.PodFailed:   state.ActionFail,
}

// Manager owns every open session and drives the protocol handshake,
// liveness, and request/response correlation described in spec §4.2.
type Manager struct {
	store        *state.Store
	auth         Authenticator
	settings     config.Settings
	logger       logr.Logger
	correlations *CorrelationTracker

	mu     sync.RWMutex
	byNode map[string]*Session
	byPod  map[string]*Session
	all    map[string]*Session

	signalMu sync.RWMutex
	signal   SignalHandler
}

// New builds a connection Manager.
func New(store *state.Store, auth Authenticator, settings config.Settings, logger logr.Logger) *Manager {
	return &Manager{
		store:        store,
		auth:         auth,
		settings:     settings,
		logger:       logger,
		correlations: NewCorrelationTracker(),
		byNode:       map[string]*Session{},
		byPod:        map[string]*Session{},
		all:          map[string]*Session{},
	}
}

// SetSignalHandler wires the peer signaling router in after construction,
// avoiding an import cycle between connection and signaling.
func (m *Manager) SetSignalHandler(h SignalHandler) {
	m.signalMu.Lock()
	m.signal = h
	m.signalMu.Unlock()
}

func (m *Manager) signalHandler() SignalHandler {
	m.signalMu.RLock()
	defer m.signalMu.RUnlock()
	return m.signal
}

// Correlations exposes the tracker so the signaling router can await
// route-lookup responses using the same correlation contract.
func (m *Manager) Correlations() *CorrelationTracker { return m.correlations }

// SessionByNodeID returns the open session registered for nodeID, if any.
func (m *Manager) SessionByNodeID(nodeID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byNode[nodeID]
	return s, ok
}

// SessionByPodID returns the open session registered for podID, if any.
func (m *Manager) SessionByPodID(podID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byPod[podID]
	return s, ok
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.all[s.ID] = s
	m.mu.Unlock()
	metrics.ConnectedSessions.WithLabelValues(string(s.Kind), string(StateOpen)).Inc()
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	delete(m.all, s.ID)
	if s.NodeID() != "" {
		delete(m.byNode, s.NodeID())
	}
	if s.PodID() != "" {
		delete(m.byPod, s.PodID())
	}
	m.mu.Unlock()
	metrics.ConnectedSessions.WithLabelValues(string(s.Kind), string(StateOpen)).Dec()
	m.correlations.RejectAll(s.ownedCorrelations(), v1alpha1.New(v1alpha1.CodeConnectionClosed, "session %s closed", s.ID))
}

// Accept runs the full session lifecycle — connect, authenticate,
// register, read loop — until the peer disconnects or is closed. Intended
// to be called on its own goroutine per accepted transport.
func (m *Manager) Accept(ctx context.Context, transport Transport, kind Kind) {
	session := newSession(kind, transport, m.settings)
	m.register(session)
	defer m.unregister(session)
	go session.runWriter()
	defer session.Close(CloseNormal, "session ended")

	if err := session.Send(Envelope{Type: TypeConnected, Payload: marshal(connectedPayload{ConnectionID: session.ID})}, true); err != nil {
		return
	}

	if !m.awaitAuth(ctx, session) {
		session.Close(ClosePolicyViolation, "auth timeout")
		return
	}

	stopLiveness := make(chan struct{})
	go m.livenessLoop(session, stopLiveness)
	defer close(stopLiveness)

	m.readLoop(ctx, session)
}

func (m *Manager) awaitAuth(ctx context.Context, s *Session) bool {
	type result struct {
		env Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var env Envelope
		err := s.transport.ReadJSON(&env)
		ch <- result{env: env, err: err}
	}()

	timer := time.NewTimer(m.settings.AuthTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil || r.env.Type != TypeAuthAuthenticate {
			return false
		}
		var payload authenticatePayload
		if err := json.Unmarshal(r.env.Payload, &payload); err != nil {
			return false
		}
		if _, err := m.auth.Authenticate(ctx, payload.Token); err != nil {
			_ = s.Send(Envelope{Type: TypeAuthError, CorrelationID: r.env.CorrelationID,
				Payload: marshal(map[string]string{"error": err.Error()})}, true)
			return false
		}
		s.setState(StateAuthenticated)
		_ = s.Send(Envelope{Type: TypeAuthAuthenticate, CorrelationID: r.env.CorrelationID,
			Payload: marshal(map[string]bool{"ok": true})}, true)
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// livenessLoop pings the session every PingInterval and marks it stale if
// PongTimeout elapses without a reply (spec §4.2).
func (m *Manager) livenessLoop(s *Session, stop <-chan struct{}) {
	ticker := time.NewTicker(m.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sentAt := time.Now()
			if err := s.Send(Envelope{Type: TypePing, Payload: marshal(pingPongPayload{Timestamp: sentAt})}, true); err != nil {
				return
			}
			deadline := m.settings.PongTimeout
			go func(sentAt time.Time) {
				time.Sleep(deadline)
				if s.lastPong().Before(sentAt) {
					s.setState(StateStale)
					s.Close(CloseServerShutdown, "stale session")
				}
			}(sentAt)
		case <-stop:
			return
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, s *Session) {
	for {
		var env Envelope
		if err := s.transport.ReadJSON(&env); err != nil {
			return
		}
		s.trackCorrelation(env.CorrelationID)
		m.dispatch(ctx, s, env)
	}
}

func (m *Manager) dispatch(ctx context.Context, s *Session, env Envelope) {
	if isErrorType(env.Type) && env.CorrelationID != "" {
		m.correlations.Reject(env.CorrelationID, v1alpha1.New(v1alpha1.CodeValidationError, "%s", string(env.Payload)))
		return
	}
	switch env.Type {
	case TypePong:
		s.recordPong()
	case TypeNodeRegister:
		m.handleNodeRegister(s, env)
	case TypeNodeReconnect:
		m.handleNodeReconnect(s, env)
	case TypePodRegister:
		m.handlePodRegister(s, env)
	case TypeNodeHeartbeat:
		m.handleHeartbeat(s, env)
	case TypePodStatusUpdate:
		m.handlePodStatusUpdate(s, env)
	case TypeNetworkSignal:
		if h := m.signalHandler(); h != nil {
			h.HandleSignal(ctx, s, env)
		}
	case TypeRouteRequest:
		if h := m.signalHandler(); h != nil {
			h.HandleRouteRequest(ctx, s, env)
		}
	case TypeRouteResponse:
		if env.CorrelationID != "" {
			m.correlations.Resolve(env.CorrelationID, env.Payload)
		}
	default:
		if env.CorrelationID != "" {
			m.correlations.Resolve(env.CorrelationID, env.Payload)
			return
		}
		// Unknown, uncorrelated message type: per spec §9, ignore rather
		// than close the session.
		m.logger.V(1).Info("ignoring unknown message type", "type", env.Type, "session", s.ID)
	}
}

func (m *Manager) handleNodeRegister(s *Session, env Envelope) {
	var input RegisterNodeInput
	if err := json.Unmarshal(env.Payload, &input); err != nil {
		m.ackError(s, env, v1alpha1.New(v1alpha1.CodeValidationError, "malformed node:register payload"))
		return
	}
	node, err := m.store.AddNode(state.NodeSpec{
		Name:           input.Name,
		RuntimeKind:    input.RuntimeKind,
		CapabilityTags: input.CapabilityTags,
		Labels:         input.Labels,
		Taints:         input.Taints,
		Allocatable:    input.Allocatable,
		ConnectionID:   s.ID,
	})
	if err != nil {
		m.ackError(s, env, err)
		return
	}
	m.mu.Lock()
	m.byNode[node.ID] = s
	m.mu.Unlock()
	s.markRegistered(node.ID, "", "")
	_ = s.Send(Envelope{Type: TypeNodeRegister, CorrelationID: env.CorrelationID,
		Payload: marshal(map[string]string{"nodeId": node.ID})}, true)
}

func (m *Manager) handleNodeReconnect(s *Session, env Envelope) {
	var payload reconnectPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		m.ackError(s, env, v1alpha1.New(v1alpha1.CodeValidationError, "malformed node:reconnect payload"))
		return
	}
	if _, err := m.store.GetNode(payload.NodeID); err != nil {
		m.ackError(s, env, err)
		return
	}
	if err := m.store.ProcessHeartbeat(payload.NodeID, nil, time.Now()); err != nil {
		m.ackError(s, env, err)
		return
	}
	m.mu.Lock()
	m.byNode[payload.NodeID] = s
	m.mu.Unlock()
	s.markRegistered(payload.NodeID, "", "")
	_ = s.Send(Envelope{Type: TypeNodeReconnect, CorrelationID: env.CorrelationID,
		Payload: marshal(map[string]string{"nodeId": payload.NodeID})}, true)
}

func (m *Manager) handlePodRegister(s *Session, env Envelope) {
	var payload podRegisterPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		m.ackError(s, env, v1alpha1.New(v1alpha1.CodeValidationError, "malformed network:pod:register payload"))
		return
	}
	if _, err := m.store.GetPod(payload.PodID); err != nil {
		m.ackError(s, env, err)
		return
	}
	m.mu.Lock()
	m.byPod[payload.PodID] = s
	m.mu.Unlock()
	s.markRegistered("", payload.PodID, payload.ServiceID)
	_ = s.Send(Envelope{Type: TypePodRegister, CorrelationID: env.CorrelationID,
		Payload: marshal(map[string]string{"podId": payload.PodID})}, true)
}

func (m *Manager) handleHeartbeat(s *Session, env Envelope) {
	var input HeartbeatInput
	if err := json.Unmarshal(env.Payload, &input); err != nil {
		return
	}
	_ = m.store.ProcessHeartbeat(input.NodeID, input.Allocated, input.Timestamp)
}

func (m *Manager) handlePodStatusUpdate(s *Session, env Envelope) {
	var update PodStatusUpdate
	if err := json.Unmarshal(env.Payload, &update); err != nil {
		return
	}
	action, ok := statusToAction[update.Status]
	if !ok {
		return
	}
	message := update.Message
	if message == "" {
		message = update.Reason
	}
	if _, err := m.store.TransitionPod(update.PodID, action, message); err != nil {
		m.logger.V(1).Info("pod status update rejected", "podId", update.PodID, "error", err)
	}
}

func (m *Manager) ackError(s *Session, env Envelope, err error) {
	_ = s.Send(Envelope{Type: MessageType(string(env.Type) + ":error"), CorrelationID: env.CorrelationID,
		Payload: marshal(map[string]string{"error": err.Error()})}, true)
}

// DeployPod sends pod:deploy to the node session, implementing the
// dispatcher interface the reconciler drives placement through.
func (m *Manager) DeployPod(ctx context.Context, nodeID string, payload DeployPodPayload) error {
	s, ok := m.SessionByNodeID(nodeID)
	if !ok {
		return v1alpha1.New(v1alpha1.CodeNotConnected, "no open session for node %s", nodeID)
	}
	return s.Send(Envelope{Type: TypePodDeploy, Payload: marshal(payload)}, true)
}

// StopPod sends pod:stop to the node session, implementing
// scheduler.Dispatcher for preemption and the reconciler's scale-down.
func (m *Manager) StopPod(ctx context.Context, nodeID, podID, reason string) error {
	s, ok := m.SessionByNodeID(nodeID)
	if !ok {
		return v1alpha1.New(v1alpha1.CodeNotConnected, "no open session for node %s", nodeID)
	}
	return s.Send(Envelope{Type: TypePodStop, Payload: marshal(StopPodPayload{PodID: podID, Reason: reason, Graceful: true})}, true)
}

// RunLivenessMonitor periodically sweeps registered nodes, transitioning
// them unhealthy after 2×pingInterval without a heartbeat and offline
// after 4×pingInterval, per spec §4.2. Runs until ctx is cancelled.
func (m *Manager) RunLivenessMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepNodeLiveness()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepNodeLiveness() {
	now := time.Now()
	unhealthyAfter := 2 * m.settings.PingInterval
	offlineAfter := 4 * m.settings.PingInterval
	for _, n := range m.store.NodesList() {
		since := now.Sub(n.LastHeartbeatAt)
		switch {
		case since >= offlineAfter && n.Status != v1alpha1.NodeOffline:
			_ = m.store.SetNodeStatus(n.ID, v1alpha1.NodeOffline)
		case since >= unhealthyAfter && n.Status == v1alpha1.NodeOnline:
			_ = m.store.SetNodeStatus(n.ID, v1alpha1.NodeUnhealthy)
		}
	}
}

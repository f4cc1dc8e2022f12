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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/config"
	"github.com/podforge/podforge/pkg/metrics"
)

// Kind distinguishes a node session from a pod session.
type Kind string

const (
	KindNode Kind = "node"
	KindPod  Kind = "pod"
)

// State is a session's position in the open→authenticated→registered→
// (stale|closed) lifecycle (spec §4.2).
type State string

const (
	StateOpen          State = "open"
	StateAuthenticated State = "authenticated"
	StateRegistered    State = "registered"
	StateStale         State = "stale"
	StateClosed        State = "closed"
)

// Session owns one peer's message channel exclusively: its writer runs on
// a single goroutine draining a per-session send queue, matching the
// "writes from any other task go through a serialized send queue"
// contract of spec §5.
type Session struct {
	ID        string
	Kind      Kind
	transport Transport
	settings  config.Settings

	mu           sync.Mutex
	state        State
	nodeID       string
	podID        string
	serviceID    string
	lastPongAt   time.Time
	congested    bool
	correlations map[string]struct{}

	send      chan Envelope
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(kind Kind, transport Transport, settings config.Settings) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Kind:         kind,
		transport:    transport,
		settings:     settings,
		state:        StateOpen,
		lastPongAt:   time.Now(),
		correlations: map[string]struct{}{},
		send:         make(chan Envelope, settings.SendQueueHighWaterMark*2),
		closed:       make(chan struct{}),
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// NodeID, PodID, ServiceID return the identities a registered session
// carries; empty before registration.
func (s *Session) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

func (s *Session) PodID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.podID
}

func (s *Session) ServiceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceID
}

func (s *Session) markRegistered(nodeID, podID, serviceID string) {
	s.mu.Lock()
	s.nodeID, s.podID, s.serviceID = nodeID, podID, serviceID
	s.state = StateRegistered
	s.mu.Unlock()
}

func (s *Session) recordPong() {
	s.mu.Lock()
	s.lastPongAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastPong() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPongAt
}

func (s *Session) trackCorrelation(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.correlations[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) ownedCorrelations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.correlations))
	for id := range s.correlations {
		out = append(out, id)
	}
	return out
}

// Send enqueues env for delivery. Non-critical sends are dropped once the
// session is congested; critical sends (auth responses, pings, scheduler
// commands) are always attempted (spec §5 backpressure policy).
func (s *Session) Send(env Envelope, critical bool) error {
	if s.State() == StateClosed {
		return v1alpha1.New(v1alpha1.CodeNotConnected, "session %s is not open", s.ID)
	}
	if !critical && s.isCongested() {
		metrics.DroppedMessages.WithLabelValues(string(env.Type)).Inc()
		return nil
	}
	select {
	case s.send <- env:
		s.refreshCongestion()
		return nil
	default:
		return v1alpha1.New(v1alpha1.CodeTimeout, "send queue full for session %s", s.ID)
	}
}

func (s *Session) isCongested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.congested
}

func (s *Session) refreshCongestion() {
	n := len(s.send)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.congested && n >= s.settings.SendQueueHighWaterMark:
		s.congested = true
		metrics.CongestedSessions.Inc()
	case s.congested && n <= s.settings.SendQueueLowWaterMark:
		s.congested = false
		metrics.CongestedSessions.Dec()
	}
}

// runWriter drains the send queue onto the transport until the session
// closes. Must run on its own goroutine, exactly one per session.
func (s *Session) runWriter() {
	for {
		select {
		case env := <-s.send:
			if err := s.transport.WriteJSON(env); err != nil {
				s.Close(CloseServerShutdown, "write failed")
				return
			}
			s.refreshCongestion()
		case <-s.closed:
			return
		}
	}
}

// Close tears the session down exactly once.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closed)
		_ = s.transport.Close(code, reason)
	})
}

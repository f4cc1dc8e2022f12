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

// Package signaling relays peer-to-peer signaling envelopes between pod
// sessions and resolves service route lookups, without inspecting the
// payload it forwards (spec §4.5).
package signaling

import (
	"context"
	"encoding/json"

	"github.com/go-logr/logr"

	"github.com/podforge/podforge/pkg/apis/v1alpha1"
	"github.com/podforge/podforge/pkg/connection"
	"github.com/podforge/podforge/pkg/metrics"
	"github.com/podforge/podforge/pkg/state"
)

// Router implements connection.SignalHandler.
type Router struct {
	store   *state.Store
	manager *connection.Manager
	logger  logr.Logger
}

// New builds a Router wired against manager for session lookups and store
// for service/pod visibility checks.
func New(store *state.Store, manager *connection.Manager, logger logr.Logger) *Router {
	return &Router{store: store, manager: manager, logger: logger}
}

// HandleSignal forwards a network:signal envelope to its target pod
// session, or replies TARGET_UNREACHABLE to the sender. Source spoofing
// is rejected and logged, never forwarded.
func (r *Router) HandleSignal(ctx context.Context, fromSession *connection.Session, env connection.Envelope) {
	var payload connection.SignalPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		metrics.SignalsForwarded.WithLabelValues("malformed").Inc()
		return
	}
	if payload.SourcePodID != fromSession.PodID() {
		metrics.SignalsForwarded.WithLabelValues("source_spoofed").Inc()
		r.logger.Info("dropping spoofed signal", "claimedSource", payload.SourcePodID, "actualSource", fromSession.PodID())
		return
	}
	target, ok := r.manager.SessionByPodID(payload.TargetPodID)
	if !ok {
		metrics.SignalsForwarded.WithLabelValues("target_unreachable").Inc()
		r.replyError(fromSession, env, v1alpha1.CodeTargetUnreachable, "target pod has no open session")
		return
	}
	if err := target.Send(connection.Envelope{Type: connection.TypeNetworkSignal, Payload: env.Payload}, false); err != nil {
		metrics.SignalsForwarded.WithLabelValues("send_failed").Inc()
		r.replyError(fromSession, env, v1alpha1.CodeTargetUnreachable, "target pod session not accepting writes")
		return
	}
	metrics.SignalsForwarded.WithLabelValues("forwarded").Inc()
}

// HandleRouteRequest resolves a network:route:request to a healthy pod of
// the target service, round-robin, filtered by visibility and allowed
// sources.
func (r *Router) HandleRouteRequest(ctx context.Context, fromSession *connection.Session, env connection.Envelope) {
	var payload connection.RouteRequestPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		r.replyRoute(fromSession, env, connection.RouteResponsePayload{Error: "malformed route request"})
		return
	}
	svc, err := r.store.GetService(payload.TargetServiceID)
	if err != nil {
		r.replyRoute(fromSession, env, connection.RouteResponsePayload{Error: err.Error()})
		return
	}
	if !r.visible(svc, fromSession) {
		r.replyRoute(fromSession, env, connection.RouteResponsePayload{Error: string(v1alpha1.CodeTargetUnreachable)})
		return
	}
	candidates := r.healthyPods(svc)
	if len(candidates) == 0 {
		r.replyRoute(fromSession, env, connection.RouteResponsePayload{Error: string(v1alpha1.CodeTargetUnreachable)})
		return
	}
	cursor, err := r.store.NextRouteCursor(svc.ID)
	if err != nil {
		r.replyRoute(fromSession, env, connection.RouteResponsePayload{Error: err.Error()})
		return
	}
	chosen := candidates[cursor%len(candidates)]
	r.replyRoute(fromSession, env, connection.RouteResponsePayload{PodID: chosen.ID, NodeID: chosen.NodeID})
}

// visible reports whether fromSession's pod may resolve svc, per its
// visibility and allowedSources list.
func (r *Router) visible(svc *v1alpha1.Service, fromSession *connection.Session) bool {
	switch svc.Visibility {
	case v1alpha1.VisibilityPublic, "":
		return true
	case v1alpha1.VisibilitySystem:
		return false
	case v1alpha1.VisibilityPrivate:
		if len(svc.AllowedSources) == 0 {
			return false
		}
		sourcePod, err := r.store.GetPod(fromSession.PodID())
		if err != nil {
			return false
		}
		for _, allowed := range svc.AllowedSources {
			if allowed == sourcePod.PackName || allowed == sourcePod.ServiceID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// healthyPods returns svc's running pods that currently have an open
// session, the only ones a signaling peer can actually reach.
func (r *Router) healthyPods(svc *v1alpha1.Service) []*v1alpha1.Pod {
	var out []*v1alpha1.Pod
	for _, pod := range r.store.PodsByService(svc.ID) {
		if pod.Status != v1alpha1.PodRunning {
			continue
		}
		if _, ok := r.manager.SessionByPodID(pod.ID); !ok {
			continue
		}
		out = append(out, pod)
	}
	return out
}

func (r *Router) replyError(s *connection.Session, env connection.Envelope, code v1alpha1.Code, message string) {
	_ = s.Send(connection.Envelope{
		Type:          connection.TypeNetworkSignalError,
		CorrelationID: env.CorrelationID,
		Payload:       marshal(map[string]string{"code": string(code), "message": message}),
	}, true)
}

func (r *Router) replyRoute(s *connection.Session, env connection.Envelope, payload connection.RouteResponsePayload) {
	_ = s.Send(connection.Envelope{
		Type:          connection.TypeRouteResponse,
		CorrelationID: env.CorrelationID,
		Payload:       marshal(payload),
	}, true)
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

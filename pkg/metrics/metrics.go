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

// Package metrics centralizes the control plane's Prometheus collectors, in
// the spirit of the teacher's own client_golang wiring for provisioning and
// node-lifecycle metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SchedulingAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podforge",
		Subsystem: "scheduler",
		Name:      "attempts_total",
		Help:      "Pod scheduling attempts by outcome.",
	}, []string{"outcome"})

	PreemptionEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "podforge",
		Subsystem: "scheduler",
		Name:      "preemption_evictions_total",
		Help:      "Pods evicted to make room for a higher priority pod.",
	})

	ReconcileTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podforge",
		Subsystem: "reconciler",
		Name:      "ticks_total",
		Help:      "Per-service reconcile outcomes by result.",
	}, []string{"result"})

	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "podforge",
		Subsystem: "reconciler",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a full reconcile pass over all services.",
	})

	ConnectedSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "podforge",
		Subsystem: "connection",
		Name:      "sessions",
		Help:      "Currently open sessions by kind (node, pod) and state.",
	}, []string{"kind", "state"})

	CongestedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "podforge",
		Subsystem: "connection",
		Name:      "congested_sessions",
		Help:      "Sessions currently over the send queue high water mark.",
	})

	DroppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podforge",
		Subsystem: "connection",
		Name:      "dropped_messages_total",
		Help:      "Non-critical messages dropped due to session congestion.",
	}, []string{"type"})

	CorrelationsOutstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "podforge",
		Subsystem: "connection",
		Name:      "correlations_outstanding",
		Help:      "Request/response correlations awaiting a reply.",
	})

	SignalsForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podforge",
		Subsystem: "signaling",
		Name:      "signals_total",
		Help:      "Peer signaling envelopes by outcome.",
	}, []string{"outcome"})

	BundleCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podforge",
		Subsystem: "bundle",
		Name:      "cache_requests_total",
		Help:      "Bundle resolution requests by source (inline, cache, origin).",
	}, []string{"source"})
)

// Registerer is satisfied by *prometheus.Registry; accepting it as an
// interface keeps cmd/controller in charge of the concrete registry.
type Registerer interface {
	MustRegister(...prometheus.Collector)
}

// MustRegisterAll registers every collector in this package against r. Call
// once at startup.
func MustRegisterAll(r Registerer) {
	r.MustRegister(
		SchedulingAttempts,
		PreemptionEvictions,
		ReconcileTicks,
		ReconcileDuration,
		ConnectedSessions,
		CongestedSessions,
		DroppedMessages,
		CorrelationsOutstanding,
		SignalsForwarded,
		BundleCacheHits,
	)
}

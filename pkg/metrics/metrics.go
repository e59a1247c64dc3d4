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

// Package metrics exposes the orchestrator's Prometheus metrics on a
// dedicated registry served from the management port.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace is the common prefix for application metrics.
	Namespace = "flotilla"

	// Common set of metric label names.
	ResultLabel  = "result"
	ServiceLabel = "service"
	ReasonLabel  = "reason"
	StatusLabel  = "status"
	TypeLabel    = "type"
)

// Registry holds every orchestrator metric. A dedicated registry keeps the
// management endpoint free of unrelated collectors.
var Registry = prometheus.NewRegistry()

// DurationBuckets returns a []float64 of default threshold values for duration histograms.
// Each returned slice is new and may be modified without impacting other bucket definitions.
func DurationBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.35, 0.4, 0.45, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0,
		1.25, 1.5, 1.75, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5, 5, 6, 7, 8, 9, 10, 15, 20, 25, 30, 40, 50, 60}
}

var (
	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "reconciler",
		Name:      "duration_seconds",
		Help:      "Duration of a full reconcile pass over all services.",
		Buckets:   DurationBuckets(),
	})
	PodsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pods",
		Name:      "created_total",
		Help:      "Pods created by the reconciler, labeled by service name.",
	}, []string{ServiceLabel})
	PodsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pods",
		Name:      "terminated_total",
		Help:      "Pods that reached a terminal status, labeled by termination reason.",
	}, []string{ReasonLabel})
	SendsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "session",
		Name:      "sends_failed_total",
		Help:      "Outbound frames dropped because no live session could take them.",
	})
	FramesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "session",
		Name:      "frames_processed_total",
		Help:      "Inbound frames processed, labeled by frame type and result.",
	}, []string{TypeLabel, ResultLabel})
	NodesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "nodes",
		Name:      "count",
		Help:      "Registered nodes, labeled by health status.",
	}, []string{StatusLabel})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Live node sessions.",
	})
	ServicesRolledBack = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "reconciler",
		Name:      "rollbacks_total",
		Help:      "Crash-loop rollbacks performed.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ReconcileDuration,
		PodsCreated,
		PodsTerminated,
		SendsFailed,
		FramesProcessed,
		NodesByStatus,
		SessionsActive,
		ServicesRolledBack,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

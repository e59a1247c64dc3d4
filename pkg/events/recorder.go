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

// Package events records notable orchestration occurrences so actions are
// observable without log inspection.
package events

import (
	"go.uber.org/zap"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

// Recorder is used to record events about nodes, services, and pods.
type Recorder interface {
	// NodeSuspected is called when a node misses heartbeats or drops its
	// session and enters the suspect state.
	NodeSuspected(node *v1alpha1.Node, reason string)
	// NodeLost is called when a suspect node's lease expires and its pods are
	// revoked.
	NodeLost(node *v1alpha1.Node)
	// NodeReconnected is called when a suspect node resumes its session
	// within the lease window.
	NodeReconnected(node *v1alpha1.Node)
	// PodLaunched is called when the reconciler binds a new pod to a node.
	PodLaunched(pod *v1alpha1.Pod, node *v1alpha1.Node)
	// PodFailedToSchedule is called when no eligible node exists for a pod.
	PodFailedToSchedule(service *v1alpha1.Service, err error)
	// DeploySendFailed is called when a deploy command could not be enqueued
	// to the node's session. The next reconcile pass retries.
	DeploySendFailed(pod *v1alpha1.Pod, err error)
	// ServiceRolledBack is called when crash-loop detection pins a service
	// back to its last successful version.
	ServiceRolledBack(service *v1alpha1.Service, from, to string)
	// ServicePaused is called when a crash-looping service has no version to
	// roll back to.
	ServicePaused(service *v1alpha1.Service)
	// ServiceRollingUpdate is called when outdated pods are being replaced.
	ServiceRollingUpdate(service *v1alpha1.Service, toVersion string)
}

type recorder struct {
	log *zap.SugaredLogger
}

// NewRecorder records events to the structured log.
func NewRecorder(log *zap.SugaredLogger) Recorder {
	return &recorder{log: log.Named("events")}
}

func (r recorder) NodeSuspected(node *v1alpha1.Node, reason string) {
	r.log.Infow("node suspected", "node", node.Name, "reason", reason)
}

func (r recorder) NodeLost(node *v1alpha1.Node) {
	r.log.Warnw("node lost, lease expired", "node", node.Name)
}

func (r recorder) NodeReconnected(node *v1alpha1.Node) {
	r.log.Infow("node reconnected", "node", node.Name)
}

func (r recorder) PodLaunched(pod *v1alpha1.Pod, node *v1alpha1.Node) {
	r.log.Infow("pod launched", "pod", pod.ID, "incarnation", pod.Incarnation, "node", node.Name)
}

func (r recorder) PodFailedToSchedule(service *v1alpha1.Service, err error) {
	r.log.Warnw("no eligible node", "service", service.Name, "namespace", service.Namespace, "error", err)
}

func (r recorder) DeploySendFailed(pod *v1alpha1.Pod, err error) {
	r.log.Warnw("deploy send failed", "pod", pod.ID, "error", err)
}

func (r recorder) ServiceRolledBack(service *v1alpha1.Service, from, to string) {
	r.log.Warnw("service rolled back", "service", service.Name, "namespace", service.Namespace, "from", from, "to", to)
}

func (r recorder) ServicePaused(service *v1alpha1.Service) {
	r.log.Warnw("service paused, crash loop with no rollback target", "service", service.Name, "namespace", service.Namespace)
}

func (r recorder) ServiceRollingUpdate(service *v1alpha1.Service, toVersion string) {
	r.log.Infow("rolling update", "service", service.Name, "namespace", service.Namespace, "to", toVersion)
}

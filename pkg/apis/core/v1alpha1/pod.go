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

package v1alpha1

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// PodStatus is the lifecycle phase of a single pod instance.
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
	PodUnknown   PodStatus = "unknown"
)

// Terminal returns true for statuses that end a pod's life. Terminal pods
// carry a termination reason and never transition again.
func (s PodStatus) Terminal() bool {
	return s == PodStopped || s == PodFailed || s == PodEvicted
}

// Active returns true for statuses that count against a service's desired
// replicas.
func (s PodStatus) Active() bool {
	return !s.Terminal()
}

// TerminationReason explains why a pod reached a terminal status. The
// taxonomy splits into application failures, which feed crash-loop
// detection, and infrastructure reasons, which never do. The split prevents
// a service from being rolled back because its node rebooted.
type TerminationReason string

const (
	// Application failures.
	ReasonError       TerminationReason = "error"
	ReasonOOM         TerminationReason = "oom"
	ReasonCrash       TerminationReason = "crash"
	ReasonExitNonZero TerminationReason = "exit_non_zero"
	ReasonTimeout     TerminationReason = "timeout"

	// Infrastructure reasons.
	ReasonNodeLost         TerminationReason = "node_lost"
	ReasonEvictedResources TerminationReason = "evicted_resources"
	ReasonPreempted        TerminationReason = "preempted"
	ReasonScaleDown        TerminationReason = "service_scale_down"
	ReasonAdminStop        TerminationReason = "admin_stop"
	ReasonRollingUpdate    TerminationReason = "rolling_update"
	ReasonStalePod         TerminationReason = "stale_pod"
)

var applicationReasons = sets.New(
	ReasonError,
	ReasonOOM,
	ReasonCrash,
	ReasonExitNonZero,
	ReasonTimeout,
)

// ApplicationFailure returns true if the reason counts toward crash-loop
// detection.
func (r TerminationReason) ApplicationFailure() bool {
	return applicationReasons.Has(r)
}

// Pod is a single instance of a service's workload on a node.
type Pod struct {
	ID        string `json:"id" db:"id"`
	ServiceID string `json:"serviceId" db:"service_id"`
	// Incarnation is a per-service monotonic counter allocated transactionally
	// at creation. Inbound status messages carrying a smaller incarnation are
	// rejected; this is the only exactly-once guarantee across reconnects.
	Incarnation int64  `json:"incarnation" db:"incarnation"`
	Namespace   string `json:"namespace" db:"namespace"`

	PackID      string `json:"packId" db:"pack_id"`
	PackName    string `json:"packName" db:"pack_name"`
	PackVersion string `json:"packVersion" db:"pack_version"`

	// NodeID is nil until the pod is bound to a node.
	NodeID *string `json:"nodeId,omitempty" db:"node_id"`

	Status            PodStatus         `json:"status" db:"status"`
	TerminationReason TerminationReason `json:"terminationReason,omitempty" db:"termination_reason"`
	Message           string            `json:"message,omitempty" db:"message"`

	Labels       map[string]string `json:"labels,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	NodeSelector map[string]string `json:"nodeSelector,omitempty"`
	Affinity     *Affinity         `json:"affinity,omitempty"`
	Tolerations  []Toleration      `json:"tolerations,omitempty"`
	Requests     ResourceList      `json:"requests,omitempty"`
	Limits       ResourceList      `json:"limits,omitempty"`
	Priority     int               `json:"priority" db:"priority"`

	// Lifecycle timestamps are set once and never overwritten.
	ScheduledAt *time.Time `json:"scheduledAt,omitempty" db:"scheduled_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	StoppedAt   *time.Time `json:"stoppedAt,omitempty" db:"stopped_at"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// HistoryAction is the closed set of actions recorded in a pod's history.
type HistoryAction string

const (
	ActionCreated   HistoryAction = "created"
	ActionScheduled HistoryAction = "scheduled"
	ActionStarted   HistoryAction = "started"
	ActionStopped   HistoryAction = "stopped"
	ActionFailed    HistoryAction = "failed"
	ActionEvicted   HistoryAction = "evicted"
	ActionRestarted HistoryAction = "restarted"
	ActionUpdated   HistoryAction = "updated"
)

// PodHistory is an append-only audit record. Entries for a pod are strictly
// ordered by insertion.
type PodHistory struct {
	ID             string        `json:"id" db:"id"`
	PodID          string        `json:"podId" db:"pod_id"`
	Action         HistoryAction `json:"action" db:"action"`
	PreviousStatus PodStatus     `json:"previousStatus,omitempty" db:"previous_status"`
	NewStatus      PodStatus     `json:"newStatus,omitempty" db:"new_status"`
	PreviousNode   string        `json:"previousNode,omitempty" db:"previous_node"`
	NewNode        string        `json:"newNode,omitempty" db:"new_node"`
	Version        string        `json:"version,omitempty" db:"version"`
	Actor          string        `json:"actor,omitempty" db:"actor"`
	Reason         string        `json:"reason,omitempty" db:"reason"`
	Message        string        `json:"message,omitempty" db:"message"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at"`
}

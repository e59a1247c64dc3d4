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

import "time"

// ServiceStatus is the lifecycle phase of a service spec.
type ServiceStatus string

const (
	ServiceActive   ServiceStatus = "active"
	ServicePaused   ServiceStatus = "paused"
	ServiceScaling  ServiceStatus = "scaling"
	ServiceDeleting ServiceStatus = "deleting"
)

// NodeSelectorOperator relates a requirement to a set of label values.
type NodeSelectorOperator string

const (
	NodeSelectorOpIn           NodeSelectorOperator = "In"
	NodeSelectorOpNotIn        NodeSelectorOperator = "NotIn"
	NodeSelectorOpExists       NodeSelectorOperator = "Exists"
	NodeSelectorOpDoesNotExist NodeSelectorOperator = "DoesNotExist"
)

// NodeSelectorRequirement is a single affinity rule against node labels.
type NodeSelectorRequirement struct {
	Key      string               `json:"key"`
	Operator NodeSelectorOperator `json:"operator"`
	Values   []string             `json:"values,omitempty"`
}

// Affinity carries the required scheduling rules of a service. Preferred
// rules only inform ranking and are not part of eligibility.
type Affinity struct {
	Required  []NodeSelectorRequirement `json:"required,omitempty"`
	Preferred []NodeSelectorRequirement `json:"preferred,omitempty"`
}

// Service is a declarative spec for N pods of a given pack version.
// Replicas == 0 encodes DaemonSet mode: one pod per eligible node.
type Service struct {
	ID        string `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	Namespace string `json:"namespace" db:"namespace"`
	OwnerID   string `json:"ownerId" db:"owner_id"`

	PackID       string `json:"packId" db:"pack_id"`
	PackName     string `json:"packName" db:"pack_name"`
	PackVersion  string `json:"packVersion" db:"pack_version"`
	FollowLatest bool   `json:"followLatest" db:"follow_latest"`

	Replicas     int                `json:"replicas" db:"replicas"`
	NodeSelector map[string]string  `json:"nodeSelector,omitempty"`
	Affinity     *Affinity          `json:"affinity,omitempty"`
	Tolerations  []Toleration       `json:"tolerations,omitempty"`
	Requests     ResourceList       `json:"requests,omitempty"`
	Limits       ResourceList       `json:"limits,omitempty"`
	Labels       map[string]string  `json:"labels,omitempty"`
	Annotations  map[string]string  `json:"annotations,omitempty"`
	Priority     int                `json:"priority" db:"priority"`

	Status            ServiceStatus `json:"status" db:"status"`
	ReadyReplicas     int           `json:"readyReplicas" db:"ready_replicas"`
	AvailableReplicas int           `json:"availableReplicas" db:"available_replicas"`
	TotalReplicas     int           `json:"totalReplicas" db:"total_replicas"`

	// ConsecutiveFailures accumulates application failures observed while no
	// pod of the service is running. Infrastructure failures never count.
	ConsecutiveFailures   int        `json:"consecutiveFailures" db:"consecutive_failures"`
	FailedVersion         string     `json:"failedVersion,omitempty" db:"failed_version"`
	FailureBackoffUntil   *time.Time `json:"failureBackoffUntil,omitempty" db:"failure_backoff_until"`
	LastSuccessfulVersion string     `json:"lastSuccessfulVersion,omitempty" db:"last_successful_version"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// DaemonSet reports whether the service runs one pod per eligible node.
func (s *Service) DaemonSet() bool {
	return s.Replicas == 0
}

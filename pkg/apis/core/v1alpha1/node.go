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

	"k8s.io/apimachinery/pkg/api/resource"
)

// RuntimeKind is the closed set of script runtimes a node can host.
type RuntimeKind string

const (
	RuntimeProcess RuntimeKind = "process"
	RuntimeThread  RuntimeKind = "thread"
	RuntimeBrowser RuntimeKind = "browser"
)

// NodeStatus is the three-state health machine driven by the health controller.
// online ⇄ suspect → offline. A suspect node keeps logical ownership of its
// pods until its lease expires.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeSuspect NodeStatus = "suspect"
	NodeOffline NodeStatus = "offline"
)

// ResourceList maps resource names (cpu, memory, pods) to quantities.
type ResourceList map[string]resource.Quantity

// Capabilities are declared by a node at registration and refreshed on
// reconnect.
type Capabilities struct {
	// RuntimeVersion is the semver of the node's script runtime, compared
	// against a pack's declared minimum version at scheduling time.
	RuntimeVersion string   `json:"runtimeVersion,omitempty"`
	Features       []string `json:"features,omitempty"`
}

// Node is a worker host that maintains a session with the orchestrator.
type Node struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
	// OwnerID is the user who first registered the node. Reconnects from any
	// other principal are rejected.
	OwnerID       string            `json:"ownerId" db:"owner_id"`
	RuntimeKind   RuntimeKind       `json:"runtimeKind" db:"runtime_kind"`
	Labels        map[string]string `json:"labels,omitempty"`
	Annotations   map[string]string `json:"annotations,omitempty"`
	Taints        []Taint           `json:"taints,omitempty"`
	Capabilities  Capabilities      `json:"capabilities"`
	Allocatable   ResourceList      `json:"allocatable,omitempty"`
	Allocated     ResourceList      `json:"allocated,omitempty"`
	Unschedulable bool              `json:"unschedulable" db:"unschedulable"`
	Status        NodeStatus        `json:"status" db:"status"`
	// ConnectionID is the live session bound to this node, nil when the node
	// is suspect or offline.
	ConnectionID  *string    `json:"connectionId,omitempty" db:"connection_id"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty" db:"last_heartbeat"`
	// SuspectSince anchors the lease timer. The node has until
	// SuspectSince+leaseDuration to reconnect before its pods are revoked.
	SuspectSince *time.Time `json:"suspectSince,omitempty" db:"suspect_since"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}

// Schedulable returns true if the node may receive new pods.
func (n *Node) Schedulable() bool {
	return n.Status == NodeOnline && !n.Unschedulable
}

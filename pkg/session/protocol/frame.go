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

// Package protocol defines the framed JSON messages exchanged between nodes
// and the orchestrator over a persistent channel. Dispatch is a closed
// routing table keyed on the frame type; unknown types are logged and
// ignored.
package protocol

import (
	"encoding/json"
	stderrors "errors"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/errors"
)

// FrameType tags a frame for routing.
type FrameType string

// Inbound frame types (node → orchestrator).
const (
	TypeNodeRegister  FrameType = "node:register"
	TypeNodeReconnect FrameType = "node:reconnect"
	TypeNodeHeartbeat FrameType = "node:heartbeat"

	TypePodSchedule     FrameType = "pod:schedule"
	TypePodStart        FrameType = "pod:start"
	TypePodStop         FrameType = "pod:stop"
	TypePodFail         FrameType = "pod:fail"
	TypePodEvict        FrameType = "pod:evict"
	TypePodRestart      FrameType = "pod:restart"
	TypePodStatusUpdate FrameType = "pod:status:update"
)

// Outbound frame types (orchestrator → node). pod:stop is shared with the
// inbound family; direction disambiguates.
const (
	TypePodDeploy  FrameType = "pod:deploy"
	TypePodStopCmd FrameType = "pod:stop"
)

// Ack frame types.
const (
	TypeRegisterAck    FrameType = "register:ack"
	TypeRegisterError  FrameType = "register:error"
	TypeReconnectAck   FrameType = "reconnect:ack"
	TypeReconnectError FrameType = "reconnect:error"
	TypeHeartbeatAck   FrameType = "heartbeat:ack"
	TypeHeartbeatError FrameType = "heartbeat:error"
	TypePodAck         FrameType = "pod:ack"
	TypePodError       FrameType = "pod:error"
)

// Frame is the wire envelope. Responses echo the correlation id of the
// request they answer.
type Frame struct {
	Type          FrameType       `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// New builds a frame, panicking only on unmarshalable payloads, which are
// programming errors.
func New(t FrameType, correlationID string, payload interface{}) Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Frame{Type: t, CorrelationID: correlationID, Payload: data}
}

// RegisterRequest is the payload of node:register.
type RegisterRequest struct {
	Name        string                 `json:"name" validate:"required,min=1,max=63"`
	RuntimeKind v1alpha1.RuntimeKind   `json:"runtimeKind" validate:"required,oneof=process thread browser"`
	Capabilities v1alpha1.Capabilities `json:"capabilities"`
	Allocatable v1alpha1.ResourceList  `json:"allocatable,omitempty"`
	Labels      map[string]string      `json:"labels,omitempty"`
	Annotations map[string]string      `json:"annotations,omitempty"`
	Taints      []v1alpha1.Taint       `json:"taints,omitempty"`
}

// ReconnectRequest is the payload of node:reconnect. RunningPodIDs, when
// present, triggers orphan and stale recovery.
type ReconnectRequest struct {
	NodeID        string                 `json:"nodeId" validate:"required,uuid"`
	Capabilities  *v1alpha1.Capabilities `json:"capabilities,omitempty"`
	RunningPodIDs []string               `json:"runningPodIds,omitempty"`
}

// HeartbeatRequest is the payload of node:heartbeat. Status is the node's
// self-reported view and is advisory only, the orchestrator owns the node
// state machine.
type HeartbeatRequest struct {
	NodeID    string                `json:"nodeId" validate:"required,uuid"`
	Allocated v1alpha1.ResourceList `json:"allocated,omitempty"`
	Status    v1alpha1.NodeStatus   `json:"status,omitempty" validate:"omitempty,oneof=online suspect offline"`
}

// NodeAck answers register and reconnect.
type NodeAck struct {
	Node *v1alpha1.Node `json:"node"`
}

// HeartbeatAck answers heartbeat.
type HeartbeatAck struct {
	LastHeartbeat string `json:"lastHeartbeat"`
}

// PodMessage is the payload of every inbound pod lifecycle frame. The
// incarnation, when present, is validated against the stored pod; stale
// values are rejected with STALE_INCARNATION.
type PodMessage struct {
	PodID       string `json:"podId" validate:"required,uuid"`
	Incarnation *int64 `json:"incarnation,omitempty"`
	// Status is only read by pod:status:update; the other frame types imply
	// their target status.
	Status  v1alpha1.PodStatus `json:"status,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	Message string             `json:"message,omitempty"`
}

// PodAck answers pod lifecycle frames.
type PodAck struct {
	PodID       string             `json:"podId"`
	Status      v1alpha1.PodStatus `json:"status"`
	Incarnation int64              `json:"incarnation"`
}

// ErrorPayload carries the stable error taxonomy over the wire.
type ErrorPayload struct {
	Code    errors.Code       `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ErrorFrom converts any error into a wire payload, collapsing uncoded
// errors to INTERNAL_ERROR.
func ErrorFrom(err error) ErrorPayload {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return ErrorPayload{Code: e.Code, Message: e.Message, Details: e.Details}
	}
	return ErrorPayload{Code: errors.CodeInternal, Message: "internal error"}
}

// DeployPack describes the pack a node must fetch and run.
type DeployPack struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Version    string                `json:"version"`
	RuntimeTag v1alpha1.RuntimeKind  `json:"runtimeTag"`
	BundlePath string                `json:"bundlePath,omitempty"`
	Metadata   v1alpha1.PackMetadata `json:"metadata"`
}

// DeployCommand is the payload of the outbound pod:deploy frame.
type DeployCommand struct {
	PodID            string                `json:"podId"`
	Incarnation      int64                 `json:"incarnation"`
	NodeID           string                `json:"nodeId"`
	Namespace        string                `json:"namespace"`
	Pack             DeployPack            `json:"pack"`
	ResourceRequests v1alpha1.ResourceList `json:"resourceRequests,omitempty"`
	ResourceLimits   v1alpha1.ResourceList `json:"resourceLimits,omitempty"`
	Labels           map[string]string     `json:"labels,omitempty"`
	Annotations      map[string]string     `json:"annotations,omitempty"`
}

// StopCommand is the payload of the outbound pod:stop frame.
type StopCommand struct {
	PodID   string `json:"podId"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

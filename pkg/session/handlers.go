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

package session

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/events"
	"github.com/flotilla-sh/flotilla/pkg/pods"
	"github.com/flotilla-sh/flotilla/pkg/registry"
	"github.com/flotilla-sh/flotilla/pkg/session/protocol"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

// Handlers processes inbound frames against the store. Dispatch is the only
// entry point; it consults a closed routing table and returns the response
// frame, or nil for frame types it does not know.
type Handlers struct {
	store     store.Store
	registry  *registry.Registry
	lifecycle *pods.Lifecycle
	recorder  events.Recorder
	clock     clock.Clock
	validate  *validator.Validate
	// trigger requests an out-of-band reconcile pass, e.g. after recovery
	// frees capacity or reveals lost pods.
	trigger func()
}

func NewHandlers(s store.Store, reg *registry.Registry, lifecycle *pods.Lifecycle,
	recorder events.Recorder, clk clock.Clock, trigger func()) *Handlers {
	return &Handlers{
		store:     s,
		registry:  reg,
		lifecycle: lifecycle,
		recorder:  recorder,
		clock:     clk,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		trigger:   trigger,
	}
}

// Dispatch routes a frame to its handler. A nil response means the type is
// unknown; callers log and ignore, preserving forward compatibility with
// newer nodes.
func (h *Handlers) Dispatch(ctx context.Context, sess *registry.Session, frame protocol.Frame) *protocol.Frame {
	switch frame.Type {
	case protocol.TypeNodeRegister:
		return h.handleRegister(ctx, sess, frame)
	case protocol.TypeNodeReconnect:
		return h.handleReconnect(ctx, sess, frame)
	case protocol.TypeNodeHeartbeat:
		return h.handleHeartbeat(ctx, sess, frame)
	case protocol.TypePodSchedule, protocol.TypePodStart, protocol.TypePodStop,
		protocol.TypePodFail, protocol.TypePodEvict, protocol.TypePodRestart,
		protocol.TypePodStatusUpdate:
		return h.handlePod(ctx, sess, frame)
	default:
		return nil
	}
}

func (h *Handlers) handleRegister(ctx context.Context, sess *registry.Session, frame protocol.Frame) *protocol.Frame {
	req := protocol.RegisterRequest{}
	if err := h.decode(frame, &req); err != nil {
		return errorFrame(protocol.TypeRegisterError, frame.CorrelationID, err)
	}
	now := h.clock.Now().UTC()
	sessionID := sess.ID
	node, err := h.store.Nodes().Create(ctx, &v1alpha1.Node{
		ID:            uuid.NewString(),
		Name:          req.Name,
		OwnerID:       sess.Principal.UserID,
		RuntimeKind:   req.RuntimeKind,
		Labels:        req.Labels,
		Annotations:   req.Annotations,
		Taints:        req.Taints,
		Capabilities:  req.Capabilities,
		Allocatable:   req.Allocatable,
		Status:        v1alpha1.NodeOnline,
		ConnectionID:  &sessionID,
		LastHeartbeat: &now,
	})
	if err != nil {
		return errorFrame(protocol.TypeRegisterError, frame.CorrelationID, err)
	}
	if err := h.registry.BindNode(sess.ID, node.ID); err != nil {
		return errorFrame(protocol.TypeRegisterError, frame.CorrelationID, err)
	}
	resp := protocol.New(protocol.TypeRegisterAck, frame.CorrelationID, protocol.NodeAck{Node: node})
	return &resp
}

func (h *Handlers) handleReconnect(ctx context.Context, sess *registry.Session, frame protocol.Frame) *protocol.Frame {
	req := protocol.ReconnectRequest{}
	if err := h.decode(frame, &req); err != nil {
		return errorFrame(protocol.TypeReconnectError, frame.CorrelationID, err)
	}
	node, err := h.store.Nodes().Get(ctx, req.NodeID)
	if err != nil {
		return errorFrame(protocol.TypeReconnectError, frame.CorrelationID, err)
	}
	if node.OwnerID != sess.Principal.UserID {
		return errorFrame(protocol.TypeReconnectError, frame.CorrelationID,
			errors.New(errors.CodeForbidden, "node %s is owned by another principal", node.Name))
	}
	if err := h.registry.BindNode(sess.ID, node.ID); err != nil {
		return errorFrame(protocol.TypeReconnectError, frame.CorrelationID, err)
	}

	wasSuspect := node.Status == v1alpha1.NodeSuspect
	now := h.clock.Now().UTC()
	sessionID := sess.ID
	node.Status = v1alpha1.NodeOnline
	node.SuspectSince = nil
	node.ConnectionID = &sessionID
	node.LastHeartbeat = &now
	if req.Capabilities != nil {
		node.Capabilities = *req.Capabilities
	}
	node, err = h.store.Nodes().Update(ctx, node)
	if err != nil {
		return errorFrame(protocol.TypeReconnectError, frame.CorrelationID, err)
	}
	if wasSuspect {
		h.recorder.NodeReconnected(node)
	}
	if req.RunningPodIDs != nil {
		if err := h.recover(ctx, sess, node, req.RunningPodIDs); err != nil {
			logging.FromContext(ctx).Errorf("recovering node %s, %s", node.Name, err)
		}
	}
	resp := protocol.New(protocol.TypeReconnectAck, frame.CorrelationID, protocol.NodeAck{Node: node})
	return &resp
}

func (h *Handlers) handleHeartbeat(ctx context.Context, sess *registry.Session, frame protocol.Frame) *protocol.Frame {
	req := protocol.HeartbeatRequest{}
	if err := h.decode(frame, &req); err != nil {
		return errorFrame(protocol.TypeHeartbeatError, frame.CorrelationID, err)
	}
	if sess.NodeID() != req.NodeID {
		return errorFrame(protocol.TypeHeartbeatError, frame.CorrelationID,
			errors.New(errors.CodeForbidden, "session does not hold node %s", req.NodeID))
	}
	node, err := h.store.Nodes().Get(ctx, req.NodeID)
	if err != nil {
		return errorFrame(protocol.TypeHeartbeatError, frame.CorrelationID, err)
	}
	now := h.clock.Now().UTC()
	node.LastHeartbeat = &now
	if node.Status == v1alpha1.NodeSuspect {
		node.Status = v1alpha1.NodeOnline
		node.SuspectSince = nil
	}
	if req.Allocated != nil {
		node.Allocated = req.Allocated
	}
	// The self-reported status is advisory; only the heartbeat itself moves
	// the state machine.
	if req.Status != "" && req.Status != node.Status {
		logging.FromContext(ctx).Debugf("node %s reports status %s, holding %s", node.Name, req.Status, node.Status)
	}
	if _, err := h.store.Nodes().Update(ctx, node); err != nil {
		return errorFrame(protocol.TypeHeartbeatError, frame.CorrelationID, err)
	}
	resp := protocol.New(protocol.TypeHeartbeatAck, frame.CorrelationID,
		protocol.HeartbeatAck{LastHeartbeat: now.Format("2006-01-02T15:04:05.000Z07:00")})
	return &resp
}

// Disconnect releases a closed session. The bound node, if any, becomes
// suspect immediately rather than waiting for the heartbeat scanner to
// notice, unless a newer session already holds it.
func (h *Handlers) Disconnect(ctx context.Context, sess *registry.Session) {
	nodeID := h.registry.Unregister(sess.ID)
	if nodeID == "" {
		return
	}
	// The node may already have reconnected on a newer session; marking it
	// suspect now would punish a healthy node.
	if _, held := h.registry.SessionForNode(nodeID); held {
		return
	}
	node, err := h.store.Nodes().Get(ctx, nodeID)
	if err != nil {
		logging.FromContext(ctx).Errorf("loading node %s after disconnect, %s", nodeID, err)
		return
	}
	if node.Status != v1alpha1.NodeOnline {
		return
	}
	now := h.clock.Now().UTC()
	node.Status = v1alpha1.NodeSuspect
	node.SuspectSince = &now
	node.ConnectionID = nil
	if _, err := h.store.Nodes().Update(ctx, node); err != nil {
		logging.FromContext(ctx).Errorf("marking node %s suspect, %s", node.Name, err)
		return
	}
	h.recorder.NodeSuspected(node, "session disconnected")
}

// podTargets maps inbound pod frame types to the status they request.
// pod:status:update carries its target in the payload instead.
var podTargets = map[protocol.FrameType]v1alpha1.PodStatus{
	protocol.TypePodSchedule: v1alpha1.PodScheduled,
	protocol.TypePodStart:    v1alpha1.PodRunning,
	protocol.TypePodStop:     v1alpha1.PodStopped,
	protocol.TypePodFail:     v1alpha1.PodFailed,
	protocol.TypePodEvict:    v1alpha1.PodEvicted,
	protocol.TypePodRestart:  v1alpha1.PodStarting,
}

// defaultReasons fills the termination reason when a node omits it.
// pod:stop deliberately has no default: a stop ordered by the orchestrator
// already stamped its reason on the way into stopping.
var defaultReasons = map[protocol.FrameType]v1alpha1.TerminationReason{
	protocol.TypePodFail:  v1alpha1.ReasonError,
	protocol.TypePodEvict: v1alpha1.ReasonEvictedResources,
}

func (h *Handlers) handlePod(ctx context.Context, sess *registry.Session, frame protocol.Frame) *protocol.Frame {
	req := protocol.PodMessage{}
	if err := h.decode(frame, &req); err != nil {
		return errorFrame(protocol.TypePodError, frame.CorrelationID, err)
	}
	nodeID := sess.NodeID()
	if nodeID == "" {
		return errorFrame(protocol.TypePodError, frame.CorrelationID,
			errors.New(errors.CodeForbidden, "session has not registered a node"))
	}
	target, ok := podTargets[frame.Type]
	if !ok {
		target = req.Status
	}
	if target == "" {
		return errorFrame(protocol.TypePodError, frame.CorrelationID,
			errors.New(errors.CodeValidation, "status update carries no status"))
	}
	reason := v1alpha1.TerminationReason(req.Reason)
	if reason == "" && target.Terminal() {
		reason = defaultReasons[frame.Type]
	}
	pod, err := h.lifecycle.Apply(ctx, pods.Transition{
		PodID:       req.PodID,
		Incarnation: req.Incarnation,
		Target:      target,
		Reason:      reason,
		Message:     req.Message,
		Actor:       nodeID,
	})
	if err != nil {
		return errorFrame(protocol.TypePodError, frame.CorrelationID, err)
	}
	if target.Terminal() {
		// A terminal pod changes the service's replica arithmetic; let the
		// reconciler react promptly instead of waiting for the next tick.
		h.trigger()
	}
	resp := protocol.New(protocol.TypePodAck, frame.CorrelationID, protocol.PodAck{
		PodID:       pod.ID,
		Status:      pod.Status,
		Incarnation: pod.Incarnation,
	})
	return &resp
}

func (h *Handlers) decode(frame protocol.Frame, into interface{}) error {
	if err := json.Unmarshal(frame.Payload, into); err != nil {
		return errors.Wrap(errors.CodeValidation, err, "malformed %s payload", frame.Type)
	}
	if err := h.validate.Struct(into); err != nil {
		details := map[string]string{}
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return errors.Wrap(errors.CodeValidation, err, "invalid %s payload", frame.Type).WithDetails(details)
	}
	return nil
}

func errorFrame(t protocol.FrameType, correlationID string, err error) *protocol.Frame {
	f := protocol.New(t, correlationID, protocol.ErrorFrom(err))
	return &f
}

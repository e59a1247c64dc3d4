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

// Package pods owns pod status transitions. Every transition goes through
// Lifecycle.Transition, which enforces the validity table, rejects stale
// incarnations, stamps set-once timestamps, and appends history.
package pods

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

// validTransitions maps a current status to the statuses it may move to.
// Terminal statuses are absent: nothing leaves them. running → starting is
// allowed for node-driven restarts.
var validTransitions = map[v1alpha1.PodStatus]sets.Set[v1alpha1.PodStatus]{
	v1alpha1.PodPending: sets.New(
		v1alpha1.PodScheduled, v1alpha1.PodStarting, v1alpha1.PodFailed, v1alpha1.PodEvicted, v1alpha1.PodStopped),
	v1alpha1.PodScheduled: sets.New(
		v1alpha1.PodStarting, v1alpha1.PodRunning, v1alpha1.PodFailed, v1alpha1.PodEvicted, v1alpha1.PodStopped, v1alpha1.PodStopping),
	v1alpha1.PodStarting: sets.New(
		v1alpha1.PodRunning, v1alpha1.PodFailed, v1alpha1.PodEvicted, v1alpha1.PodStopped, v1alpha1.PodStopping),
	v1alpha1.PodRunning: sets.New(
		v1alpha1.PodStarting, v1alpha1.PodStopping, v1alpha1.PodStopped, v1alpha1.PodFailed, v1alpha1.PodEvicted, v1alpha1.PodUnknown),
	v1alpha1.PodStopping: sets.New(
		v1alpha1.PodStopped, v1alpha1.PodFailed, v1alpha1.PodEvicted),
	v1alpha1.PodUnknown: sets.New(
		v1alpha1.PodRunning, v1alpha1.PodStarting, v1alpha1.PodStopping, v1alpha1.PodStopped, v1alpha1.PodFailed, v1alpha1.PodEvicted),
}

// Transition is a requested status change.
type Transition struct {
	PodID string
	// Incarnation, when set, must match the stored pod exactly. Messages from
	// superseded instances carry an older incarnation and are rejected with
	// STALE_INCARNATION.
	Incarnation *int64
	Target      v1alpha1.PodStatus
	Reason      v1alpha1.TerminationReason
	Message     string
	// Actor is recorded in history: a node id, "reconciler", or an admin
	// principal.
	Actor string
}

// Lifecycle applies transitions against the store.
type Lifecycle struct {
	store store.Store
	clock clock.Clock
}

func NewLifecycle(s store.Store, clk clock.Clock) *Lifecycle {
	return &Lifecycle{store: s, clock: clk}
}

// Apply validates and persists the transition, returning the updated pod.
// Same-status transitions are no-ops that still refresh the message.
func (l *Lifecycle) Apply(ctx context.Context, t Transition) (*v1alpha1.Pod, error) {
	pod, err := l.store.Pods().Get(ctx, t.PodID)
	if err != nil {
		return nil, err
	}
	if t.Incarnation != nil && *t.Incarnation != pod.Incarnation {
		return nil, errors.New(errors.CodeStaleIncarnation,
			"message for incarnation %d, pod is at %d", *t.Incarnation, pod.Incarnation).
			WithDetails(map[string]string{"podId": pod.ID})
	}
	if pod.Status == t.Target {
		if t.Message != "" && t.Message != pod.Message {
			pod.Message = t.Message
			return l.store.Pods().Update(ctx, pod)
		}
		return pod, nil
	}
	if pod.Status.Terminal() {
		return nil, errors.New(errors.CodeConflict,
			"pod is %s, terminal statuses are final", pod.Status).
			WithDetails(map[string]string{"podId": pod.ID})
	}
	if allowed, ok := validTransitions[pod.Status]; !ok || !allowed.Has(t.Target) {
		return nil, errors.New(errors.CodeConflict,
			"invalid transition %s -> %s", pod.Status, t.Target).
			WithDetails(map[string]string{"podId": pod.ID})
	}
	// A reason set on the way into stopping is kept so the eventual terminal
	// status explains why the stop was ordered.
	if t.Target.Terminal() && t.Reason == "" && pod.TerminationReason == "" {
		return nil, errors.New(errors.CodeValidation,
			"terminal transition to %s requires a reason", t.Target)
	}

	previous := pod.Status
	now := l.clock.Now().UTC()
	pod.Status = t.Target
	pod.Message = t.Message
	if t.Reason != "" {
		pod.TerminationReason = t.Reason
	}
	stamp(pod, t.Target, now)

	updated, err := l.store.Pods().Update(ctx, pod)
	if err != nil {
		return nil, err
	}
	if err := l.store.PodHistory().Append(ctx, &v1alpha1.PodHistory{
		PodID:          pod.ID,
		Action:         actionFor(previous, t.Target),
		PreviousStatus: previous,
		NewStatus:      t.Target,
		Version:        pod.PackVersion,
		Actor:          t.Actor,
		Reason:         string(t.Reason),
		Message:        t.Message,
	}); err != nil {
		// The transition is already durable; a lost audit row is logged, not
		// propagated.
		logging.FromContext(ctx).Errorf("appending pod history, %s", err)
	}
	return updated, nil
}

// stamp sets lifecycle timestamps exactly once.
func stamp(pod *v1alpha1.Pod, target v1alpha1.PodStatus, now time.Time) {
	switch {
	case target == v1alpha1.PodScheduled && pod.ScheduledAt == nil:
		pod.ScheduledAt = &now
	case target == v1alpha1.PodRunning && pod.StartedAt == nil:
		pod.StartedAt = &now
	case target.Terminal() && pod.StoppedAt == nil:
		pod.StoppedAt = &now
	}
}

func actionFor(previous, target v1alpha1.PodStatus) v1alpha1.HistoryAction {
	switch target {
	case v1alpha1.PodScheduled:
		return v1alpha1.ActionScheduled
	case v1alpha1.PodRunning:
		return v1alpha1.ActionStarted
	case v1alpha1.PodStarting:
		if previous == v1alpha1.PodRunning {
			return v1alpha1.ActionRestarted
		}
		return v1alpha1.ActionUpdated
	case v1alpha1.PodStopped:
		return v1alpha1.ActionStopped
	case v1alpha1.PodFailed:
		return v1alpha1.ActionFailed
	case v1alpha1.PodEvicted:
		return v1alpha1.ActionEvicted
	default:
		return v1alpha1.ActionUpdated
	}
}

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

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
	"knative.dev/pkg/logging"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/pods"
	"github.com/flotilla-sh/flotilla/pkg/registry"
	"github.com/flotilla-sh/flotilla/pkg/session/protocol"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

// recover reconciles the store against the pods a reconnecting node reports
// as running. Two divergences are possible:
//
//   - orphans: the store has an active pod on this node the node no longer
//     runs. They are marked stopped with reason node_lost so the reconciler
//     replaces them.
//   - stale pods: the node reports a pod the store considers terminal,
//     superseded, or unknown. The node is told to stop them.
func (h *Handlers) recover(ctx context.Context, sess *registry.Session, node *v1alpha1.Node, runningPodIDs []string) error {
	stored, err := h.store.Pods().List(ctx, store.PodFilter{NodeID: node.ID})
	if err != nil {
		return err
	}
	reported := sets.New(runningPodIDs...)
	active := lo.Filter(stored, func(p *v1alpha1.Pod, _ int) bool { return p.Status.Active() })
	known := sets.New(lo.Map(active, func(p *v1alpha1.Pod, _ int) string { return p.ID })...)

	var errs error
	lost := false
	for _, pod := range active {
		if reported.Has(pod.ID) {
			continue
		}
		if pod.Status == v1alpha1.PodPending || pod.Status == v1alpha1.PodScheduled {
			// Not yet handed to the node; the reconciler re-issues the deploy.
			continue
		}
		// A pod already in stopping carries the reason stamped when the stop
		// was ordered; the reconnect only confirms it is gone.
		reason := v1alpha1.ReasonNodeLost
		if pod.TerminationReason != "" {
			reason = ""
		}
		if _, err := h.lifecycle.Apply(ctx, pods.Transition{
			PodID:   pod.ID,
			Target:  v1alpha1.PodStopped,
			Reason:  reason,
			Message: "node reconnected without this pod",
			Actor:   node.ID,
		}); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		lost = true
	}

	for _, podID := range runningPodIDs {
		if known.Has(podID) {
			continue
		}
		logging.FromContext(ctx).Infow("stopping stale pod", "pod", podID, "node", node.Name)
		if err := sess.Send(protocol.New(protocol.TypePodStopCmd, "", protocol.StopCommand{
			PodID:   podID,
			Reason:  string(v1alpha1.ReasonStalePod),
			Message: "pod is not owned by this node anymore",
		})); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if lost {
		h.trigger()
	}
	return errs
}

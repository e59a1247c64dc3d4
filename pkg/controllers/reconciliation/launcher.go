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

package reconciliation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/metrics"
	"github.com/flotilla-sh/flotilla/pkg/session/protocol"
)

// launch creates a pod pre-bound to the node and sends the deploy command.
// A failed send leaves the pod pending; the next pass re-issues the deploy
// once the node has a session again.
func (c *Controller) launch(ctx context.Context, svc *v1alpha1.Service, pack *v1alpha1.Pack, node *v1alpha1.Node) (*v1alpha1.Pod, error) {
	nodeID := node.ID
	pod, err := c.store.Pods().Create(ctx, &v1alpha1.Pod{
		ID:        uuid.NewString(),
		ServiceID: svc.ID,
		Namespace: svc.Namespace,

		PackID:      pack.ID,
		PackName:    pack.Name,
		PackVersion: pack.Version,

		NodeID: &nodeID,
		Status: v1alpha1.PodPending,

		Labels: lo.Assign(map[string]string{}, svc.Labels, map[string]string{
			v1alpha1.LabelServiceOwner: svc.Name,
			v1alpha1.LabelServiceID:    svc.ID,
		}),
		Annotations:  svc.Annotations,
		NodeSelector: svc.NodeSelector,
		Affinity:     svc.Affinity,
		Tolerations:  svc.Tolerations,
		Requests:     svc.Requests,
		Limits:       svc.Limits,
		Priority:     svc.Priority,
	})
	if err != nil {
		return nil, err
	}
	metrics.PodsCreated.WithLabelValues(svc.Name).Inc()
	if err := c.history(ctx, pod, v1alpha1.ActionCreated, node.ID); err != nil {
		logging.FromContext(ctx).Errorf("appending pod history, %s", err)
	}
	c.recorder.PodLaunched(pod, node)
	c.deploy(ctx, pod, svc, pack)
	return pod, nil
}

// deploy sends (or re-sends) the deploy command for a bound pod. The
// correlation id is a hash of the command, so a node receiving the same
// deploy twice can treat the second as a duplicate.
func (c *Controller) deploy(ctx context.Context, pod *v1alpha1.Pod, svc *v1alpha1.Service, pack *v1alpha1.Pack) {
	if pod.NodeID == nil {
		return
	}
	cmd := protocol.DeployCommand{
		PodID:       pod.ID,
		Incarnation: pod.Incarnation,
		NodeID:      *pod.NodeID,
		Namespace:   pod.Namespace,
		Pack: protocol.DeployPack{
			ID:         pack.ID,
			Name:       pack.Name,
			Version:    pack.Version,
			RuntimeTag: pack.RuntimeTag,
			BundlePath: pack.BundlePath,
			Metadata:   pack.Metadata,
		},
		ResourceRequests: svc.Requests,
		ResourceLimits:   svc.Limits,
		Labels:           pod.Labels,
		Annotations:      pod.Annotations,
	}
	correlationID := fmt.Sprintf("%016x", lo.Must(hashstructure.Hash(cmd, hashstructure.FormatV2, nil)))
	if err := c.registry.SendToNode(*pod.NodeID, protocol.New(protocol.TypePodDeploy, correlationID, cmd)); err != nil {
		metrics.SendsFailed.Inc()
		c.recorder.DeploySendFailed(pod, err)
	}
}

// stop transitions an active pod toward termination. Pods the node has
// never seen are stopped directly; pods handed to a node get a stop command
// and wait in stopping until the node confirms.
func (c *Controller) stop(ctx context.Context, pod *v1alpha1.Pod, reason v1alpha1.TerminationReason, message string) error {
	if pod.Status == v1alpha1.PodPending || pod.Status == v1alpha1.PodScheduled {
		if _, err := c.transition(ctx, pod.ID, v1alpha1.PodStopped, reason, message); err != nil {
			return err
		}
		metrics.PodsTerminated.WithLabelValues(string(reason)).Inc()
		return nil
	}
	if pod.Status == v1alpha1.PodStopping {
		return nil
	}
	if _, err := c.transition(ctx, pod.ID, v1alpha1.PodStopping, reason, message); err != nil {
		return err
	}
	if pod.NodeID != nil {
		if err := c.registry.SendToNode(*pod.NodeID, protocol.New(protocol.TypePodStopCmd, "", protocol.StopCommand{
			PodID:   pod.ID,
			Reason:  string(reason),
			Message: message,
		})); err != nil {
			metrics.SendsFailed.Inc()
			logging.FromContext(ctx).Debugf("stop send failed for pod %s, %s", pod.ID, err)
		}
	}
	return nil
}

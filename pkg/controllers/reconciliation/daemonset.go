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

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/scheduling"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

// reconcileDaemonSet places exactly one pod on every eligible node. Nodes
// that stop being eligible keep their pod until it terminates on its own;
// only node loss or explicit admin action evicts it.
func (c *Controller) reconcileDaemonSet(ctx context.Context, svc *v1alpha1.Service, pack *v1alpha1.Pack, podList []*v1alpha1.Pod) error {
	nodes, err := c.store.Nodes().List(ctx, store.NodeFilter{Statuses: []v1alpha1.NodeStatus{v1alpha1.NodeOnline}})
	if err != nil {
		return err
	}
	eligible := scheduling.Workload{Service: svc, Pack: pack}.EligibleNodes(nodes)

	covered := sets.New[string]()
	for _, pod := range podList {
		if pod.Status.Terminal() || pod.NodeID == nil {
			continue
		}
		covered.Insert(*pod.NodeID)
		c.redeliver(ctx, pod, svc, pack)
	}

	var errs error
	for _, node := range eligible {
		if covered.Has(node.ID) {
			continue
		}
		if _, err := c.launch(ctx, svc, pack, node); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// redeliver re-issues the deploy command for pods a node has not
// acknowledged yet. Send failures were swallowed when the pod was created;
// the reconciler owns retrying them.
func (c *Controller) redeliver(ctx context.Context, pod *v1alpha1.Pod, svc *v1alpha1.Service, pack *v1alpha1.Pack) {
	if pod.Status != v1alpha1.PodPending {
		return
	}
	c.deploy(ctx, pod, svc, pack)
}

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
	"errors"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/scheduling"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

var errNoEligibleNodes = errors.New("no eligible nodes")

// reconcileReplicas converges a fixed-replica service. Pods in stopping,
// including those a rolling update stopped moments ago, do not count toward
// capacity, so their replacements are created in the same pass.
func (c *Controller) reconcileReplicas(ctx context.Context, svc *v1alpha1.Service, pack *v1alpha1.Pack,
	podList []*v1alpha1.Pod) error {
	active := lo.Filter(podList, func(p *v1alpha1.Pod, _ int) bool { return p.Status.Active() })
	stopping := lo.CountBy(active, func(p *v1alpha1.Pod) bool { return p.Status == v1alpha1.PodStopping })
	capacity := len(active) - stopping

	for _, pod := range active {
		c.redeliver(ctx, pod, svc, pack)
	}

	switch {
	case capacity < svc.Replicas:
		return c.scaleUp(ctx, svc, pack, active, svc.Replicas-capacity)
	case capacity > svc.Replicas:
		return c.scaleDown(ctx, svc, active, capacity-svc.Replicas)
	}
	return nil
}

// scaleUp creates n pods, each pre-bound to the least loaded eligible node.
// With no eligible node the pass records the condition and leaves the
// deficit for a later pass; pods are never created unbound.
func (c *Controller) scaleUp(ctx context.Context, svc *v1alpha1.Service, pack *v1alpha1.Pack,
	active []*v1alpha1.Pod, n int) error {
	nodes, err := c.store.Nodes().List(ctx, store.NodeFilter{Statuses: []v1alpha1.NodeStatus{v1alpha1.NodeOnline}})
	if err != nil {
		return err
	}
	eligible := scheduling.Workload{Service: svc, Pack: pack}.EligibleNodes(nodes)
	if len(eligible) == 0 {
		c.recorder.PodFailedToSchedule(svc, errNoEligibleNodes)
		return nil
	}

	// Spread replicas: count this service's active pods per node and always
	// pick the emptiest.
	load := map[string]int{}
	for _, pod := range active {
		if pod.NodeID != nil {
			load[*pod.NodeID]++
		}
	}
	var errs error
	for i := 0; i < n; i++ {
		node := leastLoaded(eligible, load)
		if _, err := c.launch(ctx, svc, pack, node); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		load[node.ID]++
	}
	return errs
}

// scaleDown stops the newest excess pods, preferring ones that never made it
// to running.
func (c *Controller) scaleDown(ctx context.Context, svc *v1alpha1.Service, active []*v1alpha1.Pod, n int) error {
	candidates := lo.Filter(active, func(p *v1alpha1.Pod, _ int) bool { return p.Status != v1alpha1.PodStopping })
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Status == v1alpha1.PodRunning, candidates[j].Status == v1alpha1.PodRunning
		if ri != rj {
			return !ri
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	var errs error
	for i := 0; i < n && i < len(candidates); i++ {
		if err := c.stop(ctx, candidates[i], v1alpha1.ReasonScaleDown, "scaled down"); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func leastLoaded(nodes []*v1alpha1.Node, load map[string]int) *v1alpha1.Node {
	best := nodes[0]
	for _, node := range nodes[1:] {
		if load[node.ID] < load[best.ID] {
			best = node
		}
	}
	return best
}

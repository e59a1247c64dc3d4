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

// Package health drives the node state machine: online nodes that stop
// heartbeating become suspect; suspect nodes whose lease expires become
// offline and lose their pods. Reconnecting within the lease window is
// handled by the session layer and undoes suspicion without churn.
package health

import (
	"context"

	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/config"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/events"
	"github.com/flotilla-sh/flotilla/pkg/metrics"
	"github.com/flotilla-sh/flotilla/pkg/pods"
	"github.com/flotilla-sh/flotilla/pkg/registry"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

// Controller periodically scans node heartbeats.
type Controller struct {
	store     store.Store
	registry  *registry.Registry
	lifecycle *pods.Lifecycle
	recorder  events.Recorder
	config    config.Config
	clock     clock.Clock
	// trigger requests a reconcile pass after pods are revoked from a lost
	// node.
	trigger func()
}

func NewController(s store.Store, reg *registry.Registry, lifecycle *pods.Lifecycle,
	recorder events.Recorder, cfg config.Config, clk clock.Clock, trigger func()) *Controller {
	return &Controller{
		store:     s,
		registry:  reg,
		lifecycle: lifecycle,
		recorder:  recorder,
		config:    cfg,
		clock:     clk,
		trigger:   trigger,
	}
}

// Start runs the scan loop until the context is canceled.
func (c *Controller) Start(ctx context.Context) {
	log := logging.FromContext(ctx).Named("health")
	ctx = logging.WithLogger(ctx, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.config.HealthScanInterval()):
		}
		if err := c.Scan(ctx); err != nil {
			log.Errorf("scanning node health, %s", err)
		}
	}
}

// Scan advances every node one step through the health state machine, then
// refreshes the per-status gauge.
func (c *Controller) Scan(ctx context.Context) error {
	nodes, err := c.store.Nodes().List(ctx, store.NodeFilter{})
	if err != nil {
		return err
	}
	var errs error
	counts := map[v1alpha1.NodeStatus]float64{}
	for _, node := range nodes {
		if err := c.scanNode(ctx, node); err != nil {
			errs = multierr.Append(errs, err)
		}
		counts[node.Status]++
	}
	for _, status := range []v1alpha1.NodeStatus{v1alpha1.NodeOnline, v1alpha1.NodeSuspect, v1alpha1.NodeOffline} {
		metrics.NodesByStatus.WithLabelValues(string(status)).Set(counts[status])
	}
	return errs
}

func (c *Controller) scanNode(ctx context.Context, node *v1alpha1.Node) error {
	now := c.clock.Now().UTC()
	switch node.Status {
	case v1alpha1.NodeOnline:
		_, hasSession := c.registry.SessionForNode(node.ID)
		stale := node.LastHeartbeat == nil || now.Sub(*node.LastHeartbeat) > c.config.SuspectThreshold()
		if hasSession && !stale {
			return nil
		}
		node.Status = v1alpha1.NodeSuspect
		node.SuspectSince = &now
		node.ConnectionID = nil
		if _, err := c.store.Nodes().Update(ctx, node); err != nil {
			return err
		}
		reason := "missed heartbeats"
		if !hasSession {
			reason = "no live session"
		}
		c.recorder.NodeSuspected(node, reason)
	case v1alpha1.NodeSuspect:
		if node.SuspectSince == nil || now.Sub(*node.SuspectSince) < c.config.LeaseDuration() {
			return nil
		}
		// Internal to this controller; nodes and API callers never see it.
		expiry := errors.New(errors.CodeLeaseExpired, "node lease expired after %s", c.config.LeaseDuration())
		node.Status = v1alpha1.NodeOffline
		if _, err := c.store.Nodes().Update(ctx, node); err != nil {
			return err
		}
		c.recorder.NodeLost(node)
		if err := c.revokePods(ctx, node, expiry); err != nil {
			return err
		}
		c.trigger()
	}
	return nil
}

// revokePods fails every active pod on a lost node with reason node_lost.
// An infrastructure reason: the service is replaced, never rolled back.
func (c *Controller) revokePods(ctx context.Context, node *v1alpha1.Node, cause *errors.Error) error {
	active, err := c.store.Pods().List(ctx, store.PodFilter{NodeID: node.ID})
	if err != nil {
		return err
	}
	var errs error
	for _, pod := range active {
		if pod.Status.Terminal() {
			continue
		}
		if _, err := c.lifecycle.Apply(ctx, pods.Transition{
			PodID:   pod.ID,
			Target:  v1alpha1.PodFailed,
			Reason:  v1alpha1.ReasonNodeLost,
			Message: cause.Message,
			Actor:   "health",
		}); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		metrics.PodsTerminated.WithLabelValues(string(v1alpha1.ReasonNodeLost)).Inc()
	}
	return errs
}

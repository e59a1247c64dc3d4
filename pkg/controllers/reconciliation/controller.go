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

// Package reconciliation converges actual pod state toward every service's
// declared state. A pass runs on a timer and on demand; triggers arriving
// during a pass are coalesced into exactly one follow-up pass, and
// per-service locks keep concurrent mutation out.
package reconciliation

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
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

// Controller is the reconciler.
type Controller struct {
	store     store.Store
	registry  *registry.Registry
	lifecycle *pods.Lifecycle
	recorder  events.Recorder
	config    config.Config
	clock     clock.Clock

	// latestPacks caches Packs().Latest lookups; follow-latest services
	// resolve the same pack name every pass.
	latestPacks *cache.Cache

	triggerCh    chan struct{}
	serviceLocks sync.Map // serviceID -> *sync.Mutex

	// lastCounted remembers, per service, the newest failure timestamp that
	// already fed the consecutive-failure counter, so a failure is never
	// counted twice across passes. Ephemeral by design: a restart recounts
	// within the detection window at worst.
	mu          sync.Mutex
	lastCounted map[string]time.Time
}

func NewController(s store.Store, reg *registry.Registry, lifecycle *pods.Lifecycle,
	recorder events.Recorder, cfg config.Config, clk clock.Clock) *Controller {
	return &Controller{
		store:       s,
		registry:    reg,
		lifecycle:   lifecycle,
		recorder:    recorder,
		config:      cfg,
		clock:       clk,
		latestPacks: cache.New(30*time.Second, time.Minute),
		triggerCh:   make(chan struct{}, 1),
		lastCounted: map[string]time.Time{},
	}
}

// Trigger requests a reconcile pass. Triggers during a running pass coalesce
// into one follow-up pass; the channel's single slot is the pending flag.
func (c *Controller) Trigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// Start runs the reconcile loop until the context is canceled. Passes never
// overlap; the loop is the only goroutine that runs them.
func (c *Controller) Start(ctx context.Context) {
	log := logging.FromContext(ctx).Named("reconciler")
	ctx = logging.WithLogger(ctx, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.config.ReconcileInterval()):
		case <-c.triggerCh:
			// Debounce: a burst of triggers (a node reconnecting, many pods
			// failing at once) becomes a single pass.
			c.absorb(ctx)
		}
		if err := c.ReconcileAll(ctx); err != nil {
			log.Errorf("reconcile pass, %s", err)
		}
	}
}

func (c *Controller) absorb(ctx context.Context) {
	deadline := c.clock.After(c.config.Debounce())
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.triggerCh:
		case <-deadline:
			return
		}
	}
}

// ReconcileAll converges every service. Per-service errors are collected,
// never fatal to the pass.
func (c *Controller) ReconcileAll(ctx context.Context) error {
	start := c.clock.Now()
	defer func() { metrics.ReconcileDuration.Observe(c.clock.Since(start).Seconds()) }()

	services, err := c.store.Services().List(ctx, store.ServiceFilter{})
	if err != nil {
		return err
	}
	var errs error
	for _, svc := range services {
		if err := c.ReconcileService(ctx, svc.ID); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// ReconcileService converges a single service under its lock.
func (c *Controller) ReconcileService(ctx context.Context, serviceID string) error {
	lock, _ := c.serviceLocks.LoadOrStore(serviceID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	svc, err := c.store.Services().Get(ctx, serviceID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	switch svc.Status {
	case v1alpha1.ServiceDeleting:
		return c.teardown(ctx, svc)
	case v1alpha1.ServicePaused:
		return nil
	}

	podList, err := c.store.Pods().List(ctx, store.PodFilter{ServiceID: svc.ID})
	if err != nil {
		return err
	}

	// Crash-loop detection runs before pack resolution: a rollback pins the
	// service to its last successful version, and the backoff it stamps
	// keeps follow-latest from immediately jumping back.
	if paused, err := c.detectCrashLoop(ctx, svc, podList); err != nil || paused {
		return err
	}

	pack, err := c.resolvePack(ctx, svc)
	if err != nil {
		c.recorder.PodFailedToSchedule(svc, err)
		return err
	}

	if _, err := c.rollOut(ctx, svc, pack, podList); err != nil {
		return err
	}
	// Re-list: the rollout may have just moved pods into stopping, and the
	// replica arithmetic must see that.
	podList, err = c.store.Pods().List(ctx, store.PodFilter{ServiceID: svc.ID})
	if err != nil {
		return err
	}

	if svc.DaemonSet() {
		err = c.reconcileDaemonSet(ctx, svc, pack, podList)
	} else {
		err = c.reconcileReplicas(ctx, svc, pack, podList)
	}
	if err != nil {
		return err
	}
	return c.updateStatus(ctx, svc, pack)
}

// teardown stops every active pod, then deletes the service row once none
// remain.
func (c *Controller) teardown(ctx context.Context, svc *v1alpha1.Service) error {
	podList, err := c.store.Pods().List(ctx, store.PodFilter{ServiceID: svc.ID})
	if err != nil {
		return err
	}
	remaining := 0
	var errs error
	for _, pod := range podList {
		if pod.Status.Terminal() {
			continue
		}
		remaining++
		if err := c.stop(ctx, pod, v1alpha1.ReasonAdminStop, "service deleted"); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil || remaining > 0 {
		return errs
	}
	return c.store.Services().Delete(ctx, svc.ID)
}

// updateStatus refreshes the service's replica counters and records a
// version as successful once a pod of it runs.
func (c *Controller) updateStatus(ctx context.Context, svc *v1alpha1.Service, pack *v1alpha1.Pack) error {
	podList, err := c.store.Pods().List(ctx, store.PodFilter{ServiceID: svc.ID})
	if err != nil {
		return err
	}
	// ready counts running pods; available narrows to running pods already
	// on the current version; total counts everything non-terminal.
	ready, available, total := 0, 0, 0
	successful := false
	for _, pod := range podList {
		if pod.Status.Terminal() {
			continue
		}
		total++
		if pod.Status == v1alpha1.PodRunning {
			ready++
			if pod.PackVersion == pack.Version {
				available++
				successful = true
			}
		}
	}

	dirty := svc.ReadyReplicas != ready || svc.AvailableReplicas != available || svc.TotalReplicas != total
	svc.ReadyReplicas = ready
	svc.AvailableReplicas = available
	svc.TotalReplicas = total
	if successful && (svc.LastSuccessfulVersion != pack.Version || svc.ConsecutiveFailures != 0) {
		svc.LastSuccessfulVersion = pack.Version
		svc.ConsecutiveFailures = 0
		svc.FailedVersion = ""
		svc.FailureBackoffUntil = nil
		dirty = true
	}
	if !dirty {
		return nil
	}
	_, err = c.store.Services().Update(ctx, svc)
	return err
}

func (c *Controller) transition(ctx context.Context, podID string, target v1alpha1.PodStatus,
	reason v1alpha1.TerminationReason, message string) (*v1alpha1.Pod, error) {
	return c.lifecycle.Apply(ctx, pods.Transition{
		PodID:   podID,
		Target:  target,
		Reason:  reason,
		Message: message,
		Actor:   "reconciler",
	})
}

func (c *Controller) history(ctx context.Context, pod *v1alpha1.Pod, action v1alpha1.HistoryAction, nodeID string) error {
	return c.store.PodHistory().Append(ctx, &v1alpha1.PodHistory{
		PodID:     pod.ID,
		Action:    action,
		NewStatus: pod.Status,
		NewNode:   nodeID,
		Version:   pod.PackVersion,
		Actor:     "reconciler",
	})
}

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
	"time"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/metrics"
)

// detectCrashLoop accumulates application failures observed within the
// detection window while no pod of the service runs. Crossing the threshold
// rolls the service back to its last successful version, or pauses it when
// no such version exists. Infrastructure failures never count; a node
// reboot must not trigger a rollback. Returns true if the service was
// paused.
func (c *Controller) detectCrashLoop(ctx context.Context, svc *v1alpha1.Service, podList []*v1alpha1.Pod) (bool, error) {
	now := c.clock.Now().UTC()
	window := now.Add(-c.config.FailureDetectionWindow())

	anyRunning := false
	newest := time.Time{}
	fresh := 0
	c.mu.Lock()
	counted := c.lastCounted[svc.ID]
	c.mu.Unlock()
	for _, pod := range podList {
		if pod.Status == v1alpha1.PodRunning {
			anyRunning = true
		}
		if pod.Status != v1alpha1.PodFailed || !pod.TerminationReason.ApplicationFailure() {
			continue
		}
		if pod.StoppedAt == nil || pod.StoppedAt.Before(window) || !pod.StoppedAt.After(counted) {
			continue
		}
		fresh++
		if pod.StoppedAt.After(newest) {
			newest = *pod.StoppedAt
		}
	}
	if anyRunning || fresh == 0 {
		return false, nil
	}

	c.mu.Lock()
	c.lastCounted[svc.ID] = newest
	c.mu.Unlock()
	svc.ConsecutiveFailures += fresh
	if svc.ConsecutiveFailures < c.config.MaxConsecutiveFailures() {
		_, err := c.store.Services().Update(ctx, svc)
		return false, err
	}

	// Threshold crossed: the current version is marked failed with an
	// exponential backoff so follow-latest does not immediately retry it.
	svc.FailedVersion = svc.PackVersion
	until := now.Add(c.backoff(svc.ConsecutiveFailures))
	svc.FailureBackoffUntil = &until

	if svc.LastSuccessfulVersion == "" || svc.LastSuccessfulVersion == svc.PackVersion {
		svc.Status = v1alpha1.ServicePaused
		if _, err := c.store.Services().Update(ctx, svc); err != nil {
			return false, err
		}
		c.recorder.ServicePaused(svc)
		return true, nil
	}

	from := svc.PackVersion
	rollback, err := c.store.Packs().GetByNameVersion(ctx, svc.PackName, svc.LastSuccessfulVersion)
	if err != nil {
		// The successful version vanished from the pack store; pausing beats
		// redeploying a version that cannot be fetched.
		svc.Status = v1alpha1.ServicePaused
		if _, uerr := c.store.Services().Update(ctx, svc); uerr != nil {
			return false, uerr
		}
		c.recorder.ServicePaused(svc)
		return true, nil
	}
	svc.PackID = rollback.ID
	svc.PackVersion = rollback.Version
	svc.ConsecutiveFailures = 0
	if _, err := c.store.Services().Update(ctx, svc); err != nil {
		return false, err
	}
	metrics.ServicesRolledBack.Inc()
	c.recorder.ServiceRolledBack(svc, from, rollback.Version)
	return false, nil
}

// backoff doubles from the initial value per failure past the threshold,
// capped at the configured maximum.
func (c *Controller) backoff(failures int) time.Duration {
	d := c.config.InitialBackoff()
	for i := c.config.MaxConsecutiveFailures(); i < failures; i++ {
		d *= 2
		if d >= c.config.MaxBackoff() {
			return c.config.MaxBackoff()
		}
	}
	return d
}

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

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

// resolvePack returns the pack version the service should run. Follow-latest
// services track the newest published version unless that version is the one
// currently under failure backoff.
func (c *Controller) resolvePack(ctx context.Context, svc *v1alpha1.Service) (*v1alpha1.Pack, error) {
	if !svc.FollowLatest {
		return c.store.Packs().GetByNameVersion(ctx, svc.PackName, svc.PackVersion)
	}
	latest, err := c.latestPack(ctx, svc.PackName)
	if err != nil {
		return nil, err
	}
	if latest.Version == svc.PackVersion {
		return latest, nil
	}
	// A version that just crash-looped is not retried until its backoff
	// expires; the service stays pinned where the rollback left it.
	if latest.Version == svc.FailedVersion && svc.FailureBackoffUntil != nil &&
		c.clock.Now().Before(*svc.FailureBackoffUntil) {
		return c.store.Packs().GetByNameVersion(ctx, svc.PackName, svc.PackVersion)
	}
	svc.PackID = latest.ID
	svc.PackVersion = latest.Version
	if _, err := c.store.Services().Update(ctx, svc); err != nil {
		return nil, err
	}
	c.recorder.ServiceRollingUpdate(svc, latest.Version)
	return latest, nil
}

func (c *Controller) latestPack(ctx context.Context, name string) (*v1alpha1.Pack, error) {
	if cached, ok := c.latestPacks.Get(name); ok {
		return cached.(*v1alpha1.Pack), nil
	}
	latest, err := c.store.Packs().Latest(ctx, name)
	if err != nil {
		return nil, err
	}
	c.latestPacks.SetDefault(name, latest)
	return latest, nil
}

// rollOut stops active pods running an outdated version. Replacements are
// created by the replica arithmetic in the same pass, so the update rolls
// without dropping below desired capacity for longer than a stop takes.
// Returns how many pods this pass put into stopping for the update.
func (c *Controller) rollOut(ctx context.Context, svc *v1alpha1.Service, pack *v1alpha1.Pack, podList []*v1alpha1.Pod) (int, error) {
	stopping := 0
	var errs error
	for _, pod := range podList {
		if pod.Status.Terminal() || pod.PackVersion == pack.Version {
			continue
		}
		if err := c.stop(ctx, pod, v1alpha1.ReasonRollingUpdate, "superseded by version "+pack.Version); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		stopping++
	}
	return stopping, errs
}

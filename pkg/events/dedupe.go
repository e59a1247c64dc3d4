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

package events

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

// NewDedupeRecorder suppresses repeats of the same event within a two
// minute window. Reconcile passes fire every few seconds, so undeduplicated
// events for a persistently unschedulable service would flood the log.
func NewDedupeRecorder(r Recorder) Recorder {
	return &dedupe{
		rec:   r,
		cache: cache.New(120*time.Second, 10*time.Second),
	}
}

type dedupe struct {
	rec   Recorder
	cache *cache.Cache
}

func (d *dedupe) NodeSuspected(node *v1alpha1.Node, reason string) {
	if !d.shouldCreateEvent(fmt.Sprintf("node-suspected-%s-%s", node.ID, reason)) {
		return
	}
	d.rec.NodeSuspected(node, reason)
}

func (d *dedupe) NodeLost(node *v1alpha1.Node) {
	if !d.shouldCreateEvent(fmt.Sprintf("node-lost-%s", node.ID)) {
		return
	}
	d.rec.NodeLost(node)
}

func (d *dedupe) NodeReconnected(node *v1alpha1.Node) {
	// Reconnects are rare and always worth recording.
	d.rec.NodeReconnected(node)
}

func (d *dedupe) PodLaunched(pod *v1alpha1.Pod, node *v1alpha1.Node) {
	d.rec.PodLaunched(pod, node)
}

func (d *dedupe) PodFailedToSchedule(service *v1alpha1.Service, err error) {
	if !d.shouldCreateEvent(fmt.Sprintf("failed-to-schedule-%s-%s", service.ID, err)) {
		return
	}
	d.rec.PodFailedToSchedule(service, err)
}

func (d *dedupe) DeploySendFailed(pod *v1alpha1.Pod, err error) {
	if !d.shouldCreateEvent(fmt.Sprintf("deploy-send-failed-%s", pod.ID)) {
		return
	}
	d.rec.DeploySendFailed(pod, err)
}

func (d *dedupe) ServiceRolledBack(service *v1alpha1.Service, from, to string) {
	d.rec.ServiceRolledBack(service, from, to)
}

func (d *dedupe) ServicePaused(service *v1alpha1.Service) {
	if !d.shouldCreateEvent(fmt.Sprintf("service-paused-%s", service.ID)) {
		return
	}
	d.rec.ServicePaused(service)
}

func (d *dedupe) ServiceRollingUpdate(service *v1alpha1.Service, toVersion string) {
	if !d.shouldCreateEvent(fmt.Sprintf("rolling-update-%s-%s", service.ID, toVersion)) {
		return
	}
	d.rec.ServiceRollingUpdate(service, toVersion)
}

func (d *dedupe) shouldCreateEvent(key string) bool {
	if _, exists := d.cache.Get(key); exists {
		return false
	}
	d.cache.SetDefault(key, nil)
	return true
}

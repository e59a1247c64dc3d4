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

package fake

import (
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/lo"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

func copyNode(n *v1alpha1.Node) *v1alpha1.Node {
	c := *n
	c.Labels = lo.Assign(map[string]string{}, n.Labels)
	c.Annotations = lo.Assign(map[string]string{}, n.Annotations)
	c.Taints = append([]v1alpha1.Taint{}, n.Taints...)
	c.Allocatable = copyResources(n.Allocatable)
	c.Allocated = copyResources(n.Allocated)
	return &c
}

func copyService(s *v1alpha1.Service) *v1alpha1.Service {
	c := *s
	c.NodeSelector = lo.Assign(map[string]string{}, s.NodeSelector)
	c.Labels = lo.Assign(map[string]string{}, s.Labels)
	c.Annotations = lo.Assign(map[string]string{}, s.Annotations)
	c.Tolerations = append([]v1alpha1.Toleration{}, s.Tolerations...)
	c.Requests = copyResources(s.Requests)
	c.Limits = copyResources(s.Limits)
	if s.Affinity != nil {
		affinity := *s.Affinity
		c.Affinity = &affinity
	}
	return &c
}

func copyPod(p *v1alpha1.Pod) *v1alpha1.Pod {
	c := *p
	c.Labels = lo.Assign(map[string]string{}, p.Labels)
	c.Annotations = lo.Assign(map[string]string{}, p.Annotations)
	c.NodeSelector = lo.Assign(map[string]string{}, p.NodeSelector)
	c.Tolerations = append([]v1alpha1.Toleration{}, p.Tolerations...)
	c.Requests = copyResources(p.Requests)
	c.Limits = copyResources(p.Limits)
	if p.Affinity != nil {
		affinity := *p.Affinity
		c.Affinity = &affinity
	}
	return &c
}

func copyPack(p *v1alpha1.Pack) *v1alpha1.Pack {
	c := *p
	c.ACL = append([]string{}, p.ACL...)
	c.Metadata.Extra = lo.Assign(map[string]string{}, p.Metadata.Extra)
	return &c
}

func copyResources(r v1alpha1.ResourceList) v1alpha1.ResourceList {
	if r == nil {
		return nil
	}
	c := v1alpha1.ResourceList{}
	for k, v := range r {
		c[k] = v.DeepCopy()
	}
	return c
}

func sortByName[T any](items []*T, key func(*T) string) []*T {
	sort.Slice(items, func(i, j int) bool { return key(items[i]) < key(items[j]) })
	return items
}

func sortByCreation(pods []*v1alpha1.Pod) []*v1alpha1.Pod {
	sort.Slice(pods, func(i, j int) bool {
		if pods[i].CreatedAt.Equal(pods[j].CreatedAt) {
			return pods[i].Incarnation < pods[j].Incarnation
		}
		return pods[i].CreatedAt.Before(pods[j].CreatedAt)
	})
	return pods
}

func latestByVersion(packs []*v1alpha1.Pack) *v1alpha1.Pack {
	var latest *v1alpha1.Pack
	var latestVersion *semver.Version
	for _, p := range packs {
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			continue
		}
		if latestVersion == nil || v.GreaterThan(latestVersion) {
			latest, latestVersion = p, v
		}
	}
	if latest == nil {
		return packs[len(packs)-1]
	}
	return latest
}

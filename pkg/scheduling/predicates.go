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

// Package scheduling decides which nodes may host a service's pods.
// Predicates are pure functions over the node and the workload; composing
// them short-circuits on the first failure so list filtering stays cheap.
package scheduling

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

// Predicate rejects a node with a reason, or accepts it with nil.
type Predicate func(node *v1alpha1.Node) error

// Workload is the scheduling-relevant slice of a service and its pack.
type Workload struct {
	Service *v1alpha1.Service
	Pack    *v1alpha1.Pack
}

// Predicates returns the eligibility rules for the workload, in the order
// they are evaluated. Cheap structural checks come before label matching.
func (w Workload) Predicates() []Predicate {
	return []Predicate{
		Schedulable(),
		RuntimeKind(w.Pack.RuntimeTag),
		MinRuntimeVersion(w.Pack.Metadata.MinRuntimeVersion),
		PackAccess(w.Pack),
		Tolerations(w.Service.Tolerations),
		Selector(w.Service.NodeSelector, w.Service.Affinity),
	}
}

// Fits runs every predicate against the node, stopping at the first
// rejection.
func (w Workload) Fits(node *v1alpha1.Node) error {
	for _, predicate := range w.Predicates() {
		if err := predicate(node); err != nil {
			return err
		}
	}
	return nil
}

// EligibleNodes filters candidates down to those the workload fits.
func (w Workload) EligibleNodes(nodes []*v1alpha1.Node) []*v1alpha1.Node {
	eligible := []*v1alpha1.Node{}
	for _, node := range nodes {
		if err := w.Fits(node); err != nil {
			continue
		}
		eligible = append(eligible, node)
	}
	return eligible
}

// Schedulable rejects nodes that are not online or are cordoned.
func Schedulable() Predicate {
	return func(node *v1alpha1.Node) error {
		if !node.Schedulable() {
			return fmt.Errorf("node %s is %s, unschedulable=%t", node.Name, node.Status, node.Unschedulable)
		}
		return nil
	}
}

// RuntimeKind rejects nodes whose runtime cannot execute the pack.
func RuntimeKind(kind v1alpha1.RuntimeKind) Predicate {
	return func(node *v1alpha1.Node) error {
		if node.RuntimeKind != kind {
			return fmt.Errorf("node runtime %s does not match pack runtime %s", node.RuntimeKind, kind)
		}
		return nil
	}
}

// MinRuntimeVersion rejects nodes whose declared runtime version is below
// the pack's minimum. Nodes with an unparsable version are rejected rather
// than given the benefit of the doubt.
func MinRuntimeVersion(minimum string) Predicate {
	return func(node *v1alpha1.Node) error {
		if minimum == "" {
			return nil
		}
		floor, err := semver.NewVersion(minimum)
		if err != nil {
			return fmt.Errorf("parsing minimum runtime version %q, %w", minimum, err)
		}
		have, err := semver.NewVersion(node.Capabilities.RuntimeVersion)
		if err != nil {
			return fmt.Errorf("parsing node runtime version %q, %w", node.Capabilities.RuntimeVersion, err)
		}
		if have.LessThan(floor) {
			return fmt.Errorf("node runtime version %s below minimum %s", have, floor)
		}
		return nil
	}
}

// PackAccess rejects nodes whose owner cannot read the pack. Private packs
// only run on nodes owned by the pack owner or a principal on the ACL.
func PackAccess(pack *v1alpha1.Pack) Predicate {
	return func(node *v1alpha1.Node) error {
		if !pack.AccessibleBy(node.OwnerID) {
			return fmt.Errorf("node owner %s cannot access pack %s/%s", node.OwnerID, pack.Name, pack.Version)
		}
		return nil
	}
}

// Tolerations rejects nodes with blocking taints the workload does not
// tolerate.
func Tolerations(tolerations []v1alpha1.Toleration) Predicate {
	return func(node *v1alpha1.Node) error {
		return Taints(node.Taints).Tolerates(tolerations)
	}
}

// Selector rejects nodes whose labels fail the node selector or required
// affinity rules.
func Selector(selector map[string]string, affinity *v1alpha1.Affinity) Predicate {
	requirements := NewRequirements(selector, affinity)
	return func(node *v1alpha1.Node) error {
		return requirements.Matches(node.Labels)
	}
}

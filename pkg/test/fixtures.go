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

// Package test provides object constructors for tests. Each constructor
// fills sensible defaults and applies the caller's overrides on top.
package test

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/imdario/mergo"
	"github.com/samber/lo"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

// NodeOptions customizes a test node.
type NodeOptions struct {
	ID             string
	Name           string
	OwnerID        string
	RuntimeKind    v1alpha1.RuntimeKind
	RuntimeVersion string
	Labels         map[string]string
	Taints         []v1alpha1.Taint
	Status         v1alpha1.NodeStatus
	Unschedulable  bool
}

func Node(overrides ...NodeOptions) *v1alpha1.Node {
	opts := NodeOptions{}
	for _, o := range overrides {
		opts = merge(opts, o)
	}
	node := &v1alpha1.Node{
		ID:          lo.Ternary(opts.ID != "", opts.ID, uuid.NewString()),
		Name:        lo.Ternary(opts.Name != "", opts.Name, fmt.Sprintf("node-%s", uuid.NewString()[:8])),
		OwnerID:     lo.Ternary(opts.OwnerID != "", opts.OwnerID, "owner"),
		RuntimeKind: lo.Ternary(opts.RuntimeKind != "", opts.RuntimeKind, v1alpha1.RuntimeProcess),
		Labels:      opts.Labels,
		Taints:      opts.Taints,
		Capabilities: v1alpha1.Capabilities{
			RuntimeVersion: lo.Ternary(opts.RuntimeVersion != "", opts.RuntimeVersion, "1.0.0"),
		},
		Status:        lo.Ternary(opts.Status != "", opts.Status, v1alpha1.NodeOnline),
		Unschedulable: opts.Unschedulable,
	}
	return node
}

// PackOptions customizes a test pack.
type PackOptions struct {
	ID                string
	Name              string
	Version           string
	RuntimeTag        v1alpha1.RuntimeKind
	OwnerID           string
	Visibility        v1alpha1.PackVisibility
	MinRuntimeVersion string
	ACL               []string
}

func Pack(overrides ...PackOptions) *v1alpha1.Pack {
	opts := PackOptions{}
	for _, o := range overrides {
		opts = merge(opts, o)
	}
	return &v1alpha1.Pack{
		ID:         lo.Ternary(opts.ID != "", opts.ID, uuid.NewString()),
		Name:       lo.Ternary(opts.Name != "", opts.Name, "sample-pack"),
		Version:    lo.Ternary(opts.Version != "", opts.Version, "1.0.0"),
		RuntimeTag: lo.Ternary(opts.RuntimeTag != "", opts.RuntimeTag, v1alpha1.RuntimeProcess),
		OwnerID:    lo.Ternary(opts.OwnerID != "", opts.OwnerID, "owner"),
		Visibility: lo.Ternary(opts.Visibility != "", opts.Visibility, v1alpha1.PackPublic),
		Metadata:   v1alpha1.PackMetadata{MinRuntimeVersion: opts.MinRuntimeVersion},
		ACL:        opts.ACL,
	}
}

// ServiceOptions customizes a test service.
type ServiceOptions struct {
	ID           string
	Name         string
	Namespace    string
	OwnerID      string
	Pack         *v1alpha1.Pack
	FollowLatest bool
	Replicas     int
	NodeSelector map[string]string
	Affinity     *v1alpha1.Affinity
	Tolerations  []v1alpha1.Toleration
	Status       v1alpha1.ServiceStatus
}

func Service(overrides ...ServiceOptions) *v1alpha1.Service {
	opts := ServiceOptions{}
	for _, o := range overrides {
		opts = merge(opts, o)
	}
	pack := opts.Pack
	if pack == nil {
		pack = Pack()
	}
	return &v1alpha1.Service{
		ID:           lo.Ternary(opts.ID != "", opts.ID, uuid.NewString()),
		Name:         lo.Ternary(opts.Name != "", opts.Name, fmt.Sprintf("service-%s", uuid.NewString()[:8])),
		Namespace:    lo.Ternary(opts.Namespace != "", opts.Namespace, v1alpha1.DefaultNamespace),
		OwnerID:      lo.Ternary(opts.OwnerID != "", opts.OwnerID, "owner"),
		PackID:       pack.ID,
		PackName:     pack.Name,
		PackVersion:  pack.Version,
		FollowLatest: opts.FollowLatest,
		Replicas:     opts.Replicas,
		NodeSelector: opts.NodeSelector,
		Affinity:     opts.Affinity,
		Tolerations:  opts.Tolerations,
		Status:       lo.Ternary(opts.Status != "", opts.Status, v1alpha1.ServiceActive),
	}
}

// PodOptions customizes a test pod.
type PodOptions struct {
	ID          string
	ServiceID   string
	NodeID      string
	PackName    string
	PackVersion string
	Status      v1alpha1.PodStatus
	Reason      v1alpha1.TerminationReason
}

func Pod(overrides ...PodOptions) *v1alpha1.Pod {
	opts := PodOptions{}
	for _, o := range overrides {
		opts = merge(opts, o)
	}
	pod := &v1alpha1.Pod{
		ID:          lo.Ternary(opts.ID != "", opts.ID, uuid.NewString()),
		ServiceID:   lo.Ternary(opts.ServiceID != "", opts.ServiceID, uuid.NewString()),
		Namespace:   v1alpha1.DefaultNamespace,
		PackName:    lo.Ternary(opts.PackName != "", opts.PackName, "sample-pack"),
		PackVersion: lo.Ternary(opts.PackVersion != "", opts.PackVersion, "1.0.0"),
		Status:      lo.Ternary(opts.Status != "", opts.Status, v1alpha1.PodPending),
	}
	if opts.NodeID != "" {
		nodeID := opts.NodeID
		pod.NodeID = &nodeID
	}
	pod.TerminationReason = opts.Reason
	return pod
}

// merge overlays non-zero fields of b onto a.
func merge[T any](a, b T) T {
	lo.Must0(mergo.Merge(&a, b, mergo.WithOverride))
	return a
}

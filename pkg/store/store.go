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

// Package store defines the typed persistence contract the control plane
// consumes. Implementations return pkg/errors coded errors: NOT_FOUND for
// missing rows, CONFLICT for uniqueness violations, STORE_ERROR otherwise.
package store

import (
	"context"

	"k8s.io/apimachinery/pkg/labels"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

// Store aggregates the typed sub-stores. The store is the single source of
// truth for business state; in-memory maps are only authoritative for
// ephemeral concerns.
type Store interface {
	Nodes() NodeStore
	Services() ServiceStore
	Pods() PodStore
	PodHistory() PodHistoryStore
	Packs() PackStore
	Namespaces() NamespaceStore
	Close() error
}

// NodeFilter narrows node lists. Zero values match everything.
type NodeFilter struct {
	Statuses    []v1alpha1.NodeStatus
	RuntimeKind v1alpha1.RuntimeKind
	Selector    labels.Selector
}

type NodeStore interface {
	Create(ctx context.Context, node *v1alpha1.Node) (*v1alpha1.Node, error)
	Get(ctx context.Context, id string) (*v1alpha1.Node, error)
	GetByName(ctx context.Context, name string) (*v1alpha1.Node, error)
	List(ctx context.Context, filter NodeFilter) ([]*v1alpha1.Node, error)
	Update(ctx context.Context, node *v1alpha1.Node) (*v1alpha1.Node, error)
	Delete(ctx context.Context, id string) error
}

// ServiceFilter narrows service lists.
type ServiceFilter struct {
	Namespace string
	Statuses  []v1alpha1.ServiceStatus
}

type ServiceStore interface {
	Create(ctx context.Context, service *v1alpha1.Service) (*v1alpha1.Service, error)
	Get(ctx context.Context, id string) (*v1alpha1.Service, error)
	GetByName(ctx context.Context, namespace, name string) (*v1alpha1.Service, error)
	List(ctx context.Context, filter ServiceFilter) ([]*v1alpha1.Service, error)
	Update(ctx context.Context, service *v1alpha1.Service) (*v1alpha1.Service, error)
	Delete(ctx context.Context, id string) error
}

// PodFilter narrows pod lists.
type PodFilter struct {
	ServiceID string
	NodeID    string
	Statuses  []v1alpha1.PodStatus
	Selector  labels.Selector
}

type PodStore interface {
	// Create inserts the pod and transactionally allocates the next
	// incarnation for its service (max+1), yielding a strictly monotonic
	// sequence per service without global coordination.
	Create(ctx context.Context, pod *v1alpha1.Pod) (*v1alpha1.Pod, error)
	Get(ctx context.Context, id string) (*v1alpha1.Pod, error)
	List(ctx context.Context, filter PodFilter) ([]*v1alpha1.Pod, error)
	Update(ctx context.Context, pod *v1alpha1.Pod) (*v1alpha1.Pod, error)
	Delete(ctx context.Context, id string) error
}

type PodHistoryStore interface {
	Append(ctx context.Context, entry *v1alpha1.PodHistory) error
	List(ctx context.Context, podID string) ([]*v1alpha1.PodHistory, error)
}

// PackFilter narrows pack lists.
type PackFilter struct {
	Name    string
	OwnerID string
}

type PackStore interface {
	Create(ctx context.Context, pack *v1alpha1.Pack) (*v1alpha1.Pack, error)
	Get(ctx context.Context, id string) (*v1alpha1.Pack, error)
	GetByNameVersion(ctx context.Context, name, version string) (*v1alpha1.Pack, error)
	// Latest returns the pack with the highest semver version for the name.
	Latest(ctx context.Context, name string) (*v1alpha1.Pack, error)
	List(ctx context.Context, filter PackFilter) ([]*v1alpha1.Pack, error)
	Delete(ctx context.Context, id string) error
}

type NamespaceStore interface {
	Create(ctx context.Context, namespace *v1alpha1.Namespace) (*v1alpha1.Namespace, error)
	GetByName(ctx context.Context, name string) (*v1alpha1.Namespace, error)
	List(ctx context.Context) ([]*v1alpha1.Namespace, error)
	Delete(ctx context.Context, name string) error
}

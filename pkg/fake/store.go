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

// Package fake provides an in-memory store with the same semantics as the
// PostgreSQL implementation, including transactional incarnation allocation
// and coded errors. Suites reset it between specs.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/utils/clock"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu    sync.RWMutex
	clock clock.Clock

	nodes      map[string]*v1alpha1.Node
	services   map[string]*v1alpha1.Service
	pods       map[string]*v1alpha1.Pod
	history    map[string][]*v1alpha1.PodHistory
	packs      map[string]*v1alpha1.Pack
	namespaces map[string]*v1alpha1.Namespace
}

func NewStore(clk clock.Clock) *Store {
	s := &Store{clock: clk}
	s.Reset()
	return s
}

// Reset drops all state; used in suite teardown.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = map[string]*v1alpha1.Node{}
	s.services = map[string]*v1alpha1.Service{}
	s.pods = map[string]*v1alpha1.Pod{}
	s.history = map[string][]*v1alpha1.PodHistory{}
	s.packs = map[string]*v1alpha1.Pack{}
	s.namespaces = map[string]*v1alpha1.Namespace{}
}

func (s *Store) Nodes() store.NodeStore            { return &nodeStore{s} }
func (s *Store) Services() store.ServiceStore      { return &serviceStore{s} }
func (s *Store) Pods() store.PodStore              { return &podStore{s} }
func (s *Store) PodHistory() store.PodHistoryStore { return &podHistoryStore{s} }
func (s *Store) Packs() store.PackStore            { return &packStore{s} }
func (s *Store) Namespaces() store.NamespaceStore  { return &namespaceStore{s} }
func (s *Store) Close() error                      { return nil }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

type nodeStore struct{ s *Store }

func (ns *nodeStore) Create(_ context.Context, node *v1alpha1.Node) (*v1alpha1.Node, error) {
	ns.s.mu.Lock()
	defer ns.s.mu.Unlock()
	for _, existing := range ns.s.nodes {
		if existing.Name == node.Name {
			return nil, errors.New(errors.CodeConflict, "node %q already exists", node.Name)
		}
	}
	n := copyNode(node)
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt, n.UpdatedAt = ns.s.now(), ns.s.now()
	ns.s.nodes[n.ID] = n
	return copyNode(n), nil
}

func (ns *nodeStore) Get(_ context.Context, id string) (*v1alpha1.Node, error) {
	ns.s.mu.RLock()
	defer ns.s.mu.RUnlock()
	n, ok := ns.s.nodes[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "node %q not found", id)
	}
	return copyNode(n), nil
}

func (ns *nodeStore) GetByName(_ context.Context, name string) (*v1alpha1.Node, error) {
	ns.s.mu.RLock()
	defer ns.s.mu.RUnlock()
	for _, n := range ns.s.nodes {
		if n.Name == name {
			return copyNode(n), nil
		}
	}
	return nil, errors.New(errors.CodeNotFound, "node %q not found", name)
}

func (ns *nodeStore) List(_ context.Context, filter store.NodeFilter) ([]*v1alpha1.Node, error) {
	ns.s.mu.RLock()
	defer ns.s.mu.RUnlock()
	nodes := []*v1alpha1.Node{}
	for _, n := range ns.s.nodes {
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, n.Status) {
			continue
		}
		if filter.RuntimeKind != "" && n.RuntimeKind != filter.RuntimeKind {
			continue
		}
		if filter.Selector != nil && !filter.Selector.Matches(labels.Set(n.Labels)) {
			continue
		}
		nodes = append(nodes, copyNode(n))
	}
	return sortByName(nodes, func(n *v1alpha1.Node) string { return n.Name }), nil
}

func (ns *nodeStore) Update(_ context.Context, node *v1alpha1.Node) (*v1alpha1.Node, error) {
	ns.s.mu.Lock()
	defer ns.s.mu.Unlock()
	if _, ok := ns.s.nodes[node.ID]; !ok {
		return nil, errors.New(errors.CodeNotFound, "node %q not found", node.ID)
	}
	n := copyNode(node)
	n.UpdatedAt = ns.s.now()
	ns.s.nodes[n.ID] = n
	return copyNode(n), nil
}

func (ns *nodeStore) Delete(_ context.Context, id string) error {
	ns.s.mu.Lock()
	defer ns.s.mu.Unlock()
	delete(ns.s.nodes, id)
	for podID, pod := range ns.s.pods {
		if pod.NodeID != nil && *pod.NodeID == id {
			delete(ns.s.pods, podID)
		}
	}
	return nil
}

type serviceStore struct{ s *Store }

func (ss *serviceStore) Create(_ context.Context, service *v1alpha1.Service) (*v1alpha1.Service, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	svc := copyService(service)
	if svc.Namespace == "" {
		svc.Namespace = v1alpha1.DefaultNamespace
	}
	for _, existing := range ss.s.services {
		if existing.Name == svc.Name && existing.Namespace == svc.Namespace {
			return nil, errors.New(errors.CodeConflict, "service %s/%s already exists", svc.Namespace, svc.Name)
		}
	}
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	if svc.Status == "" {
		svc.Status = v1alpha1.ServiceActive
	}
	svc.CreatedAt, svc.UpdatedAt = ss.s.now(), ss.s.now()
	ss.s.services[svc.ID] = svc
	return copyService(svc), nil
}

func (ss *serviceStore) Get(_ context.Context, id string) (*v1alpha1.Service, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()
	svc, ok := ss.s.services[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "service %q not found", id)
	}
	return copyService(svc), nil
}

func (ss *serviceStore) GetByName(_ context.Context, namespace, name string) (*v1alpha1.Service, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()
	for _, svc := range ss.s.services {
		if svc.Namespace == namespace && svc.Name == name {
			return copyService(svc), nil
		}
	}
	return nil, errors.New(errors.CodeNotFound, "service %s/%s not found", namespace, name)
}

func (ss *serviceStore) List(_ context.Context, filter store.ServiceFilter) ([]*v1alpha1.Service, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()
	services := []*v1alpha1.Service{}
	for _, svc := range ss.s.services {
		if filter.Namespace != "" && svc.Namespace != filter.Namespace {
			continue
		}
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, svc.Status) {
			continue
		}
		services = append(services, copyService(svc))
	}
	return sortByName(services, func(s *v1alpha1.Service) string { return s.Namespace + "/" + s.Name }), nil
}

func (ss *serviceStore) Update(_ context.Context, service *v1alpha1.Service) (*v1alpha1.Service, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	if _, ok := ss.s.services[service.ID]; !ok {
		return nil, errors.New(errors.CodeNotFound, "service %q not found", service.ID)
	}
	svc := copyService(service)
	svc.UpdatedAt = ss.s.now()
	ss.s.services[svc.ID] = svc
	return copyService(svc), nil
}

func (ss *serviceStore) Delete(_ context.Context, id string) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	delete(ss.s.services, id)
	for podID, pod := range ss.s.pods {
		if pod.ServiceID == id {
			delete(ss.s.pods, podID)
		}
	}
	return nil
}

type podStore struct{ s *Store }

func (ps *podStore) Create(_ context.Context, pod *v1alpha1.Pod) (*v1alpha1.Pod, error) {
	ps.s.mu.Lock()
	defer ps.s.mu.Unlock()
	p := copyPod(pod)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Namespace == "" {
		p.Namespace = v1alpha1.DefaultNamespace
	}
	if p.Status == "" {
		p.Status = v1alpha1.PodPending
	}
	// max+1 under the store lock mirrors the transactional allocation of the
	// relational implementation.
	var max int64
	for _, existing := range ps.s.pods {
		if existing.ServiceID == p.ServiceID && existing.Incarnation > max {
			max = existing.Incarnation
		}
	}
	p.Incarnation = max + 1
	p.CreatedAt, p.UpdatedAt = ps.s.now(), ps.s.now()
	ps.s.pods[p.ID] = p
	return copyPod(p), nil
}

func (ps *podStore) Get(_ context.Context, id string) (*v1alpha1.Pod, error) {
	ps.s.mu.RLock()
	defer ps.s.mu.RUnlock()
	p, ok := ps.s.pods[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "pod %q not found", id)
	}
	return copyPod(p), nil
}

func (ps *podStore) List(_ context.Context, filter store.PodFilter) ([]*v1alpha1.Pod, error) {
	ps.s.mu.RLock()
	defer ps.s.mu.RUnlock()
	pods := []*v1alpha1.Pod{}
	for _, p := range ps.s.pods {
		if filter.ServiceID != "" && p.ServiceID != filter.ServiceID {
			continue
		}
		if filter.NodeID != "" && (p.NodeID == nil || *p.NodeID != filter.NodeID) {
			continue
		}
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, p.Status) {
			continue
		}
		if filter.Selector != nil && !filter.Selector.Matches(labels.Set(p.Labels)) {
			continue
		}
		pods = append(pods, copyPod(p))
	}
	return sortByCreation(pods), nil
}

func (ps *podStore) Update(_ context.Context, pod *v1alpha1.Pod) (*v1alpha1.Pod, error) {
	ps.s.mu.Lock()
	defer ps.s.mu.Unlock()
	if _, ok := ps.s.pods[pod.ID]; !ok {
		return nil, errors.New(errors.CodeNotFound, "pod %q not found", pod.ID)
	}
	p := copyPod(pod)
	p.UpdatedAt = ps.s.now()
	ps.s.pods[p.ID] = p
	return copyPod(p), nil
}

func (ps *podStore) Delete(_ context.Context, id string) error {
	ps.s.mu.Lock()
	defer ps.s.mu.Unlock()
	delete(ps.s.pods, id)
	return nil
}

type podHistoryStore struct{ s *Store }

func (hs *podHistoryStore) Append(_ context.Context, entry *v1alpha1.PodHistory) error {
	hs.s.mu.Lock()
	defer hs.s.mu.Unlock()
	e := *entry
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = hs.s.now()
	hs.s.history[e.PodID] = append(hs.s.history[e.PodID], &e)
	return nil
}

func (hs *podHistoryStore) List(_ context.Context, podID string) ([]*v1alpha1.PodHistory, error) {
	hs.s.mu.RLock()
	defer hs.s.mu.RUnlock()
	entries := hs.s.history[podID]
	out := make([]*v1alpha1.PodHistory, len(entries))
	for i, e := range entries {
		c := *e
		out[i] = &c
	}
	return out, nil
}

type packStore struct{ s *Store }

func (ps *packStore) Create(_ context.Context, pack *v1alpha1.Pack) (*v1alpha1.Pack, error) {
	ps.s.mu.Lock()
	defer ps.s.mu.Unlock()
	for _, existing := range ps.s.packs {
		if existing.Name == pack.Name && existing.Version == pack.Version {
			return nil, errors.New(errors.CodeConflict, "pack %s@%s already exists", pack.Name, pack.Version)
		}
	}
	p := copyPack(pack)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Visibility == "" {
		p.Visibility = v1alpha1.PackPrivate
	}
	p.CreatedAt = ps.s.now()
	ps.s.packs[p.ID] = p
	return copyPack(p), nil
}

func (ps *packStore) Get(_ context.Context, id string) (*v1alpha1.Pack, error) {
	ps.s.mu.RLock()
	defer ps.s.mu.RUnlock()
	p, ok := ps.s.packs[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "pack %q not found", id)
	}
	return copyPack(p), nil
}

func (ps *packStore) GetByNameVersion(_ context.Context, name, version string) (*v1alpha1.Pack, error) {
	ps.s.mu.RLock()
	defer ps.s.mu.RUnlock()
	for _, p := range ps.s.packs {
		if p.Name == name && p.Version == version {
			return copyPack(p), nil
		}
	}
	return nil, errors.New(errors.CodeNotFound, "pack %s@%s not found", name, version)
}

func (ps *packStore) Latest(ctx context.Context, name string) (*v1alpha1.Pack, error) {
	packs, err := ps.List(ctx, store.PackFilter{Name: name})
	if err != nil {
		return nil, err
	}
	if len(packs) == 0 {
		return nil, errors.New(errors.CodeNotFound, "pack %q not found", name)
	}
	return latestByVersion(packs), nil
}

func (ps *packStore) List(_ context.Context, filter store.PackFilter) ([]*v1alpha1.Pack, error) {
	ps.s.mu.RLock()
	defer ps.s.mu.RUnlock()
	packs := []*v1alpha1.Pack{}
	for _, p := range ps.s.packs {
		if filter.Name != "" && p.Name != filter.Name {
			continue
		}
		if filter.OwnerID != "" && p.OwnerID != filter.OwnerID {
			continue
		}
		packs = append(packs, copyPack(p))
	}
	return sortByName(packs, func(p *v1alpha1.Pack) string { return p.Name + "@" + p.Version }), nil
}

func (ps *packStore) Delete(_ context.Context, id string) error {
	ps.s.mu.Lock()
	defer ps.s.mu.Unlock()
	delete(ps.s.packs, id)
	return nil
}

type namespaceStore struct{ s *Store }

func (ns *namespaceStore) Create(_ context.Context, namespace *v1alpha1.Namespace) (*v1alpha1.Namespace, error) {
	ns.s.mu.Lock()
	defer ns.s.mu.Unlock()
	if _, ok := ns.s.namespaces[namespace.Name]; ok {
		return nil, errors.New(errors.CodeConflict, "namespace %q already exists", namespace.Name)
	}
	n := *namespace
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = ns.s.now()
	ns.s.namespaces[n.Name] = &n
	c := n
	return &c, nil
}

func (ns *namespaceStore) GetByName(_ context.Context, name string) (*v1alpha1.Namespace, error) {
	ns.s.mu.RLock()
	defer ns.s.mu.RUnlock()
	n, ok := ns.s.namespaces[name]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "namespace %q not found", name)
	}
	c := *n
	return &c, nil
}

func (ns *namespaceStore) List(_ context.Context) ([]*v1alpha1.Namespace, error) {
	ns.s.mu.RLock()
	defer ns.s.mu.RUnlock()
	namespaces := []*v1alpha1.Namespace{}
	for _, n := range ns.s.namespaces {
		c := *n
		namespaces = append(namespaces, &c)
	}
	return sortByName(namespaces, func(n *v1alpha1.Namespace) string { return n.Name }), nil
}

func (ns *namespaceStore) Delete(_ context.Context, name string) error {
	ns.s.mu.Lock()
	defer ns.s.mu.Unlock()
	delete(ns.s.namespaces, name)
	return nil
}

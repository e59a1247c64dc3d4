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

package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

func (a *API) listNodes(w http.ResponseWriter, r *http.Request) {
	filter := store.NodeFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []v1alpha1.NodeStatus{v1alpha1.NodeStatus(status)}
	}
	if kind := r.URL.Query().Get("runtime"); kind != "" {
		filter.RuntimeKind = v1alpha1.RuntimeKind(kind)
	}
	if selector := r.URL.Query().Get("selector"); selector != "" {
		parsed, err := labels.Parse(selector)
		if err != nil {
			writeError(w, errors.Wrap(errors.CodeValidation, err, "parsing label selector"))
			return
		}
		filter.Selector = parsed
	}
	nodes, err := a.store.Nodes().List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (a *API) getNode(w http.ResponseWriter, r *http.Request) {
	node, err := a.store.Nodes().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) cordonNode(w http.ResponseWriter, r *http.Request) {
	a.setUnschedulable(w, r, true)
}

func (a *API) uncordonNode(w http.ResponseWriter, r *http.Request) {
	a.setUnschedulable(w, r, false)
}

func (a *API) setUnschedulable(w http.ResponseWriter, r *http.Request, unschedulable bool) {
	node, err := a.store.Nodes().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if node.Unschedulable != unschedulable {
		node.Unschedulable = unschedulable
		if node, err = a.store.Nodes().Update(r.Context(), node); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, node)
}

// deleteNode removes an offline node. Nodes with live or recoverable
// sessions must be drained through cordon and pod stops first.
func (a *API) deleteNode(w http.ResponseWriter, r *http.Request) {
	node, err := a.store.Nodes().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if node.Status != v1alpha1.NodeOffline {
		writeError(w, errors.New(errors.CodeConflict, "node %s is %s, only offline nodes can be deleted", node.Name, node.Status))
		return
	}
	if err := a.store.Nodes().Delete(r.Context(), node.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

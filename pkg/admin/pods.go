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

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/pods"
	"github.com/flotilla-sh/flotilla/pkg/session/protocol"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

func (a *API) listPods(w http.ResponseWriter, r *http.Request) {
	filter := store.PodFilter{
		ServiceID: r.URL.Query().Get("service"),
		NodeID:    r.URL.Query().Get("node"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []v1alpha1.PodStatus{v1alpha1.PodStatus(status)}
	}
	list, err := a.store.Pods().List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) getPod(w http.ResponseWriter, r *http.Request) {
	pod, err := a.store.Pods().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pod)
}

func (a *API) getPodHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := a.store.Pods().Get(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	history, err := a.store.PodHistory().List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// stopPod orders an individual pod stopped with reason admin_stop. The
// reconciler will replace it if the service still wants the capacity.
func (a *API) stopPod(w http.ResponseWriter, r *http.Request) {
	pod, err := a.store.Pods().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if pod.Status.Terminal() {
		writeError(w, errors.New(errors.CodeConflict, "pod is already %s", pod.Status))
		return
	}
	actor := principalFrom(r.Context()).UserID
	if pod.Status == v1alpha1.PodPending || pod.Status == v1alpha1.PodScheduled {
		pod, err = a.lifecycle.Apply(r.Context(), pods.Transition{
			PodID:  pod.ID,
			Target: v1alpha1.PodStopped,
			Reason: v1alpha1.ReasonAdminStop,
			Actor:  actor,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pod)
		return
	}
	pod, err = a.lifecycle.Apply(r.Context(), pods.Transition{
		PodID:  pod.ID,
		Target: v1alpha1.PodStopping,
		Reason: v1alpha1.ReasonAdminStop,
		Actor:  actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if pod.NodeID != nil {
		if err := a.registry.SendToNode(*pod.NodeID, protocol.New(protocol.TypePodStopCmd, "", protocol.StopCommand{
			PodID:  pod.ID,
			Reason: string(v1alpha1.ReasonAdminStop),
		})); err != nil {
			// The node is away; the stop lands when it reconnects and reports,
			// or the health controller revokes the pod with the node.
			writeJSON(w, http.StatusAccepted, pod)
			return
		}
	}
	writeJSON(w, http.StatusOK, pod)
}

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
	"github.com/flotilla-sh/flotilla/pkg/store"
)

func (a *API) listServices(w http.ResponseWriter, r *http.Request) {
	services, err := a.store.Services().List(r.Context(), store.ServiceFilter{
		Namespace: r.URL.Query().Get("namespace"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (a *API) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := a.store.Services().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

type serviceSpec struct {
	Name         string                         `json:"name" validate:"required,min=1,max=63"`
	Namespace    string                         `json:"namespace,omitempty"`
	PackName     string                         `json:"packName" validate:"required"`
	PackVersion  string                         `json:"packVersion,omitempty" validate:"omitempty,semver"`
	FollowLatest bool                           `json:"followLatest"`
	Replicas     int                            `json:"replicas" validate:"min=0"`
	NodeSelector map[string]string              `json:"nodeSelector,omitempty"`
	Affinity     *v1alpha1.Affinity             `json:"affinity,omitempty"`
	Tolerations  []v1alpha1.Toleration          `json:"tolerations,omitempty"`
	Requests     v1alpha1.ResourceList          `json:"requests,omitempty"`
	Limits       v1alpha1.ResourceList          `json:"limits,omitempty"`
	Labels       map[string]string              `json:"labels,omitempty"`
	Annotations  map[string]string              `json:"annotations,omitempty"`
	Priority     int                            `json:"priority"`
}

// resolveSpecPack pins the spec to a concrete pack version and checks the
// caller may deploy it.
func (a *API) resolveSpecPack(r *http.Request, spec *serviceSpec) (*v1alpha1.Pack, error) {
	var pack *v1alpha1.Pack
	var err error
	if spec.PackVersion == "" || spec.FollowLatest {
		pack, err = a.store.Packs().Latest(r.Context(), spec.PackName)
	} else {
		pack, err = a.store.Packs().GetByNameVersion(r.Context(), spec.PackName, spec.PackVersion)
	}
	if err != nil {
		return nil, err
	}
	if !pack.AccessibleBy(principalFrom(r.Context()).UserID) {
		return nil, errors.New(errors.CodeForbidden, "pack %s/%s is not accessible", pack.Name, pack.Version)
	}
	return pack, nil
}

func (a *API) createService(w http.ResponseWriter, r *http.Request) {
	spec := serviceSpec{}
	if err := a.decode(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	if spec.Namespace == "" {
		spec.Namespace = v1alpha1.DefaultNamespace
	}
	if _, err := a.store.Namespaces().GetByName(r.Context(), spec.Namespace); err != nil {
		writeError(w, err)
		return
	}
	pack, err := a.resolveSpecPack(r, &spec)
	if err != nil {
		writeError(w, err)
		return
	}
	svc, err := a.store.Services().Create(r.Context(), &v1alpha1.Service{
		Name:         spec.Name,
		Namespace:    spec.Namespace,
		OwnerID:      principalFrom(r.Context()).UserID,
		PackID:       pack.ID,
		PackName:     pack.Name,
		PackVersion:  pack.Version,
		FollowLatest: spec.FollowLatest,
		Replicas:     spec.Replicas,
		NodeSelector: spec.NodeSelector,
		Affinity:     spec.Affinity,
		Tolerations:  spec.Tolerations,
		Requests:     spec.Requests,
		Limits:       spec.Limits,
		Labels:       spec.Labels,
		Annotations:  spec.Annotations,
		Priority:     spec.Priority,
		Status:       v1alpha1.ServiceActive,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	a.reconciler.Trigger()
	writeJSON(w, http.StatusCreated, svc)
}

func (a *API) updateService(w http.ResponseWriter, r *http.Request) {
	svc, err := a.store.Services().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if svc.Status == v1alpha1.ServiceDeleting {
		writeError(w, errors.New(errors.CodeConflict, "service is being deleted"))
		return
	}
	spec := serviceSpec{}
	if err := a.decode(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	spec.Namespace = svc.Namespace
	pack, err := a.resolveSpecPack(r, &spec)
	if err != nil {
		writeError(w, err)
		return
	}
	svc.PackID = pack.ID
	svc.PackName = pack.Name
	svc.PackVersion = pack.Version
	svc.FollowLatest = spec.FollowLatest
	svc.Replicas = spec.Replicas
	svc.NodeSelector = spec.NodeSelector
	svc.Affinity = spec.Affinity
	svc.Tolerations = spec.Tolerations
	svc.Requests = spec.Requests
	svc.Limits = spec.Limits
	svc.Labels = spec.Labels
	svc.Annotations = spec.Annotations
	svc.Priority = spec.Priority
	if svc, err = a.store.Services().Update(r.Context(), svc); err != nil {
		writeError(w, err)
		return
	}
	a.reconciler.Trigger()
	writeJSON(w, http.StatusOK, svc)
}

func (a *API) pauseService(w http.ResponseWriter, r *http.Request) {
	a.setServiceStatus(w, r, v1alpha1.ServicePaused)
}

// resumeService reactivates a paused service and clears its failure
// bookkeeping; resuming is an explicit operator statement that the current
// version should be tried again.
func (a *API) resumeService(w http.ResponseWriter, r *http.Request) {
	svc, err := a.store.Services().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	svc.Status = v1alpha1.ServiceActive
	svc.ConsecutiveFailures = 0
	svc.FailedVersion = ""
	svc.FailureBackoffUntil = nil
	if svc, err = a.store.Services().Update(r.Context(), svc); err != nil {
		writeError(w, err)
		return
	}
	a.reconciler.Trigger()
	writeJSON(w, http.StatusOK, svc)
}

func (a *API) setServiceStatus(w http.ResponseWriter, r *http.Request, status v1alpha1.ServiceStatus) {
	svc, err := a.store.Services().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	svc.Status = status
	if svc, err = a.store.Services().Update(r.Context(), svc); err != nil {
		writeError(w, err)
		return
	}
	a.reconciler.Trigger()
	writeJSON(w, http.StatusOK, svc)
}

// deleteService marks the service deleting; the reconciler stops its pods
// and removes the row once they are gone.
func (a *API) deleteService(w http.ResponseWriter, r *http.Request) {
	a.setServiceStatus(w, r, v1alpha1.ServiceDeleting)
}

func (a *API) triggerReconcile(w http.ResponseWriter, r *http.Request) {
	a.reconciler.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

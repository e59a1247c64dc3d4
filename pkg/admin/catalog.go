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
	"github.com/samber/lo"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

func (a *API) listNamespaces(w http.ResponseWriter, r *http.Request) {
	namespaces, err := a.store.Namespaces().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, namespaces)
}

func (a *API) getNamespace(w http.ResponseWriter, r *http.Request) {
	namespace, err := a.store.Namespaces().GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, namespace)
}

type createNamespaceRequest struct {
	Name string `json:"name" validate:"required,min=1,max=63"`
}

func (a *API) createNamespace(w http.ResponseWriter, r *http.Request) {
	req := createNamespaceRequest{}
	if err := a.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	namespace, err := a.store.Namespaces().Create(r.Context(), &v1alpha1.Namespace{
		Name:    req.Name,
		OwnerID: principalFrom(r.Context()).UserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, namespace)
}

func (a *API) deleteNamespace(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.store.Namespaces().Delete(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := a.store.Packs().List(r.Context(), store.PackFilter{
		Name:    r.URL.Query().Get("name"),
		OwnerID: r.URL.Query().Get("owner"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	// Private packs stay invisible to principals without access.
	principal := principalFrom(r.Context())
	visible := lo.Filter(packs, func(p *v1alpha1.Pack, _ int) bool {
		return p.AccessibleBy(principal.UserID) || principal.HasRole(v1alpha1.RoleAdmin)
	})
	writeJSON(w, http.StatusOK, visible)
}

func (a *API) getPack(w http.ResponseWriter, r *http.Request) {
	pack, err := a.store.Packs().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

type createPackRequest struct {
	Name       string                  `json:"name" validate:"required,min=1,max=128"`
	Version    string                  `json:"version" validate:"required,semver"`
	RuntimeTag v1alpha1.RuntimeKind    `json:"runtimeTag" validate:"required,oneof=process thread browser"`
	Visibility v1alpha1.PackVisibility `json:"visibility" validate:"omitempty,oneof=public private"`
	BundlePath string                  `json:"bundlePath,omitempty"`
	Metadata   v1alpha1.PackMetadata   `json:"metadata"`
	ACL        []string                `json:"acl,omitempty"`
}

func (a *API) createPack(w http.ResponseWriter, r *http.Request) {
	req := createPackRequest{}
	if err := a.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Visibility == "" {
		req.Visibility = v1alpha1.PackPrivate
	}
	pack, err := a.store.Packs().Create(r.Context(), &v1alpha1.Pack{
		Name:       req.Name,
		Version:    req.Version,
		RuntimeTag: req.RuntimeTag,
		OwnerID:    principalFrom(r.Context()).UserID,
		Visibility: req.Visibility,
		BundlePath: req.BundlePath,
		Metadata:   req.Metadata,
		ACL:        req.ACL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pack)
}

func (a *API) deletePack(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Packs().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

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

// Package admin serves the management REST API. Reads require any
// authenticated principal; mutations require the admin role.
package admin

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"k8s.io/utils/clock"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/auth"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/pods"
	"github.com/flotilla-sh/flotilla/pkg/registry"
	"github.com/flotilla-sh/flotilla/pkg/store"
)

// Reconciler is the slice of the reconciliation controller the API needs.
type Reconciler interface {
	Trigger()
	ReconcileService(ctx context.Context, serviceID string) error
}

// API wires the admin handlers.
type API struct {
	store         store.Store
	registry      *registry.Registry
	lifecycle     *pods.Lifecycle
	reconciler    Reconciler
	authenticator auth.Authenticator
	clock         clock.Clock
	validate      *validator.Validate
}

func New(s store.Store, reg *registry.Registry, lifecycle *pods.Lifecycle,
	reconciler Reconciler, authenticator auth.Authenticator, clk clock.Clock) *API {
	return &API{
		store:         s,
		registry:      reg,
		lifecycle:     lifecycle,
		reconciler:    reconciler,
		authenticator: authenticator,
		clock:         clk,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes returns the versioned router. The session endpoint is mounted by
// the operator next to these routes; the admin API itself is plain JSON.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(a.authenticate)

	r.Route("/v1alpha1", func(r chi.Router) {
		r.Get("/namespaces", a.listNamespaces)
		r.Get("/namespaces/{name}", a.getNamespace)

		r.Get("/packs", a.listPacks)
		r.Get("/packs/{id}", a.getPack)

		r.Get("/nodes", a.listNodes)
		r.Get("/nodes/{id}", a.getNode)

		r.Get("/services", a.listServices)
		r.Get("/services/{id}", a.getService)

		r.Get("/pods", a.listPods)
		r.Get("/pods/{id}", a.getPod)
		r.Get("/pods/{id}/history", a.getPodHistory)

		r.Group(func(r chi.Router) {
			r.Use(a.requireRole(v1alpha1.RoleAdmin))

			r.Post("/namespaces", a.createNamespace)
			r.Delete("/namespaces/{name}", a.deleteNamespace)

			r.Post("/packs", a.createPack)
			r.Delete("/packs/{id}", a.deletePack)

			r.Put("/nodes/{id}/cordon", a.cordonNode)
			r.Put("/nodes/{id}/uncordon", a.uncordonNode)
			r.Delete("/nodes/{id}", a.deleteNode)

			r.Post("/services", a.createService)
			r.Put("/services/{id}", a.updateService)
			r.Put("/services/{id}/pause", a.pauseService)
			r.Put("/services/{id}/resume", a.resumeService)
			r.Delete("/services/{id}", a.deleteService)

			r.Post("/pods/{id}/stop", a.stopPod)

			r.Post("/reconcile", a.triggerReconcile)
		})
	})
	return r
}

type principalKey struct{}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticator.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

func (a *API) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !principalFrom(r.Context()).HasRole(role) {
				writeError(w, errors.New(errors.CodeForbidden, "requires role %s", role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principalFrom(ctx context.Context) auth.Principal {
	principal, _ := ctx.Value(principalKey{}).(auth.Principal)
	return principal
}

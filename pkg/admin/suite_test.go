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

package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/flotilla-sh/flotilla/pkg/admin"
	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/auth"
	"github.com/flotilla-sh/flotilla/pkg/fake"
	"github.com/flotilla-sh/flotilla/pkg/pods"
	"github.com/flotilla-sh/flotilla/pkg/registry"
	"github.com/flotilla-sh/flotilla/pkg/session/protocol"
	"github.com/flotilla-sh/flotilla/pkg/store"
	"github.com/flotilla-sh/flotilla/pkg/test"
)

var (
	ctx       context.Context
	fakeClock *clocktesting.FakeClock
	st        *fake.Store
	reg       *registry.Registry
	router    http.Handler
	triggers  int

	secret     = []byte("0123456789abcdef0123456789abcdef")
	adminToken string
	userToken  string
)

func TestAdmin(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Admin")
}

// stubReconciler satisfies the API's reconciler dependency without running
// actual passes.
type stubReconciler struct{}

func (stubReconciler) Trigger()                                  { triggers++ }
func (stubReconciler) ReconcileService(context.Context, string) error { return nil }

func sign(subject string, roles ...string) string {
	signer := lo.Must(jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, nil))
	return "Bearer " + lo.Must(jwt.Signed(signer).Claims(map[string]interface{}{
		"sub":   subject,
		"roles": roles,
	}).Serialize())
}

var _ = BeforeSuite(func() {
	ctx = context.Background()
	fakeClock = clocktesting.NewFakeClock(time.Now())
	st = fake.NewStore(fakeClock)
	adminToken = sign("admin-user", v1alpha1.RoleAdmin)
	userToken = sign("plain-user")
})

var _ = BeforeEach(func() {
	st.Reset()
	reg = registry.New(16)
	triggers = 0
	lifecycle := pods.NewLifecycle(st, fakeClock)
	api := admin.New(st, reg, lifecycle, stubReconciler{}, auth.NewHMAC(secret), fakeClock)
	router = api.Routes()
	lo.Must(st.Namespaces().Create(ctx, &v1alpha1.Namespace{Name: v1alpha1.DefaultNamespace}))
})

func do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](rec *httptest.ResponseRecorder) T {
	var out T
	Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
	return out
}

var _ = Describe("API", func() {
	Context("authentication", func() {
		It("should reject requests without a token", func() {
			Expect(do(http.MethodGet, "/v1alpha1/nodes", "", nil).Code).To(Equal(http.StatusUnauthorized))
		})

		It("should allow reads to any principal but mutations only to admins", func() {
			Expect(do(http.MethodGet, "/v1alpha1/nodes", userToken, nil).Code).To(Equal(http.StatusOK))
			rec := do(http.MethodPost, "/v1alpha1/namespaces", userToken, map[string]string{"name": "staging"})
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})
	})

	Context("namespaces", func() {
		It("should create and fetch namespaces", func() {
			Expect(do(http.MethodPost, "/v1alpha1/namespaces", adminToken, map[string]string{"name": "staging"}).Code).To(Equal(http.StatusCreated))
			Expect(do(http.MethodGet, "/v1alpha1/namespaces/staging", userToken, nil).Code).To(Equal(http.StatusOK))
			Expect(do(http.MethodPost, "/v1alpha1/namespaces", adminToken, map[string]string{"name": "staging"}).Code).To(Equal(http.StatusConflict))
		})

		It("should reject invalid names", func() {
			Expect(do(http.MethodPost, "/v1alpha1/namespaces", adminToken, map[string]string{"name": ""}).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("packs", func() {
		It("should publish a pack", func() {
			rec := do(http.MethodPost, "/v1alpha1/packs", adminToken, map[string]interface{}{
				"name":       "billing",
				"version":    "1.0.0",
				"runtimeTag": "process",
				"visibility": "public",
			})
			Expect(rec.Code).To(Equal(http.StatusCreated))
			pack := decodeBody[v1alpha1.Pack](rec)
			Expect(pack.OwnerID).To(Equal("admin-user"))
		})

		It("should reject non-semver versions", func() {
			rec := do(http.MethodPost, "/v1alpha1/packs", adminToken, map[string]interface{}{
				"name":       "billing",
				"version":    "one",
				"runtimeTag": "process",
			})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should hide private packs from principals without access", func() {
			lo.Must(st.Packs().Create(ctx, test.Pack(test.PackOptions{
				Visibility: v1alpha1.PackPrivate,
				OwnerID:    "someone-else",
			})))
			Expect(decodeBody[[]v1alpha1.Pack](do(http.MethodGet, "/v1alpha1/packs", userToken, nil))).To(BeEmpty())
			Expect(decodeBody[[]v1alpha1.Pack](do(http.MethodGet, "/v1alpha1/packs", adminToken, nil))).To(HaveLen(1))
		})
	})

	Context("nodes", func() {
		It("should filter by status", func() {
			lo.Must(st.Nodes().Create(ctx, test.Node()))
			lo.Must(st.Nodes().Create(ctx, test.Node(test.NodeOptions{Status: v1alpha1.NodeOffline})))

			Expect(decodeBody[[]v1alpha1.Node](do(http.MethodGet, "/v1alpha1/nodes?status=online", userToken, nil))).To(HaveLen(1))
		})

		It("should cordon and uncordon", func() {
			node := lo.Must(st.Nodes().Create(ctx, test.Node()))

			rec := do(http.MethodPut, "/v1alpha1/nodes/"+node.ID+"/cordon", adminToken, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeBody[v1alpha1.Node](rec).Unschedulable).To(BeTrue())

			rec = do(http.MethodPut, "/v1alpha1/nodes/"+node.ID+"/uncordon", adminToken, nil)
			Expect(decodeBody[v1alpha1.Node](rec).Unschedulable).To(BeFalse())
		})

		It("should only delete offline nodes", func() {
			online := lo.Must(st.Nodes().Create(ctx, test.Node()))
			offline := lo.Must(st.Nodes().Create(ctx, test.Node(test.NodeOptions{Status: v1alpha1.NodeOffline})))

			Expect(do(http.MethodDelete, "/v1alpha1/nodes/"+online.ID, adminToken, nil).Code).To(Equal(http.StatusConflict))
			Expect(do(http.MethodDelete, "/v1alpha1/nodes/"+offline.ID, adminToken, nil).Code).To(Equal(http.StatusNoContent))
		})

		It("should remove the pods bound to a deleted node", func() {
			offline := lo.Must(st.Nodes().Create(ctx, test.Node(test.NodeOptions{Status: v1alpha1.NodeOffline})))
			svc := lo.Must(st.Services().Create(ctx, test.Service()))
			lo.Must(st.Pods().Create(ctx, test.Pod(test.PodOptions{
				ServiceID: svc.ID,
				NodeID:    offline.ID,
				Status:    v1alpha1.PodFailed,
				Reason:    v1alpha1.ReasonNodeLost,
			})))

			Expect(do(http.MethodDelete, "/v1alpha1/nodes/"+offline.ID, adminToken, nil).Code).To(Equal(http.StatusNoContent))
			Expect(lo.Must(st.Pods().List(ctx, store.PodFilter{NodeID: offline.ID}))).To(BeEmpty())
		})
	})

	Context("services", func() {
		var pack *v1alpha1.Pack

		BeforeEach(func() {
			pack = lo.Must(st.Packs().Create(ctx, test.Pack()))
		})

		It("should create a service pinned to the latest pack version and trigger a pass", func() {
			lo.Must(st.Packs().Create(ctx, test.Pack(test.PackOptions{Version: "1.5.0"})))

			rec := do(http.MethodPost, "/v1alpha1/services", adminToken, map[string]interface{}{
				"name":     "api",
				"packName": pack.Name,
				"replicas": 2,
			})
			Expect(rec.Code).To(Equal(http.StatusCreated))
			svc := decodeBody[v1alpha1.Service](rec)
			Expect(svc.PackVersion).To(Equal("1.5.0"))
			Expect(svc.OwnerID).To(Equal("admin-user"))
			Expect(triggers).To(Equal(1))
		})

		It("should reject unknown namespaces and packs", func() {
			rec := do(http.MethodPost, "/v1alpha1/services", adminToken, map[string]interface{}{
				"name": "api", "namespace": "absent", "packName": pack.Name, "replicas": 1,
			})
			Expect(rec.Code).To(Equal(http.StatusNotFound))

			rec = do(http.MethodPost, "/v1alpha1/services", adminToken, map[string]interface{}{
				"name": "api", "packName": "absent", "replicas": 1,
			})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("should reject inaccessible packs", func() {
			private := lo.Must(st.Packs().Create(ctx, test.Pack(test.PackOptions{
				Name:       "secret-pack",
				Visibility: v1alpha1.PackPrivate,
				OwnerID:    "someone-else",
			})))
			rec := do(http.MethodPost, "/v1alpha1/services", adminToken, map[string]interface{}{
				"name": "api", "packName": private.Name, "replicas": 1,
			})
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})

		It("should reject negative replica counts", func() {
			rec := do(http.MethodPost, "/v1alpha1/services", adminToken, map[string]interface{}{
				"name": "api", "packName": pack.Name, "replicas": -1,
			})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should pause, resume and delete", func() {
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack})))

			rec := do(http.MethodPut, "/v1alpha1/services/"+svc.ID+"/pause", adminToken, nil)
			Expect(decodeBody[v1alpha1.Service](rec).Status).To(Equal(v1alpha1.ServicePaused))

			// Resuming clears the failure bookkeeping.
			svc = lo.Must(st.Services().Get(ctx, svc.ID))
			svc.ConsecutiveFailures = 2
			svc.FailedVersion = "2.0.0"
			lo.Must(st.Services().Update(ctx, svc))

			rec = do(http.MethodPut, "/v1alpha1/services/"+svc.ID+"/resume", adminToken, nil)
			resumed := decodeBody[v1alpha1.Service](rec)
			Expect(resumed.Status).To(Equal(v1alpha1.ServiceActive))
			Expect(resumed.ConsecutiveFailures).To(BeZero())
			Expect(resumed.FailedVersion).To(BeEmpty())

			rec = do(http.MethodDelete, "/v1alpha1/services/"+svc.ID, adminToken, nil)
			Expect(decodeBody[v1alpha1.Service](rec).Status).To(Equal(v1alpha1.ServiceDeleting))
		})

		It("should refuse updates to a deleting service", func() {
			svc := test.Service(test.ServiceOptions{Pack: pack, Status: v1alpha1.ServiceDeleting})
			svc = lo.Must(st.Services().Create(ctx, svc))

			rec := do(http.MethodPut, "/v1alpha1/services/"+svc.ID, adminToken, map[string]interface{}{
				"name": svc.Name, "packName": pack.Name, "replicas": 1,
			})
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	Context("pods", func() {
		It("should stop a pending pod directly", func() {
			pod := lo.Must(st.Pods().Create(ctx, test.Pod()))

			rec := do(http.MethodPost, "/v1alpha1/pods/"+pod.ID+"/stop", adminToken, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			stopped := decodeBody[v1alpha1.Pod](rec)
			Expect(stopped.Status).To(Equal(v1alpha1.PodStopped))
			Expect(stopped.TerminationReason).To(Equal(v1alpha1.ReasonAdminStop))
		})

		It("should order a running pod stopped through its node", func() {
			node := lo.Must(st.Nodes().Create(ctx, test.Node()))
			sess := reg.Register(auth.Principal{UserID: node.OwnerID})
			Expect(reg.BindNode(sess.ID, node.ID)).To(Succeed())
			pod := lo.Must(st.Pods().Create(ctx, test.Pod(test.PodOptions{
				NodeID: node.ID,
				Status: v1alpha1.PodRunning,
			})))

			rec := do(http.MethodPost, "/v1alpha1/pods/"+pod.ID+"/stop", adminToken, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeBody[v1alpha1.Pod](rec).Status).To(Equal(v1alpha1.PodStopping))

			var frame protocol.Frame
			Eventually(sess.Outbound()).Should(Receive(&frame))
			Expect(frame.Type).To(Equal(protocol.TypePodStopCmd))
		})

		It("should accept the stop when the node is away", func() {
			node := lo.Must(st.Nodes().Create(ctx, test.Node()))
			pod := lo.Must(st.Pods().Create(ctx, test.Pod(test.PodOptions{
				NodeID: node.ID,
				Status: v1alpha1.PodRunning,
			})))

			rec := do(http.MethodPost, "/v1alpha1/pods/"+pod.ID+"/stop", adminToken, nil)
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			Expect(decodeBody[v1alpha1.Pod](rec).Status).To(Equal(v1alpha1.PodStopping))
		})

		It("should refuse stopping terminal pods", func() {
			pod := lo.Must(st.Pods().Create(ctx, test.Pod(test.PodOptions{
				Status: v1alpha1.PodStopped,
				Reason: v1alpha1.ReasonAdminStop,
			})))
			Expect(do(http.MethodPost, "/v1alpha1/pods/"+pod.ID+"/stop", adminToken, nil).Code).To(Equal(http.StatusConflict))
		})

		It("should serve pod history and 404 unknown pods", func() {
			pod := lo.Must(st.Pods().Create(ctx, test.Pod()))
			Expect(st.PodHistory().Append(ctx, &v1alpha1.PodHistory{PodID: pod.ID, Action: v1alpha1.ActionCreated})).To(Succeed())

			rec := do(http.MethodGet, fmt.Sprintf("/v1alpha1/pods/%s/history", pod.ID), userToken, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeBody[[]v1alpha1.PodHistory](rec)).To(HaveLen(1))

			Expect(do(http.MethodGet, "/v1alpha1/pods/absent/history", userToken, nil).Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("reconcile", func() {
		It("should trigger a pass", func() {
			Expect(do(http.MethodPost, "/v1alpha1/reconcile", adminToken, nil).Code).To(Equal(http.StatusAccepted))
			Expect(triggers).To(Equal(1))
		})
	})
})

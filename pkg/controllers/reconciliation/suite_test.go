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

package reconciliation_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/auth"
	"github.com/flotilla-sh/flotilla/pkg/config"
	"github.com/flotilla-sh/flotilla/pkg/controllers/reconciliation"
	"github.com/flotilla-sh/flotilla/pkg/events"
	"github.com/flotilla-sh/flotilla/pkg/fake"
	"github.com/flotilla-sh/flotilla/pkg/pods"
	"github.com/flotilla-sh/flotilla/pkg/registry"
	"github.com/flotilla-sh/flotilla/pkg/session/protocol"
	"github.com/flotilla-sh/flotilla/pkg/store"
	"github.com/flotilla-sh/flotilla/pkg/test"
)

var (
	ctx        context.Context
	fakeClock  *clocktesting.FakeClock
	st         *fake.Store
	reg        *registry.Registry
	cfg        *config.Static
	controller *reconciliation.Controller
)

func TestReconciliation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reconciliation")
}

var _ = BeforeSuite(func() {
	ctx = context.Background()
	fakeClock = clocktesting.NewFakeClock(time.Now())
	st = fake.NewStore(fakeClock)
})

var _ = BeforeEach(func() {
	st.Reset()
	reg = registry.New(64)
	cfg = config.Defaults()
	controller = newController()
})

func newController() *reconciliation.Controller {
	lifecycle := pods.NewLifecycle(st, fakeClock)
	recorder := events.NewRecorder(zap.NewNop().Sugar())
	return reconciliation.NewController(st, reg, lifecycle, recorder, cfg, fakeClock)
}

func connectedNode(overrides ...test.NodeOptions) *v1alpha1.Node {
	node := lo.Must(st.Nodes().Create(ctx, test.Node(overrides...)))
	sess := reg.Register(auth.Principal{UserID: node.OwnerID})
	Expect(reg.BindNode(sess.ID, node.ID)).To(Succeed())
	return node
}

func servicePods(serviceID string) []*v1alpha1.Pod {
	return lo.Must(st.Pods().List(ctx, store.PodFilter{ServiceID: serviceID}))
}

func activePods(serviceID string) []*v1alpha1.Pod {
	return lo.Filter(servicePods(serviceID), func(p *v1alpha1.Pod, _ int) bool { return p.Status.Active() })
}

func drainDeploys(node *v1alpha1.Node) []protocol.Frame {
	sess, ok := reg.SessionForNode(node.ID)
	Expect(ok).To(BeTrue())
	frames := []protocol.Frame{}
	for {
		select {
		case frame := <-sess.Outbound():
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

var _ = Describe("Controller", func() {
	var pack *v1alpha1.Pack

	BeforeEach(func() {
		pack = lo.Must(st.Packs().Create(ctx, test.Pack()))
	})

	Context("replica services", func() {
		It("should create bound pods with monotonic incarnations and send deploys", func() {
			node := connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 2})))

			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			created := activePods(svc.ID)
			Expect(created).To(HaveLen(2))
			incarnations := lo.Map(created, func(p *v1alpha1.Pod, _ int) int64 { return p.Incarnation })
			Expect(incarnations).To(ConsistOf(int64(1), int64(2)))
			for _, pod := range created {
				Expect(lo.FromPtr(pod.NodeID)).To(Equal(node.ID))
				Expect(pod.Status).To(Equal(v1alpha1.PodPending))
				Expect(pod.Labels).To(HaveKeyWithValue(v1alpha1.LabelServiceID, svc.ID))
				Expect(pod.Labels).To(HaveKeyWithValue(v1alpha1.LabelServiceOwner, svc.Name))
			}
			deploys := lo.Filter(drainDeploys(node), func(f protocol.Frame, _ int) bool { return f.Type == protocol.TypePodDeploy })
			Expect(deploys).To(HaveLen(2))
		})

		It("should be idempotent across passes", func() {
			connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 2})))

			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			Expect(activePods(svc.ID)).To(HaveLen(2))
		})

		It("should spread replicas across the least loaded nodes", func() {
			a := connectedNode()
			b := connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 2})))

			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			byNode := lo.CountValuesBy(activePods(svc.ID), func(p *v1alpha1.Pod) string { return lo.FromPtr(p.NodeID) })
			Expect(byNode[a.ID]).To(Equal(1))
			Expect(byNode[b.ID]).To(Equal(1))
		})

		It("should create nothing when no node is eligible and retry later", func() {
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 2})))

			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			Expect(servicePods(svc.ID)).To(BeEmpty())

			connectedNode()
			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			Expect(activePods(svc.ID)).To(HaveLen(2))
		})

		It("should replace pods lost to infrastructure without counting failures", func() {
			connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 1})))
			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			pod := activePods(svc.ID)[0]
			pod.Status = v1alpha1.PodFailed
			pod.TerminationReason = v1alpha1.ReasonNodeLost
			now := fakeClock.Now().UTC()
			pod.StoppedAt = &now
			lo.Must(st.Pods().Update(ctx, pod))

			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			Expect(activePods(svc.ID)).To(HaveLen(1))
			svc = lo.Must(st.Services().Get(ctx, svc.ID))
			Expect(svc.ConsecutiveFailures).To(BeZero())
			Expect(svc.Status).To(Equal(v1alpha1.ServiceActive))
		})

		It("should scale down the newest pods first", func() {
			node := connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 3})))
			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			// Two pods reach running; the third stays pending.
			created := activePods(svc.ID)
			for _, pod := range created[:2] {
				pod.Status = v1alpha1.PodRunning
				lo.Must(st.Pods().Update(ctx, pod))
			}

			svc = lo.Must(st.Services().Get(ctx, svc.ID))
			svc.Replicas = 1
			lo.Must(st.Services().Update(ctx, svc))
			drainDeploys(node)

			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			remaining := lo.Filter(activePods(svc.ID), func(p *v1alpha1.Pod, _ int) bool {
				return p.Status != v1alpha1.PodStopping
			})
			Expect(remaining).To(HaveLen(1))
			Expect(remaining[0].Status).To(Equal(v1alpha1.PodRunning))

			// The never-running pod was stopped directly; it carries the
			// scale-down reason.
			stopped := lo.Filter(servicePods(svc.ID), func(p *v1alpha1.Pod, _ int) bool { return p.Status.Terminal() })
			Expect(stopped).To(HaveLen(1))
			Expect(stopped[0].TerminationReason).To(Equal(v1alpha1.ReasonScaleDown))
		})

		It("should re-issue deploys for pending bound pods", func() {
			node := connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 1})))
			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			drainDeploys(node)

			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			deploys := lo.Filter(drainDeploys(node), func(f protocol.Frame, _ int) bool { return f.Type == protocol.TypePodDeploy })
			Expect(deploys).To(HaveLen(1))
			Expect(activePods(svc.ID)).To(HaveLen(1))
		})
	})

	Context("daemonset services", func() {
		It("should run one pod per eligible node and skip ineligible ones", func() {
			a := connectedNode()
			b := connectedNode()
			cordoned := connectedNode(test.NodeOptions{Unschedulable: true})
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 0})))

			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			created := activePods(svc.ID)
			Expect(created).To(HaveLen(2))
			nodeIDs := lo.Map(created, func(p *v1alpha1.Pod, _ int) string { return lo.FromPtr(p.NodeID) })
			Expect(nodeIDs).To(ConsistOf(a.ID, b.ID))
			Expect(nodeIDs).ToNot(ContainElement(cordoned.ID))

			// A node joining later gets its pod on the next pass.
			c := connectedNode()
			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			Expect(activePods(svc.ID)).To(HaveLen(3))
			Expect(lo.Map(activePods(svc.ID), func(p *v1alpha1.Pod, _ int) string { return lo.FromPtr(p.NodeID) })).To(ContainElement(c.ID))
		})

		It("should not duplicate pods on covered nodes", func() {
			connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 0})))
			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			Expect(activePods(svc.ID)).To(HaveLen(1))
		})
	})

	Context("rolling updates", func() {
		It("should follow the latest pack version and replace outdated pods in one pass", func() {
			node := connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{
				Pack: pack, Replicas: 1, FollowLatest: true,
			})))
			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			pod := activePods(svc.ID)[0]
			pod.Status = v1alpha1.PodRunning
			lo.Must(st.Pods().Update(ctx, pod))
			drainDeploys(node)

			lo.Must(st.Packs().Create(ctx, test.Pack(test.PackOptions{Version: "2.0.0"})))
			// A later pass, after the latest-pack cache entry has lapsed.
			controller = newController()
			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			svc = lo.Must(st.Services().Get(ctx, svc.ID))
			Expect(svc.PackVersion).To(Equal("2.0.0"))

			old := lo.Must(st.Pods().Get(ctx, pod.ID))
			Expect(old.Status).To(Equal(v1alpha1.PodStopping))
			Expect(old.TerminationReason).To(Equal(v1alpha1.ReasonRollingUpdate))

			replacements := lo.Filter(activePods(svc.ID), func(p *v1alpha1.Pod, _ int) bool {
				return p.PackVersion == "2.0.0"
			})
			Expect(replacements).To(HaveLen(1))
			Expect(replacements[0].Incarnation).To(BeNumerically(">", old.Incarnation))
		})

		It("should keep pinned services on their version", func() {
			connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 1})))
			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			lo.Must(st.Packs().Create(ctx, test.Pack(test.PackOptions{Version: "2.0.0"})))
			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			Expect(lo.Must(st.Services().Get(ctx, svc.ID)).PackVersion).To(Equal("1.0.0"))
		})

		It("should not retry a failed version while its backoff runs", func() {
			connectedNode()
			until := fakeClock.Now().UTC().Add(time.Hour)
			svc := test.Service(test.ServiceOptions{Pack: pack, Replicas: 1, FollowLatest: true})
			svc.FailedVersion = "2.0.0"
			svc.FailureBackoffUntil = &until
			svc = lo.Must(st.Services().Create(ctx, svc))
			lo.Must(st.Packs().Create(ctx, test.Pack(test.PackOptions{Version: "2.0.0"})))

			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			svc = lo.Must(st.Services().Get(ctx, svc.ID))
			Expect(svc.PackVersion).To(Equal("1.0.0"))
			Expect(activePods(svc.ID)[0].PackVersion).To(Equal("1.0.0"))
		})
	})

	Context("crash loops", func() {
		It("should roll back to the last successful version after repeated application failures", func() {
			connectedNode()
			svc := test.Service(test.ServiceOptions{Pack: pack, Replicas: 1})
			svc.PackVersion = "2.0.0"
			svc.LastSuccessfulVersion = "1.0.0"
			svc = lo.Must(st.Services().Create(ctx, svc))
			lo.Must(st.Packs().Create(ctx, test.Pack(test.PackOptions{Version: "2.0.0"})))

			now := fakeClock.Now().UTC()
			for i := 0; i < cfg.MaxConsecutiveFailures(); i++ {
				pod := lo.Must(st.Pods().Create(ctx, test.Pod(test.PodOptions{ServiceID: svc.ID, PackVersion: "2.0.0"})))
				pod.Status = v1alpha1.PodFailed
				pod.TerminationReason = v1alpha1.ReasonCrash
				pod.StoppedAt = &now
				lo.Must(st.Pods().Update(ctx, pod))
			}

			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			svc = lo.Must(st.Services().Get(ctx, svc.ID))
			Expect(svc.PackVersion).To(Equal("1.0.0"))
			Expect(svc.FailedVersion).To(Equal("2.0.0"))
			Expect(svc.FailureBackoffUntil).ToNot(BeNil())
			Expect(svc.Status).To(Equal(v1alpha1.ServiceActive))

			// Replacements run the rolled back version.
			Expect(activePods(svc.ID)).To(HaveLen(1))
			Expect(activePods(svc.ID)[0].PackVersion).To(Equal("1.0.0"))
		})

		It("should pause a service with no successful version to fall back to", func() {
			connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 1})))

			now := fakeClock.Now().UTC()
			for i := 0; i < cfg.MaxConsecutiveFailures(); i++ {
				pod := lo.Must(st.Pods().Create(ctx, test.Pod(test.PodOptions{ServiceID: svc.ID})))
				pod.Status = v1alpha1.PodFailed
				pod.TerminationReason = v1alpha1.ReasonExitNonZero
				pod.StoppedAt = &now
				lo.Must(st.Pods().Update(ctx, pod))
			}

			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			svc = lo.Must(st.Services().Get(ctx, svc.ID))
			Expect(svc.Status).To(Equal(v1alpha1.ServicePaused))
			Expect(activePods(svc.ID)).To(BeEmpty())
		})

		It("should not count the same failure twice across passes", func() {
			connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 1})))

			now := fakeClock.Now().UTC()
			pod := lo.Must(st.Pods().Create(ctx, test.Pod(test.PodOptions{ServiceID: svc.ID})))
			pod.Status = v1alpha1.PodFailed
			pod.TerminationReason = v1alpha1.ReasonCrash
			pod.StoppedAt = &now
			lo.Must(st.Pods().Update(ctx, pod))

			Expect(controller.ReconcileService(ctx, svc.ID)).To(Succeed())
			first := lo.Must(st.Services().Get(ctx, svc.ID)).ConsecutiveFailures

			// The replacement pod is still pending, so nothing runs; a second
			// pass must not recount the old failure.
			Expect(controller.ReconcileService(ctx, svc.ID)).To(Succeed())
			Expect(lo.Must(st.Services().Get(ctx, svc.ID)).ConsecutiveFailures).To(Equal(first))
		})

		It("should ignore failures outside the detection window", func() {
			connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 1})))

			old := fakeClock.Now().UTC().Add(-2 * cfg.FailureDetectionWindow())
			pod := lo.Must(st.Pods().Create(ctx, test.Pod(test.PodOptions{ServiceID: svc.ID})))
			pod.Status = v1alpha1.PodFailed
			pod.TerminationReason = v1alpha1.ReasonCrash
			pod.StoppedAt = &old
			lo.Must(st.Pods().Update(ctx, pod))

			Expect(controller.ReconcileService(ctx, svc.ID)).To(Succeed())
			Expect(lo.Must(st.Services().Get(ctx, svc.ID)).ConsecutiveFailures).To(BeZero())
		})
	})

	Context("deletion", func() {
		It("should stop pods then remove the service", func() {
			connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 1})))
			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			svc = lo.Must(st.Services().Get(ctx, svc.ID))
			svc.Status = v1alpha1.ServiceDeleting
			lo.Must(st.Services().Update(ctx, svc))

			// First pass stops the pending pod; second pass deletes the row.
			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			_, err := st.Services().Get(ctx, svc.ID)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("status", func() {
		It("should track ready and total replicas and record success", func() {
			connectedNode()
			svc := lo.Must(st.Services().Create(ctx, test.Service(test.ServiceOptions{Pack: pack, Replicas: 2})))
			Expect(controller.ReconcileAll(ctx)).To(Succeed())

			pod := activePods(svc.ID)[0]
			pod.Status = v1alpha1.PodRunning
			lo.Must(st.Pods().Update(ctx, pod))

			Expect(controller.ReconcileAll(ctx)).To(Succeed())
			svc = lo.Must(st.Services().Get(ctx, svc.ID))
			Expect(svc.ReadyReplicas).To(Equal(1))
			Expect(svc.TotalReplicas).To(Equal(2))
			Expect(svc.LastSuccessfulVersion).To(Equal(pack.Version))
		})
	})
})

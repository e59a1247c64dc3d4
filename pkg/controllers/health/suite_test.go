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

package health_test

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
	"github.com/flotilla-sh/flotilla/pkg/controllers/health"
	"github.com/flotilla-sh/flotilla/pkg/events"
	"github.com/flotilla-sh/flotilla/pkg/fake"
	"github.com/flotilla-sh/flotilla/pkg/pods"
	"github.com/flotilla-sh/flotilla/pkg/registry"
	"github.com/flotilla-sh/flotilla/pkg/test"
)

var (
	ctx        context.Context
	fakeClock  *clocktesting.FakeClock
	store      *fake.Store
	reg        *registry.Registry
	cfg        *config.Static
	controller *health.Controller
	triggers   int
)

func TestHealth(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Health")
}

var _ = BeforeSuite(func() {
	ctx = context.Background()
	fakeClock = clocktesting.NewFakeClock(time.Now())
	store = fake.NewStore(fakeClock)
})

var _ = BeforeEach(func() {
	store.Reset()
	reg = registry.New(16)
	cfg = config.Defaults()
	triggers = 0
	lifecycle := pods.NewLifecycle(store, fakeClock)
	recorder := events.NewRecorder(zap.NewNop().Sugar())
	controller = health.NewController(store, reg, lifecycle, recorder, cfg, fakeClock, func() { triggers++ })
})

// onlineNode stores an online node with a fresh heartbeat and a live
// session bound to it.
func onlineNode() *v1alpha1.Node {
	node := test.Node()
	now := fakeClock.Now().UTC()
	node.LastHeartbeat = &now
	node = lo.Must(store.Nodes().Create(ctx, node))
	sess := reg.Register(auth.Principal{UserID: node.OwnerID})
	Expect(reg.BindNode(sess.ID, node.ID)).To(Succeed())
	return node
}

var _ = Describe("Controller", func() {
	It("should leave healthy nodes online", func() {
		node := onlineNode()
		Expect(controller.Scan(ctx)).To(Succeed())
		Expect(lo.Must(store.Nodes().Get(ctx, node.ID)).Status).To(Equal(v1alpha1.NodeOnline))
	})

	It("should suspect nodes with stale heartbeats", func() {
		node := onlineNode()
		fakeClock.Step(cfg.SuspectThreshold() + time.Second)
		Expect(controller.Scan(ctx)).To(Succeed())

		node = lo.Must(store.Nodes().Get(ctx, node.ID))
		Expect(node.Status).To(Equal(v1alpha1.NodeSuspect))
		Expect(node.SuspectSince).ToNot(BeNil())
		Expect(node.ConnectionID).To(BeNil())
	})

	It("should suspect online nodes without a live session", func() {
		node := test.Node()
		now := fakeClock.Now().UTC()
		node.LastHeartbeat = &now
		node = lo.Must(store.Nodes().Create(ctx, node))

		Expect(controller.Scan(ctx)).To(Succeed())
		Expect(lo.Must(store.Nodes().Get(ctx, node.ID)).Status).To(Equal(v1alpha1.NodeSuspect))
	})

	It("should keep suspect nodes within their lease", func() {
		node := onlineNode()
		fakeClock.Step(cfg.SuspectThreshold() + time.Second)
		Expect(controller.Scan(ctx)).To(Succeed())

		fakeClock.Step(cfg.LeaseDuration() / 2)
		Expect(controller.Scan(ctx)).To(Succeed())
		Expect(lo.Must(store.Nodes().Get(ctx, node.ID)).Status).To(Equal(v1alpha1.NodeSuspect))
	})

	It("should take a suspect node offline after its lease and revoke its pods", func() {
		node := onlineNode()
		running := lo.Must(store.Pods().Create(ctx, test.Pod(test.PodOptions{
			NodeID: node.ID,
			Status: v1alpha1.PodRunning,
		})))
		stopped := lo.Must(store.Pods().Create(ctx, test.Pod(test.PodOptions{
			NodeID: node.ID,
			Status: v1alpha1.PodStopped,
			Reason: v1alpha1.ReasonAdminStop,
		})))

		fakeClock.Step(cfg.SuspectThreshold() + time.Second)
		Expect(controller.Scan(ctx)).To(Succeed())
		fakeClock.Step(cfg.LeaseDuration() + time.Second)
		Expect(controller.Scan(ctx)).To(Succeed())

		node = lo.Must(store.Nodes().Get(ctx, node.ID))
		Expect(node.Status).To(Equal(v1alpha1.NodeOffline))

		running = lo.Must(store.Pods().Get(ctx, running.ID))
		Expect(running.Status).To(Equal(v1alpha1.PodFailed))
		Expect(running.TerminationReason).To(Equal(v1alpha1.ReasonNodeLost))
		Expect(running.Message).To(ContainSubstring("lease expired after"))

		// Already terminal pods are untouched.
		Expect(lo.Must(store.Pods().Get(ctx, stopped.ID)).TerminationReason).To(Equal(v1alpha1.ReasonAdminStop))
		Expect(triggers).To(Equal(1))
	})

	It("should not advance offline nodes", func() {
		node := test.Node(test.NodeOptions{Status: v1alpha1.NodeOffline})
		node = lo.Must(store.Nodes().Create(ctx, node))
		Expect(controller.Scan(ctx)).To(Succeed())
		Expect(lo.Must(store.Nodes().Get(ctx, node.ID)).Status).To(Equal(v1alpha1.NodeOffline))
	})
})

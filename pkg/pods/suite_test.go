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

package pods_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/fake"
	"github.com/flotilla-sh/flotilla/pkg/pods"
	"github.com/flotilla-sh/flotilla/pkg/test"
)

var (
	ctx       context.Context
	fakeClock *clocktesting.FakeClock
	store     *fake.Store
	lifecycle *pods.Lifecycle
)

func TestPods(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pods")
}

var _ = BeforeSuite(func() {
	ctx = context.Background()
	fakeClock = clocktesting.NewFakeClock(time.Now())
	store = fake.NewStore(fakeClock)
	lifecycle = pods.NewLifecycle(store, fakeClock)
})

var _ = BeforeEach(func() {
	store.Reset()
})

func mustCreate(pod *v1alpha1.Pod) *v1alpha1.Pod {
	return lo.Must(store.Pods().Create(ctx, pod))
}

var _ = Describe("Lifecycle", func() {
	It("should walk a pod through its happy path and stamp timestamps once", func() {
		pod := mustCreate(test.Pod())

		pod, err := lifecycle.Apply(ctx, pods.Transition{PodID: pod.ID, Target: v1alpha1.PodScheduled, Actor: "reconciler"})
		Expect(err).ToNot(HaveOccurred())
		Expect(pod.ScheduledAt).ToNot(BeNil())
		scheduledAt := *pod.ScheduledAt

		fakeClock.Step(time.Second)
		pod, err = lifecycle.Apply(ctx, pods.Transition{PodID: pod.ID, Target: v1alpha1.PodStarting, Actor: "node"})
		Expect(err).ToNot(HaveOccurred())

		fakeClock.Step(time.Second)
		pod, err = lifecycle.Apply(ctx, pods.Transition{PodID: pod.ID, Target: v1alpha1.PodRunning, Actor: "node"})
		Expect(err).ToNot(HaveOccurred())
		Expect(pod.StartedAt).ToNot(BeNil())
		Expect(*pod.ScheduledAt).To(Equal(scheduledAt))

		fakeClock.Step(time.Second)
		pod, err = lifecycle.Apply(ctx, pods.Transition{
			PodID: pod.ID, Target: v1alpha1.PodStopped, Reason: v1alpha1.ReasonAdminStop, Actor: "admin",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(pod.StoppedAt).ToNot(BeNil())
		Expect(pod.TerminationReason).To(Equal(v1alpha1.ReasonAdminStop))
	})

	It("should treat terminal statuses as final", func() {
		pod := mustCreate(test.Pod(test.PodOptions{Status: v1alpha1.PodRunning}))
		pod, err := lifecycle.Apply(ctx, pods.Transition{
			PodID: pod.ID, Target: v1alpha1.PodFailed, Reason: v1alpha1.ReasonCrash, Actor: "node",
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = lifecycle.Apply(ctx, pods.Transition{PodID: pod.ID, Target: v1alpha1.PodRunning, Actor: "node"})
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should reject invalid transitions", func() {
		pod := mustCreate(test.Pod())
		_, err := lifecycle.Apply(ctx, pods.Transition{PodID: pod.ID, Target: v1alpha1.PodRunning, Actor: "node"})
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should allow running to starting for node driven restarts", func() {
		pod := mustCreate(test.Pod(test.PodOptions{Status: v1alpha1.PodRunning}))
		pod, err := lifecycle.Apply(ctx, pods.Transition{PodID: pod.ID, Target: v1alpha1.PodStarting, Actor: "node"})
		Expect(err).ToNot(HaveOccurred())
		Expect(pod.Status).To(Equal(v1alpha1.PodStarting))

		history := lo.Must(store.PodHistory().List(ctx, pod.ID))
		Expect(history).To(HaveLen(1))
		Expect(history[0].Action).To(Equal(v1alpha1.ActionRestarted))
	})

	It("should reject messages carrying a stale incarnation", func() {
		svc := test.Service()
		first := mustCreate(test.Pod(test.PodOptions{ServiceID: svc.ID}))
		second := mustCreate(test.Pod(test.PodOptions{ServiceID: svc.ID}))
		Expect(second.Incarnation).To(BeNumerically(">", first.Incarnation))

		stale := first.Incarnation
		_, err := lifecycle.Apply(ctx, pods.Transition{
			PodID: second.ID, Incarnation: &stale, Target: v1alpha1.PodRunning, Actor: "node",
		})
		Expect(errors.IsStaleIncarnation(err)).To(BeTrue())

		current := second.Incarnation
		_, err = lifecycle.Apply(ctx, pods.Transition{
			PodID: second.ID, Incarnation: &current, Target: v1alpha1.PodScheduled, Actor: "node",
		})
		Expect(err).ToNot(HaveOccurred())
	})

	It("should require a reason for terminal transitions", func() {
		pod := mustCreate(test.Pod(test.PodOptions{Status: v1alpha1.PodRunning}))
		_, err := lifecycle.Apply(ctx, pods.Transition{PodID: pod.ID, Target: v1alpha1.PodFailed, Actor: "node"})
		Expect(errors.IsValidation(err)).To(BeTrue())
	})

	It("should keep the reason stamped on the way into stopping", func() {
		pod := mustCreate(test.Pod(test.PodOptions{Status: v1alpha1.PodRunning}))
		pod, err := lifecycle.Apply(ctx, pods.Transition{
			PodID: pod.ID, Target: v1alpha1.PodStopping, Reason: v1alpha1.ReasonRollingUpdate, Actor: "reconciler",
		})
		Expect(err).ToNot(HaveOccurred())

		pod, err = lifecycle.Apply(ctx, pods.Transition{PodID: pod.ID, Target: v1alpha1.PodStopped, Actor: "node"})
		Expect(err).ToNot(HaveOccurred())
		Expect(pod.TerminationReason).To(Equal(v1alpha1.ReasonRollingUpdate))
	})

	It("should append ordered history entries", func() {
		pod := mustCreate(test.Pod())
		for _, target := range []v1alpha1.PodStatus{v1alpha1.PodScheduled, v1alpha1.PodStarting, v1alpha1.PodRunning} {
			_, err := lifecycle.Apply(ctx, pods.Transition{PodID: pod.ID, Target: target, Actor: "node"})
			Expect(err).ToNot(HaveOccurred())
		}
		history := lo.Must(store.PodHistory().List(ctx, pod.ID))
		Expect(history).To(HaveLen(3))
		Expect(history[0].Action).To(Equal(v1alpha1.ActionScheduled))
		Expect(history[2].Action).To(Equal(v1alpha1.ActionStarted))
	})

	It("should no-op same status transitions", func() {
		pod := mustCreate(test.Pod(test.PodOptions{Status: v1alpha1.PodRunning}))
		pod, err := lifecycle.Apply(ctx, pods.Transition{PodID: pod.ID, Target: v1alpha1.PodRunning, Actor: "node"})
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.Must(store.PodHistory().List(ctx, pod.ID))).To(BeEmpty())
	})
})

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

package registry_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flotilla-sh/flotilla/pkg/auth"
	"github.com/flotilla-sh/flotilla/pkg/errors"
	"github.com/flotilla-sh/flotilla/pkg/registry"
	"github.com/flotilla-sh/flotilla/pkg/session/protocol"
)

func TestRegistry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Registry")
}

var _ = Describe("Registry", func() {
	var reg *registry.Registry
	principal := auth.Principal{UserID: "owner", Roles: []string{"node"}}

	BeforeEach(func() {
		reg = registry.New(4)
	})

	It("should register and unregister sessions", func() {
		sess := reg.Register(principal)
		Expect(reg.Len()).To(Equal(1))
		Expect(reg.Unregister(sess.ID)).To(BeEmpty())
		Expect(reg.Len()).To(BeZero())
	})

	It("should route frames to the session holding a node", func() {
		sess := reg.Register(principal)
		Expect(reg.BindNode(sess.ID, "node-1")).To(Succeed())

		Expect(reg.SendToNode("node-1", protocol.New(protocol.TypePodDeploy, "", nil))).To(Succeed())
		Eventually(sess.Outbound()).Should(Receive())
	})

	It("should fail sends to nodes without a live session", func() {
		err := reg.SendToNode("node-1", protocol.New(protocol.TypePodDeploy, "", nil))
		Expect(errors.IsSendFailed(err)).To(BeTrue())
	})

	It("should fail sends when the outbound queue is full", func() {
		sess := reg.Register(principal)
		Expect(reg.BindNode(sess.ID, "node-1")).To(Succeed())
		for i := 0; i < 4; i++ {
			Expect(sess.Send(protocol.New(protocol.TypePodDeploy, "", nil))).To(Succeed())
		}
		err := sess.Send(protocol.New(protocol.TypePodDeploy, "", nil))
		Expect(errors.IsSendFailed(err)).To(BeTrue())
	})

	It("should give a node identity to at most one session", func() {
		first := reg.Register(principal)
		Expect(reg.BindNode(first.ID, "node-1")).To(Succeed())

		second := reg.Register(principal)
		Expect(reg.BindNode(second.ID, "node-1")).To(Succeed())

		// The first holder is closed and no longer routable.
		Eventually(first.Done()).Should(BeClosed())
		Expect(errors.IsSendFailed(first.Send(protocol.New(protocol.TypePodDeploy, "", nil)))).To(BeTrue())

		sess, ok := reg.SessionForNode("node-1")
		Expect(ok).To(BeTrue())
		Expect(sess.ID).To(Equal(second.ID))
	})

	It("should return the bound node on unregister", func() {
		sess := reg.Register(principal)
		Expect(reg.BindNode(sess.ID, "node-1")).To(Succeed())
		Expect(reg.Unregister(sess.ID)).To(Equal("node-1"))
		_, ok := reg.SessionForNode("node-1")
		Expect(ok).To(BeFalse())
	})

	It("should fail sends to a closed session", func() {
		sess := reg.Register(principal)
		sess.Close()
		Expect(errors.IsSendFailed(sess.Send(protocol.New(protocol.TypePodDeploy, "", nil)))).To(BeTrue())
	})
})

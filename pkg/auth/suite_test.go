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

package auth_test

import (
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/flotilla-sh/flotilla/pkg/auth"
	"github.com/flotilla-sh/flotilla/pkg/errors"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestAuth(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Auth")
}

func sign(key []byte, subject string, roles []string) string {
	signer := lo.Must(jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil))
	return lo.Must(jwt.Signed(signer).Claims(map[string]interface{}{
		"sub":   subject,
		"roles": roles,
	}).Serialize())
}

var _ = Describe("Authenticator", func() {
	var authenticator auth.Authenticator

	BeforeEach(func() {
		authenticator = auth.NewHMAC(secret)
	})

	It("should extract the principal from a valid token", func() {
		principal, err := authenticator.Authenticate("Bearer " + sign(secret, "user-1", []string{"admin"}))
		Expect(err).ToNot(HaveOccurred())
		Expect(principal.UserID).To(Equal("user-1"))
		Expect(principal.HasRole("admin")).To(BeTrue())
		Expect(principal.HasRole("node")).To(BeFalse())
	})

	It("should accept tokens without the Bearer prefix", func() {
		principal, err := authenticator.Authenticate(sign(secret, "user-1", nil))
		Expect(err).ToNot(HaveOccurred())
		Expect(principal.UserID).To(Equal("user-1"))
	})

	It("should reject empty tokens", func() {
		_, err := authenticator.Authenticate("")
		Expect(errors.IsUnauthorized(err)).To(BeTrue())
	})

	It("should reject malformed tokens", func() {
		_, err := authenticator.Authenticate("Bearer not-a-jwt")
		Expect(errors.IsUnauthorized(err)).To(BeTrue())
	})

	It("should reject tokens signed with another key", func() {
		other := []byte("ffffffffffffffffffffffffffffffff")
		_, err := authenticator.Authenticate("Bearer " + sign(other, "user-1", nil))
		Expect(errors.IsUnauthorized(err)).To(BeTrue())
	})

	It("should reject tokens without a subject", func() {
		_, err := authenticator.Authenticate("Bearer " + sign(secret, "", nil))
		Expect(errors.IsUnauthorized(err)).To(BeTrue())
	})
})

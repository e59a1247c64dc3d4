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

// Package auth verifies bearer tokens. Token issuance is an external
// concern; the orchestrator only validates signatures and extracts the
// principal.
package auth

import (
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/samber/lo"

	"github.com/flotilla-sh/flotilla/pkg/errors"
)

// Principal is the authenticated identity behind a session or admin request.
type Principal struct {
	UserID string
	Roles  []string
}

// HasRole returns true if the principal carries the role.
func (p Principal) HasRole(role string) bool {
	return lo.Contains(p.Roles, role)
}

// Authenticator turns a bearer token into a principal.
type Authenticator interface {
	Authenticate(token string) (Principal, error)
}

type claims struct {
	jwt.Claims
	Roles []string `json:"roles"`
}

type hmacAuthenticator struct {
	secret []byte
}

// NewHMAC returns an Authenticator verifying HS256-signed JWTs with the
// shared secret. The token subject is the user id; roles come from the
// "roles" claim.
func NewHMAC(secret []byte) Authenticator {
	return &hmacAuthenticator{secret: secret}
}

func (a *hmacAuthenticator) Authenticate(token string) (Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Principal{}, errors.New(errors.CodeUnauthorized, "missing bearer token")
	}
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Principal{}, errors.Wrap(errors.CodeUnauthorized, err, "malformed token")
	}
	cl := claims{}
	if err := parsed.Claims(a.secret, &cl); err != nil {
		return Principal{}, errors.Wrap(errors.CodeUnauthorized, err, "invalid token signature")
	}
	if cl.Subject == "" {
		return Principal{}, errors.New(errors.CodeUnauthorized, "token has no subject")
	}
	return Principal{UserID: cl.Subject, Roles: cl.Roles}, nil
}

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

package v1alpha1

import (
	"time"

	"github.com/samber/lo"
)

// PackVisibility controls who may deploy a pack.
type PackVisibility string

const (
	PackPublic  PackVisibility = "public"
	PackPrivate PackVisibility = "private"
)

// PackMetadata carries optional deployment constraints for a pack version.
type PackMetadata struct {
	// MinRuntimeVersion is a semver constraint on the node's runtime; empty
	// means any version.
	MinRuntimeVersion string            `json:"minRuntimeVersion,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// Pack is an immutable named, versioned bundle, the unit of deployment.
// The orchestrator consumes packs read-only.
type Pack struct {
	ID         string         `json:"id" db:"id"`
	Name       string         `json:"name" db:"name"`
	Version    string         `json:"version" db:"version"`
	RuntimeTag RuntimeKind    `json:"runtimeTag" db:"runtime_tag"`
	OwnerID    string         `json:"ownerId" db:"owner_id"`
	Visibility PackVisibility `json:"visibility" db:"visibility"`
	// BundlePath references the bundle in the object store; the format is
	// opaque here and resolved by the node.
	BundlePath string       `json:"bundlePath,omitempty" db:"bundle_path"`
	Metadata   PackMetadata `json:"metadata"`
	// ACL lists user ids explicitly granted access to a private pack.
	ACL       []string  `json:"acl,omitempty"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// AccessibleBy returns true if the user may deploy this pack: public packs,
// packs they own, or packs whose ACL names them.
func (p *Pack) AccessibleBy(userID string) bool {
	return p.Visibility == PackPublic || p.OwnerID == userID || lo.Contains(p.ACL, userID)
}

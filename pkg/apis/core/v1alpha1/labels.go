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

// Well-known labels stamped onto pods at creation so that pods can be
// selected by the service that owns them.
const (
	LabelServiceOwner = "flotilla.sh/service-owner"
	LabelServiceID    = "flotilla.sh/service-id"
)

// Roles recognized by the admin surface and the session endpoint.
const (
	RoleAdmin = "admin"
	RoleNode  = "node"
)

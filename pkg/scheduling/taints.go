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

package scheduling

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

// Taints is a decorated alias type for []v1alpha1.Taint
type Taints []v1alpha1.Taint

// Tolerates returns an error unless the tolerations cover every blocking
// taint. PreferNoSchedule taints never block; they only influence ranking.
func (ts Taints) Tolerates(tolerations []v1alpha1.Toleration) (errs error) {
	for i := range ts {
		taint := ts[i]
		if !taint.Effect.Blocking() {
			continue
		}
		if !tolerated(taint, tolerations) {
			errs = multierr.Append(errs, fmt.Errorf("did not tolerate %s=%s:%s", taint.Key, taint.Value, taint.Effect))
		}
	}
	return errs
}

func tolerated(taint v1alpha1.Taint, tolerations []v1alpha1.Toleration) bool {
	for _, tol := range tolerations {
		if tol.Tolerates(taint) {
			return true
		}
	}
	return false
}

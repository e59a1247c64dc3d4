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

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/flotilla-sh/flotilla/pkg/apis/core/v1alpha1"
)

// Requirements is the flattened set of rules a node's labels must satisfy.
type Requirements []v1alpha1.NodeSelectorRequirement

// NewRequirements flattens a node selector and required affinity into a
// single rule set. Preferred affinity is excluded; it only informs ranking.
func NewRequirements(selector map[string]string, affinity *v1alpha1.Affinity) Requirements {
	r := Requirements{}
	for key, value := range selector {
		r = append(r, v1alpha1.NodeSelectorRequirement{
			Key:      key,
			Operator: v1alpha1.NodeSelectorOpIn,
			Values:   []string{value},
		})
	}
	if affinity != nil {
		r = append(r, affinity.Required...)
	}
	return r
}

// Matches returns an error for every requirement the labels do not satisfy.
func (r Requirements) Matches(labels map[string]string) (errs error) {
	for _, req := range r {
		if err := matches(req, labels); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func matches(req v1alpha1.NodeSelectorRequirement, labels map[string]string) error {
	value, ok := labels[req.Key]
	switch req.Operator {
	case v1alpha1.NodeSelectorOpIn:
		if !ok || !lo.Contains(req.Values, value) {
			return fmt.Errorf("%q not in %v, key %s", value, req.Values, req.Key)
		}
	case v1alpha1.NodeSelectorOpNotIn:
		if ok && lo.Contains(req.Values, value) {
			return fmt.Errorf("%q in %v, key %s", value, req.Values, req.Key)
		}
	case v1alpha1.NodeSelectorOpExists:
		if !ok {
			return fmt.Errorf("key %s does not exist", req.Key)
		}
	case v1alpha1.NodeSelectorOpDoesNotExist:
		if ok {
			return fmt.Errorf("key %s exists", req.Key)
		}
	default:
		return fmt.Errorf("unknown operator %q, key %s", req.Operator, req.Key)
	}
	return nil
}
